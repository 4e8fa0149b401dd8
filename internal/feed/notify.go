package feed

import "feedsync/internal/observability"

// Level is the severity of a user notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a transient user notification.
type Notice struct {
	Level   Level
	Message string
	Err     error
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to the global logger.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(n Notice) {
	args := []any{"level", string(n.Level)}
	if n.Err != nil {
		args = append(args, "error", n.Err.Error())
	}
	switch n.Level {
	case LevelError:
		observability.GlobalLogger.Error(n.Message, args...)
	case LevelWarn:
		observability.GlobalLogger.Warn(n.Message, args...)
	default:
		observability.GlobalLogger.Info(n.Message, args...)
	}
}
