// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger for the component loggers below.
type Logger struct {
	*slog.Logger
}

// GlobalLogger writes JSON lines to stderr; stdout belongs to command output.
var GlobalLogger *Logger

var logLevel = new(slog.LevelVar)

func init() {
	SetOutput(os.Stderr)
}

// SetOutput redirects GlobalLogger, keeping the current level.
func SetOutput(w io.Writer) {
	GlobalLogger = &Logger{Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))}
}

// SetLevel changes the level of GlobalLogger. Unknown names fall back to info.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

type correlationKey struct{}

// WithCorrelationID tags ctx so repository and mutation logs can be joined
// to the request or command that caused them.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func ExtractCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func withFields(attrs []any, fields map[string]interface{}) []any {
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// RepoLogger logs dev server persistence operations for one table.
type RepoLogger struct {
	table  string
	logger *Logger
}

func NewRepoLogger(table string) *RepoLogger {
	return &RepoLogger{table: table, logger: GlobalLogger}
}

func (l *RepoLogger) attrs(ctx context.Context, operation string) []any {
	return []any{
		slog.String("table", l.table),
		slog.String("operation", operation),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	}
}

// LogCreate logs an inserted row at debug level.
func (l *RepoLogger) LogCreate(ctx context.Context, fields map[string]interface{}) {
	l.logger.DebugContext(ctx, "row created", withFields(l.attrs(ctx, "create"), fields)...)
}

func (l *RepoLogger) LogError(ctx context.Context, err error, operation string) {
	l.logger.ErrorContext(ctx, "repository error", append(l.attrs(ctx, operation), slog.String("error", err.Error()))...)
}

// TransportLogger logs realtime connection activity, on both the client
// transport and the dev server hub.
type TransportLogger struct {
	component string
	logger    *Logger
}

func NewTransportLogger(component string) *TransportLogger {
	return &TransportLogger{component: component, logger: GlobalLogger}
}

func (l *TransportLogger) with(userID string) *slog.Logger {
	return l.logger.With(slog.String("component", l.component), slog.String("user_id", userID))
}

func (l *TransportLogger) LogConnect(ctx context.Context, userID, endpoint string) {
	l.with(userID).InfoContext(ctx, "websocket connected", slog.String("endpoint", endpoint))
}

func (l *TransportLogger) LogDisconnect(ctx context.Context, userID, reason string) {
	l.with(userID).InfoContext(ctx, "websocket disconnected", slog.String("reason", reason))
}

// LogError logs a failure while handling eventType for userID.
func (l *TransportLogger) LogError(ctx context.Context, userID string, err error, eventType string) {
	l.with(userID).ErrorContext(ctx, "websocket error",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogEvent logs one frame; direction is "in" or "out".
func (l *TransportLogger) LogEvent(ctx context.Context, userID, direction, eventType string) {
	l.with(userID).DebugContext(ctx, "websocket event",
		slog.String("direction", direction),
		slog.String("event_type", eventType),
	)
}

// LogLifecycle logs a state change, room join or reconnect scheduling.
func (l *TransportLogger) LogLifecycle(ctx context.Context, event string, fields map[string]interface{}) {
	attrs := withFields([]any{slog.String("component", l.component), slog.String("event", event)}, fields)
	l.logger.InfoContext(ctx, "websocket lifecycle", attrs...)
}

func asyncAttrs(ctx context.Context, operation, phase string, fields map[string]interface{}) []any {
	return withFields([]any{
		slog.String("operation", operation),
		slog.String("type", phase),
		slog.String("correlation_id", ExtractCorrelationID(ctx)),
	}, fields)
}

// LogAsyncOperationStart logs an optimistic mutation being sent.
func LogAsyncOperationStart(ctx context.Context, operation string, fields map[string]interface{}) {
	GlobalLogger.DebugContext(ctx, "async operation started", asyncAttrs(ctx, operation, "async_start", fields)...)
}

// LogAsyncOperationEnd logs a mutation the server confirmed.
func LogAsyncOperationEnd(ctx context.Context, operation string, fields map[string]interface{}) {
	GlobalLogger.DebugContext(ctx, "async operation completed", asyncAttrs(ctx, operation, "async_end", fields)...)
}

// LogAsyncOperationError logs a mutation that failed and was rolled back.
func LogAsyncOperationError(ctx context.Context, operation string, err error, fields map[string]interface{}) {
	attrs := append(asyncAttrs(ctx, operation, "async_error", fields), slog.String("error", err.Error()))
	GlobalLogger.ErrorContext(ctx, "async operation failed", attrs...)
}
