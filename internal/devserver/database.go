package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"feedsync/internal/observability"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// queryLogger sends GORM's output to the structured logger. Missing rows
// are expected lookups, not errors.
type queryLogger struct {
	log   *slog.Logger
	level logger.LogLevel
	slow  time.Duration
}

func (l queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	l.level = level
	return l
}

func (l queryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l queryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l queryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := l.slow > 0 && elapsed > l.slow

	var lvl slog.Level
	switch {
	case failed && l.level >= logger.Error:
		lvl = slog.LevelError
	case slow && l.level >= logger.Warn:
		lvl = slog.LevelWarn
	case l.level >= logger.Info:
		lvl = slog.LevelDebug
	default:
		return
	}

	sql, rows := fc()
	attrs := []slog.Attr{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
		slog.String("correlation_id", observability.ExtractCorrelationID(ctx)),
	}
	if failed {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.log.LogAttrs(ctx, lvl, "sql query", attrs...)
}

// OpenDatabase connects to sqlite or postgres and migrates the schema.
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: queryLogger{
			log:   observability.GlobalLogger.With("component", "devserver.db"),
			level: logger.Warn,
			slow:  200 * time.Millisecond,
		},
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver != "postgres" {
		// One connection keeps a shared in-memory database alive.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the dev server tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&UserRecord{},
		&PostRecord{},
		&LikeRecord{},
		&CommentRecord{},
		&MessageRecord{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
