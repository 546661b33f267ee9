package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const DefaultSQLiteDSN = "facilitator.db"

type Option func(*options)

type options struct {
	logger        *zerolog.Logger
	slowThreshold time.Duration
}

// WithLogger routes gorm's own logging through logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

func WithSlowQueryThreshold(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.slowThreshold = d
		}
	}
}

func OpenGorm(driver, dsn string, opts ...Option) (*gorm.DB, error) {
	o := options{slowThreshold: 200 * time.Millisecond}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver == "sqlite" {
			dsn = DefaultSQLiteDSN
		} else {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
	}

	cfg := &gorm.Config{Logger: gormlogger.Discard}
	if o.logger != nil {
		cfg.Logger = &zerologGorm{logger: *o.logger, slow: o.slowThreshold, level: gormlogger.Warn}
	}

	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		gormDB, err := gorm.Open(sqliteDriver.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		return gormDB, nil
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	if raw == "" {
		return "", false
	}
	if strings.EqualFold(raw, ":memory:") {
		return "", false
	}
	if strings.HasPrefix(strings.ToLower(raw), "file::memory:") {
		return "", false
	}

	if strings.HasPrefix(strings.ToLower(raw), "file:") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return splitSQLitePath(raw), true
		}
		if strings.EqualFold(strings.TrimSpace(parsed.Query().Get("mode")), "memory") {
			return "", false
		}
		if strings.HasPrefix(strings.ToLower(parsed.Path), ":memory:") {
			return "", false
		}
		if parsed.Path != "" {
			return parsed.Path, true
		}
		if parsed.Opaque != "" {
			return splitSQLitePath(strings.TrimPrefix(raw, "file:")), true
		}
		return "", false
	}

	return splitSQLitePath(raw), true
}

func splitSQLitePath(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}

// zerologGorm adapts zerolog to gorm's logger interface.
type zerologGorm struct {
	logger zerolog.Logger
	slow   time.Duration
	level  gormlogger.LogLevel
}

func (l *zerologGorm) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *zerologGorm) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Info().Msgf(msg, args...)
	}
}

func (l *zerologGorm) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn().Msgf(msg, args...)
	}
}

func (l *zerologGorm) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Error().Msgf(msg, args...)
	}
}

func (l *zerologGorm) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("gorm query failed")
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow gorm query")
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.Debug().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("gorm query")
	}
}
