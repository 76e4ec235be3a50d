package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const defaultRetryDelay = 2 * time.Second

// MySQLConfig describes a MySQL connection.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// MaxRetries is the number of additional attempts after the first failed
	// connection.
	MaxRetries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// DSN returns the go-sql-driver data source name.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// OpenMySQL connects to MySQL, retrying up to cfg.MaxRetries times.
func OpenMySQL(ctx context.Context, cfg MySQLConfig, opts ...Option) (*Database, error) {
	return openWithRetry(ctx, cfg.MaxRetries, cfg.RetryDelay, func() gorm.Dialector {
		return mysql.Open(cfg.DSN())
	}, opts...)
}

func openWithRetry(ctx context.Context, retries int, delay time.Duration, dialector func() gorm.Dialector, opts ...Option) (*Database, error) {
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	log := (&Database{logger: slog.Default()}).apply(opts).logger
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, mapErr(ctx.Err())
			case <-t.C:
			}
		}
		db, err := Open(dialector(), opts...)
		if err == nil {
			return db, nil
		}
		lastErr = err
		log.Warn("fazbot: database connection failed",
			slog.Int("attempt", attempt+1), slog.Int("max_attempts", retries+1), slog.Any("error", err))
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", retries+1, lastErr)
}
