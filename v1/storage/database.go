package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-fazbot/v1/cache"
	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
)

const defaultBanCacheTTL = 5 * time.Minute

// Database is the persistence resource.
type Database struct {
	db     *gorm.DB
	logger *slog.Logger

	banCache    cache.Cache[bool]
	banCacheTTL time.Duration

	banned      *BannedUsers
	whitelisted *WhitelistedGuilds
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger used by the database.
func WithLogger(l *slog.Logger) Option {
	return func(d *Database) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithBanCache caches ban lookups in c for up to ttl. A ban that expires
// sooner is cached only until it expires.
func WithBanCache(c cache.Cache[bool], ttl time.Duration) Option {
	return func(d *Database) {
		d.banCache = c
		if ttl > 0 {
			d.banCacheTTL = ttl
		}
	}
}

// New wraps an open gorm connection without migrating it.
func New(db *gorm.DB, opts ...Option) *Database {
	d := (&Database{db: db, logger: slog.Default(), banCacheTTL: defaultBanCacheTTL}).apply(opts)
	d.banned = &BannedUsers{db: d}
	d.whitelisted = &WhitelistedGuilds{db: d}
	return d
}

func (d *Database) apply(opts []Option) *Database {
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open connects through dialector and migrates the bot tables.
func Open(dialector gorm.Dialector, opts ...Option) (*Database, error) {
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	d := New(gdb, opts...)
	if err := d.Migrate(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// Migrate creates or updates the bot tables.
func (d *Database) Migrate(ctx context.Context) error {
	if err := d.db.WithContext(ctx).AutoMigrate(&BannedUser{}, &WhitelistedGuild{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// DB returns the underlying connection.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// WithSession runs fn in existing or in a new session on this database.
func (d *Database) WithSession(ctx context.Context, existing *Session, fn func(*Session) error) error {
	return WithSession(ctx, d.db, existing, fn)
}

// BannedUsers returns the banned user repository.
func (d *Database) BannedUsers() *BannedUsers {
	return d.banned
}

// WhitelistedGuilds returns the whitelisted guild repository.
func (d *Database) WhitelistedGuilds() *WhitelistedGuilds {
	return d.whitelisted
}

// Ping checks the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return mapErr(sqlDB.PingContext(ctx))
}

// Close releases the connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ferrors.ErrTimeout, err)
	}
	return err
}
