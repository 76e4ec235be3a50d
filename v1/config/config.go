// Package config holds the bot configuration resource. A Config is not safe
// for concurrent use on its own; it is shared through resource.Coordinator,
// whose lock serializes every read and reload.
package config

import (
	"context"
	"fmt"
	"log/slog"

	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
)

// Config is the reloadable configuration resource.
type Config struct {
	source   Source
	logger   *slog.Logger
	settings Settings
	version  uint64
}

// Option configures a Config.
type Option func(*Config)

// WithLogger sets the logger used to report reloads.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns an empty Config reading from source. Call Reload before use.
func New(source Source, opts ...Option) *Config {
	c := &Config{source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns a Config that has been read once.
func Load(ctx context.Context, source Source, opts ...Option) (*Config, error) {
	c := New(source, opts...)
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the source and replaces the settings. On failure the
// previous settings are kept and the error wraps ErrResourceReload.
func (c *Config) Reload(ctx context.Context) error {
	values, err := c.source.Read(ctx)
	if err != nil {
		return fmt.Errorf("%w: config: %w", ferrors.ErrResourceReload, err)
	}
	s, err := Parse(values)
	if err != nil {
		c.logger.Warn("fazbot: config reload rejected", "error", err)
		return fmt.Errorf("%w: config: %w", ferrors.ErrResourceReload, err)
	}
	c.settings = s
	c.version++
	c.logger.Debug("fazbot: config reloaded", "version", c.version)
	return nil
}

// Settings returns a copy of the current settings.
func (c *Config) Settings() Settings {
	return c.settings
}

// Version counts successful reloads.
func (c *Config) Version() uint64 {
	return c.version
}
