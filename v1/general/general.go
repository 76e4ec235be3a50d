// Package general registers the commands open to every user. Each one is
// guarded by checks.NotBanned.
package general

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mirkobrombin/go-fazbot/v1/asset"
	"github.com/mirkobrombin/go-fazbot/v1/checks"
	"github.com/mirkobrombin/go-fazbot/v1/config"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/resource"
)

// Commands serves the general command set.
type Commands struct {
	coord   *resource.Coordinator
	logger  *slog.Logger
	now     func() time.Time
	started time.Time
}

// Option configures Commands.
type Option func(*Commands)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Commands) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used for uptime.
func WithClock(now func() time.Time) Option {
	return func(c *Commands) {
		c.now = now
	}
}

// New returns the general commands bound to coord.
func New(coord *resource.Coordinator, opts ...Option) *Commands {
	c := &Commands{coord: coord, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	return c
}

// List returns the command definitions.
func (c *Commands) List() []gateway.Command {
	guard := checks.NotBanned(c.coord)
	return []gateway.Command{
		{Name: "help", Description: "Lists the available commands.", Handler: guard(c.help)},
		{Name: "info", Description: "Shows the bot status.", Handler: guard(c.info)},
	}
}

// Register adds every general command to client.
func (c *Commands) Register(client gateway.Client) error {
	for _, cmd := range c.List() {
		if err := client.Register(cmd); err != nil {
			return fmt.Errorf("register %s: %w", cmd.Name, err)
		}
	}
	return nil
}

func (c *Commands) help(ctx context.Context, in *gateway.Interaction) error {
	var cmds []gateway.Command
	if err := c.coord.WithClient(ctx, func(cl gateway.Client) error {
		cmds = cl.Commands()
		return nil
	}); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Available commands:")
	for _, cmd := range cmds {
		fmt.Fprintf(&b, "\n`/%s`", cmd.Name)
		if cmd.Description != "" {
			b.WriteString(" " + cmd.Description)
		}
	}
	return in.Respond(ctx, b.String())
}

func (c *Commands) info(ctx context.Context, in *gateway.Interaction) error {
	var cfgVersion, assetVersion uint64
	var files int
	if err := c.coord.WithConfig(ctx, func(cfg *config.Config) error {
		cfgVersion = cfg.Version()
		return nil
	}); err != nil {
		return err
	}
	if err := c.coord.WithAsset(ctx, func(cat *asset.Catalog) error {
		assetVersion, files = cat.Version(), len(cat.Names())
		return nil
	}); err != nil {
		return err
	}
	uptime := c.now().Sub(c.started).Truncate(time.Second)
	c.logger.Debug("fazbot: info requested", "user", in.UserID)
	return in.Respond(ctx, fmt.Sprintf("Up %s. Config version %d, %d asset files (version %d).", uptime, cfgVersion, files, assetVersion))
}
