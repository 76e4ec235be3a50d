// Package admin registers the operator commands. Every command is restricted
// to the configured admin user and reaches shared resources only through the
// coordinator's scoped accessors.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-fazbot/v1/asset"
	"github.com/mirkobrombin/go-fazbot/v1/checks"
	"github.com/mirkobrombin/go-fazbot/v1/config"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/resource"
	"github.com/mirkobrombin/go-fazbot/v1/storage"
)

var (
	// ErrForbidden is returned when a non-admin user invokes an admin command.
	ErrForbidden = checks.ErrForbidden
	// ErrSyncUnsupported is returned by Sync when the client cannot announce
	// commands per guild.
	ErrSyncUnsupported = errors.New("admin: client cannot sync commands")
)

// Stopper stops the runtime.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Commands serves the admin command set.
type Commands struct {
	coord   *resource.Coordinator
	stopper Stopper
	logger  *slog.Logger
	now     func() time.Time
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

// WithClock overrides the time source used for ban and whitelist records.
func WithClock(now func() time.Time) Option {
	return func(c *Commands) {
		c.now = now
	}
}

// New returns the admin commands bound to coord. stopper serves shutdown.
func New(coord *resource.Coordinator, stopper Stopper, opts ...Option) *Commands {
	c := &Commands{
		coord:   coord,
		stopper: stopper,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns the command definitions.
func (c *Commands) List() []gateway.Command {
	guard := checks.AdminOnly(c.coord, c.logger)
	return []gateway.Command{
		{Name: "echo", Description: "Echoes a message.", Handler: guard(c.echo)},
		{Name: "reload_config", Description: "Reloads configs.", Handler: guard(c.reloadConfig)},
		{Name: "reload_asset", Description: "Reloads asset.", Handler: guard(c.reloadAsset)},
		{Name: "ban", Description: "Bans an user from using the bot.", Handler: guard(c.ban)},
		{Name: "unban", Description: "Unbans an user from using the bot.", Handler: guard(c.unban)},
		{Name: "whitelist", Description: "Whitelists a guild.", Handler: guard(c.whitelist)},
		{Name: "unwhitelist", Description: "Unwhitelists a guild.", Handler: guard(c.unwhitelist)},
		{Name: "sync", Description: "Synchronizes app commands across all whitelisted guilds.", Handler: guard(c.sync)},
		{Name: "sync_guild", Description: "Syncs app commands for a specific guild.", Handler: guard(c.syncGuild)},
		{Name: "shutdown", Description: "Shuts down the bot.", Handler: guard(c.shutdown)},
	}
}

// Register adds every admin command to client.
func (c *Commands) Register(client gateway.Client) error {
	for _, cmd := range c.List() {
		if err := client.Register(cmd); err != nil {
			return fmt.Errorf("register %s: %w", cmd.Name, err)
		}
	}
	return nil
}

func (c *Commands) echo(ctx context.Context, in *gateway.Interaction) error {
	return in.Respond(ctx, in.Option("message"))
}

func (c *Commands) reloadConfig(ctx context.Context, in *gateway.Interaction) error {
	if err := c.coord.ReloadConfig(ctx); err != nil {
		_ = in.RespondError(ctx, fmt.Sprintf("Failed reloading config: %v", err))
		return err
	}
	return in.Respond(ctx, "Reloaded config successfully.")
}

func (c *Commands) reloadAsset(ctx context.Context, in *gateway.Interaction) error {
	if err := c.coord.ReloadAsset(ctx); err != nil {
		_ = in.RespondError(ctx, fmt.Sprintf("Failed reloading asset: %v", err))
		return err
	}
	var n int
	_ = c.coord.WithAsset(ctx, func(cat *asset.Catalog) error {
		n = len(cat.Names())
		return nil
	})
	return in.Respond(ctx, fmt.Sprintf("Reloaded asset successfully (%d files).", n))
}

func (c *Commands) ban(ctx context.Context, in *gateway.Interaction) error {
	userID, ok := c.id(ctx, in, "user_id")
	if !ok {
		return nil
	}
	until, ok := c.until(ctx, in)
	if !ok {
		return nil
	}
	var exists bool
	err := c.session(ctx, func(db *storage.Database, s *storage.Session) error {
		repo := db.BannedUsers()
		prev, found, err := repo.Get(ctx, s, userID)
		if err != nil {
			return err
		}
		if exists = found && prev.Active(c.now()); exists {
			return nil
		}
		if found {
			if _, err := repo.Delete(ctx, s, userID); err != nil {
				return err
			}
		}
		return repo.Insert(ctx, s, storage.BannedUser{
			UserID: userID,
			Reason: in.Option("reason"),
			Since:  c.now(),
			Until:  until,
		})
	})
	if err != nil {
		return err
	}
	if exists {
		return in.RespondError(ctx, fmt.Sprintf("User `%d` is already banned.", userID))
	}
	return in.Respond(ctx, fmt.Sprintf("Banned user `%d`.", userID))
}

func (c *Commands) unban(ctx context.Context, in *gateway.Interaction) error {
	userID, ok := c.id(ctx, in, "user_id")
	if !ok {
		return nil
	}
	var deleted bool
	err := c.session(ctx, func(db *storage.Database, s *storage.Session) error {
		var err error
		deleted, err = db.BannedUsers().Delete(ctx, s, userID)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return in.RespondError(ctx, fmt.Sprintf("User `%d` is not banned.", userID))
	}
	return in.Respond(ctx, fmt.Sprintf("Unbanned user `%d`.", userID))
}

func (c *Commands) whitelist(ctx context.Context, in *gateway.Interaction) error {
	guildID, ok := c.id(ctx, in, "guild_id")
	if !ok {
		return nil
	}
	until, ok := c.until(ctx, in)
	if !ok {
		return nil
	}
	var exists bool
	err := c.session(ctx, func(db *storage.Database, s *storage.Session) error {
		repo := db.WhitelistedGuilds()
		var err error
		if exists, err = repo.IsWhitelisted(ctx, s, guildID); err != nil || exists {
			return err
		}
		// An expired entry still occupies the key.
		if _, err = repo.Delete(ctx, s, guildID); err != nil {
			return err
		}
		return repo.Insert(ctx, s, storage.WhitelistedGuild{
			GuildID:   guildID,
			GuildName: in.Option("guild_name"),
			Since:     c.now(),
			Until:     until,
		})
	})
	if err != nil {
		return err
	}
	if exists {
		return in.RespondError(ctx, fmt.Sprintf("Guild `%d` is already whitelisted.", guildID))
	}
	return in.Respond(ctx, fmt.Sprintf("Whitelisted guild `%d`.", guildID))
}

func (c *Commands) unwhitelist(ctx context.Context, in *gateway.Interaction) error {
	guildID, ok := c.id(ctx, in, "guild_id")
	if !ok {
		return nil
	}
	var deleted bool
	err := c.session(ctx, func(db *storage.Database, s *storage.Session) error {
		var err error
		deleted, err = db.WhitelistedGuilds().Delete(ctx, s, guildID)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return in.RespondError(ctx, fmt.Sprintf("Guild `%d` is not whitelisted.", guildID))
	}
	return in.Respond(ctx, fmt.Sprintf("Unwhitelisted guild `%d`.", guildID))
}

// Sync announces the registered commands to every whitelisted guild and to
// the development server, when one is configured. It returns the number of
// guilds synced.
func (c *Commands) Sync(ctx context.Context) (int, error) {
	var dev uint64
	if err := c.coord.WithConfig(ctx, func(cfg *config.Config) error {
		dev = cfg.Settings().DevServerID
		return nil
	}); err != nil {
		return 0, err
	}
	var ids []uint64
	if err := c.session(ctx, func(db *storage.Database, s *storage.Session) error {
		var err error
		ids, err = db.WhitelistedGuilds().GuildIDs(ctx, s)
		return err
	}); err != nil {
		return 0, err
	}
	if dev != 0 && !slices.Contains(ids, dev) {
		ids = append(ids, dev)
	}
	return len(ids), c.syncTo(ctx, ids)
}

func (c *Commands) syncTo(ctx context.Context, ids []uint64) error {
	return c.coord.WithClient(ctx, func(cl gateway.Client) error {
		s, ok := cl.(gateway.Syncer)
		if !ok {
			return ErrSyncUnsupported
		}
		return s.Sync(ctx, ids)
	})
}

func (c *Commands) sync(ctx context.Context, in *gateway.Interaction) error {
	n, err := c.Sync(ctx)
	if err != nil {
		_ = in.RespondError(ctx, fmt.Sprintf("Failed synchronizing app commands: %v", err))
		return err
	}
	return in.Respond(ctx, fmt.Sprintf("Synchronized app commands across %d guilds.", n))
}

func (c *Commands) syncGuild(ctx context.Context, in *gateway.Interaction) error {
	guildID, ok := c.id(ctx, in, "guild_id")
	if !ok {
		return nil
	}
	var whitelisted bool
	err := c.session(ctx, func(db *storage.Database, s *storage.Session) error {
		var err error
		whitelisted, err = db.WhitelistedGuilds().IsWhitelisted(ctx, s, guildID)
		return err
	})
	if err != nil {
		return err
	}
	if !whitelisted {
		return in.RespondError(ctx, fmt.Sprintf("Guild `%d` is not whitelisted. Whitelist it first with `/whitelist`.", guildID))
	}
	if err := c.syncTo(ctx, []uint64{guildID}); err != nil {
		_ = in.RespondError(ctx, fmt.Sprintf("Failed synchronizing app commands: %v", err))
		return err
	}
	return in.Respond(ctx, fmt.Sprintf("Synchronized app commands for guild `%d`.", guildID))
}

func (c *Commands) shutdown(ctx context.Context, in *gateway.Interaction) error {
	if err := in.Respond(ctx, "Shutting down..."); err != nil {
		c.logger.Warn("fazbot: shutdown response failed", "error", err)
	}
	return c.stopper.Stop(ctx)
}

// session runs fn inside the storage scope and a single transaction.
func (c *Commands) session(ctx context.Context, fn func(*storage.Database, *storage.Session) error) error {
	return c.coord.WithStorage(ctx, func(db *storage.Database) error {
		return db.WithSession(ctx, nil, func(s *storage.Session) error {
			return fn(db, s)
		})
	})
}

func (c *Commands) id(ctx context.Context, in *gateway.Interaction, option string) (uint64, bool) {
	raw := in.Option(option)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		_ = in.RespondError(ctx, fmt.Sprintf("Invalid %s `%s`.", option, raw))
		return 0, false
	}
	return id, true
}

func (c *Commands) until(ctx context.Context, in *gateway.Interaction) (*time.Time, bool) {
	raw := in.Option("until")
	if raw == "" {
		return nil, true
	}
	t, err := ParseDate(raw)
	if err != nil {
		_ = in.RespondError(ctx, fmt.Sprintf("Failed parsing %s into a date.", raw))
		return nil, false
	}
	return &t, true
}
