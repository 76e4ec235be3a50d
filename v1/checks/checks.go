// Package checks holds the permission guards wrapped around command
// handlers. A guard that refuses an invocation answers it with an error
// message and returns its sentinel error, so the handler never runs.
package checks

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mirkobrombin/go-fazbot/v1/config"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/resource"
	"github.com/mirkobrombin/go-fazbot/v1/storage"
)

var (
	// ErrForbidden is returned when a non-admin user invokes an admin command.
	ErrForbidden = errors.New("checks: forbidden")
	// ErrBanned is returned when a user with a ban in force invokes a command.
	ErrBanned = errors.New("checks: user is banned")
)

// Guard wraps a handler.
type Guard func(gateway.Handler) gateway.Handler

// AdminOnly refuses every user except the configured admin.
func AdminOnly(coord *resource.Coordinator, logger *slog.Logger) Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return func(h gateway.Handler) gateway.Handler {
		return func(ctx context.Context, in *gateway.Interaction) error {
			var admin bool
			if err := coord.WithConfig(ctx, func(cfg *config.Config) error {
				admin = cfg.Settings().IsAdmin(in.UserID)
				return nil
			}); err != nil {
				return err
			}
			logger.Debug("fazbot: admin check", "command", in.Command, "user", in.UserID, "admin", admin)
			if !admin {
				_ = in.RespondError(ctx, "You are not allowed to use this command.")
				return ErrForbidden
			}
			return h(ctx, in)
		}
	}
}

// NotBanned refuses users with a ban in force. The lookup goes through the
// storage's ban cache when one is configured.
func NotBanned(coord *resource.Coordinator) Guard {
	return func(h gateway.Handler) gateway.Handler {
		return func(ctx context.Context, in *gateway.Interaction) error {
			var banned bool
			err := coord.WithStorage(ctx, func(db *storage.Database) error {
				return db.WithSession(ctx, nil, func(s *storage.Session) error {
					var err error
					banned, err = db.BannedUsers().IsBanned(ctx, s, in.UserID)
					return err
				})
			})
			if err != nil {
				return err
			}
			if banned {
				_ = in.RespondError(ctx, "You are banned from using this bot.")
				return ErrBanned
			}
			return h(ctx, in)
		}
	}
}
