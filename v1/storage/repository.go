package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// BannedUsers stores banned users.
type BannedUsers struct {
	db *Database
}

// Get returns the ban record for userID, expired or not.
func (r *BannedUsers) Get(ctx context.Context, s *Session, userID uint64) (BannedUser, bool, error) {
	var u BannedUser
	var found bool
	err := r.db.WithSession(ctx, s, func(s *Session) error {
		err := s.DB().WithContext(ctx).Where("user_id = ?", userID).Take(&u).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return mapErr(err)
		}
		found = true
		return nil
	})
	return u, found, err
}

// IsBanned reports whether userID has a ban in force. Results are cached
// after the enclosing session commits.
func (r *BannedUsers) IsBanned(ctx context.Context, s *Session, userID uint64) (bool, error) {
	key := banKey(userID)
	if c := r.db.banCache; c != nil {
		if v, ok, err := c.Get(ctx, key); err == nil && ok {
			return v, nil
		}
	}
	var banned bool
	err := r.db.WithSession(ctx, s, func(s *Session) error {
		u, found, err := r.Get(ctx, s, userID)
		if err != nil {
			return err
		}
		now := time.Now()
		banned = found && u.Active(now)
		if c := r.db.banCache; c != nil {
			ttl := r.db.banCacheTTL
			if banned && u.Until != nil && u.Until.Sub(now) < ttl {
				ttl = u.Until.Sub(now)
			}
			s.AfterCommit(func(ctx context.Context) {
				_ = c.Set(ctx, key, banned, ttl)
			})
		}
		return nil
	})
	return banned, err
}

// Insert stores a ban.
func (r *BannedUsers) Insert(ctx context.Context, s *Session, u BannedUser) error {
	return r.db.WithSession(ctx, s, func(s *Session) error {
		if err := s.DB().WithContext(ctx).Create(&u).Error; err != nil {
			return mapErr(err)
		}
		r.invalidate(ctx, s, u.UserID)
		return nil
	})
}

// Delete removes the ban for userID and reports whether one existed.
func (r *BannedUsers) Delete(ctx context.Context, s *Session, userID uint64) (bool, error) {
	var deleted bool
	err := r.db.WithSession(ctx, s, func(s *Session) error {
		res := s.DB().WithContext(ctx).Where("user_id = ?", userID).Delete(&BannedUser{})
		if res.Error != nil {
			return mapErr(res.Error)
		}
		deleted = res.RowsAffected > 0
		r.invalidate(ctx, s, userID)
		return nil
	})
	return deleted, err
}

func (r *BannedUsers) invalidate(ctx context.Context, s *Session, userID uint64) {
	c := r.db.banCache
	if c == nil {
		return
	}
	key := banKey(userID)
	_ = c.Invalidate(ctx, key)
	s.AfterCommit(func(ctx context.Context) {
		_ = c.Invalidate(ctx, key)
	})
}

func banKey(userID uint64) string {
	return "ban:" + strconv.FormatUint(userID, 10)
}

// WhitelistedGuilds stores whitelisted guilds.
type WhitelistedGuilds struct {
	db *Database
}

// IsWhitelisted reports whether guildID has a whitelist entry in force.
func (r *WhitelistedGuilds) IsWhitelisted(ctx context.Context, s *Session, guildID uint64) (bool, error) {
	var ok bool
	err := r.db.WithSession(ctx, s, func(s *Session) error {
		var g WhitelistedGuild
		err := s.DB().WithContext(ctx).Where("guild_id = ?", guildID).Take(&g).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return mapErr(err)
		}
		ok = g.Active(time.Now())
		return nil
	})
	return ok, err
}

// Insert stores a whitelist entry.
func (r *WhitelistedGuilds) Insert(ctx context.Context, s *Session, g WhitelistedGuild) error {
	return r.db.WithSession(ctx, s, func(s *Session) error {
		return mapErr(s.DB().WithContext(ctx).Create(&g).Error)
	})
}

// Delete removes the entry for guildID and reports whether one existed.
func (r *WhitelistedGuilds) Delete(ctx context.Context, s *Session, guildID uint64) (bool, error) {
	var deleted bool
	err := r.db.WithSession(ctx, s, func(s *Session) error {
		res := s.DB().WithContext(ctx).Where("guild_id = ?", guildID).Delete(&WhitelistedGuild{})
		if res.Error != nil {
			return mapErr(res.Error)
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// GuildIDs lists every whitelisted guild id, expired entries included.
func (r *WhitelistedGuilds) GuildIDs(ctx context.Context, s *Session) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithSession(ctx, s, func(s *Session) error {
		return mapErr(s.DB().WithContext(ctx).Model(&WhitelistedGuild{}).Order("guild_id").Pluck("guild_id", &ids).Error)
	})
	return ids, err
}
