package storage

import "time"

// BannedUser is a user barred from invoking commands.
type BannedUser struct {
	UserID uint64     `gorm:"primaryKey;autoIncrement:false;column:user_id"`
	Reason string     `gorm:"column:reason;size:255"`
	Since  time.Time  `gorm:"column:since;not null"`
	Until  *time.Time `gorm:"column:until"`
}

// TableName implements gorm's tabler.
func (BannedUser) TableName() string { return "banned_users" }

// Active reports whether the ban is in force at now.
func (b BannedUser) Active(now time.Time) bool {
	return b.Until == nil || now.Before(*b.Until)
}

// WhitelistedGuild is a guild allowed to use the bot.
type WhitelistedGuild struct {
	GuildID   uint64     `gorm:"primaryKey;autoIncrement:false;column:guild_id"`
	GuildName string     `gorm:"column:guild_name;size:255"`
	Since     time.Time  `gorm:"column:since;not null"`
	Until     *time.Time `gorm:"column:until"`
}

// TableName implements gorm's tabler.
func (WhitelistedGuild) TableName() string { return "whitelisted_guilds" }

// Active reports whether the whitelist entry is in force at now.
func (g WhitelistedGuild) Active(now time.Time) bool {
	return g.Until == nil || now.Before(*g.Until)
}
