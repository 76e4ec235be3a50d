package config

import (
	"errors"
	"fmt"
	"strconv"
)

// Environment keys read by Parse.
const (
	KeyDiscordBotToken      = "DISCORD_BOT_TOKEN"
	KeyAdminDiscordID       = "ADMIN_DISCORD_ID"
	KeyDevServerID          = "DEV_SERVER_ID"
	KeyDiscordLogWebhook    = "DISCORD_LOG_WEBHOOK"
	KeyDiscordStatusWebhook = "DISCORD_STATUS_WEBHOOK"
	KeyFazbotDBMaxRetries   = "FAZBOT_DB_MAX_RETRIES"
	KeyMySQLHost            = "MYSQL_HOST"
	KeyMySQLPort            = "MYSQL_PORT"
	KeyMySQLUser            = "MYSQL_USER"
	KeyMySQLPassword        = "MYSQL_PASSWORD"
	KeyMySQLFazbotDatabase  = "MYSQL_FAZBOT_DATABASE"
	KeyGatewayURL           = "GATEWAY_URL"
	KeyAssetDir             = "ASSET_DIR"
	KeyRedisAddr            = "REDIS_ADDR"
	KeyNATSURL              = "NATS_URL"
)

const (
	defaultMySQLPort    = 3306
	defaultMaxRetries   = 5
	defaultAssetDirName = "asset"
)

// MySQL holds the database connection settings.
type MySQL struct {
	Host           string
	Port           int
	User           string
	Password       string
	FazbotDatabase string
}

// Settings is an immutable snapshot of the bot configuration.
type Settings struct {
	DiscordBotToken      string
	AdminDiscordID       uint64
	DevServerID          uint64
	DiscordLogWebhook    string
	DiscordStatusWebhook string
	FazbotDBMaxRetries   int
	MySQL                MySQL
	GatewayURL           string
	AssetDir             string
	RedisAddr            string
	NATSURL              string
}

// IsAdmin reports whether userID is the configured administrator.
func (s Settings) IsAdmin(userID uint64) bool {
	return s.AdminDiscordID != 0 && userID == s.AdminDiscordID
}

// Parse builds Settings from raw values. Every missing or malformed key is
// reported in the returned error.
func Parse(values map[string]string) (Settings, error) {
	p := parser{values: values}
	s := Settings{
		DiscordBotToken:      p.required(KeyDiscordBotToken),
		AdminDiscordID:       p.id(KeyAdminDiscordID, true),
		DevServerID:          p.id(KeyDevServerID, false),
		DiscordLogWebhook:    values[KeyDiscordLogWebhook],
		DiscordStatusWebhook: values[KeyDiscordStatusWebhook],
		FazbotDBMaxRetries:   p.int(KeyFazbotDBMaxRetries, defaultMaxRetries),
		MySQL: MySQL{
			Host:           p.required(KeyMySQLHost),
			Port:           p.int(KeyMySQLPort, defaultMySQLPort),
			User:           p.required(KeyMySQLUser),
			Password:       values[KeyMySQLPassword],
			FazbotDatabase: p.required(KeyMySQLFazbotDatabase),
		},
		GatewayURL: p.required(KeyGatewayURL),
		AssetDir:   values[KeyAssetDir],
		RedisAddr:  values[KeyRedisAddr],
		NATSURL:    values[KeyNATSURL],
	}
	if s.AssetDir == "" {
		s.AssetDir = defaultAssetDirName
	}
	if err := errors.Join(p.errs...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

type parser struct {
	values map[string]string
	errs   []error
}

func (p *parser) required(key string) string {
	v := p.values[key]
	if v == "" {
		p.errs = append(p.errs, fmt.Errorf("%s is not set", key))
	}
	return v
}

func (p *parser) id(key string, required bool) uint64 {
	v := p.values[key]
	if v == "" {
		if required {
			p.errs = append(p.errs, fmt.Errorf("%s is not set", key))
		}
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func (p *parser) int(key string, def int) int {
	v := p.values[key]
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	if n < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: must not be negative", key))
		return def
	}
	return n
}
