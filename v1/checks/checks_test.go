package checks

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-fazbot/v1/cache"
	"github.com/mirkobrombin/go-fazbot/v1/config"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/resource"
	"github.com/mirkobrombin/go-fazbot/v1/storage"
)

func newCoordinator(t *testing.T) (*resource.Coordinator, *storage.Database) {
	t.Helper()
	ctx := context.Background()
	cfg, err := config.Load(ctx, config.MapSource{
		config.KeyDiscordBotToken:     "token",
		config.KeyAdminDiscordID:      "1001",
		config.KeyMySQLHost:           "db",
		config.KeyMySQLUser:           "bot",
		config.KeyMySQLFazbotDatabase: "fazbot",
		config.KeyGatewayURL:          "ws://localhost/gateway",
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := storage.New(gdb, storage.WithBanCache(cache.NewInMemory[bool](), time.Minute))
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return resource.New(resource.Resources{Config: cfg, Storage: db}), db
}

type call struct {
	resp gateway.Response
	ran  bool
}

func invoke(g Guard, user uint64) (call, error) {
	var c call
	in := gateway.NewInteraction("i-1", "help", user, 0, nil, func(_ context.Context, r gateway.Response) error {
		c.resp = r
		return nil
	})
	err := g(func(ctx context.Context, in *gateway.Interaction) error {
		c.ran = true
		return in.Respond(ctx, "ok")
	})(context.Background(), in)
	return c, err
}

func TestAdminOnly(t *testing.T) {
	coord, _ := newCoordinator(t)
	guard := AdminOnly(coord, nil)

	c, err := invoke(guard, 1001)
	if err != nil || !c.ran || c.resp.Error {
		t.Fatalf("admin refused: %v %+v", err, c)
	}
	c, err = invoke(guard, 42)
	if !errors.Is(err, ErrForbidden) || c.ran || !c.resp.Error {
		t.Fatalf("non-admin allowed: %v %+v", err, c)
	}
}

func TestNotBannedRefusesUntilUnbanned(t *testing.T) {
	coord, db := newCoordinator(t)
	ctx := context.Background()
	guard := NotBanned(coord)

	if c, err := invoke(guard, 7); err != nil || !c.ran {
		t.Fatalf("unbanned user refused: %v %+v", err, c)
	}
	if err := db.BannedUsers().Insert(ctx, nil, storage.BannedUser{UserID: 7, Since: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c, err := invoke(guard, 7)
	if !errors.Is(err, ErrBanned) || c.ran {
		t.Fatalf("banned user allowed: %v %+v", err, c)
	}
	if !c.resp.Error || c.resp.Content != "You are banned from using this bot." {
		t.Fatalf("unexpected response %+v", c.resp)
	}
	// Cached verdict.
	if _, err := invoke(guard, 7); !errors.Is(err, ErrBanned) {
		t.Fatalf("second call: %v", err)
	}

	if _, err := db.BannedUsers().Delete(ctx, nil, 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c, err := invoke(guard, 7); err != nil || !c.ran || c.resp.Error {
		t.Fatalf("unbanned user still refused: %v %+v", err, c)
	}
}

func TestNotBannedIgnoresExpiredBan(t *testing.T) {
	coord, db := newCoordinator(t)
	past := time.Now().Add(-time.Hour)
	if err := db.BannedUsers().Insert(context.Background(), nil, storage.BannedUser{UserID: 8, Since: past.Add(-time.Hour), Until: &past}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if c, err := invoke(NotBanned(coord), 8); err != nil || !c.ran {
		t.Fatalf("expired ban enforced: %v %+v", err, c)
	}
}

func TestNotBannedWithoutStorage(t *testing.T) {
	coord := resource.New(resource.Resources{})
	if _, err := invoke(NotBanned(coord), 7); !errors.Is(err, resource.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
