package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-fazbot/v1/cache"
)

func newTestDatabase(t *testing.T, opts ...Option) *Database {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := New(gdb, opts...)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBannedUsersLifecycle(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	repo := db.BannedUsers()

	if banned, err := repo.IsBanned(ctx, nil, 7); err != nil || banned {
		t.Fatalf("expected not banned, got %v err %v", banned, err)
	}
	if err := repo.Insert(ctx, nil, BannedUser{UserID: 7, Reason: "spam", Since: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if banned, err := repo.IsBanned(ctx, nil, 7); err != nil || !banned {
		t.Fatalf("expected banned, got %v err %v", banned, err)
	}
	u, found, err := repo.Get(ctx, nil, 7)
	if err != nil || !found || u.Reason != "spam" {
		t.Fatalf("get: %+v found %v err %v", u, found, err)
	}
	if err := repo.Insert(ctx, nil, BannedUser{UserID: 7, Since: time.Now()}); err == nil {
		t.Fatal("expected duplicate insert to fail")
	}
	if deleted, err := repo.Delete(ctx, nil, 7); err != nil || !deleted {
		t.Fatalf("delete: %v deleted %v", err, deleted)
	}
	if deleted, err := repo.Delete(ctx, nil, 7); err != nil || deleted {
		t.Fatalf("second delete should report nothing, got %v err %v", deleted, err)
	}
}

func TestExpiredBanIsNotActive(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	if err := db.BannedUsers().Insert(ctx, nil, BannedUser{UserID: 9, Since: past.Add(-time.Hour), Until: &past}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if banned, err := db.BannedUsers().IsBanned(ctx, nil, 9); err != nil || banned {
		t.Fatalf("expired ban reported active: %v err %v", banned, err)
	}
}

func TestCheckThenWriteInOneSession(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	repo := db.BannedUsers()

	err := db.WithSession(ctx, nil, func(s *Session) error {
		banned, err := repo.IsBanned(ctx, s, 11)
		if err != nil || banned {
			t.Fatalf("precheck: %v %v", banned, err)
		}
		return repo.Insert(ctx, s, BannedUser{UserID: 11, Since: time.Now()})
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if banned, _ := repo.IsBanned(ctx, nil, 11); !banned {
		t.Fatal("write not committed")
	}
}

func TestFailedSessionDiscardsWrites(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithSession(ctx, nil, func(s *Session) error {
		if err := db.WhitelistedGuilds().Insert(ctx, s, WhitelistedGuild{GuildID: 5, GuildName: "g", Since: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ok, _ := db.WhitelistedGuilds().IsWhitelisted(ctx, nil, 5); ok {
		t.Fatal("rolled back write is visible")
	}
}

func TestBanCachePopulatedAfterCommit(t *testing.T) {
	c := cache.NewInMemory[bool]()
	db := newTestDatabase(t, WithBanCache(c, time.Minute))
	ctx := context.Background()
	repo := db.BannedUsers()

	if err := repo.Insert(ctx, nil, BannedUser{UserID: 3, Since: time.Now()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := db.WithSession(ctx, nil, func(s *Session) error {
		if _, err := repo.IsBanned(ctx, s, 3); err != nil {
			return err
		}
		if _, ok, _ := c.Get(ctx, banKey(3)); ok {
			t.Fatal("cache populated before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if v, ok, _ := c.Get(ctx, banKey(3)); !ok || !v {
		t.Fatalf("expected cached ban, got %v ok %v", v, ok)
	}

	if err := db.DB().Exec("DELETE FROM banned_users").Error; err != nil {
		t.Fatalf("raw delete: %v", err)
	}
	if banned, _ := repo.IsBanned(ctx, nil, 3); !banned {
		t.Fatal("expected cached answer")
	}

	if _, err := repo.Delete(ctx, nil, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, banKey(3)); ok {
		t.Fatal("delete did not invalidate cache")
	}
}

func TestWhitelistedGuilds(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	repo := db.WhitelistedGuilds()
	past := time.Now().Add(-time.Minute)

	for _, g := range []WhitelistedGuild{
		{GuildID: 30, GuildName: "c", Since: time.Now()},
		{GuildID: 10, GuildName: "a", Since: time.Now()},
		{GuildID: 20, GuildName: "b", Since: time.Now(), Until: &past},
	} {
		if err := repo.Insert(ctx, nil, g); err != nil {
			t.Fatalf("insert %d: %v", g.GuildID, err)
		}
	}
	ids, err := repo.GuildIDs(ctx, nil)
	if err != nil {
		t.Fatalf("guild ids: %v", err)
	}
	if len(ids) != 3 || ids[0] != 10 || ids[2] != 30 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if ok, _ := repo.IsWhitelisted(ctx, nil, 10); !ok {
		t.Fatal("expected whitelisted")
	}
	if ok, _ := repo.IsWhitelisted(ctx, nil, 20); ok {
		t.Fatal("expired entry reported whitelisted")
	}
	if deleted, err := repo.Delete(ctx, nil, 10); err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	if ok, _ := repo.IsWhitelisted(ctx, nil, 10); ok {
		t.Fatal("deleted entry still whitelisted")
	}
}
