package admin

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-fazbot/v1/asset"
	"github.com/mirkobrombin/go-fazbot/v1/config"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/resource"
	"github.com/mirkobrombin/go-fazbot/v1/storage"
)

const adminID = 1001

type fakeStopper struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeStopper) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

type syncClient struct {
	mu     sync.Mutex
	synced [][]uint64
	err    error
}

func (c *syncClient) Connect(context.Context, string, gateway.Dispatcher) error { return nil }
func (c *syncClient) Close(context.Context) error                              { return nil }
func (c *syncClient) Register(gateway.Command) error                           { return nil }
func (c *syncClient) Commands() []gateway.Command                              { return nil }

func (c *syncClient) Sync(_ context.Context, ids []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.synced = append(c.synced, append([]uint64(nil), ids...))
	return nil
}

func (c *syncClient) calls() [][]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]uint64(nil), c.synced...)
}

type fixture struct {
	cmds    *Commands
	client  *syncClient
	db      *storage.Database
	stopper *fakeStopper
	files   fstest.MapFS
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg, err := config.Load(ctx, config.MapSource{
		config.KeyDiscordBotToken:     "token",
		config.KeyAdminDiscordID:      "1001",
		config.KeyDevServerID:         "555",
		config.KeyMySQLHost:           "db",
		config.KeyMySQLUser:           "bot",
		config.KeyMySQLFazbotDatabase: "fazbot",
		config.KeyGatewayURL:          "ws://localhost/gateway",
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	files := fstest.MapFS{"greeting.json": {Data: []byte(`{"text":"hi"}`)}}
	cat, err := asset.Load(ctx, asset.DirSource{FS: files})
	if err != nil {
		t.Fatalf("asset: %v", err)
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
	db := storage.New(gdb)
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, client: &syncClient{}, stopper: &fakeStopper{}, files: files, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	coord := resource.New(resource.Resources{Config: cfg, Assets: cat, Storage: db, Client: f.client})
	f.cmds = New(coord, f.stopper, WithClock(func() time.Time { return f.now }))
	return f
}

type reply struct {
	resp  gateway.Response
	count int
}

func (f *fixture) run(t *testing.T, command string, user uint64, opts map[string]string) (reply, error) {
	t.Helper()
	var r reply
	in := gateway.NewInteraction("i-1", command, user, 0, opts, func(_ context.Context, resp gateway.Response) error {
		r.resp = resp
		r.count++
		return nil
	})
	for _, cmd := range f.cmds.List() {
		if cmd.Name == command {
			err := cmd.Handler(context.Background(), in)
			return r, err
		}
	}
	t.Fatalf("unknown command %s", command)
	return r, nil
}

func TestNonAdminIsRejected(t *testing.T) {
	f := newFixture(t)
	for _, cmd := range f.cmds.List() {
		r, err := f.run(t, cmd.Name, 42, nil)
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", cmd.Name, err)
		}
		if r.count != 1 || !r.resp.Error {
			t.Fatalf("%s: expected one error response, got %+v", cmd.Name, r)
		}
	}
	if f.stopper.calls != 0 {
		t.Fatal("non-admin shutdown stopped the runtime")
	}
}

func TestEcho(t *testing.T) {
	f := newFixture(t)
	r, err := f.run(t, "echo", adminID, map[string]string{"message": "hello"})
	if err != nil || r.resp.Content != "hello" || r.resp.Error {
		t.Fatalf("echo: %v %+v", err, r)
	}
}

func TestBanAndUnban(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.run(t, "ban", adminID, map[string]string{"user_id": "7", "reason": "spam"})
	if err != nil || r.resp.Error {
		t.Fatalf("ban: %v %+v", err, r)
	}
	u, found, err := f.db.BannedUsers().Get(ctx, nil, 7)
	if err != nil || !found || u.Reason != "spam" || !u.Since.Equal(f.now) {
		t.Fatalf("ban not stored: %+v %v %v", u, found, err)
	}

	r, err = f.run(t, "ban", adminID, map[string]string{"user_id": "7"})
	if err != nil || !r.resp.Error {
		t.Fatalf("second ban should be refused: %v %+v", err, r)
	}

	r, err = f.run(t, "unban", adminID, map[string]string{"user_id": "7"})
	if err != nil || r.resp.Error {
		t.Fatalf("unban: %v %+v", err, r)
	}
	r, err = f.run(t, "unban", adminID, map[string]string{"user_id": "7"})
	if err != nil || !r.resp.Error {
		t.Fatalf("unban of unbanned user should be refused: %v %+v", err, r)
	}
}

func TestBanReplacesExpiredBan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.run(t, "ban", adminID, map[string]string{"user_id": "7", "until": "2026-01-02"}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	f.now = f.now.Add(48 * time.Hour)
	r, err := f.run(t, "ban", adminID, map[string]string{"user_id": "7", "reason": "again"})
	if err != nil || r.resp.Error {
		t.Fatalf("re-ban: %v %+v", err, r)
	}
	u, _, _ := f.db.BannedUsers().Get(ctx, nil, 7)
	if u.Reason != "again" || u.Until != nil {
		t.Fatalf("expired ban not replaced: %+v", u)
	}
}

func TestBadOptionsAreReported(t *testing.T) {
	f := newFixture(t)
	r, err := f.run(t, "ban", adminID, map[string]string{"user_id": "abc"})
	if err != nil || !r.resp.Error {
		t.Fatalf("invalid id: %v %+v", err, r)
	}
	r, err = f.run(t, "whitelist", adminID, map[string]string{"guild_id": "9", "until": "someday"})
	if err != nil || !r.resp.Error {
		t.Fatalf("invalid date: %v %+v", err, r)
	}
	if ok, _ := f.db.WhitelistedGuilds().IsWhitelisted(context.Background(), nil, 9); ok {
		t.Fatal("guild whitelisted despite invalid date")
	}
}

func TestWhitelistAndUnwhitelist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.run(t, "whitelist", adminID, map[string]string{"guild_id": "9", "guild_name": "Fazuh", "until": "2999-01-01"})
	if err != nil || r.resp.Error {
		t.Fatalf("whitelist: %v %+v", err, r)
	}
	if ok, err := f.db.WhitelistedGuilds().IsWhitelisted(ctx, nil, 9); err != nil || !ok {
		t.Fatalf("guild not whitelisted: %v %v", ok, err)
	}
	r, _ = f.run(t, "whitelist", adminID, map[string]string{"guild_id": "9"})
	if !r.resp.Error {
		t.Fatalf("duplicate whitelist accepted: %+v", r)
	}
	r, err = f.run(t, "unwhitelist", adminID, map[string]string{"guild_id": "9"})
	if err != nil || r.resp.Error {
		t.Fatalf("unwhitelist: %v %+v", err, r)
	}
	ids, err := f.db.WhitelistedGuilds().GuildIDs(ctx, nil)
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no guilds, got %v %v", ids, err)
	}
}

func TestReloadCommands(t *testing.T) {
	f := newFixture(t)
	f.files["extra.yaml"] = &fstest.MapFile{Data: []byte("a: 1\n")}
	r, err := f.run(t, "reload_asset", adminID, nil)
	if err != nil || r.resp.Error || r.resp.Content != "Reloaded asset successfully (2 files)." {
		t.Fatalf("reload_asset: %v %+v", err, r)
	}

	f.files["broken.json"] = &fstest.MapFile{Data: []byte("{")}
	r, err = f.run(t, "reload_asset", adminID, nil)
	if err == nil || !r.resp.Error {
		t.Fatalf("broken asset should fail reload: %v %+v", err, r)
	}

	r, err = f.run(t, "reload_config", adminID, nil)
	if err != nil || r.resp.Error {
		t.Fatalf("reload_config: %v %+v", err, r)
	}
}

func TestShutdownRespondsThenStops(t *testing.T) {
	f := newFixture(t)
	r, err := f.run(t, "shutdown", adminID, nil)
	if err != nil || r.count != 1 || r.resp.Content != "Shutting down..." {
		t.Fatalf("shutdown: %v %+v", err, r)
	}
	if f.stopper.calls != 1 {
		t.Fatalf("expected one stop, got %d", f.stopper.calls)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ws := gateway.NewWebSocket("ws://localhost/gateway")
	if err := f.cmds.Register(ws); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(ws.Commands()) != 10 {
		t.Fatalf("expected 10 commands, got %d", len(ws.Commands()))
	}
	if err := f.cmds.Register(ws); !errors.Is(err, gateway.ErrDuplicateCommand) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestSyncAnnouncesToWhitelistedGuildsAndDevServer(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"9", "3"} {
		if r, err := f.run(t, "whitelist", adminID, map[string]string{"guild_id": id}); err != nil || r.resp.Error {
			t.Fatalf("whitelist %s: %v %+v", id, err, r)
		}
	}
	r, err := f.run(t, "sync", adminID, nil)
	if err != nil || r.resp.Error || r.resp.Content != "Synchronized app commands across 3 guilds." {
		t.Fatalf("sync: %v %+v", err, r)
	}
	calls := f.client.calls()
	if len(calls) != 1 || !slices.Equal(calls[0], []uint64{3, 9, 555}) {
		t.Fatalf("unexpected sync calls %v", calls)
	}

	if n, err := f.cmds.Sync(context.Background()); err != nil || n != 3 {
		t.Fatalf("Sync: %d %v", n, err)
	}
}

func TestSyncGuildRequiresWhitelist(t *testing.T) {
	f := newFixture(t)
	r, err := f.run(t, "sync_guild", adminID, map[string]string{"guild_id": "9"})
	if err != nil || !r.resp.Error {
		t.Fatalf("sync of unlisted guild accepted: %v %+v", err, r)
	}
	if len(f.client.calls()) != 0 {
		t.Fatal("unlisted guild synced")
	}
	_, _ = f.run(t, "whitelist", adminID, map[string]string{"guild_id": "9"})
	r, err = f.run(t, "sync_guild", adminID, map[string]string{"guild_id": "9"})
	if err != nil || r.resp.Error {
		t.Fatalf("sync_guild: %v %+v", err, r)
	}
	if calls := f.client.calls(); len(calls) != 1 || !slices.Equal(calls[0], []uint64{9}) {
		t.Fatalf("unexpected sync calls %v", calls)
	}
}

func TestSyncFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.client.err = errors.New("gateway gone")
	r, err := f.run(t, "sync", adminID, nil)
	if err == nil || !r.resp.Error {
		t.Fatalf("failed sync reported success: %v %+v", err, r)
	}
}

func TestSyncUnsupportedClient(t *testing.T) {
	cfg, err := config.Load(context.Background(), config.MapSource{
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
	f := newFixture(t)
	coord := resource.New(resource.Resources{Config: cfg, Storage: f.db, Client: plainClient{}})
	if _, err := New(coord, f.stopper).Sync(context.Background()); !errors.Is(err, ErrSyncUnsupported) {
		t.Fatalf("expected ErrSyncUnsupported, got %v", err)
	}
}

type plainClient struct{}

func (plainClient) Connect(context.Context, string, gateway.Dispatcher) error { return nil }
func (plainClient) Close(context.Context) error                              { return nil }
func (plainClient) Register(gateway.Command) error                           { return nil }
func (plainClient) Commands() []gateway.Command                              { return nil }

func TestParseDate(t *testing.T) {
	cases := map[string]time.Time{
		"2026-03-04":           time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		"2026-03-04 10:30":     time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
		"2026-03-04T10:30:05Z": time.Date(2026, 3, 4, 10, 30, 5, 0, time.UTC),
		" 04/03/2026 ":         time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseDate(in)
		if err != nil || !got.Equal(want) {
			t.Fatalf("ParseDate(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDate("tomorrow"); err == nil {
		t.Fatal("expected error")
	}
}
