package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-fazbot/v1/asset"
	"github.com/mirkobrombin/go-fazbot/v1/config"
	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/metrics"
	"github.com/mirkobrombin/go-fazbot/v1/syncbus"
	"github.com/mirkobrombin/go-fazbot/v1/watchbus"
)

func testValues() config.MapSource {
	return config.MapSource{
		config.KeyDiscordBotToken:     "token-1",
		config.KeyAdminDiscordID:      "1001",
		config.KeyMySQLHost:           "db",
		config.KeyMySQLUser:           "bot",
		config.KeyMySQLFazbotDatabase: "fazbot",
		config.KeyGatewayURL:          "ws://localhost/gateway",
	}
}

type fixture struct {
	values config.MapSource
	assets fstest.MapFS
	coord  *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		values: testValues(),
		assets: fstest.MapFS{"emoji.json": {Data: []byte(`{"ok":"yes"}`)}},
	}
	cfg, err := config.Load(ctx, f.values)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cat, err := asset.Load(ctx, asset.DirSource{FS: f.assets})
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	f.coord = New(Resources{Config: cfg, Assets: cat}, opts...)
	return f
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	var tok string
	if err := f.coord.WithConfig(context.Background(), func(c *config.Config) error {
		tok = c.Settings().DiscordBotToken
		return nil
	}); err != nil {
		t.Fatalf("with config: %v", err)
	}
	return tok
}

func TestScopedAccessIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.coord.WithConfig(ctx, func(*config.Config) error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("expected one holder at a time, saw %d", peak.Load())
	}
}

func TestDistinctResourcesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.coord.WithConfig(ctx, func(*config.Config) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- f.coord.WithAsset(ctx, func(a *asset.Catalog) error {
			_, err := a.Get("emoji.json")
			return err
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("with asset: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("asset access blocked by config holder")
	}
}

func TestScopeReleasedOnErrorAndPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")
	if err := f.coord.WithConfig(ctx, func(*config.Config) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected body error, got %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		_ = f.coord.WithConfig(ctx, func(*config.Config) error { panic("body") })
	}()
	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := f.coord.WithConfig(tctx, func(*config.Config) error { return nil }); err != nil {
		t.Fatalf("lock leaked: %v", err)
	}
}

func TestScopedAccessHonoursContext(t *testing.T) {
	f := newFixture(t)
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.coord.WithAsset(context.Background(), func(*asset.Catalog) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := false
	err := f.coord.WithAsset(ctx, func(*asset.Catalog) error { ran = true; return nil })
	if !errors.Is(err, context.DeadlineExceeded) || ran {
		t.Fatalf("expected deadline without running body, got %v ran %v", err, ran)
	}
}

func TestMissingResourceIsNotConfigured(t *testing.T) {
	f := newFixture(t)
	err := f.coord.WithClient(context.Background(), func(gateway.Client) error { return nil })
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := f.coord.WithStorage(context.Background(), nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestUnknownNameIsRegistryError(t *testing.T) {
	f := newFixture(t)
	if _, err := f.coord.acquire(context.Background(), Name("bogus")); !errors.Is(err, ferrors.ErrLockRegistry) {
		t.Fatalf("expected ErrLockRegistry, got %v", err)
	}
	if f.coord.locks.Len() != len(Names()) {
		t.Fatalf("unexpected lock count %d", f.coord.locks.Len())
	}
}

func TestReloadFailureKeepsPreviousState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failures := testutil.ToFloat64(metrics.ReloadCounter.WithLabelValues("config", metrics.ResultError))

	f.values[config.KeyDiscordBotToken] = ""
	err := f.coord.ReloadConfig(ctx)
	if !errors.Is(err, ferrors.ErrResourceReload) {
		t.Fatalf("expected ErrResourceReload, got %v", err)
	}
	if tok := f.token(t); tok != "token-1" {
		t.Fatalf("failed reload replaced config, token %q", tok)
	}
	if got := testutil.ToFloat64(metrics.ReloadCounter.WithLabelValues("config", metrics.ResultError)); got != failures+1 {
		t.Fatalf("reload failure not counted: %v -> %v", failures, got)
	}
}

func TestReloadWaitsForReaders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := make(chan struct{})
	release := make(chan struct{})
	readerSaw := make(chan [2]string, 1)
	go func() {
		_ = f.coord.WithConfig(ctx, func(c *config.Config) error {
			first := c.Settings().DiscordBotToken
			close(held)
			<-release
			readerSaw <- [2]string{first, c.Settings().DiscordBotToken}
			return nil
		})
	}()
	<-held

	f.values[config.KeyDiscordBotToken] = "token-2"
	reloaded := make(chan error, 1)
	go func() { reloaded <- f.coord.ReloadConfig(ctx) }()

	select {
	case <-reloaded:
		t.Fatal("reload ran while a reader held the config")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if err := <-reloaded; err != nil {
		t.Fatalf("reload: %v", err)
	}
	saw := <-readerSaw
	if saw[0] != "token-1" || saw[1] != "token-1" {
		t.Fatalf("reader observed a torn config: %v", saw)
	}
	if tok := f.token(t); tok != "token-2" {
		t.Fatalf("expected new token, got %q", tok)
	}
}

func TestReloadAllReportsEveryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.values[config.KeyGatewayURL] = ""
	f.assets["guilds.yaml"] = &fstest.MapFile{Data: []byte("names: [alpha")}

	err := f.coord.ReloadAll(ctx)
	if !errors.Is(err, ferrors.ErrResourceReload) {
		t.Fatalf("expected ErrResourceReload, got %v", err)
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Fatalf("expected both failures, got %v", err)
	}

	f.values[config.KeyGatewayURL] = "ws://localhost/other"
	delete(f.assets, "guilds.yaml")
	if err := f.coord.ReloadAll(ctx); err != nil {
		t.Fatalf("reload all: %v", err)
	}
	var version uint64
	_ = f.coord.WithAsset(ctx, func(a *asset.Catalog) error { version = a.Version(); return nil })
	if version != 2 {
		t.Fatalf("expected asset version 2, got %d", version)
	}
}

func TestFollowAppliesRemoteReloads(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	a := newFixture(t, WithBus(bus))
	b := newFixture(t, WithBus(bus))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.coord.Follow(ctx); err != nil {
		t.Fatalf("follow: %v", err)
	}

	a.values[config.KeyDiscordBotToken] = "token-a"
	b.values[config.KeyDiscordBotToken] = "token-b"
	if err := a.coord.ReloadConfig(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for b.token(t) != "token-b" {
		if time.Now().After(deadline) {
			t.Fatal("follower did not reload")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("follower re-announced the reload: %+v", m)
	}
}

func TestFollowSkipsOwnAnnouncements(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := syncbus.NewRedisBus(client, syncbus.WithNamespace("test"), syncbus.WithSkipOwn())
	f := newFixture(t, WithBus(bus))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.coord.Follow(ctx); err != nil {
		t.Fatalf("follow: %v", err)
	}

	if err := f.coord.ReloadConfig(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for bus.Metrics().Skipped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("own announcement never came back")
		}
		time.Sleep(5 * time.Millisecond)
	}
	var version uint64
	_ = f.coord.WithConfig(ctx, func(c *config.Config) error { version = c.Version(); return nil })
	if version != 2 {
		t.Fatalf("own announcement triggered a reload: version %d", version)
	}
}

func TestReloadAllSucceedsWhenBothSucceed(t *testing.T) {
	f := newFixture(t)
	if err := f.coord.ReloadAll(context.Background()); err != nil {
		t.Fatalf("reload all: %v", err)
	}
	var cfgVersion, assetVersion uint64
	_ = f.coord.WithConfig(context.Background(), func(c *config.Config) error { cfgVersion = c.Version(); return nil })
	_ = f.coord.WithAsset(context.Background(), func(a *asset.Catalog) error { assetVersion = a.Version(); return nil })
	if cfgVersion != 2 || assetVersion != 2 {
		t.Fatalf("expected both reloaded, got config %d asset %d", cfgVersion, assetVersion)
	}
}

func TestReloadAllKeepsGoingAfterOneFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.values[config.KeyGatewayURL] = ""
	err := f.coord.ReloadAll(ctx)
	if !errors.Is(err, ferrors.ErrResourceReload) {
		t.Fatalf("expected ErrResourceReload, got %v", err)
	}
	var version uint64
	_ = f.coord.WithAsset(ctx, func(a *asset.Catalog) error { version = a.Version(); return nil })
	if version != 2 {
		t.Fatalf("config failure stopped the asset reload: version %d", version)
	}
}

func TestFollowRequiresBus(t *testing.T) {
	f := newFixture(t)
	if err := f.coord.Follow(context.Background()); !errors.Is(err, ErrNoBus) {
		t.Fatalf("expected ErrNoBus, got %v", err)
	}
}

func TestReloadEmitsStatusEvent(t *testing.T) {
	wb := watchbus.NewInMemory()
	f := newFixture(t, WithWatchBus(wb))
	ctx := context.Background()
	ch, _ := wb.Watch(ctx, watchbus.TopicReload)

	if err := f.coord.ReloadAsset(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	select {
	case msg := <-ch:
		ev, err := watchbus.Decode(msg)
		if err != nil || ev.Resource != "asset" || ev.Version != 2 || ev.Error != "" {
			t.Fatalf("unexpected event %+v err %v", ev, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}
}

func TestScopedAccessSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := newFixture(t, WithTracerProvider(tp))
	ctx := context.Background()

	_ = f.coord.WithConfig(ctx, func(*config.Config) error { return nil })
	_ = f.coord.WithAsset(ctx, func(*asset.Catalog) error { return errors.New("boom") })

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	for i, want := range []string{"config", "asset"} {
		s := spans[i]
		if s.Name() != "resource.With" {
			t.Fatalf("unexpected span name %q", s.Name())
		}
		found := false
		for _, kv := range s.Attributes() {
			if string(kv.Key) == "fazbot.resource" && kv.Value.AsString() == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("span %d missing resource %s", i, want)
		}
	}
	if spans[1].Status().Code != codes.Error {
		t.Fatal("failed scope not marked as error")
	}
}
