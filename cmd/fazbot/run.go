package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-fazbot/v1/admin"
	"github.com/mirkobrombin/go-fazbot/v1/asset"
	"github.com/mirkobrombin/go-fazbot/v1/cache"
	"github.com/mirkobrombin/go-fazbot/v1/config"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/general"
	"github.com/mirkobrombin/go-fazbot/v1/lifecycle"
	"github.com/mirkobrombin/go-fazbot/v1/lock"
	"github.com/mirkobrombin/go-fazbot/v1/metrics"
	"github.com/mirkobrombin/go-fazbot/v1/resource"
	"github.com/mirkobrombin/go-fazbot/v1/storage"
	"github.com/mirkobrombin/go-fazbot/v1/syncbus"
	"github.com/mirkobrombin/go-fazbot/v1/watchbus"
	"github.com/mirkobrombin/go-fazbot/v1/webhook"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and serve commands until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := loadOptions(v)
			logger := newLogger(cmd.ErrOrStderr(), opts)
			slog.SetDefault(logger)
			return run(cmd.Context(), opts, logger)
		},
	}
	flags := cmd.Flags()
	flags.String("metrics-addr", ":9090", "address for /metrics, /healthz and /events (empty disables)")
	flags.Bool("trace", false, "export spans to stderr")
	flags.String("instance-key", "fazbot:instance", "redis key guarding a single running instance")
	flags.Duration("instance-ttl", 30*time.Second, "instance lock ttl")
	flags.Bool("instance-wait", false, "wait for the instance lock instead of exiting (standby)")
	flags.String("bus-namespace", "fazbot", "namespace for reload announcements on nats or redis")
	flags.String("ban-cache", "ristretto", "ban lookup cache: ristretto, memory or none")
	flags.Int("ban-cache-size", 10_000, "maximum cached ban lookups")
	flags.Duration("ban-cache-ttl", time.Minute, "ban lookup cache ttl")
	flags.Duration("db-retry-delay", 2*time.Second, "pause between database connection attempts")
	flags.Duration("stop-timeout", 30*time.Second, "maximum time to wait for a graceful stop")
	_ = v.BindPFlags(flags)
	return cmd
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var tp trace.TracerProvider
	if opts.Trace {
		sdk, err := newTracerProvider(os.Stderr)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() { _ = sdk.Shutdown(context.Background()) }()
		tp = sdk
	}

	cfg, err := config.Load(ctx, config.EnvSource{Files: opts.EnvFiles}, config.WithLogger(logger))
	if err != nil {
		return err
	}
	s := cfg.Settings()

	logger, closeLog := withLogWebhook(logger, s)
	defer closeLog()

	cat, err := asset.Load(ctx, asset.NewDirSource(s.AssetDir), asset.WithLogger(logger))
	if err != nil {
		return err
	}

	banCache, closeCache, err := newBanCache(opts.BanCache, opts.BanCacheSize)
	if err != nil {
		return fmt.Errorf("ban cache: %w", err)
	}
	defer closeCache()

	db, err := storage.OpenMySQL(ctx, storage.MySQLConfig{
		Host:       s.MySQL.Host,
		Port:       s.MySQL.Port,
		User:       s.MySQL.User,
		Password:   s.MySQL.Password,
		Database:   s.MySQL.FazbotDatabase,
		MaxRetries: s.FazbotDBMaxRetries,
		RetryDelay: opts.DBRetryDelay,
	}, storage.WithLogger(logger), storage.WithBanCache(banCache, opts.BanCacheTTL))
	if err != nil {
		return err
	}
	defer db.Close()

	client := gateway.NewWebSocket(s.GatewayURL, gateway.WithLogger(logger))

	var (
		bus     syncbus.Bus
		rc      *redis.Client
		events  watchbus.WatchBus = watchbus.NewInMemory()
		rtOpts  = []lifecycle.Option{lifecycle.WithLogger(logger)}
		crdOpts = []resource.Option{resource.WithLogger(logger), resource.WithTracerProvider(tp)}
		busOpts = []syncbus.Option{syncbus.WithNamespace(opts.BusNamespace), syncbus.WithSkipOwn()}
	)
	if s.NATSURL != "" {
		nc, err := nats.Connect(s.NATSURL, nats.Name("fazbot"))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()
		bus = syncbus.NewNATSBus(nc, busOpts...)
	}
	if s.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		if bus == nil {
			bus = syncbus.NewRedisBus(rc, busOpts...)
		}
		events = watchbus.NewRedisWatchBus(rc)
	}
	rtOpts = append(rtOpts,
		lifecycle.WithWatchBus(events),
		lifecycle.WithInstanceLock(newInstanceLocker(rc, bus), opts.InstanceKey, opts.InstanceTTL),
	)
	if opts.InstanceWait {
		rtOpts = append(rtOpts, lifecycle.WithInstanceWait())
	}
	crdOpts = append(crdOpts, resource.WithWatchBus(events))
	if bus != nil {
		crdOpts = append(crdOpts, resource.WithBus(syncbus.NewCircuitBreaker(bus, 3, 30*time.Second)))
	}

	coord := resource.New(resource.Resources{
		Config:  cfg,
		Assets:  cat,
		Storage: db,
		Client:  client,
	}, crdOpts...)
	rt := lifecycle.New(coord, rtOpts...)

	cmds := admin.New(coord, rt, admin.WithLogger(logger))
	if err := cmds.Register(client); err != nil {
		return err
	}
	if err := general.New(coord, general.WithLogger(logger)).Register(client); err != nil {
		return err
	}

	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()
	if bus != nil {
		if err := coord.Follow(followCtx); err != nil {
			return err
		}
	}

	srv := newHTTPServer(opts.MetricsAddr, coord, events)
	if srv != nil {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("fazbot: http server failed", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var status *webhook.StatusNotifier
	if s.DiscordStatusWebhook != "" {
		status, err = webhook.WatchStatus(ctx, events, webhook.New(s.DiscordStatusWebhook), logger)
		if err != nil {
			return fmt.Errorf("status webhook: %w", err)
		}
	}

	if err := rt.Start(ctx); err != nil {
		waitStatus(status)
		return err
	}
	logger.Info("fazbot: running", "gateway", s.GatewayURL, "commands", len(client.Commands()))
	syncCommands(ctx, rt, cmds, logger)
	err = serve(ctx, rt, coord, opts.StopTimeout, logger)
	waitStatus(status)
	return err
}

// syncCommands announces the command set to the whitelisted guilds from the
// worker loop. A failed sync leaves the bot running.
func syncCommands(ctx context.Context, rt *lifecycle.Runtime, cmds *admin.Commands, logger *slog.Logger) {
	err := rt.Submit(ctx, func(lctx context.Context) error {
		n, err := cmds.Sync(lctx)
		if err == nil {
			logger.Info("fazbot: synced commands", "guilds", n)
		}
		return err
	})
	if err != nil {
		logger.Warn("fazbot: command sync failed", "error", err)
	}
}

// waitStatus gives the status notifier time to post the final state.
func waitStatus(n *webhook.StatusNotifier) {
	if n == nil {
		return
	}
	select {
	case <-n.Done():
	case <-time.After(10 * time.Second):
	}
}

// newBanCache builds the ban lookup cache. kind "none" disables it.
func newBanCache(kind string, size int) (cache.Cache[bool], func(), error) {
	switch strings.ToLower(kind) {
	case "ristretto", "":
		c, err := cache.NewRistretto[bool](cache.WithMaxItems(int64(size)))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "memory":
		return cache.NewInMemory[bool](cache.WithMaxEntries(size)), func() {}, nil
	case "none":
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown kind %q", kind)
	}
}

// newInstanceLocker returns a redis locker when rc is set and a process
// local one otherwise. Both announce ownership changes on bus.
func newInstanceLocker(rc *redis.Client, bus syncbus.Bus) lock.Locker {
	if rc != nil {
		return lock.NewRedis(rc, bus)
	}
	return lock.NewInMemory(bus)
}

// withLogWebhook forwards error records to the log webhook, mentioning the
// admin, when one is configured. The returned func flushes pending posts.
func withLogWebhook(logger *slog.Logger, s config.Settings) (*slog.Logger, func()) {
	if s.DiscordLogWebhook == "" {
		return logger, func() {}
	}
	h := webhook.NewHandler(logger.Handler(), webhook.New(s.DiscordLogWebhook), webhook.WithMention(s.AdminDiscordID))
	wrapped := slog.New(h)
	slog.SetDefault(wrapped)
	return wrapped, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Close(ctx); err != nil {
			logger.Warn("fazbot: log webhook flush incomplete", "error", err)
		}
	}
}

// serve handles signals until the runtime stops. SIGHUP reloads every
// reloadable resource; SIGINT and SIGTERM stop the runtime.
func serve(ctx context.Context, rt *lifecycle.Runtime, coord *resource.Coordinator, stopTimeout time.Duration, logger *slog.Logger) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case <-rt.Done():
			return rt.Err()
		case <-ctx.Done():
			return stop(rt, stopTimeout)
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if err := coord.ReloadAll(ctx); err != nil {
					logger.Error("fazbot: reload failed", "error", err)
				} else {
					logger.Info("fazbot: reloaded")
				}
				continue
			}
			logger.Info("fazbot: stopping", "signal", sig.String())
			return stop(rt, stopTimeout)
		}
	}
}

func stop(rt *lifecycle.Runtime, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		return err
	}
	return rt.Err()
}

func newHTTPServer(addr string, coord *resource.Coordinator, events watchbus.WatchBus) *http.Server {
	if addr == "" {
		return nil
	}
	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)

	mux := watchbus.Mux("/events", events)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthz(coord))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func healthz(coord *resource.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := coord.WithStorage(ctx, func(db *storage.Database) error {
			return db.Ping(ctx)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	}
}
