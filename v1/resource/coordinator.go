// Package resource arbitrates access to the bot's shared resources. Each
// resource has its own lock; a scoped accessor holds it for exactly the
// duration of the callback. Accessors never nest locks, so callers that need
// two resources enter them one after the other, never one inside the other.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fazbot/v1/asset"
	"github.com/mirkobrombin/go-fazbot/v1/config"
	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/lock"
	"github.com/mirkobrombin/go-fazbot/v1/metrics"
	"github.com/mirkobrombin/go-fazbot/v1/storage"
	"github.com/mirkobrombin/go-fazbot/v1/syncbus"
	"github.com/mirkobrombin/go-fazbot/v1/watchbus"
)

const tracerName = "github.com/mirkobrombin/go-fazbot/v1/resource"

// ErrNotConfigured is returned when a scoped access targets a resource the
// coordinator was built without.
var ErrNotConfigured = errors.New("resource not configured")

// Coordinator owns the shared resources and their locks. The value handed to
// a With callback is only valid until the callback returns.
type Coordinator struct {
	locks *lock.Registry[Name]

	config  *config.Config
	assets  *asset.Catalog
	storage *storage.Database
	client  gateway.Client

	logger *slog.Logger
	tracer trace.Tracer
	bus    syncbus.Bus
	events watchbus.WatchBus
}

// Resources groups the shared resources handed to a Coordinator. Any of them
// may be nil; accessing a nil resource fails with ErrNotConfigured.
type Resources struct {
	Config  *config.Config
	Assets  *asset.Catalog
	Storage *storage.Database
	Client  gateway.Client
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracerProvider sets the provider for scoped access spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithBus announces successful reloads on bus so that other instances
// running Follow reload too.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithWatchBus emits a status event for every reload.
func WithWatchBus(wb watchbus.WatchBus) Option {
	return func(c *Coordinator) {
		c.events = wb
	}
}

// New returns a Coordinator with one lock per resource name.
func New(res Resources, opts ...Option) *Coordinator {
	c := &Coordinator{
		locks:   lock.NewRegistry(Names()...),
		config:  res.Config,
		assets:  res.Assets,
		storage: res.Storage,
		client:  res.Client,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithConfig runs fn with exclusive access to the configuration.
func (c *Coordinator) WithConfig(ctx context.Context, fn func(*config.Config) error) error {
	return with(ctx, c, NameConfig, c.config, c.config != nil, fn)
}

// WithAsset runs fn with exclusive access to the asset catalog.
func (c *Coordinator) WithAsset(ctx context.Context, fn func(*asset.Catalog) error) error {
	return with(ctx, c, NameAsset, c.assets, c.assets != nil, fn)
}

// WithStorage runs fn with exclusive access to the database handle. Open a
// session inside fn to run queries.
func (c *Coordinator) WithStorage(ctx context.Context, fn func(*storage.Database) error) error {
	return with(ctx, c, NameStorage, c.storage, c.storage != nil, fn)
}

// WithClient runs fn with exclusive access to the front-end client.
func (c *Coordinator) WithClient(ctx context.Context, fn func(gateway.Client) error) error {
	return with(ctx, c, NameClient, c.client, c.client != nil, fn)
}

func with[T any](ctx context.Context, c *Coordinator, name Name, v T, present bool, fn func(T) error) (err error) {
	ctx, span := c.tracer.Start(ctx, "resource.With",
		trace.WithAttributes(attribute.String("fazbot.resource", string(name))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !present {
		return fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	release, err := c.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	metrics.ScopeCounter.WithLabelValues(string(name)).Inc()
	return fn(v)
}

func (c *Coordinator) acquire(ctx context.Context, name Name) (func(), error) {
	if !name.Valid() {
		return nil, fmt.Errorf("%w: unknown resource %q", ferrors.ErrLockRegistry, name)
	}
	start := time.Now()
	release, err := c.locks.Acquire(ctx, name)
	metrics.LockWaitHistogram.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
	return release, err
}

// ReloadConfig re-reads the configuration under its lock.
func (c *Coordinator) ReloadConfig(ctx context.Context) error {
	return c.reload(ctx, NameConfig, true)
}

// ReloadAsset re-reads the asset catalog under its lock.
func (c *Coordinator) ReloadAsset(ctx context.Context) error {
	return c.reload(ctx, NameAsset, true)
}

// ReloadAll reloads the configuration and the assets concurrently. Each
// resource is reloaded under its own lock; a failure of one does not stop
// the other, and every failure is returned.
func (c *Coordinator) ReloadAll(ctx context.Context) error {
	names := []Name{NameConfig, NameAsset}
	errs := make([]error, len(names))
	// The group has no shared context, so one failure never cancels the
	// other reload. Wait reports the first failure; errs holds all of them.
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			errs[i] = c.reload(ctx, name, true)
			return errs[i]
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}

func (c *Coordinator) reload(ctx context.Context, name Name, announce bool) error {
	var version uint64
	var err error
	switch name {
	case NameConfig:
		err = c.WithConfig(ctx, func(cfg *config.Config) error {
			if err := cfg.Reload(ctx); err != nil {
				return err
			}
			version = cfg.Version()
			return nil
		})
	case NameAsset:
		err = c.WithAsset(ctx, func(a *asset.Catalog) error {
			if err := a.Reload(ctx); err != nil {
				return err
			}
			version = a.Version()
			return nil
		})
	default:
		err = fmt.Errorf("%w: %s cannot be reloaded", ferrors.ErrResourceReload, name)
	}

	metrics.ReloadCounter.WithLabelValues(string(name), metrics.Result(err)).Inc()
	ev := watchbus.Event{Topic: watchbus.TopicReload, Resource: string(name), Version: version}
	if err != nil {
		ev.Error = err.Error()
		_ = watchbus.Emit(ctx, c.events, ev)
		c.logger.Warn("fazbot: reload failed", "resource", name, "error", err)
		return err
	}
	_ = watchbus.Emit(ctx, c.events, ev)
	c.logger.Info("fazbot: reloaded", "resource", name, "version", version)

	if announce && c.bus != nil {
		if err := c.bus.Publish(ctx, reloadKey(name)); err != nil {
			c.logger.Warn("fazbot: reload announce failed", "resource", name, "error", err)
		}
	}
	return nil
}

func reloadKey(name Name) string {
	return "fazbot:reload:" + string(name)
}
