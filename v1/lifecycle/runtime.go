// Package lifecycle runs the bot's worker loop and drives the runtime through
// Created, Starting, Running, Stopping and Stopped. The front-end client is
// connected and closed from the loop, and every command handler runs there.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-fazbot/v1/config"
	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
	"github.com/mirkobrombin/go-fazbot/v1/gateway"
	"github.com/mirkobrombin/go-fazbot/v1/lock"
	"github.com/mirkobrombin/go-fazbot/v1/metrics"
	"github.com/mirkobrombin/go-fazbot/v1/resource"
	"github.com/mirkobrombin/go-fazbot/v1/watchbus"
)

var (
	// ErrInstanceLocked is returned by Start when another instance holds the
	// instance lock.
	ErrInstanceLocked = errors.New("lifecycle: another instance is running")
	// ErrInstanceLost is reported by Err when the instance lock could not be
	// refreshed and the runtime stopped itself.
	ErrInstanceLost = errors.New("lifecycle: instance lock lost")
)

// Runtime owns the worker loop and the connection lifecycle.
type Runtime struct {
	coord  *resource.Coordinator
	loop   *Loop
	logger *slog.Logger
	events watchbus.WatchBus

	locker  lock.Locker
	lockKey string
	lockTTL time.Duration
	standby bool

	mu     sync.Mutex
	state  State
	err    error
	cause  error
	done   chan struct{}
	cancel context.CancelFunc
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithWatchBus emits a status event on every state change.
func WithWatchBus(wb watchbus.WatchBus) Option {
	return func(r *Runtime) {
		r.events = wb
	}
}

// WithInstanceLock makes Start take key on locker before connecting, so at
// most one runtime serves the same credential. The lock is refreshed every
// ttl/2 while running and released on stop.
func WithInstanceLock(locker lock.Locker, key string, ttl time.Duration) Option {
	return func(r *Runtime) {
		r.locker, r.lockKey, r.lockTTL = locker, key, ttl
	}
}

// WithInstanceWait makes Start block until the instance lock is free instead
// of failing with ErrInstanceLocked. A standby process uses it to take over
// once the running instance releases the lock or lets it expire.
func WithInstanceWait() Option {
	return func(r *Runtime) {
		r.standby = true
	}
}

// New returns a runtime in StateCreated.
func New(coord *resource.Coordinator, opts ...Option) *Runtime {
	r := &Runtime{
		coord:  coord,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.loop = NewLoop(r.logger)
	return r
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the runtime reaches StateStopped.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Err returns the error the runtime stopped with, if any.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Dispatch queues fn on the worker loop. It implements gateway.Dispatcher.
func (r *Runtime) Dispatch(fn func(ctx context.Context) error) error {
	return r.loop.Dispatch(fn)
}

// Submit runs fn on the worker loop and waits for its result.
func (r *Runtime) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.loop.Submit(ctx, fn)
}

// OnLoop reports whether ctx belongs to a task running on this runtime's loop.
func (r *Runtime) OnLoop(ctx context.Context) bool {
	return OnLoop(ctx, r.loop)
}

func (r *Runtime) transition(from, to State) error {
	r.mu.Lock()
	if r.state != from {
		cur := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot move to %s from %s", ferrors.ErrLifecycleState, to, cur)
	}
	r.state = to
	r.mu.Unlock()
	r.announce(to, nil)
	return nil
}

func (r *Runtime) announce(s State, err error) {
	metrics.LifecycleGauge.Set(float64(s))
	ev := watchbus.Event{Topic: watchbus.TopicLifecycle, State: s.String()}
	if err != nil {
		ev.Error = err.Error()
	}
	_ = watchbus.Emit(context.Background(), r.events, ev)
	r.logger.Info("fazbot: runtime state", "state", s.String())
}

// Start launches the worker loop, then connects the front-end client from
// it using the configured token. It returns once the client is connected.
// On failure the runtime ends in StateStopped. Start is valid only in
// StateCreated.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.transition(StateCreated, StateStarting); err != nil {
		return err
	}

	if r.locker != nil {
		if err := r.lockInstance(ctx); err != nil {
			r.abort(err, false)
			return err
		}
	}

	base, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.loop.Run(base)

	// The task always runs to completion so its result decides the state;
	// ctx only bounds the connection attempt.
	err := r.loop.Submit(context.Background(), func(lctx context.Context) error {
		cctx, cancel := context.WithCancel(lctx)
		defer cancel()
		defer context.AfterFunc(ctx, cancel)()

		var token string
		if err := r.coord.WithConfig(cctx, func(c *config.Config) error {
			token = c.Settings().DiscordBotToken
			return nil
		}); err != nil {
			return err
		}
		if err := r.coord.WithClient(cctx, func(c gateway.Client) error {
			return c.Connect(cctx, token, r)
		}); err != nil {
			return err
		}
		// Commands the client queued during Connect run after this task,
		// so they must already observe StateRunning.
		return r.transition(StateStarting, StateRunning)
	})
	if err != nil {
		r.loop.Close()
		<-r.loop.Done()
		_ = r.coord.WithClient(context.Background(), func(c gateway.Client) error {
			return c.Close(context.Background())
		})
		r.abort(fmt.Errorf("connect: %w", err), true)
		return r.Err()
	}

	if r.locker != nil && r.lockTTL > 0 {
		go r.refresh(base)
	}
	return nil
}

func (r *Runtime) lockInstance(ctx context.Context) error {
	if r.standby {
		r.logger.Info("fazbot: waiting for instance lock", "key", r.lockKey)
		if err := r.locker.Acquire(ctx, r.lockKey, r.lockTTL); err != nil {
			return fmt.Errorf("instance lock: %w", err)
		}
		return nil
	}
	ok, err := r.locker.TryLock(ctx, r.lockKey, r.lockTTL)
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !ok {
		return ErrInstanceLocked
	}
	return nil
}

// abort finalizes a failed start.
func (r *Runtime) abort(err error, release bool) {
	if release {
		r.releaseInstance()
	}
	r.finish(err)
}

func (r *Runtime) finish(err error) {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.err = err
	r.state = StateStopped
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err != nil {
		r.logger.Error("fazbot: runtime stopped with error", "error", err)
	}
	r.announce(StateStopped, err)
	close(r.done)
}

func (r *Runtime) releaseInstance() {
	if r.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.locker.Release(ctx, r.lockKey); err != nil {
		r.logger.Warn("fazbot: instance lock release failed", "error", err)
	}
}

func (r *Runtime) refresh(ctx context.Context) {
	t := time.NewTicker(r.lockTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := r.locker.Refresh(ctx, r.lockKey, r.lockTTL)
			if ctx.Err() != nil {
				return
			}
			if err == nil && ok {
				continue
			}
			if err == nil {
				err = ErrInstanceLost
			} else {
				err = fmt.Errorf("%w: %w", ErrInstanceLost, err)
			}
			r.mu.Lock()
			r.cause = err
			r.mu.Unlock()
			r.logger.Error("fazbot: stopping after instance lock loss", "error", err)
			_ = r.Stop(context.Background())
			return
		}
	}
}

// Stop shuts the runtime down. The shutdown runs as a task on the worker
// loop: it closes the front-end client, then ends the loop. Stop waits until
// the runtime reaches StateStopped, unless it is called from a task on the
// loop itself, in which case it returns immediately and Done reports the
// completion. Stop is valid only in StateRunning.
func (r *Runtime) Stop(ctx context.Context) error {
	if err := r.transition(StateRunning, StateStopping); err != nil {
		return err
	}

	result := make(chan error, 1)
	err := r.loop.Dispatch(func(lctx context.Context) error {
		err := r.coord.WithClient(lctx, func(c gateway.Client) error {
			return c.Close(lctx)
		})
		r.loop.Close()
		result <- err
		return err
	})
	if err != nil {
		result <- err
	}

	go func() {
		<-r.loop.Done()
		var err error
		select {
		case err = <-result:
		default:
			err = ErrLoopClosed
		}
		r.releaseInstance()
		r.mu.Lock()
		if r.cause != nil {
			err = errors.Join(r.cause, err)
		}
		r.mu.Unlock()
		r.finish(err)
	}()

	if r.OnLoop(ctx) {
		return nil
	}
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
