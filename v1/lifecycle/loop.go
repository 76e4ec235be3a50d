package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrLoopClosed is returned when a task is offered to a loop that has shut
// down, and to Submit callers whose task was discarded by the shutdown.
var ErrLoopClosed = errors.New("lifecycle: loop closed")

type loopKey struct{}

// OnLoop reports whether ctx belongs to a task running on l.
func OnLoop(ctx context.Context, l *Loop) bool {
	cur, _ := ctx.Value(loopKey{}).(*Loop)
	return cur != nil && cur == l
}

type task struct {
	fn     func(ctx context.Context) error
	result chan error
}

// Loop runs tasks one at a time, in submission order, on a single goroutine.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []task
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	running bool
}

// NewLoop returns an idle loop. Tasks may be queued before Run starts.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run executes tasks until the loop is closed. Tasks receive a context
// derived from ctx that OnLoop recognizes. Run must be called once.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		panic("lifecycle: loop already running")
	}
	l.running = true
	l.mu.Unlock()

	defer close(l.done)
	ctx = context.WithValue(ctx, loopKey{}, l)
	for {
		l.mu.Lock()
		if l.closed {
			dropped := l.queue
			l.queue = nil
			l.mu.Unlock()
			l.reject(dropped)
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		t := l.queue[0]
		l.queue[0] = task{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		err := l.exec(ctx, t.fn)
		if t.result != nil {
			t.result <- err
		}
	}
}

func (l *Loop) exec(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lifecycle: task panicked: %v", r)
			l.logger.Error("fazbot: task panicked", "panic", r)
		}
	}()
	return fn(ctx)
}

func (l *Loop) reject(dropped []task) {
	if len(dropped) > 0 {
		l.logger.Warn("fazbot: discarding queued tasks", "count", len(dropped))
	}
	for _, t := range dropped {
		if t.result != nil {
			t.result <- ErrLoopClosed
		}
	}
}

func (l *Loop) enqueue(t task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Dispatch queues fn without waiting for it. Errors returned by fn are
// logged.
func (l *Loop) Dispatch(fn func(ctx context.Context) error) error {
	return l.enqueue(task{fn: func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			l.logger.Warn("fazbot: task failed", "error", err)
			return err
		}
		return nil
	}})
}

// Submit queues fn and waits for its result. Called from a task already on
// the loop, fn runs inline.
func (l *Loop) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if OnLoop(ctx, l) {
		return l.exec(ctx, fn)
	}
	result := make(chan error, 1)
	if err := l.enqueue(task{fn: fn, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after the running task. Queued tasks are discarded.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
