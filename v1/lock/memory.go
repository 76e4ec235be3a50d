package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-fazbot/v1/syncbus"
)

type lockState struct {
	timer  *time.Timer
	notify chan struct{}
}

// InMemory implements Locker using local memory. Lock and unlock events are
// published on a syncbus Bus so observers can follow ownership changes.
type InMemory struct {
	mu    sync.Mutex
	bus   syncbus.Bus
	locks map[string]*lockState
}

// NewInMemory returns a new in-memory locker that uses bus to publish events.
func NewInMemory(bus syncbus.Bus) *InMemory {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &InMemory{
		bus:   bus,
		locks: make(map[string]*lockState),
	}
}

// TryLock attempts to obtain the lock without waiting. It returns true on success.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	if _, ok := l.locks[key]; ok {
		l.mu.Unlock()
		return false, nil
	}
	st := &lockState{notify: make(chan struct{})}
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			l.expire(key, st)
		})
	}
	l.locks[key] = st
	l.mu.Unlock()
	_ = l.bus.Publish(ctx, "lock:"+key)
	return true, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		l.mu.Lock()
		st, held := l.locks[key]
		l.mu.Unlock()
		if !held {
			continue
		}
		select {
		case <-st.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Refresh resets the expiration timer of a held lock.
func (l *InMemory) Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok {
		return false, nil
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			l.expire(key, st)
		})
	}
	return true, nil
}

// Release frees the lock for the given key.
func (l *InMemory) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	st, ok := l.locks[key]
	if ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		close(st.notify)
		delete(l.locks, key)
	}
	l.mu.Unlock()
	if ok {
		_ = l.bus.Publish(ctx, "unlock:"+key)
	}
	return nil
}

// expire drops st only if it is still the current state for key, so a timer
// racing with Release and a new TryLock cannot free the new owner.
func (l *InMemory) expire(key string, st *lockState) {
	l.mu.Lock()
	cur, ok := l.locks[key]
	if !ok || cur != st {
		l.mu.Unlock()
		return
	}
	close(st.notify)
	delete(l.locks, key)
	l.mu.Unlock()
	_ = l.bus.Publish(context.Background(), "unlock:"+key)
}
