package lock

import (
	"context"
	"sync"
)

// Mutex is a mutual exclusion lock whose acquisition can be abandoned through
// a context. Obtain one from a Registry.
type Mutex struct {
	ch chan struct{}
}

func newMutex() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

// Lock blocks until the mutex is held or ctx is done.
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. Unlocking a free mutex is a programming error
// and panics, as with sync.Mutex.
func (m *Mutex) Unlock() {
	select {
	case <-m.ch:
	default:
		panic("lock: unlock of unlocked mutex")
	}
}

// Registry lazily creates and caches one Mutex per key. The table itself is
// guarded by a single mutex so that concurrent first requests for a key
// observe the same Mutex.
type Registry[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*Mutex
}

// NewRegistry returns a registry with a Mutex already allocated for each of
// keys. Closed key sets should be passed here so lookups never create.
func NewRegistry[K comparable](keys ...K) *Registry[K] {
	r := &Registry[K]{locks: make(map[K]*Mutex, len(keys))}
	for _, k := range keys {
		r.locks[k] = newMutex()
	}
	return r
}

// Get returns the Mutex for key, creating it on first use.
func (r *Registry[K]) Get(key K) *Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[key]
	if !ok {
		m = newMutex()
		r.locks[key] = m
	}
	return m
}

// Acquire locks the Mutex for key and returns its release function. Calling
// release more than once is a no-op.
func (r *Registry[K]) Acquire(ctx context.Context, key K) (release func(), err error) {
	m := r.Get(key)
	if err := m.Lock(ctx); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, nil
}

// With runs fn while holding the lock for key. The lock is released when fn
// returns or panics.
func (r *Registry[K]) With(ctx context.Context, key K, fn func() error) error {
	release, err := r.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Len reports how many locks the registry holds.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
