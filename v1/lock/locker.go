package lock

import (
	"context"
	"time"
)

// Locker guards ownership of a named key across goroutines or processes.
// A ttl of zero means the lock never expires on its own.
type Locker interface {
	// TryLock attempts to obtain the lock without waiting.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire blocks until the lock is obtained or the context is cancelled.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Refresh extends the ttl of a lock held by this locker. It reports false
	// when the lock has been lost.
	Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees the lock for the given key.
	Release(ctx context.Context, key string) error
}
