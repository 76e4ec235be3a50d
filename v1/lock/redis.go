package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fazbot/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    if tonumber(ARGV[2]) > 0 then
        return redis.call("PEXPIRE", KEYS[1], ARGV[2])
    end
    return redis.call("PERSIST", KEYS[1]) + 1
else
    return 0
end
`)

// Redis implements Locker using a Redis backend. Each acquired key stores a
// random token so only the owner can refresh or release it.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client *redis.Client, bus syncbus.Bus) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &Redis{client: client, bus: bus, tokens: make(map[string]string)}
}

// TryLock attempts to obtain the lock without waiting.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
		_ = r.bus.Publish(ctx, "lock:"+key)
	}
	return ok, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
// Local unlock events wake the waiter early; remote owners are polled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	ch, err := r.bus.Subscribe(ctx, "unlock:"+key)
	if err != nil {
		return err
	}
	defer func() { _ = r.bus.Unsubscribe(context.Background(), "unlock:"+key, ch) }()

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case _, open := <-ch:
			if !open {
				ch = nil
			}
		case <-poll.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Refresh extends the ttl of a held lock. A ttl of zero removes the expiry.
func (r *Redis) Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	n, err := refreshScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return false, err
	}
	if n == 0 {
		r.mu.Lock()
		delete(r.tokens, key)
		r.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Release frees the lock for the given key.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := delScript.Run(ctx, r.client, []string{key}, token).Result()
	if err == redis.Nil {
		err = nil
	}
	if err == nil {
		r.mu.Lock()
		delete(r.tokens, key)
		r.mu.Unlock()
		_ = r.bus.Publish(ctx, "unlock:"+key)
	}
	return err
}
