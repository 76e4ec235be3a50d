package watchbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 1000

// RedisWatchBus uses Redis Streams to implement WatchBus, so watchers on any
// instance see events from every instance.
type RedisWatchBus struct {
	client  *redis.Client
	maxLen  int64
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// RedisOption configures a RedisWatchBus.
type RedisOption func(*RedisWatchBus)

// WithStreamMaxLen caps the approximate length of every stream.
func WithStreamMaxLen(n int64) RedisOption {
	return func(b *RedisWatchBus) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client, opts ...RedisOption) *RedisWatchBus {
	b := &RedisWatchBus{
		client:  client,
		maxLen:  defaultStreamMaxLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends a message to the Redis stream identified by key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch reads messages appended to the stream after the call returns.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	lastID := "0-0"
	last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(last) == 1 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 1)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   0,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					if v, ok := msg.Values["data"].(string); ok {
						select {
						case ch <- []byte(v):
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return ch, nil
}

// Unwatch stops watching the given key and channel.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	m, ok := b.cancels[key]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	cancel, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
