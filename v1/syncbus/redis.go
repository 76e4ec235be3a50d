package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus implements Bus over Redis pub/sub. It serves deployments that run
// Redis for the instance lock but no NATS. The message payload is the
// publishing bus's origin; the channel is the key, prefixed by the namespace
// and ':' when one is set.
type RedisBus struct {
	client *redis.Client
	opts   options
	subs   *fanout

	mu     sync.Mutex
	pubsub map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client, opts ...Option) *RedisBus {
	return &RedisBus{
		client: client,
		opts:   newOptions(opts),
		subs:   newFanout(),
		pubsub: make(map[string]*redis.PubSub),
	}
}

// Channel returns the Redis channel used for key.
func (b *RedisBus) Channel(key string) string {
	if b.opts.namespace == "" {
		return key
	}
	return b.opts.namespace + ":" + key
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.Channel(key), b.opts.origin).Err(); err != nil {
		return mapRedisErr(err)
	}
	b.subs.published()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is confirmed by Redis
// before Subscribe returns and ends when ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.subs.add(key)
	if first {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, b.Channel(key))
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.subs.remove(key, ch)
			return nil, mapRedisErr(err)
		}
		b.pubsub[key] = ps
		go b.dispatch(key, ps)
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		if b.opts.own(msg.Payload) {
			b.subs.skipped()
			continue
		}
		b.subs.notify(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.subs.remove(key, ch)
	if !found || !last {
		return nil
	}
	ps := b.pubsub[key]
	delete(b.pubsub, key)
	if ps == nil {
		return nil
	}
	return mapRedisErr(ps.Close())
}

// Metrics returns the traffic counters.
func (b *RedisBus) Metrics() Metrics {
	return b.subs.snapshot()
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ferrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return ferrors.ErrConnectionClosed
	default:
		return err
	}
}
