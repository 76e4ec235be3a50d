package watchbus

import (
	"context"
	"sync"
)

// watchBuffer is how many events a watcher may lag behind before it starts
// missing them.
const watchBuffer = 16

// InMemoryWatchBus is the single-process WatchBus. Slow watchers miss events
// rather than block publishers.
type InMemoryWatchBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{subs: make(map[string][]chan []byte)}
}

// Publish sends data to all watchers of topic. Sends happen under the lock so
// a concurrent Unwatch never closes a channel being written.
func (b *InMemoryWatchBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to topic until ctx is done.
func (b *InMemoryWatchBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch removes ch from the watchers of topic and closes it.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}
