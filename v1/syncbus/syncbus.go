package syncbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Bus provides a simple pub/sub mechanism used to propagate lock and reload
// events across bot instances.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics counts bus traffic. Skipped counts messages this process published
// itself and dropped on receipt because of WithSkipOwn.
type Metrics struct {
	Published uint64
	Delivered uint64
	Skipped   uint64
}

// fanout holds the local subscriber channels of a bus. Sends are non-blocking
// and happen under mu, so remove never closes a channel mid-send.
type fanout struct {
	mu      sync.Mutex
	subs    map[string][]chan struct{}
	metrics Metrics
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers a new channel for key and reports whether it is the first.
func (f *fanout) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left. found is
// false when ch was not subscribed to key.
func (f *fanout) remove(key string, ch chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		close(c)
		found = true
		break
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return found, true
	}
	f.subs[key] = subs
	return found, false
}

func (f *fanout) notify(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[key] {
		select {
		case ch <- struct{}{}:
			f.metrics.Delivered++
		default:
		}
	}
}

func (f *fanout) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}

func (f *fanout) published() {
	f.mu.Lock()
	f.metrics.Published++
	f.mu.Unlock()
}

func (f *fanout) skipped() {
	f.mu.Lock()
	f.metrics.Skipped++
	f.mu.Unlock()
}

func (f *fanout) snapshot() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

// unsubscribeOnDone ends the subscription once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus is a local implementation of Bus for single-process runs and tests.
type InMemoryBus struct {
	subs *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.subs.published()
	b.subs.notify(key)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch, _ := b.subs.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.subs.remove(key, ch)
	return nil
}

// Metrics returns the traffic counters.
func (b *InMemoryBus) Metrics() Metrics {
	return b.subs.snapshot()
}

// Option configures a networked bus.
type Option func(*options)

type options struct {
	namespace string
	origin    string
	skipOwn   bool
}

func newOptions(opts []Option) options {
	o := options{origin: uuid.NewString()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNamespace prefixes every key on the wire, so deployments sharing one
// broker do not see each other's events.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithOrigin sets the identifier stamped on published messages. It defaults
// to a random UUID per bus.
func WithOrigin(id string) Option {
	return func(o *options) {
		if id != "" {
			o.origin = id
		}
	}
}

// WithSkipOwn drops messages stamped with this bus's own origin, so a
// process never reacts to its own announcements.
func WithSkipOwn() Option {
	return func(o *options) {
		o.skipOwn = true
	}
}

// own reports whether a received message should be dropped.
func (o options) own(origin string) bool {
	return o.skipOwn && origin == o.origin
}
