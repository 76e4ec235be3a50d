package syncbus

import (
	"context"
	"strings"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// OriginHeader carries the publishing bus's origin on NATS messages.
const OriginHeader = "Fazbot-Origin"

// NATSBus implements Bus using a NATS backend. Keys map to subjects by
// replacing ':' with '.', under the namespace when one is set:
// "fazbot:reload:config" in namespace "prod" is "prod.fazbot.reload.config".
type NATSBus struct {
	conn *nats.Conn
	opts options
	subs *fanout

	mu   sync.Mutex
	nsub map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, opts ...Option) *NATSBus {
	return &NATSBus{
		conn: conn,
		opts: newOptions(opts),
		subs: newFanout(),
		nsub: make(map[string]*nats.Subscription),
	}
}

// Subject returns the NATS subject used for key.
func (b *NATSBus) Subject(key string) string {
	s := strings.ReplaceAll(key, ":", ".")
	if b.opts.namespace != "" {
		s = b.opts.namespace + "." + s
	}
	return s
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	msg := nats.NewMsg(b.Subject(key))
	msg.Header.Set(OriginHeader, b.opts.origin)
	if err := b.conn.PublishMsg(msg); err != nil {
		return err
	}
	b.subs.published()
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber of a key opens the
// NATS subscription; later ones share it.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.subs.add(key)
	if first {
		ns, err := b.conn.Subscribe(b.Subject(key), func(m *nats.Msg) {
			if b.opts.own(m.Header.Get(OriginHeader)) {
				b.subs.skipped()
				return
			}
			b.subs.notify(key)
		})
		if err != nil {
			b.subs.remove(key, ch)
			return nil, err
		}
		b.nsub[key] = ns
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.subs.remove(key, ch)
	if !found || !last {
		return nil
	}
	ns := b.nsub[key]
	delete(b.nsub, key)
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the traffic counters.
func (b *NATSBus) Metrics() Metrics {
	return b.subs.snapshot()
}
