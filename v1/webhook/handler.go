package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 64

// Handler is a slog.Handler that passes every record to the wrapped handler
// and forwards records at or above its level to a webhook. Posting happens
// on a background goroutine; when the queue is full the record is only
// counted as dropped. Call Close to flush the queue.
type Handler struct {
	next   slog.Handler
	out    *outbox
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

type outbox struct {
	client  *Client
	mention uint64
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan string
	done   chan struct{}

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLevel sets the minimum level forwarded to the webhook. The default is
// slog.LevelError.
func WithLevel(l slog.Leveler) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.level = l
		}
	}
}

// WithMention pings userID on every forwarded record.
func WithMention(userID uint64) HandlerOption {
	return func(h *Handler) {
		h.out.mention = userID
	}
}

// WithQueueSize bounds the number of records waiting to be posted.
func WithQueueSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.out.queue = make(chan string, n)
		}
	}
}

// NewHandler wraps next and forwards to client.
func NewHandler(next slog.Handler, client *Client, opts ...HandlerOption) *Handler {
	h := &Handler{
		next:  next,
		level: slog.LevelError,
		out: &outbox{
			client:  client,
			timeout: 30 * time.Second,
			queue:   make(chan string, defaultQueueSize),
			done:    make(chan struct{}),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.out.run()
	return h
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() || h.next.Enabled(ctx, l)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level >= h.level.Level() {
		h.out.push(h.format(r))
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), qualify(h.groups, attrs)...)
	return &c
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.next = h.next.WithGroup(name)
	c.groups = append(append([]string(nil), h.groups...), name)
	return &c
}

// Close stops accepting records and waits until the queued ones are posted
// or ctx is done.
func (h *Handler) Close(ctx context.Context) error {
	h.out.mu.Lock()
	if !h.out.closed {
		h.out.closed = true
		close(h.out.queue)
	}
	h.out.mu.Unlock()
	select {
	case <-h.out.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats counts forwarded records.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// Stats returns the forwarding counters.
func (h *Handler) Stats() Stats {
	return Stats{Sent: h.out.sent.Load(), Failed: h.out.failed.Load(), Dropped: h.out.dropped.Load()}
}

func (h *Handler) format(r slog.Record) string {
	var b strings.Builder
	if h.out.mention != 0 {
		fmt.Fprintf(&b, "<@%d> ", h.out.mention)
	}
	fmt.Fprintf(&b, "**%s** %s", r.Level, r.Message)
	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, qualify(h.groups, []slog.Attr{a})...)
		return true
	})
	if len(attrs) > 0 {
		b.WriteString("\n```\n")
		for _, a := range attrs {
			fmt.Fprintf(&b, "%s=%s\n", a.Key, a.Value.Resolve().String())
		}
		b.WriteString("```")
	}
	return b.String()
}

// qualify flattens group attributes into dotted keys under groups.
func qualify(groups []string, attrs []slog.Attr) []slog.Attr {
	prefix := strings.Join(groups, ".")
	var out []slog.Attr
	for _, a := range attrs {
		a.Value = a.Value.Resolve()
		key := a.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		if a.Value.Kind() == slog.KindGroup {
			sub := groups
			if a.Key != "" {
				sub = append(append([]string(nil), groups...), a.Key)
			}
			out = append(out, qualify(sub, a.Value.Group())...)
			continue
		}
		if a.Key == "" {
			continue
		}
		out = append(out, slog.Attr{Key: key, Value: a.Value})
	}
	return out
}

func (o *outbox) push(content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.dropped.Add(1)
		return
	}
	select {
	case o.queue <- content:
	default:
		o.dropped.Add(1)
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for content := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		var err error
		if o.mention != 0 {
			err = o.client.Post(ctx, content, o.mention)
		} else {
			err = o.client.Post(ctx, content)
		}
		cancel()
		if err != nil {
			o.failed.Add(1)
			continue
		}
		o.sent.Add(1)
	}
}
