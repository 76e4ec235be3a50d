package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
)

func newRedisBuses(t *testing.T, n int, opts ...Option) []*RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	buses := make([]*RedisBus, n)
	for i := range buses {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		buses[i] = NewRedisBus(client, opts...)
	}
	return buses
}

func TestRedisBusDeliversAcrossInstances(t *testing.T) {
	buses := newRedisBuses(t, 2)
	ctx := context.Background()
	ch, err := buses[1].Subscribe(ctx, "fazbot:reload:asset")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := buses[0].Publish(ctx, "fazbot:reload:asset"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for remote publish")
	}
	if m := buses[0].Metrics(); m.Published != 1 {
		t.Fatalf("expected published 1 got %d", m.Published)
	}
	if m := buses[1].Metrics(); m.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", m.Delivered)
	}
}

func TestRedisBusSharesOneSubscriptionPerKey(t *testing.T) {
	bus := newRedisBuses(t, 1)[0]
	ctx := context.Background()
	a, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber not notified")
		}
	}
	if err := bus.Unsubscribe(ctx, "key", a); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if left := bus.subs.count("key"); left != 1 {
		t.Fatalf("expected one remaining subscriber, got %d", left)
	}
}

func TestRedisBusContextEndsSubscription(t *testing.T) {
	bus := newRedisBuses(t, 1)[0]
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.pubsub["key"]; ok || bus.subs.count("key") != 0 {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestRedisBusClosedClient(t *testing.T) {
	bus := newRedisBuses(t, 1)[0]
	_ = bus.client.Close()
	if err := bus.Publish(context.Background(), "key"); !errors.Is(err, ferrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("expected published 0 got %d", m.Published)
	}
}

func TestRedisBusNamespaceAndSkipOwn(t *testing.T) {
	buses := newRedisBuses(t, 2, WithNamespace("prod"), WithSkipOwn())
	ctx := context.Background()
	if got := buses[0].Channel("fazbot:reload:config"); got != "prod:fazbot:reload:config" {
		t.Fatalf("unexpected channel %q", got)
	}
	own, err := buses[0].Subscribe(ctx, "fazbot:reload:config")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	remote, err := buses[1].Subscribe(ctx, "fazbot:reload:config")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := buses[0].Publish(ctx, "fazbot:reload:config"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-remote:
	case <-time.After(time.Second):
		t.Fatal("remote subscriber not notified")
	}
	deadline := time.Now().Add(time.Second)
	for buses[0].Metrics().Skipped == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-own:
		t.Fatal("publisher reacted to its own message")
	default:
	}
	if m := buses[0].Metrics(); m.Skipped != 1 || m.Delivered != 0 {
		t.Fatalf("unexpected publisher metrics %+v", m)
	}
}

func TestRedisBusNamespacesAreIsolated(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	prod := NewRedisBus(client, WithNamespace("prod"))
	dev := NewRedisBus(client, WithNamespace("dev"))
	ctx := context.Background()
	ch, err := dev.Subscribe(ctx, "fazbot:reload:asset")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := prod.Publish(ctx, "fazbot:reload:asset"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("event crossed namespaces")
	case <-time.After(50 * time.Millisecond):
	}
}
