// Package watchbus streams status events to external watchers: resource
// reloads from the coordinator and state transitions from the runtime. Events
// are JSON documents published on a topic key.
package watchbus

import (
	"context"
	"encoding/json"
	"time"
)

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// Event topics.
const (
	TopicReload    = "fazbot:events:reload"
	TopicLifecycle = "fazbot:events:lifecycle"
)

// Event is a status notification.
type Event struct {
	Topic    string    `json:"topic"`
	Resource string    `json:"resource,omitempty"`
	State    string    `json:"state,omitempty"`
	Version  uint64    `json:"version,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Emit publishes ev on its topic. A nil bus is a no-op.
func Emit(ctx context.Context, bus WatchBus, ev Event) error {
	if bus == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, ev.Topic, data)
}

// Decode parses an event payload.
func Decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
