package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirkobrombin/go-fazbot/v1/watchbus"
)

const stateStopped = "stopped"

// StatusNotifier posts every runtime state change it reads from a watch bus.
type StatusNotifier struct {
	client *Client
	logger *slog.Logger
	done   chan struct{}
}

// WatchStatus starts posting lifecycle events from wb to client. The watch is
// registered when WatchStatus returns; posting ends once the stopped state
// has been posted or ctx is done.
func WatchStatus(ctx context.Context, wb watchbus.WatchBus, client *Client, logger *slog.Logger) (*StatusNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := wb.Watch(ctx, watchbus.TopicLifecycle)
	if err != nil {
		return nil, err
	}
	n := &StatusNotifier{client: client, logger: logger, done: make(chan struct{})}
	go n.run(ctx, wb, ch)
	return n, nil
}

// Done is closed once the notifier has stopped.
func (n *StatusNotifier) Done() <-chan struct{} {
	return n.done
}

func (n *StatusNotifier) run(ctx context.Context, wb watchbus.WatchBus, ch chan []byte) {
	defer close(n.done)
	defer func() { _ = wb.Unwatch(context.Background(), watchbus.TopicLifecycle, ch) }()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			ev, err := watchbus.Decode(data)
			if err != nil {
				n.logger.Warn("fazbot: bad lifecycle event", "error", err)
				continue
			}
			if err := n.client.Post(ctx, StatusMessage(ev)); err != nil {
				n.logger.Warn("fazbot: status webhook failed", "state", ev.State, "error", err)
			}
			if ev.State == stateStopped {
				return
			}
		}
	}
}

// StatusMessage renders a lifecycle event.
func StatusMessage(ev watchbus.Event) string {
	msg := fmt.Sprintf("Fazbot is now **%s**.", ev.State)
	if ev.Error != "" {
		msg += fmt.Sprintf(" Reason: `%s`", ev.Error)
	}
	return msg
}
