package resource

import (
	"context"
	"errors"
)

// ErrNoBus is returned by Follow when the coordinator has no bus.
var ErrNoBus = errors.New("resource: no bus configured")

// Follow subscribes to reload announcements and reloads the announced
// resource locally until ctx is done. Subscriptions are in place when Follow
// returns. Reloads triggered here are never announced again. A bus built
// with syncbus.WithSkipOwn drops this instance's own announcements; other
// buses deliver them back, which costs one extra local reload.
func (c *Coordinator) Follow(ctx context.Context) error {
	if c.bus == nil {
		return ErrNoBus
	}
	names := []Name{NameConfig, NameAsset}
	chans := make([]chan struct{}, 0, len(names))
	for _, name := range names {
		ch, err := c.bus.Subscribe(ctx, reloadKey(name))
		if err != nil {
			for i, sub := range chans {
				_ = c.bus.Unsubscribe(context.Background(), reloadKey(names[i]), sub)
			}
			return err
		}
		chans = append(chans, ch)
	}
	for i, name := range names {
		go c.follow(ctx, name, chans[i])
	}
	return nil
}

func (c *Coordinator) follow(ctx context.Context, name Name, ch chan struct{}) {
	defer func() { _ = c.bus.Unsubscribe(context.Background(), reloadKey(name), ch) }()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			_ = c.reload(ctx, name, false)
		case <-ctx.Done():
			return
		}
	}
}
