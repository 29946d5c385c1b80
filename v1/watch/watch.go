// Package watch streams lock and unlock events of a key to HTTP clients, over
// Server-Sent Events or WebSocket. Events come from the syncbus the lock
// backend publishes on, so a watcher sees activity from every process
// sharing that bus.
package watch

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// Event states.
const (
	StateLocked   = "locked"
	StateUnlocked = "unlocked"
)

// Event reports that key was acquired or given back. Bus signals coalesce,
// so a burst of activity may be reported as fewer events.
type Event struct {
	Key   string    `json:"key"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// Watch subscribes to the lock and unlock topics of key. The returned
// channel is closed when ctx ends.
func Watch(ctx context.Context, bus syncbus.Bus, key string) (<-chan Event, error) {
	lockTopic, unlockTopic := syncbus.LockTopic(key), syncbus.UnlockTopic(key)
	lockCh, err := bus.Subscribe(ctx, lockTopic)
	if err != nil {
		return nil, err
	}
	unlockCh, err := bus.Subscribe(ctx, unlockTopic)
	if err != nil {
		_ = bus.Unsubscribe(context.Background(), lockTopic, lockCh)
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() {
			_ = bus.Unsubscribe(context.Background(), lockTopic, lockCh)
			_ = bus.Unsubscribe(context.Background(), unlockTopic, unlockCh)
		}()
		for {
			var state string
			select {
			case _, ok := <-lockCh:
				if !ok {
					return
				}
				state = StateLocked
			case _, ok := <-unlockCh:
				if !ok {
					return
				}
				state = StateUnlocked
			case <-ctx.Done():
				return
			}
			select {
			case out <- Event{Key: key, State: state, At: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
