// Package syncbus carries lock and unlock notifications between processes
// contending for the same keys. Payloads are empty: a delivery only means
// "something changed on this topic, look again".
package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// Bus provides a simple pub/sub mechanism keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// LockTopic is the topic announcing that key was acquired.
func LockTopic(key string) string { return "lock:" + key }

// UnlockTopic is the topic announcing that key was released or expired.
func UnlockTopic(key string) string { return "unlock:" + key }

// Metrics reports bus traffic counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

func contextErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return wardenerrors.ErrTimeout
	}
	return err
}

// unsubscribeOnDone detaches ch once ctx ends. Contexts that never end are
// skipped so no goroutine is parked forever.
func unsubscribeOnDone(ctx context.Context, bus Bus, topic string, ch chan struct{}) {
	done := ctx.Done()
	if done == nil {
		return
	}
	go func() {
		<-done
		_ = bus.Unsubscribe(context.Background(), topic, ch)
	}()
}

// fanOut performs a non-blocking send to every channel and returns how many
// accepted the signal. Callers hold the lock guarding chans so no channel is
// closed mid-send.
func fanOut(chans []chan struct{}) uint64 {
	var n uint64
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			n++
		default:
		}
	}
	return n
}

// InMemoryBus is a process-local Bus, used by the in-memory backend and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.published.Add(1)
	b.delivered.Add(fanOut(b.subs[topic]))
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. Unknown channels are ignored.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[topic] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
