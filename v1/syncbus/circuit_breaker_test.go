package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockBus struct {
	publishFunc func(ctx context.Context, key string) error
	*InMemoryBus
}

func (m *mockBus) Publish(ctx context.Context, key string) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, key)
	}
	return m.InMemoryBus.Publish(ctx, key)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	threshold := 2
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mb, threshold, timeout)

	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mb.publishFunc = func(ctx context.Context, key string) error { return failErr }
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}

	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected unhealthy/open after threshold reached")
	}
	if err := cb.Publish(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	if !cb.IsHealthy() {
		t.Fatal("expected healthy (time passed)")
	}

	mb.publishFunc = func(ctx context.Context, key string) error { return nil }
	if err := cb.Publish(ctx, "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after success")
	}
	if cb.failures != 0 {
		t.Fatalf("expected failures=0, got %d", cb.failures)
	}

	mb.publishFunc = func(ctx context.Context, key string) error { return failErr }
	cb.Publish(ctx, "key")
	cb.Publish(ctx, "key")
	if cb.IsHealthy() {
		t.Fatal("expected open")
	}

	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after half-open failure")
	}
	if err := cb.Publish(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_Passthrough(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(mb, 5, time.Minute)

	ctx := context.Background()
	if err := cb.Publish(ctx, "foo"); err != nil {
		t.Fatal(err)
	}

	sub, _ := mb.InMemoryBus.Subscribe(ctx, "foo")
	go func() {
		cb.Publish(ctx, "foo")
	}()
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on underlying bus")
	}
}

type failingSubscribeBus struct {
	*InMemoryBus
	err error
}

func (f *failingSubscribeBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.InMemoryBus.Subscribe(ctx, key)
}

func TestCircuitBreaker_SubscribeOpensCircuit(t *testing.T) {
	fb := &failingSubscribeBus{InMemoryBus: NewInMemoryBus(), err: errors.New("down")}
	cb := NewCircuitBreaker(fb, 1, time.Minute)
	ctx := context.Background()

	if _, err := cb.Subscribe(ctx, UnlockTopic("k")); err == nil {
		t.Fatal("expected subscribe error")
	}
	if _, err := cb.Subscribe(ctx, UnlockTopic("k")); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if err := cb.Publish(ctx, UnlockTopic("k")); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen on publish, got %v", err)
	}
}
