package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

func TestWatchReportsLockAndUnlock(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	backend := lock.NewInMemory(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Watch(ctx, bus, "order:42")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	h, _ := backend.Acquire(context.Background(), "order:42", lock.Fair, 0, time.Minute, "a")
	expectEvent(t, events, StateLocked)
	_ = backend.Release(context.Background(), "order:42", lock.Fair, h)
	expectEvent(t, events, StateUnlocked)

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			for range events {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func expectEvent(t *testing.T, events <-chan Event, state string) {
	t.Helper()
	select {
	case ev := <-events:
		if ev.State != state || ev.Key != "order:42" {
			t.Fatalf("unexpected event %+v, want %s", ev, state)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", state)
	}
}

func TestSSEHandlerStream(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?key=foo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if err := bus.Publish(context.Background(), syncbus.UnlockTopic("foo")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "event: unlocked" {
		t.Fatalf("unexpected line %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.Key != "foo" || ev.State != StateUnlocked {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSSEHandlerMissingKey(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(syncbus.NewInMemoryBus()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	backend := lock.NewInMemory(bus)
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=foo"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; keep acquiring until
	// an event comes through.
	got := make(chan Event, 1)
	go func() {
		var ev Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		h, _ := backend.Acquire(context.Background(), "foo", lock.Reentrant, 0, time.Minute, "a")
		select {
		case ev := <-got:
			if ev.Key != "foo" || (ev.State != StateLocked && ev.State != StateUnlocked) {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for websocket event")
		case <-time.After(20 * time.Millisecond):
		}
		_ = backend.Release(context.Background(), "foo", lock.Reentrant, h)
	}
}

func TestWebSocketHandlerMissingKey(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(syncbus.NewInMemoryBus()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 response, got %v", resp)
	}
}
