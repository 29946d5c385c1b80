package presets

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-warden/v1/guard"
	"github.com/mirkobrombin/go-warden/v1/keyresolver"
)

func TestNewInMemoryStandalone(t *testing.T) {
	i := NewInMemoryStandalone()
	got, err := guard.Call(context.Background(), i, guard.Defaults("foo"), keyresolver.Invocation{},
		func(context.Context) (string, error) { return "bar", nil })
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != "bar" {
		t.Fatalf("expected bar, got %s", got)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	i := NewRedis(RedisOptions{Addr: mr.Addr(), Prefix: "app:"})
	decl := guard.Defaults("order:{id}")
	err = i.Invoke(context.Background(), decl, keyresolver.Bind([]string{"id"}, 42), func(context.Context) error {
		if !mr.Exists("app:order:42") {
			t.Error("lock key not present in Redis while held")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if mr.Exists("app:order:42") {
		t.Fatal("lock key still present after release")
	}
}
