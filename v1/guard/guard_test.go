package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/keyresolver"
	"github.com/mirkobrombin/go-warden/v1/lock"
)

type recorder struct {
	mu     sync.Mutex
	states []State
	keys   []string
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, t.To)
	r.keys = append(r.keys, t.Key)
}

func (r *recorder) sequence() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newInterceptor(t *testing.T, opts ...Option) (*Interceptor, *lock.InMemory) {
	t.Helper()
	backend := lock.NewInMemory(nil)
	resolver := keyresolver.New()
	t.Cleanup(resolver.Close)
	return New(lock.NewClient(backend), resolver, opts...), backend
}

func assertSequence(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states %v, want %v", got, want)
		}
	}
}

func TestDeclarationValidate(t *testing.T) {
	cases := []struct {
		name string
		decl Declaration
		ok   bool
	}{
		{"key", Declaration{Key: "a"}, true},
		{"value", Declaration{Value: "a"}, true},
		{"same", Declaration{Key: "a", Value: "a"}, true},
		{"disagree", Declaration{Key: "a", Value: "b"}, false},
		{"empty", Declaration{Params: "{id}"}, false},
		{"type", Declaration{Key: "a", Type: lock.Type(7)}, false},
		{"unit", Declaration{Key: "a", TimeUnit: -time.Second}, false},
	}
	for _, c := range cases {
		err := c.decl.Validate()
		if c.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && !errors.Is(err, wardenerrors.ErrInvalidDeclaration) {
			t.Fatalf("%s: expected ErrInvalidDeclaration, got %v", c.name, err)
		}
	}
}

func TestDeclarationDefaults(t *testing.T) {
	req := Declaration{Value: "inventory"}.request("k")
	if req.WaitTime != DefaultWaitTime || req.LeaseTime != DefaultLeaseTime || req.Unit != time.Second || req.Type != lock.Fair {
		t.Fatalf("unexpected defaults %+v", req)
	}
	if req.Name != "inventory" || req.Key != "k" {
		t.Fatalf("unexpected names %+v", req)
	}
	if d := Defaults("inventory"); d.request("k") != req {
		t.Fatalf("Defaults disagrees with zero-value normalization")
	}

	req = Declaration{Key: "k", WaitTime: NoWait, LeaseTime: Watchdog}.request("k")
	if req.Wait() != 0 || !req.Watchdog() {
		t.Fatalf("expected single attempt with watchdog, got %+v", req)
	}
	req = Declaration{Key: "k", WaitTime: WaitForever}.request("k")
	if req.Wait() >= 0 {
		t.Fatalf("expected unbounded wait, got %v", req.Wait())
	}
}

func TestInvokeStates(t *testing.T) {
	rec := &recorder{}
	i, backend := newInterceptor(t, WithObserver(rec.observe))
	decl := Declaration{Key: "order:{id}"}

	var ran bool
	err := i.Invoke(context.Background(), decl, keyresolver.Bind([]string{"id"}, 42), func(context.Context) error {
		ran = true
		if holder, _ := backend.Holder(keyresolver.DefaultPrefix + "order:42"); holder == "" {
			t.Error("lock not held while the call runs")
		}
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("invoke: %v ran=%v", err, ran)
	}
	assertSequence(t, rec.sequence(), Acquiring, Acquired, Executing, Releasing, Done)
	if rec.keys[0] != keyresolver.DefaultPrefix+"order:42" {
		t.Fatalf("transition key %q", rec.keys[0])
	}
	if holder, _ := backend.Holder(keyresolver.DefaultPrefix + "order:42"); holder != "" {
		t.Fatal("lock still held after invoke")
	}
}

func TestInvokeForwardsCallError(t *testing.T) {
	rec := &recorder{}
	i, backend := newInterceptor(t, WithObserver(rec.observe))
	boom := errors.New("boom")
	err := i.Invoke(context.Background(), Declaration{Key: "k"}, keyresolver.Invocation{}, func(context.Context) error {
		return boom
	})
	if err != boom {
		t.Fatalf("expected call error unchanged, got %v", err)
	}
	assertSequence(t, rec.sequence(), Acquiring, Acquired, Executing, Releasing, Done)
	if holder, _ := backend.Holder(keyresolver.DefaultPrefix + "k"); holder != "" {
		t.Fatal("lock still held after failed call")
	}
}

func TestInvokeKeyResolutionFailure(t *testing.T) {
	rec := &recorder{}
	i, _ := newInterceptor(t, WithObserver(rec.observe))
	var ran bool
	err := i.Invoke(context.Background(), Declaration{Key: "order:{id}"}, keyresolver.Invocation{}, func(context.Context) error {
		ran = true
		return nil
	})
	var kre *wardenerrors.KeyResolutionError
	if !errors.As(err, &kre) {
		t.Fatalf("expected KeyResolutionError, got %v", err)
	}
	if ran {
		t.Fatal("call ran without a key")
	}
	assertSequence(t, rec.sequence(), Failed, Done)
}

func TestInvokeTimeout(t *testing.T) {
	rec := &recorder{}
	i, backend := newInterceptor(t, WithObserver(rec.observe))
	ctx := context.Background()
	held, err := backend.Acquire(ctx, keyresolver.DefaultPrefix+"busy", lock.Fair, 0, time.Minute, "someone")
	if err != nil || held == nil {
		t.Fatalf("acquire: %v", err)
	}

	decl := Declaration{Key: "busy", WaitTime: 50, TimeUnit: time.Millisecond}
	start := time.Now()
	var ran bool
	err = i.Invoke(ctx, decl, keyresolver.Invocation{}, func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, wardenerrors.ErrAcquisitionTimeout) {
		t.Fatalf("expected ErrAcquisitionTimeout, got %v", err)
	}
	if ran {
		t.Fatal("call ran without the lock")
	}
	if elapsed := time.Since(start); elapsed < 45*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timed out after %v", elapsed)
	}
	assertSequence(t, rec.sequence(), Acquiring, TimedOut, Done)
}

func TestInvokeInterrupted(t *testing.T) {
	rec := &recorder{}
	i, backend := newInterceptor(t, WithObserver(rec.observe))
	_, _ = backend.Acquire(context.Background(), keyresolver.DefaultPrefix+"busy", lock.Fair, 0, time.Minute, "someone")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := i.Invoke(ctx, Declaration{Key: "busy", WaitTime: WaitForever}, keyresolver.Invocation{}, func(context.Context) error {
		return nil
	})
	if !errors.Is(err, wardenerrors.ErrAcquisitionInterrupted) {
		t.Fatalf("expected ErrAcquisitionInterrupted, got %v", err)
	}
	assertSequence(t, rec.sequence(), Acquiring, Interrupted, Done)
}

func TestWrapMutualExclusion(t *testing.T) {
	i, _ := newInterceptor(t)
	var (
		inside  atomic.Int32
		balance = map[int]int{}
	)
	deposit := Wrap(i, Declaration{Key: "account:{acct}", Type: lock.Reentrant}, []string{"acct", "amount"},
		func(ctx context.Context, args ...any) (int, error) {
			if n := inside.Add(1); n != 1 {
				t.Errorf("%d deposits inside the critical section", n)
			}
			defer inside.Add(-1)
			acct, amount := args[0].(int), args[1].(int)
			v := balance[acct]
			time.Sleep(time.Millisecond)
			balance[acct] = v + amount
			return balance[acct], nil
		})

	var g errgroup.Group
	for n := 0; n < 10; n++ {
		g.Go(func() error {
			_, err := deposit(context.Background(), 7, 10)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if balance[7] != 100 {
		t.Fatalf("expected balance 100, got %d", balance[7])
	}
}

func TestWrapNestedReentry(t *testing.T) {
	i, _ := newInterceptor(t)
	decl := Declaration{Key: "order:{0}", Type: lock.Reentrant, WaitTime: NoWait}
	inner := Wrap(i, decl, nil, func(ctx context.Context, args ...any) (string, error) {
		return "inner", nil
	})
	outer := Wrap(i, decl, nil, func(ctx context.Context, args ...any) (string, error) {
		return inner(ctx, args...)
	})
	got, err := outer(context.Background(), 42)
	if err != nil || got != "inner" {
		t.Fatalf("nested call: %q %v", got, err)
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(Acquiring, TimedOut) || CanTransition(Pending, Executing) || CanTransition(Done, Pending) {
		t.Fatal("unexpected transition table")
	}
	if Releasing.String() != "releasing" || State(99).String() != "State(99)" {
		t.Fatal("unexpected state names")
	}
}
