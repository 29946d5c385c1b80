package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Type selects the lock semantics.
type Type int

const (
	// Fair grants the lock to waiters in arrival order.
	Fair Type = iota
	// Reentrant lets the holder reacquire a key it already owns.
	Reentrant
)

func (t Type) String() string {
	switch t {
	case Fair:
		return "fair"
	case Reentrant:
		return "reentrant"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// DefaultWatchdogLease is the lease used, and renewed every third of its
// length, when a request asks for a non-positive lease time.
const DefaultWatchdogLease = 30 * time.Second

// Request describes one guarded acquisition. It is built per call because Key
// depends on the call's arguments.
type Request struct {
	// Name is the template the key was resolved from, kept for logs.
	Name string
	// Key is the resolved, namespaced lock key.
	Key  string
	Type Type
	// WaitTime is how long to wait for the lock, in Unit. Negative values
	// wait until the context ends.
	WaitTime int64
	// LeaseTime is the lease granted on acquisition, in Unit. Non-positive
	// values enable background renewal of the client's watchdog lease.
	LeaseTime int64
	// Unit is the resolution of WaitTime and LeaseTime; zero means seconds.
	Unit time.Duration
}

func (r Request) unit() time.Duration {
	if r.Unit <= 0 {
		return time.Second
	}
	return r.Unit
}

// Wait returns the wait budget. A negative result means "no limit".
func (r Request) Wait() time.Duration {
	if r.WaitTime < 0 {
		return -1
	}
	return time.Duration(r.WaitTime) * r.unit()
}

// Lease returns the lease to request from the backend, or zero when the
// lease is managed by the client watchdog.
func (r Request) Lease() time.Duration {
	if r.LeaseTime <= 0 {
		return 0
	}
	return time.Duration(r.LeaseTime) * r.unit()
}

// Watchdog reports whether the lease is renewed in the background.
func (r Request) Watchdog() bool { return r.LeaseTime <= 0 }

// Handle is the proof of a successful acquisition. It belongs to the call
// frame that acquired it and is released exactly once.
type Handle struct {
	Key        string
	Type       Type
	Holder     string
	Token      string
	AcquiredAt time.Time

	released atomic.Bool
}

// markReleased flips the handle to released and reports whether it was still
// live.
func (h *Handle) markReleased() bool {
	return h.released.CompareAndSwap(false, true)
}

// Released reports whether the handle was already given back.
func (h *Handle) Released() bool { return h.released.Load() }

// Backend is the lock service. Implementations must make acquire and release
// atomic and honour the ordering rules of each Type.
type Backend interface {
	// Acquire tries to obtain key for holder, waiting up to wait (negative:
	// until ctx ends). It returns a nil handle and nil error when the wait
	// elapsed, and ctx.Err() when the context ended first.
	Acquire(ctx context.Context, key string, t Type, wait, ttl time.Duration, holder string) (*Handle, error)
	// Release gives back one acquisition. It returns errors.ErrNotHeld when h
	// does not own key.
	Release(ctx context.Context, key string, t Type, h *Handle) error
}

// Renewer is implemented by backends able to extend a live lease.
type Renewer interface {
	Renew(ctx context.Context, key string, t Type, h *Handle, ttl time.Duration) error
}

type holderKey struct{}

// WithHolder binds a holder identity to ctx. Acquisitions made with the same
// holder on the same key re-enter instead of blocking, so goroutines that
// must exclude each other need distinct holders.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

// HolderFrom returns the holder identity bound to ctx, if any.
func HolderFrom(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(holderKey{}).(string)
	return h, ok && h != ""
}
