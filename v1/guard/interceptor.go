// Package guard runs operations under a distributed lock described by a
// Declaration. The lock key is resolved from the declaration's template and
// the call's arguments, the lock is held while the operation runs and is
// released on every exit path.
//
//	charge := guard.Wrap(i, guard.Defaults("order:{id}"), []string{"id"},
//		func(ctx context.Context, args ...any) (Receipt, error) {
//			return payments.Charge(ctx, args[0].(int64))
//		})
//	receipt, err := charge(ctx, orderID)
package guard

import (
	"context"
	stdErrors "errors"
	"log/slog"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/keyresolver"
	"github.com/mirkobrombin/go-warden/v1/lock"
)

// Interceptor wraps calls with lock acquisition and release.
type Interceptor struct {
	client    *lock.Client
	resolver  *keyresolver.Resolver
	observers []Observer
	logger    *slog.Logger
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithObserver registers o to receive every state transition.
func WithObserver(o Observer) Option {
	return func(i *Interceptor) {
		i.observers = append(i.observers, o)
	}
}

// WithLogger sets the logger used for invocation failures.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) {
		i.logger = l
	}
}

// New returns an Interceptor acquiring locks through client. A nil resolver
// is replaced by keyresolver.New().
func New(client *lock.Client, resolver *keyresolver.Resolver, opts ...Option) *Interceptor {
	if resolver == nil {
		resolver = keyresolver.New()
	}
	i := &Interceptor{client: client, resolver: resolver, logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Request validates decl and resolves it against inv.
func (i *Interceptor) Request(decl Declaration, inv keyresolver.Invocation) (lock.Request, error) {
	if err := decl.Validate(); err != nil {
		return lock.Request{}, err
	}
	key, err := i.resolver.ResolveWithParams(decl.Template(), decl.Params, inv)
	if err != nil {
		return lock.Request{}, err
	}
	return decl.request(key), nil
}

// Invoke runs call while holding the lock described by decl. The error
// returned by call is passed through unchanged once the lock is released.
// Failures to obtain the lock are errors.ErrAcquisitionTimeout,
// errors.ErrAcquisitionInterrupted, errors.ErrBackendUnavailable or a
// *errors.KeyResolutionError, and call does not run.
func (i *Interceptor) Invoke(ctx context.Context, decl Declaration, inv keyresolver.Invocation, call func(context.Context) error) error {
	t := &tracker{key: decl.Template(), state: Pending, observers: i.observers}
	req, err := i.Request(decl, inv)
	if err != nil {
		i.logger.Debug("guarded call rejected", "template", decl.Template(), "error", err)
		t.advance(Failed, err)
		t.advance(Done, err)
		return err
	}
	t.key = req.Key
	t.advance(Acquiring, nil)

	var called bool
	err = i.client.RunGuarded(ctx, req, func(ctx context.Context) error {
		called = true
		t.advance(Acquired, nil)
		t.advance(Executing, nil)
		err := call(ctx)
		t.advance(Releasing, err)
		return err
	})
	if !called {
		switch {
		case stdErrors.Is(err, wardenerrors.ErrAcquisitionTimeout):
			t.advance(TimedOut, err)
		case stdErrors.Is(err, wardenerrors.ErrAcquisitionInterrupted):
			t.advance(Interrupted, err)
		default:
			t.advance(Failed, err)
		}
		t.advance(Done, err)
		return err
	}
	if gerr, ok := err.(*wardenerrors.GuardedOperationError); ok {
		if gerr.ReleaseErr != nil {
			i.logger.Warn("guarded call failed and lock release failed", "key", req.Key, "error", gerr.ReleaseErr)
		}
		err = gerr.Err
	}
	t.advance(Done, err)
	return err
}

// Call is Invoke for calls that produce a value.
func Call[T any](ctx context.Context, i *Interceptor, decl Declaration, inv keyresolver.Invocation, call func(context.Context) (T, error)) (T, error) {
	var out T
	err := i.Invoke(ctx, decl, inv, func(ctx context.Context) error {
		v, err := call(ctx)
		out = v
		return err
	})
	return out, err
}

// Wrap decorates fn so every call runs under the lock described by decl.
// names declare the parameter names the key template may reference; the
// arguments stay addressable by position as well.
func Wrap[T any](i *Interceptor, decl Declaration, names []string, fn func(context.Context, ...any) (T, error)) func(context.Context, ...any) (T, error) {
	return func(ctx context.Context, args ...any) (T, error) {
		return Call(ctx, i, decl, keyresolver.Bind(names, args...), func(ctx context.Context) (T, error) {
			return fn(ctx, args...)
		})
	}
}
