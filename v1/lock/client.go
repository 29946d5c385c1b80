package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	guuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/lock")

type heldKey struct {
	key    string
	t      Type
	holder string
}

type heldEntry struct {
	h    *Handle
	stop func()
}

// Client acquires and releases locks on a Backend on behalf of callers.
type Client struct {
	backend       Backend
	id            string
	logger        *slog.Logger
	metrics       bool
	watchdogLease time.Duration

	mu   sync.Mutex
	held map[heldKey][]heldEntry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for lock lifecycle messages.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records lock metrics on reg. Clients may share a registry.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *Client) {
		if err := metrics.EnsureRegistered(reg); err != nil {
			panic(err)
		}
		c.metrics = true
	}
}

// WithClientID replaces the random client identity. Holder identities
// derived from it show up in the backend, so it should be unique per process.
func WithClientID(id string) ClientOption {
	return func(c *Client) {
		c.id = id
	}
}

// WithWatchdogLease replaces DefaultWatchdogLease for requests without an
// explicit lease.
func WithWatchdogLease(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.watchdogLease = d
		}
	}
}

// NewClient returns a Client backed by backend.
func NewClient(backend Backend, opts ...ClientOption) *Client {
	c := &Client{
		backend:       backend,
		logger:        slog.Default(),
		watchdogLease: DefaultWatchdogLease,
		held:          make(map[heldKey][]heldEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		id, err := guuid.GenerateUUID()
		if err != nil {
			panic(err)
		}
		c.id = id
	}
	return c
}

// ID returns the client identity.
func (c *Client) ID() string { return c.id }

// Backend returns the backend the client talks to.
func (c *Client) Backend() Backend { return c.backend }

func (c *Client) holder(ctx context.Context) string {
	if h, ok := HolderFrom(ctx); ok {
		return h
	}
	return c.id
}

func (c *Client) lease(req Request) time.Duration {
	if req.Watchdog() {
		return c.watchdogLease
	}
	return req.Lease()
}

// acquire returns a nil handle and nil error when the wait elapsed.
func (c *Client) acquire(ctx context.Context, key string, t Type, wait, lease time.Duration, holder string) (*Handle, error) {
	start := time.Now()
	h, err := c.backend.Acquire(ctx, key, t, wait, lease, holder)
	if c.metrics {
		metrics.WaitSeconds.WithLabelValues(t.String()).Observe(time.Since(start).Seconds())
	}
	switch {
	case err != nil && (ctx.Err() != nil || stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded)):
		c.record(t, metrics.ResultInterrupted)
		c.logger.Debug("lock acquisition interrupted", "key", key, "type", t, "holder", holder)
		return nil, fmt.Errorf("%w: %s: %w", wardenerrors.ErrAcquisitionInterrupted, key, err)
	case err != nil:
		c.record(t, metrics.ResultError)
		c.logger.Error("lock acquisition failed", "key", key, "type", t, "error", err)
		if !stdErrors.Is(err, wardenerrors.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %s: %w", wardenerrors.ErrBackendUnavailable, key, err)
		}
		return nil, err
	case h == nil:
		c.record(t, metrics.ResultTimeout)
		c.logger.Debug("lock acquisition timed out", "key", key, "type", t, "holder", holder, "wait", wait)
		return nil, nil
	}
	c.record(t, metrics.ResultAcquired)
	if c.metrics {
		metrics.HeldGauge.Inc()
	}
	c.logger.Debug("lock acquired", "key", key, "type", t, "holder", holder, "waited", time.Since(start))
	return h, nil
}

func (c *Client) release(ctx context.Context, h *Handle) error {
	err := c.backend.Release(ctx, h.Key, h.Type, h)
	result := metrics.ResultReleased
	switch {
	case err == nil:
		c.logger.Debug("lock released", "key", h.Key, "type", h.Type, "holder", h.Holder)
	case stdErrors.Is(err, wardenerrors.ErrNotHeld):
		result = metrics.ResultNotHeld
		c.logger.Warn("released lock was not held", "key", h.Key, "type", h.Type, "holder", h.Holder)
	default:
		result = metrics.ResultError
		c.logger.Error("lock release failed", "key", h.Key, "type", h.Type, "error", err)
	}
	if c.metrics {
		metrics.ReleaseCounter.WithLabelValues(h.Type.String(), result).Inc()
		metrics.HeldGauge.Dec()
	}
	return err
}

func (c *Client) record(t Type, result string) {
	if c.metrics {
		metrics.AcquireCounter.WithLabelValues(t.String(), result).Inc()
	}
}

// TryAcquire waits up to waitTime for key and holds it for leaseTime, both
// expressed in unit. It reports false with a nil error when the wait
// elapsed. The lock is owned by the holder bound to ctx, or by the client
// itself, and must be given back with Release.
func (c *Client) TryAcquire(ctx context.Context, key string, t Type, waitTime, leaseTime int64, unit time.Duration) (bool, error) {
	req := Request{Key: key, Type: t, WaitTime: waitTime, LeaseTime: leaseTime, Unit: unit}
	lease := c.lease(req)
	holder := c.holder(ctx)
	h, err := c.acquire(ctx, key, t, req.Wait(), lease, holder)
	if err != nil || h == nil {
		return false, err
	}
	entry := heldEntry{h: h}
	if req.Watchdog() {
		entry.stop = c.watch(h, lease)
	}
	hk := heldKey{key: key, t: t, holder: holder}
	c.mu.Lock()
	c.held[hk] = append(c.held[hk], entry)
	c.mu.Unlock()
	return true, nil
}

// Release gives back the most recent TryAcquire of key by the holder bound
// to ctx. It returns errors.ErrNotHeld when there is nothing to give back.
func (c *Client) Release(ctx context.Context, key string, t Type) error {
	hk := heldKey{key: key, t: t, holder: c.holder(ctx)}
	c.mu.Lock()
	stack := c.held[hk]
	if len(stack) == 0 {
		c.mu.Unlock()
		if c.metrics {
			metrics.ReleaseCounter.WithLabelValues(t.String(), metrics.ResultNotHeld).Inc()
		}
		return wardenerrors.ErrNotHeld
	}
	entry := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(c.held, hk)
	} else {
		c.held[hk] = stack[:len(stack)-1]
	}
	c.mu.Unlock()

	if entry.stop != nil {
		entry.stop()
	}
	return c.release(ctx, entry.h)
}

// RunGuarded acquires req, runs op while holding the lock and releases it
// afterwards, also when op fails or panics. Calls made with a ctx derived
// from the one op receives re-enter locks already held by this call.
//
// It returns errors.ErrAcquisitionTimeout when the wait elapsed,
// errors.ErrAcquisitionInterrupted when ctx ended while waiting, and a
// *errors.GuardedOperationError wrapping the error returned by op.
func (c *Client) RunGuarded(ctx context.Context, req Request, op func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "lock.Client.RunGuarded", trace.WithAttributes(
		attribute.String("warden.key", req.Key),
		attribute.String("warden.type", req.Type.String()),
	))
	defer span.End()

	holder, nested := HolderFrom(ctx)
	if !nested {
		holder = c.id + ":" + uuid.NewString()
		ctx = WithHolder(ctx, holder)
	}
	lease := c.lease(req)
	h, err := c.acquire(ctx, req.Key, req.Type, req.Wait(), lease, holder)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if h == nil {
		err := fmt.Errorf("%w: %s after %s", wardenerrors.ErrAcquisitionTimeout, req.Key, req.Wait())
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	var stop func()
	if req.Watchdog() {
		stop = c.watch(h, lease)
	}
	err = c.execute(ctx, h, stop, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) execute(ctx context.Context, h *Handle, stop func(), op func(context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		if stop != nil {
			stop()
		}
		relErr := c.release(context.WithoutCancel(ctx), h)
		if c.metrics {
			metrics.HoldSeconds.WithLabelValues(h.Type.String()).Observe(time.Since(start).Seconds())
		}
		switch {
		case err != nil:
			err = &wardenerrors.GuardedOperationError{Key: h.Key, Err: err, ReleaseErr: relErr}
		case relErr != nil:
			err = fmt.Errorf("warden: release %s: %w", h.Key, relErr)
		}
	}()
	return op(ctx)
}

// Run is RunGuarded for operations that produce a value.
func Run[T any](ctx context.Context, c *Client, req Request, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.RunGuarded(ctx, req, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	})
	return out, err
}
