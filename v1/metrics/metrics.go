// Package metrics exposes Prometheus collectors for lock operations.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Acquire results.
const (
	ResultAcquired    = "acquired"
	ResultTimeout     = "timeout"
	ResultInterrupted = "interrupted"
	ResultError       = "error"
)

// Release results.
const (
	ResultReleased = "released"
	ResultNotHeld  = "not_held"
)

var (
	// AcquireCounter counts acquisition attempts by lock type and result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_lock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"type", "result"})
	// ReleaseCounter counts releases by lock type and result.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_lock_release_total",
		Help: "Total number of lock releases",
	}, []string{"type", "result"})
	// WaitSeconds observes how long callers waited for a lock.
	WaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_lock_wait_seconds",
		Help:    "Time spent waiting for lock acquisition",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"type"})
	// HoldSeconds observes how long guarded operations held a lock.
	HoldSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_lock_hold_seconds",
		Help:    "Time a lock was held by a guarded operation",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"type"})
	// HeldGauge reports locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_locks_held",
		Help: "Current number of locks held by this process",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on the provided registry.
// Registering twice on the same registry panics.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, WaitSeconds, HoldSeconds, HeldGauge)
}

// EnsureRegistered registers the lock collectors, tolerating collectors that
// are already present on reg. Several clients may share one registry.
func EnsureRegistered(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{AcquireCounter, ReleaseCounter, WaitSeconds, HoldSeconds, HeldGauge} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
