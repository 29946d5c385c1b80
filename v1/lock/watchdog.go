package lock

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// watch renews h every third of lease until the returned stop function is
// called or the backend reports the lock lost. Stop waits for an in-flight
// renewal to finish, so no renewal lands after the release.
func (c *Client) watch(h *Handle, lease time.Duration) func() {
	r, ok := c.backend.(Renewer)
	if !ok {
		c.logger.Warn("backend cannot renew leases", "key", h.Key, "lease", lease)
		return func() {}
	}
	interval := lease / 3
	if interval <= 0 {
		interval = lease
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := r.Renew(ctx, h.Key, h.Type, h, lease)
				cancel()
				if err == nil {
					continue
				}
				if stdErrors.Is(err, wardenerrors.ErrNotHeld) {
					if !h.Released() {
						c.logger.Warn("lock lost before release", "key", h.Key, "holder", h.Holder)
					}
					return
				}
				c.logger.Warn("lease renewal failed", "key", h.Key, "holder", h.Holder, "error", err)
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}
