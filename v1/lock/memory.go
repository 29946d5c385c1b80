package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

type memWaiter struct {
	holder string
	ttl    time.Duration
	ready  chan *Handle
}

type lockState struct {
	holder  string
	count   int
	token   string
	timer   *time.Timer
	expires time.Time
	notify  chan struct{}
	waiters []*memWaiter
}

// InMemory implements Backend using local memory. Fair keys hand the lock
// directly to the oldest waiter on release. Reentrant keys wake every waiter
// and let them race. Lock and unlock events are announced on the bus.
type InMemory struct {
	mu    sync.Mutex
	bus   syncbus.Bus
	locks map[string]*lockState
}

// NewInMemory returns a new in-memory backend that announces events on bus.
func NewInMemory(bus syncbus.Bus) *InMemory {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &InMemory{
		bus:   bus,
		locks: make(map[string]*lockState),
	}
}

// Bus returns the bus lock events are published on.
func (l *InMemory) Bus() syncbus.Bus { return l.bus }

// Acquire implements Backend.Acquire.
func (l *InMemory) Acquire(ctx context.Context, key string, t Type, wait, ttl time.Duration, holder string) (*Handle, error) {
	if holder == "" {
		return nil, fmt.Errorf("lock: acquire %s: empty holder", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		l.mu.Lock()
		st := l.locks[key]
		if st == nil {
			st = &lockState{}
			l.locks[key] = st
		}
		if h := l.tryGrantLocked(key, st, t, ttl, holder); h != nil {
			l.mu.Unlock()
			l.publish(syncbus.LockTopic(key))
			return h, nil
		}
		if wait == 0 {
			l.mu.Unlock()
			return nil, nil
		}

		if t == Fair {
			w := &memWaiter{holder: holder, ttl: ttl, ready: make(chan *Handle, 1)}
			st.waiters = append(st.waiters, w)
			l.mu.Unlock()
			select {
			case h := <-w.ready:
				return h, nil
			case <-timeout:
				return l.abandon(key, w, nil)
			case <-ctx.Done():
				return l.abandon(key, w, ctx.Err())
			}
		}

		ch := st.notify
		l.mu.Unlock()
		select {
		case <-ch:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryGrantLocked re-enters a lock already owned by holder or takes a free one.
// A free fair lock with queued waiters is never taken by a newcomer.
func (l *InMemory) tryGrantLocked(key string, st *lockState, t Type, ttl time.Duration, holder string) *Handle {
	switch {
	case st.count > 0 && st.holder == holder:
		st.count++
		l.extendLocked(key, st, ttl)
		return &Handle{Key: key, Type: t, Holder: holder, Token: st.token, AcquiredAt: time.Now()}
	case st.count == 0 && len(st.waiters) == 0:
		return l.grantLocked(key, st, t, ttl, holder)
	}
	return nil
}

func (l *InMemory) grantLocked(key string, st *lockState, t Type, ttl time.Duration, holder string) *Handle {
	st.holder = holder
	st.count = 1
	st.token = uuid.NewString()
	st.notify = make(chan struct{})
	l.armLocked(key, st, ttl)
	return &Handle{Key: key, Type: t, Holder: holder, Token: st.token, AcquiredAt: time.Now()}
}

// armLocked (re)starts the lease timer. The timer only fires for the grant
// identified by the token it captured.
func (l *InMemory) armLocked(key string, st *lockState, ttl time.Duration) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.expires = time.Time{}
	if ttl <= 0 {
		return
	}
	st.expires = time.Now().Add(ttl)
	token := st.token
	st.timer = time.AfterFunc(ttl, func() {
		l.expire(key, token)
	})
}

// extendLocked re-arms the lease for a nested acquisition only when it ends
// later than the current one. A lease without expiry stays that way.
func (l *InMemory) extendLocked(key string, st *lockState, ttl time.Duration) {
	if st.timer == nil {
		return
	}
	if ttl > 0 && !time.Now().Add(ttl).After(st.expires) {
		return
	}
	l.armLocked(key, st, ttl)
}

func (l *InMemory) expire(key, token string) {
	l.mu.Lock()
	st := l.locks[key]
	if st == nil || st.count == 0 || st.token != token {
		l.mu.Unlock()
		return
	}
	handedOff := l.freeLocked(key, st)
	l.mu.Unlock()
	l.announce(key, true, handedOff)
}

// freeLocked clears ownership and hands the lock to the oldest fair waiter,
// reporting whether a handoff took place.
func (l *InMemory) freeLocked(key string, st *lockState) bool {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.holder, st.count, st.token = "", 0, ""
	if st.notify != nil {
		close(st.notify)
		st.notify = nil
	}
	if len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters[0] = nil
		st.waiters = st.waiters[1:]
		w.ready <- l.grantLocked(key, st, Fair, w.ttl, w.holder)
		return true
	}
	delete(l.locks, key)
	return false
}

// abandon withdraws a fair waiter. A handoff that raced with the timeout is
// kept. One that raced with cancellation is given back.
func (l *InMemory) abandon(key string, w *memWaiter, cause error) (*Handle, error) {
	l.mu.Lock()
	select {
	case h := <-w.ready:
		if cause == nil {
			l.mu.Unlock()
			return h, nil
		}
		h.markReleased()
		freed, handedOff, _ := l.releaseLocked(key, h)
		l.mu.Unlock()
		l.announce(key, freed, handedOff)
		return nil, cause
	default:
	}
	if st := l.locks[key]; st != nil {
		for i, q := range st.waiters {
			if q == w {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				break
			}
		}
		if st.count == 0 && len(st.waiters) == 0 {
			delete(l.locks, key)
		}
	}
	l.mu.Unlock()
	return nil, cause
}

// Release implements Backend.Release.
func (l *InMemory) Release(ctx context.Context, key string, t Type, h *Handle) error {
	if h == nil || !h.markReleased() {
		return wardenerrors.ErrNotHeld
	}
	l.mu.Lock()
	freed, handedOff, err := l.releaseLocked(key, h)
	l.mu.Unlock()
	l.announce(key, freed, handedOff)
	return err
}

func (l *InMemory) releaseLocked(key string, h *Handle) (freed, handedOff bool, err error) {
	st := l.locks[key]
	if st == nil || st.count == 0 || st.holder != h.Holder || st.token != h.Token {
		return false, false, wardenerrors.ErrNotHeld
	}
	st.count--
	if st.count > 0 {
		return false, false, nil
	}
	return true, l.freeLocked(key, st), nil
}

func (l *InMemory) announce(key string, freed, handedOff bool) {
	if freed {
		l.publish(syncbus.UnlockTopic(key))
	}
	if handedOff {
		l.publish(syncbus.LockTopic(key))
	}
}

// Renew implements Renewer.
func (l *InMemory) Renew(ctx context.Context, key string, t Type, h *Handle, ttl time.Duration) error {
	if h == nil || h.Released() {
		return wardenerrors.ErrNotHeld
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.locks[key]
	if st == nil || st.count == 0 || st.holder != h.Holder || st.token != h.Token {
		return wardenerrors.ErrNotHeld
	}
	l.armLocked(key, st, ttl)
	return nil
}

// Holder reports the current owner of key and its hold count.
func (l *InMemory) Holder(key string) (string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.locks[key]; st != nil {
		return st.holder, st.count
	}
	return "", 0
}

func (l *InMemory) publish(topic string) {
	_ = l.bus.Publish(context.Background(), topic)
}
