package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// Lock state lives in a hash mapping the holder to its hold count. Scripts
// answer nil when the lock was granted and the remaining lease otherwise.
// Reentry never shortens the lease the outer acquisition holds.
var reentrantAcquireScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then
    redis.call('hincrby', KEYS[1], ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return nil
end
if redis.call('hexists', KEYS[1], ARGV[2]) == 1 then
    redis.call('hincrby', KEYS[1], ARGV[2], 1)
    local left = redis.call('pttl', KEYS[1])
    if left >= 0 and left < tonumber(ARGV[1]) then
        redis.call('pexpire', KEYS[1], ARGV[1])
    end
    return nil
end
return redis.call('pttl', KEYS[1])
`)

// Fair locks add a waiter list and a sorted set of queue slot deadlines.
// Slots whose owner stopped polling are pruned from the head first. A single
// attempt (ARGV[5] == '0') never takes a slot.
var fairAcquireScript = redis.NewScript(`
local now = tonumber(ARGV[4])
while true do
    local first = redis.call('lindex', KEYS[2], 0)
    if first == false then
        break
    end
    local deadline = redis.call('zscore', KEYS[3], first)
    if deadline ~= false and tonumber(deadline) > now then
        break
    end
    redis.call('lpop', KEYS[2])
    redis.call('zrem', KEYS[3], first)
end

if redis.call('hexists', KEYS[1], ARGV[2]) == 1 then
    redis.call('hincrby', KEYS[1], ARGV[2], 1)
    local left = redis.call('pttl', KEYS[1])
    if left >= 0 and left < tonumber(ARGV[1]) then
        redis.call('pexpire', KEYS[1], ARGV[1])
    end
    return nil
end

if redis.call('exists', KEYS[1]) == 0 then
    local first = redis.call('lindex', KEYS[2], 0)
    if (first == false) or (first == ARGV[2]) then
        if first ~= false then
            redis.call('lpop', KEYS[2])
            redis.call('zrem', KEYS[3], ARGV[2])
        end
        redis.call('hset', KEYS[1], ARGV[2], 1)
        redis.call('pexpire', KEYS[1], ARGV[1])
        return nil
    end
end

if ARGV[5] == '0' then
    return redis.call('pttl', KEYS[1])
end

if redis.call('zscore', KEYS[3], ARGV[2]) == false then
    redis.call('rpush', KEYS[2], ARGV[2])
end
redis.call('zadd', KEYS[3], now + tonumber(ARGV[3]), ARGV[2])
redis.call('pexpire', KEYS[2], ARGV[3])
redis.call('pexpire', KEYS[3], ARGV[3])
return redis.call('pttl', KEYS[1])
`)

var cancelWaitScript = redis.NewScript(`
redis.call('lrem', KEYS[1], 0, ARGV[1])
redis.call('zrem', KEYS[2], ARGV[1])
return 1
`)

// -1: not held, 0: still held by a nested acquisition, 1: released.
var releaseScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return -1
end
local count = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if count > 0 then
    return 0
end
redis.call('del', KEYS[1])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
return 0
`)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultQueueTimeout = 5 * time.Second
	redisCancelTimeout  = 5 * time.Second
)

// RedisOptions tunes a Redis backend.
type RedisOptions struct {
	// Bus carries unlock notifications so waiters retry without waiting a
	// full poll interval. Defaults to a RedisBus on the same client.
	Bus syncbus.Bus
	// PollInterval bounds the time between two attempts of a waiter.
	PollInterval time.Duration
	// QueueTimeout is how long a fair queue slot survives without being
	// refreshed by its waiter.
	QueueTimeout time.Duration
}

// Redis implements Backend on a Redis server shared by every process that
// contends for the same keys.
type Redis struct {
	client       *redis.Client
	bus          syncbus.Bus
	pollInterval time.Duration
	queueTimeout time.Duration
}

// NewRedis returns a Redis backend using the provided client.
func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	r := &Redis{
		client:       client,
		bus:          opts.Bus,
		pollInterval: opts.PollInterval,
		queueTimeout: opts.QueueTimeout,
	}
	if r.bus == nil {
		r.bus = syncbus.NewRedisBus(client)
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	if r.queueTimeout <= 0 {
		r.queueTimeout = defaultQueueTimeout
	}
	return r
}

// Bus returns the bus lock events are published on.
func (r *Redis) Bus() syncbus.Bus { return r.bus }

// queueKeys share the lock key's hash slot so scripts work on Redis Cluster.
func queueKeys(key string) (queue, timeouts string) {
	return "warden_queue:{" + key + "}", "warden_timeout:{" + key + "}"
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", wardenerrors.ErrBackendUnavailable, op, key, err)
}

// attempt runs one acquisition script. It reports whether the lock was
// granted and, if not, the remaining lease of the current holder.
// Only a waiting attempt joins the fair queue.
func (r *Redis) attempt(ctx context.Context, key string, t Type, ttl time.Duration, holder string, queue bool) (bool, time.Duration, error) {
	var cmd *redis.Cmd
	if t == Fair {
		enqueue := 0
		if queue {
			enqueue = 1
		}
		queueKey, timeouts := queueKeys(key)
		cmd = fairAcquireScript.Run(ctx, r.client, []string{key, queueKey, timeouts},
			ttl.Milliseconds(), holder, r.queueTimeout.Milliseconds(), time.Now().UnixMilli(), enqueue)
	} else {
		cmd = reentrantAcquireScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds(), holder)
	}
	pttl, err := cmd.Int64()
	if stdErrors.Is(err, redis.Nil) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return false, time.Duration(pttl) * time.Millisecond, nil
}

func (r *Redis) cancelWait(key, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCancelTimeout)
	defer cancel()
	queue, timeouts := queueKeys(key)
	_ = cancelWaitScript.Run(ctx, r.client, []string{queue, timeouts}, holder).Err()
	// The next waiter may now be at the head of a free lock.
	_ = r.bus.Publish(ctx, syncbus.UnlockTopic(key))
}

// Acquire implements Backend.Acquire. Waiters retry when an unlock is
// announced on the bus, when the holder's lease is due, or at the poll
// interval, whichever comes first.
func (r *Redis) Acquire(ctx context.Context, key string, t Type, wait, ttl time.Duration, holder string) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "lock.Redis.Acquire", trace.WithAttributes(
		attribute.String("warden.key", key),
		attribute.String("warden.type", t.String()),
	))
	defer span.End()

	if holder == "" {
		return nil, fmt.Errorf("lock: acquire %s: empty holder", key)
	}
	if ttl <= 0 {
		ttl = DefaultWatchdogLease
	}
	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}

	// The subscription lives only as long as this call.
	subCtx, stopSub := context.WithCancel(ctx)
	defer stopSub()
	var (
		notify     chan struct{}
		subscribed bool
	)
	defer func() {
		if notify != nil {
			_ = r.bus.Unsubscribe(context.Background(), syncbus.UnlockTopic(key), notify)
		}
	}()
	giveUp := func(err error) (*Handle, error) {
		if t == Fair && wait != 0 {
			r.cancelWait(key, holder)
		}
		return nil, err
	}

	for {
		ok, pttl, err := r.attempt(ctx, key, t, ttl, holder, wait != 0)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return giveUp(ctxErr)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return giveUp(unavailable("acquire", key, err))
		}
		if ok {
			_ = r.bus.Publish(ctx, syncbus.LockTopic(key))
			return &Handle{Key: key, Type: t, Holder: holder, Token: uuid.NewString(), AcquiredAt: time.Now()}, nil
		}
		if wait == 0 {
			return giveUp(nil)
		}
		if !subscribed {
			// Subscribe before sleeping and retry at once, so a release that
			// happened in between is not missed.
			subscribed = true
			if ch, err := r.bus.Subscribe(subCtx, syncbus.UnlockTopic(key)); err == nil {
				notify = ch
				continue
			}
		}

		sleep := r.pollInterval
		if pttl > 0 && pttl < sleep {
			sleep = pttl
		}
		if wait > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return giveUp(nil)
			}
			if remaining < sleep {
				sleep = remaining
			}
		}
		timer := time.NewTimer(sleep)
		select {
		case _, open := <-notify:
			if !open {
				notify = nil
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return giveUp(ctx.Err())
		}
		timer.Stop()
	}
}

// Release implements Backend.Release.
func (r *Redis) Release(ctx context.Context, key string, t Type, h *Handle) error {
	if h == nil || !h.markReleased() {
		return wardenerrors.ErrNotHeld
	}
	ctx, span := tracer.Start(ctx, "lock.Redis.Release", trace.WithAttributes(
		attribute.String("warden.key", key),
	))
	defer span.End()

	res, err := releaseScript.Run(ctx, r.client, []string{key}, h.Holder).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unavailable("release", key, err)
	}
	switch res {
	case -1:
		return wardenerrors.ErrNotHeld
	case 1:
		_ = r.bus.Publish(ctx, syncbus.UnlockTopic(key))
	}
	return nil
}

// Renew implements Renewer.
func (r *Redis) Renew(ctx context.Context, key string, t Type, h *Handle, ttl time.Duration) error {
	if h == nil || h.Released() {
		return wardenerrors.ErrNotHeld
	}
	res, err := renewScript.Run(ctx, r.client, []string{key}, h.Holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return unavailable("renew", key, err)
	}
	if res == 0 {
		return wardenerrors.ErrNotHeld
	}
	return nil
}
