// Package presets wires ready-to-use lock interceptors for common setups.
package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/guard"
	"github.com/mirkobrombin/go-warden/v1/keyresolver"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix replaces keyresolver.DefaultPrefix when set.
	Prefix string
}

// NewRedis returns an interceptor whose locks live in Redis and whose unlock
// notifications travel over Redis pub/sub on the same connection pool.
// Every process guarding the same keys must point at the same server.
func NewRedis(opts RedisOptions, clientOpts ...lock.ClientOption) *guard.Interceptor {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := syncbus.NewRedisBus(client)
	backend := lock.NewRedis(client, lock.RedisOptions{Bus: bus})
	return guard.New(lock.NewClient(backend, clientOpts...), resolver(opts.Prefix))
}

// NewInMemoryStandalone returns an interceptor whose locks only exclude
// callers within this process. Useful for local development and tests.
func NewInMemoryStandalone(clientOpts ...lock.ClientOption) *guard.Interceptor {
	backend := lock.NewInMemory(syncbus.NewInMemoryBus())
	return guard.New(lock.NewClient(backend, clientOpts...), resolver(""))
}

func resolver(prefix string) *keyresolver.Resolver {
	if prefix == "" {
		return keyresolver.New()
	}
	return keyresolver.New(keyresolver.WithPrefix(prefix))
}
