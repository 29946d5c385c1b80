// Command wardenctl runs contending workers against a lock backend and
// reports how the lock behaved. It serves Prometheus metrics on /metrics and
// a live event stream of the contended key on /watch (SSE) and /watch/ws.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/guard"
	"github.com/mirkobrombin/go-warden/v1/keyresolver"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
	"github.com/mirkobrombin/go-warden/v1/watch"
)

var (
	backendName = flag.String("backend", "memory", "Lock backend: memory or redis")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address for the redis backend")
	busName     = flag.String("bus", "", "Notification bus: memory, redis, nats or kafka (default: backend's own)")
	natsAddr    = flag.String("nats", nats.DefaultURL, "NATS URL for the nats bus")
	kafkaAddrs  = flag.String("kafka", "localhost:9092", "Comma separated Kafka brokers for the kafka bus")
	lockType    = flag.String("type", "fair", "Lock type: fair or reentrant")
	template    = flag.String("key", "order:{id}", "Lock key template")
	id          = flag.String("id", "42", "Value bound to {id} in the key template")
	workers     = flag.Int("c", 8, "Number of contending workers")
	rounds      = flag.Int("n", 20, "Guarded calls per worker")
	hold        = flag.Duration("hold", 10*time.Millisecond, "Time spent inside the critical section")
	wait        = flag.Duration("wait", 5*time.Second, "Wait budget per acquisition")
	lease       = flag.Duration("lease", 10*time.Second, "Lease per acquisition; 0 enables the watchdog")
	listen      = flag.String("listen", ":2112", "Address serving /metrics and /watch; empty disables it")
	linger      = flag.Duration("linger", 0, "Keep serving after the run for this long")
	traces      = flag.Bool("trace", false, "Print spans to stdout")
	verbose     = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *traces {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	typ, err := parseType(*lockType)
	if err != nil {
		log.Fatal(err)
	}
	backend, bus, cleanup, err := buildBackend()
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer cleanup()

	reg := metrics.NewRegistry()
	client := lock.NewClient(backend, lock.WithLogger(logger), lock.WithMetrics(reg))
	resolver := keyresolver.New()
	defer resolver.Close()

	var transitions atomic.Int64
	interceptor := guard.New(client, resolver,
		guard.WithLogger(logger),
		guard.WithObserver(func(t guard.Transition) {
			transitions.Add(1)
			logger.Debug("transition", "key", t.Key, "from", t.From, "to", t.To)
		}))

	decl := guard.Declaration{
		Key:       *template,
		Type:      typ,
		WaitTime:  int64(*wait / time.Millisecond),
		LeaseTime: int64(*lease / time.Millisecond),
		TimeUnit:  time.Millisecond,
	}
	if *lease <= 0 {
		decl.LeaseTime = guard.Watchdog
	}
	if *wait <= 0 {
		decl.WaitTime = guard.NoWait
	}
	inv := keyresolver.Bind([]string{"id"}, *id)
	req, err := interceptor.Request(decl, inv)
	if err != nil {
		log.Fatalf("Invalid key: %v", err)
	}

	if *listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/watch", watch.SSEHandler(bus))
		mux.Handle("/watch/ws", watch.WebSocketHandler(bus))
		srv := &http.Server{Addr: *listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http: %v", err)
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Printf("Serving /metrics and /watch?key=%s on %s", req.Key, *listen)
	}

	log.Printf("Contending for %s: %d workers x %d calls, %s lock, hold %v", req.Key, *workers, *rounds, typ, *hold)

	var (
		inside, maxInside    atomic.Int64
		done, timeouts, errs atomic.Int64
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			for r := 0; r < *rounds; r++ {
				err := interceptor.Invoke(gctx, decl, inv, func(context.Context) error {
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(*hold)
					inside.Add(-1)
					return nil
				})
				switch {
				case err == nil:
					done.Add(1)
				case errors.Is(err, wardenerrors.ErrAcquisitionTimeout):
					timeouts.Add(1)
				case errors.Is(err, wardenerrors.ErrAcquisitionInterrupted):
					return err
				default:
					errs.Add(1)
					logger.Error("guarded call failed", "error", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("Interrupted: %v", err)
	}
	elapsed := time.Since(start)

	log.Printf("Finished in %v", elapsed)
	log.Printf("Completed: %d, timed out: %d, failed: %d, transitions: %d", done.Load(), timeouts.Load(), errs.Load(), transitions.Load())
	log.Printf("Max concurrent holders: %d", maxInside.Load())
	if done.Load() > 0 {
		log.Printf("Throughput: %.2f calls/s", float64(done.Load())/elapsed.Seconds())
	}

	if *listen != "" && *linger > 0 {
		select {
		case <-time.After(*linger):
		case <-ctx.Done():
		}
	}
	if maxInside.Load() > 1 {
		log.Fatalf("Mutual exclusion violated: %d holders at once", maxInside.Load())
	}
}

func parseType(s string) (lock.Type, error) {
	switch strings.ToLower(s) {
	case "fair":
		return lock.Fair, nil
	case "reentrant":
		return lock.Reentrant, nil
	}
	return 0, fmt.Errorf("unknown lock type %q", s)
}

// buildBackend wires the lock backend and the bus carrying its events. Remote
// buses are wrapped in a circuit breaker so a broker outage degrades waiters
// to polling.
func buildBackend() (lock.Backend, syncbus.Bus, func(), error) {
	var (
		rdb      *redis.Client
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	if *backendName == "redis" || *busName == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddr})
		cleanups = append(cleanups, func() { _ = rdb.Close() })
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}

	var bus syncbus.Bus
	switch *busName {
	case "", "memory":
		if *backendName == "redis" && *busName == "" {
			rb := syncbus.NewRedisBus(rdb)
			cleanups = append(cleanups, func() { _ = rb.Close() })
			bus = syncbus.NewCircuitBreaker(rb, 5, 10*time.Second)
		} else {
			bus = syncbus.NewInMemoryBus()
		}
	case "redis":
		rb := syncbus.NewRedisBus(rdb)
		cleanups = append(cleanups, func() { _ = rb.Close() })
		bus = syncbus.NewCircuitBreaker(rb, 5, 10*time.Second)
	case "nats":
		nc, err := nats.Connect(*natsAddr)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		cleanups = append(cleanups, nc.Close)
		bus = syncbus.NewCircuitBreaker(syncbus.NewNATSBus(nc), 5, 10*time.Second)
	case "kafka":
		kb, err := syncbus.NewKafkaBus(strings.Split(*kafkaAddrs, ","), nil)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		cleanups = append(cleanups, kb.Close)
		bus = syncbus.NewCircuitBreaker(kb, 5, 10*time.Second)
	default:
		cleanup()
		return nil, nil, nil, fmt.Errorf("unknown bus %q", *busName)
	}

	switch *backendName {
	case "memory":
		return lock.NewInMemory(bus), bus, cleanup, nil
	case "redis":
		return lock.NewRedis(rdb, lock.RedisOptions{Bus: bus}), bus, cleanup, nil
	}
	cleanup()
	return nil, nil, nil, fmt.Errorf("unknown backend %q", *backendName)
}
