package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillhaven/taskwire/internal/archive"
	"github.com/quillhaven/taskwire/internal/backoff"
	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/db"
	"github.com/quillhaven/taskwire/internal/handlers"
	"github.com/quillhaven/taskwire/internal/health"
	"github.com/quillhaven/taskwire/internal/httpcall"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/notify"
	"github.com/quillhaven/taskwire/internal/queue"
	"github.com/quillhaven/taskwire/internal/tracing"
)

// readServices reads the comma-separated list of service queues this
// process consumes from.
func readServices() []string {
	raw := os.Getenv("WORKER_SERVICES")
	if raw == "" {
		raw = handlers.ServiceEmbedding + "," + handlers.ServiceTools
	}
	var services []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			services = append(services, s)
		}
	}
	return services
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("taskwire-worker")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "taskwire-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Redis connect
	rdb, err := db.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis connect failed")
	}
	defer rdb.Close()

	policy := backoff.Policy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Base:        cfg.Worker.BackoffBase,
		Max:         cfg.Worker.BackoffMax,
		Factor:      cfg.Worker.BackoffFactor,
		Jitter:      cfg.Worker.JitterPercent,
	}
	store := queue.NewStore(rdb, cfg.Redis.KeyPrefix, cfg.Queue, policy)
	bus := notify.NewRedisBus(rdb, cfg.Gateway.EventChannel)

	// Outbound call client shared by every handler in this process. Calls
	// keep the queue's delay curve but get their own attempt budget.
	callPolicy := policy
	callPolicy.MaxAttempts = cfg.Call.MaxAttempts
	cache := httpcall.NewCache(rdb, cfg.Redis.KeyPrefix, cfg.Call.CacheTTL)
	caller := httpcall.NewClient(cfg.Call, callPolicy, cache)
	hset := handlers.New(caller, cfg.Call)

	// Optional archive: terminal results are copied to Postgres so status
	// lookups survive the Redis retention window.
	var dbPinger health.Pinger
	if cfg.Archive.Enabled {
		if err := archive.Migrate(cfg.DSN()); err != nil {
			logger.Plain().WithError(err).Fatal("archive migrate failed")
		}
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		dbPinger = health.Postgres(pool)

		archiver := archive.New(pool, store)
		go func() {
			if err := archiver.Run(ctx, bus); err != nil {
				logger.Plain().WithError(err).Error("archiver exited")
			}
		}()
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(health.Redis(rdb), dbPinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// One consumer per service queue, each with its own handler set.
	services := readServices()
	var wg sync.WaitGroup
	started := 0
	for _, service := range services {
		consumer := queue.NewConsumer(store, bus, service, cfg.Worker)
		switch service {
		case handlers.ServiceEmbedding:
			hset.RegisterEmbedding(consumer)
		case handlers.ServiceTools:
			hset.RegisterTools(consumer)
		default:
			logger.Plain().WithQueue(service).Warn("no handlers for service, skipping")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
		started++
	}
	if started == 0 {
		logger.Plain().Fatal("no service queues to consume, check WORKER_SERVICES")
	}

	// Janitor sweeps retries, leases, and lifetimes for every queue we own.
	janitor := queue.NewJanitor(store, services, cfg.Worker.SweepInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		janitor.Run(ctx)
	}()

	logger.Plain().WithField("services", strings.Join(services, ",")).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	cancel()
	wg.Wait()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}
