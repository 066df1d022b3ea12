package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillhaven/taskwire/internal/api"
	"github.com/quillhaven/taskwire/internal/archive"
	"github.com/quillhaven/taskwire/internal/auth"
	"github.com/quillhaven/taskwire/internal/backoff"
	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/db"
	"github.com/quillhaven/taskwire/internal/gateway"
	"github.com/quillhaven/taskwire/internal/handlers"
	"github.com/quillhaven/taskwire/internal/health"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/notify"
	"github.com/quillhaven/taskwire/internal/queue"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/tracing"
)

// newValidator picks the token verification source for this deployment:
// an explicit public key wins, then a JWKS endpoint. A nil validator with
// no error runs the API open; warn carries the reason to log.
func newValidator(a config.Auth, jwksURL string) (v *auth.JWTValidator, warn string, err error) {
	switch {
	case a.Disabled:
		return nil, "auth disabled, trusting identity headers", nil
	case a.PublicKeyPEM != "":
		v, err = auth.NewJWTValidator(a.PublicKeyPEM, a.Issuer, a.Audience)
		return v, "", err
	case jwksURL != "":
		v, err = auth.NewValidatorFromJWKS(jwksURL, a.Issuer, a.Audience)
		return v, "", err
	default:
		return nil, "no JWT key configured, trusting identity headers", nil
	}
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("taskwire-gateway")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "taskwire-gateway")
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

	types := task.NewTypes()
	handlers.RegisterTypes(types)
	producer := queue.NewProducer(store, types, cfg.Queue)

	// WebSocket edge: registry holds task subscriptions, the bus feeds it
	// completion events published by workers.
	registry := notify.NewRegistry(store, cfg.Gateway.RegistryTTL)
	bus := notify.NewRedisBus(rdb, cfg.Gateway.EventChannel)
	gw := gateway.New(store, types, registry, bus, cfg.Gateway)
	if err := gw.Start(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("bus subscribe failed")
	}

	// JWT validation. The key comes from JWT_PUBLIC_KEY or a JWKS endpoint;
	// a deployment without either runs open, which is only acceptable for
	// local development.
	validator, warn, err := newValidator(cfg.Auth, os.Getenv("JWKS_URL"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt validator init failed")
	}
	if warn != "" {
		logger.Plain().Warn(warn)
	}

	srv := api.New(producer, store, types, validator, cfg.Gateway).WithSockets(gw)

	// Optional archive: status lookups fall through to Postgres once the
	// Redis retention window has passed.
	var dbPinger health.Pinger
	if cfg.Archive.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		dbPinger = health.Postgres(pool)
		srv = srv.WithArchive(archive.New(pool, store))
	}
	srv = srv.WithHealth(health.HTTPHandler(health.Redis(rdb), dbPinger))

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP mux: metrics beside the API router
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api.Router(srv))

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("gateway HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("gateway HTTP server failed")
		}
	}()

	logger.Plain().Info("gateway service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down gateway service")
	cancel()
	gw.Shutdown()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("gateway service stopped")
}
