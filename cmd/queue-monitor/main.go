package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillhaven/taskwire/internal/backoff"
	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/db"
	"github.com/quillhaven/taskwire/internal/queue"
)

var (
	// Ready backlog per service queue - what we really care about
	monitorBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskwire_monitor_backlog",
		Help: "Tasks ready for dequeue per service queue",
	}, []string{"service"})

	monitorScheduled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskwire_monitor_scheduled",
		Help: "Tasks waiting on a retry delay per service queue",
	}, []string{"service"})

	monitorLeased = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskwire_monitor_leased",
		Help: "Tasks currently held by a worker lease per service queue",
	}, []string{"service"})

	monitorDeadLetters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskwire_monitor_dead_letters",
		Help: "Tasks parked in the dead letter queue per service",
	}, []string{"service"})

	monitorTenantBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskwire_monitor_tenant_backlog",
		Help: "Queued tasks per tenant per service queue",
	}, []string{"service", "tenant"})
)

func init() {
	prometheus.MustRegister(monitorBacklog)
	prometheus.MustRegister(monitorScheduled)
	prometheus.MustRegister(monitorLeased)
	prometheus.MustRegister(monitorDeadLetters)
	prometheus.MustRegister(monitorTenantBacklog)
}

func main() {
	cfg := config.FromEnv()
	services := splitServices(getEnv("MONITOR_SERVICES", "embedding,tools"))
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	log.Printf("queue monitor starting on port %s", port)
	log.Printf("monitoring %s every %d seconds", strings.Join(services, ","), interval)

	rdb, err := db.ConnectRedis(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("redis connect: %v", err)
	}
	defer rdb.Close()

	store := queue.NewStore(rdb, cfg.Redis.KeyPrefix, cfg.Queue, backoff.Default())

	// Start metrics collection in background
	go collectMetrics(store, services, time.Duration(interval)*time.Second)

	// Expose metrics endpoint
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func collectMetrics(store *queue.Store, services []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := updateMetrics(store, services); err != nil {
			log.Printf("Error updating metrics: %v", err)
		}
	}
}

func updateMetrics(store *queue.Store, services []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, service := range services {
		stats, err := store.Stats(ctx, service)
		if err != nil {
			return fmt.Errorf("stats for %s: %w", service, err)
		}

		monitorBacklog.WithLabelValues(service).Set(float64(stats.Backlog))
		monitorScheduled.WithLabelValues(service).Set(float64(stats.Scheduled))
		monitorLeased.WithLabelValues(service).Set(float64(stats.Leased))
		monitorDeadLetters.WithLabelValues(service).Set(float64(stats.DeadLetters))

		// Reset tenant series before repopulating so drained tenants drop out.
		monitorTenantBacklog.DeletePartialMatch(prometheus.Labels{"service": service})
		for tenant, depth := range stats.TenantDepth {
			monitorTenantBacklog.WithLabelValues(service, tenant).Set(float64(depth))
		}
	}

	return nil
}

func splitServices(raw string) []string {
	var services []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			services = append(services, s)
		}
	}
	return services
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
