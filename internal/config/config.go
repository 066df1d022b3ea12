package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Addr      string // e.g. redis:6379
	Password  string
	DB        int
	KeyPrefix string // namespace for all coordination keys
}

type Queue struct {
	Service         string        // service queue this process consumes, e.g. embedding
	LeaseTTL        time.Duration // visibility timeout per dequeue
	RetentionTTL    time.Duration // how long terminal results stay readable
	MaxAttempts     int           // maximum processing attempts
	DefaultLifetime time.Duration // task lifetime when no per-type override exists
	TypeLifetimes   map[string]time.Duration
}

type Worker struct {
	Concurrency   int           // parallel consumer loops
	PollInterval  time.Duration // idle sleep between empty dequeues
	SweepInterval time.Duration // janitor cadence for leases, retries, deadlines
	BackoffBase   time.Duration // first retry delay
	BackoffMax    time.Duration // retry delay ceiling
	BackoffFactor float64       // delay multiplier per attempt
	JitterPercent float64       // backoff jitter percentage (0.0-1.0)
	HTTPPort      string        // worker HTTP metrics port
}

type Gateway struct {
	SendBuffer     int           // per-connection outbound queue size
	ReadLimit      int64         // max inbound WebSocket frame bytes
	PingInterval   time.Duration // WebSocket keepalive cadence
	PongWait       time.Duration // read deadline extension on pong
	WriteWait      time.Duration // write deadline per frame
	RegistryTTL    time.Duration // max age of an unclaimed subscription
	SweepInterval  time.Duration // registry sweep cadence
	RateLimitRPS   float64       // per-tenant submissions per second
	RateLimitBurst int
	EventChannel   string // pub/sub channel carrying completion events
}

type Call struct {
	FastTimeout        time.Duration // health checks, cache lookups
	StandardTimeout    time.Duration // CRUD against internal services
	HeavyTimeout       time.Duration // embedding generation, document processing
	MaxAttempts        int
	BreakerWindow      time.Duration // rolling window for failure ratio
	BreakerCooldown    time.Duration // open state duration before half-open
	BreakerMinRequests uint32        // minimum samples before the breaker may trip
	SigningSecret      string        // HMAC secret for internal requests
	SignatureHeader    string
	TimestampHeader    string
	CacheTTL           time.Duration // response cache TTL for idempotent calls
	EmbeddingURL       string        // embedding backend base URL
	ToolURL            string        // tool backend base URL
}

type Auth struct {
	PublicKeyPEM string // RS256 verification key
	Issuer       string
	Audience     string
	Disabled     bool // trust X-Tenant-ID directly (dev only)
}

type Archive struct {
	Enabled bool // persist terminal tasks to Postgres
}

type FakeBackend struct {
	FailFirstN           int           // number of requests to fail initially
	SigningSecret        string        // secret for request signature verification
	SigningLeewaySeconds int           // allowed timestamp skew in seconds
	ResponseDelayMS      int           // simulated response delay in milliseconds
	Port                 string        // server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName     string
	HTTPPort    string // :8080
	DB          DB
	Redis       Redis
	Queue       Queue
	Worker      Worker
	Gateway     Gateway
	Call        Call
	Auth        Auth
	Archive     Archive
	FakeBackend FakeBackend
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseTypeLifetimes reads "type=duration" pairs, e.g.
// "single_embedding=2m,batch_embeddings=15m". Malformed pairs are skipped.
func parseTypeLifetimes(raw string) map[string]time.Duration {
	out := make(map[string]time.Duration)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			out[strings.TrimSpace(k)] = d
		}
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "taskwire"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "taskwire"),
		},
		Redis: Redis{
			Addr:      getenv("REDIS_ADDR", "redis:6379"),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getenvInt("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "tw:"),
		},
		Queue: Queue{
			Service:         getenv("QUEUE_SERVICE", "embedding"),
			LeaseTTL:        getenvDuration("QUEUE_LEASE_TTL", 30*time.Second),
			RetentionTTL:    getenvDuration("QUEUE_RETENTION_TTL", 24*time.Hour),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 3),
			DefaultLifetime: getenvDuration("TASK_DEFAULT_LIFETIME", 5*time.Minute),
			TypeLifetimes:   parseTypeLifetimes(getenv("TASK_TYPE_LIFETIMES", "")),
		},
		Worker: Worker{
			Concurrency:   getenvInt("WORKER_CONCURRENCY", 4),
			PollInterval:  getenvDuration("WORKER_POLL_INTERVAL", 250*time.Millisecond),
			SweepInterval: getenvDuration("WORKER_SWEEP_INTERVAL", 5*time.Second),
			BackoffBase:   getenvDuration("BACKOFF_BASE", 1*time.Second),
			BackoffMax:    getenvDuration("BACKOFF_MAX", 2*time.Minute),
			BackoffFactor: getenvFloat("BACKOFF_FACTOR", 4.0),
			JitterPercent: getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			HTTPPort:      ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Gateway: Gateway{
			SendBuffer:     getenvInt("WS_SEND_BUFFER", 64),
			ReadLimit:      int64(getenvInt("WS_READ_LIMIT", 1<<20)),
			PingInterval:   getenvDuration("WS_PING_INTERVAL", 30*time.Second),
			PongWait:       getenvDuration("WS_PONG_WAIT", 75*time.Second),
			WriteWait:      getenvDuration("WS_WRITE_WAIT", 10*time.Second),
			RegistryTTL:    getenvDuration("REGISTRY_TTL", 30*time.Minute),
			SweepInterval:  getenvDuration("REGISTRY_SWEEP_INTERVAL", 1*time.Minute),
			RateLimitRPS:   getenvFloat("TENANT_RATE_LIMIT_RPS", 20),
			RateLimitBurst: getenvInt("TENANT_RATE_LIMIT_BURST", 40),
			EventChannel:   getenv("EVENT_CHANNEL", "tw:events"),
		},
		Call: Call{
			FastTimeout:        getenvDuration("CALL_FAST_TIMEOUT", 5*time.Second),
			StandardTimeout:    getenvDuration("CALL_STANDARD_TIMEOUT", 30*time.Second),
			HeavyTimeout:       getenvDuration("CALL_HEAVY_TIMEOUT", 120*time.Second),
			MaxAttempts:        getenvInt("CALL_MAX_ATTEMPTS", 3),
			BreakerWindow:      getenvDuration("BREAKER_WINDOW", 60*time.Second),
			BreakerCooldown:    getenvDuration("BREAKER_COOLDOWN", 30*time.Second),
			BreakerMinRequests: uint32(getenvInt("BREAKER_MIN_REQUESTS", 10)),
			SigningSecret:      getenv("CALL_SIGNING_SECRET", ""),
			SignatureHeader:    getenv("CALL_SIGNATURE_HEADER", "X-Taskwire-Signature"),
			TimestampHeader:    getenv("CALL_TIMESTAMP_HEADER", "X-Taskwire-Timestamp"),
			CacheTTL:           getenvDuration("CALL_CACHE_TTL", 5*time.Minute),
			EmbeddingURL:       getenv("EMBEDDING_SERVICE_URL", "http://fake-backend:8081"),
			ToolURL:            getenv("TOOL_SERVICE_URL", "http://fake-backend:8081"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "taskwire"),
			Audience:     getenv("JWT_AUDIENCE", "taskwire-api"),
			Disabled:     getenvBool("AUTH_DISABLED", false),
		},
		Archive: Archive{
			Enabled: getenvBool("ARCHIVE_ENABLED", false),
		},
		FakeBackend: FakeBackend{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			SigningSecret:        getenv("BACKEND_SIGNING_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_BACKEND_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_BACKEND_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_BACKEND_WRITE_TIMEOUT", 150*time.Second),
			IdleTimeout:          getenvDuration("FAKE_BACKEND_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Lifetime returns the task lifetime for a type, falling back to the
// default when no override is configured.
func (q Queue) Lifetime(taskType string) time.Duration {
	if d, ok := q.TypeLifetimes[taskType]; ok {
		return d
	}
	return q.DefaultLifetime
}
