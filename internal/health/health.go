package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Redis adapts a go-redis client to the Pinger interface.
func Redis(client *redis.Client) Pinger {
	return PingerFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Postgres adapts a pgx pool to the Pinger interface.
func Postgres(pool *pgxpool.Pool) Pinger {
	return PingerFunc(func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Redis    bool   `json:"redis,omitempty"`
	Database bool   `json:"database,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health of the
// service's backing stores. Either probe may be nil when the deployment
// does not use that store.
func HTTPHandler(queue, database Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Redis: true, Database: true}

		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if queue != nil {
			if err := queue.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "redis ping failed"
				st.Redis = false
			}
		}
		if database != nil {
			if err := database.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
