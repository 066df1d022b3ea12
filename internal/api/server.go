// Package api is the HTTP surface of the gateway service: task submission,
// status, cancellation, queue stats, dead letter operations, and the
// WebSocket upgrade, behind JWT auth and per-tenant rate limiting.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillhaven/taskwire/internal/auth"
	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/queue"
	"github.com/quillhaven/taskwire/internal/task"
)

// Producer is the slice of the queue producer the API uses.
type Producer interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (*task.Envelope, bool, error)
}

// TaskStore is the slice of the queue store the API reads and cancels
// through.
type TaskStore interface {
	PeekStatus(ctx context.Context, tenantID, taskID string) (*task.Result, error)
	Cancel(ctx context.Context, service, tenantID, taskID string) (*task.Result, error)
	Stats(ctx context.Context, service string) (*queue.Stats, error)
	DeadLetters(ctx context.Context, service string, limit int64) ([]task.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, service, taskID string) error
}

// Archive is the long-term lookup consulted after the Redis retention TTL.
type Archive interface {
	Lookup(ctx context.Context, tenantID, taskID string) (*task.Result, error)
}

// Sockets is the WebSocket layer the API upgrades into and binds
// submissions to.
type Sockets interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	BindTask(ctx context.Context, sessionID, tenantID, taskID string) bool
}

// Server wires the HTTP routes. archive and sockets may be nil; the
// corresponding features degrade (no archive fallback, no WS endpoint).
type Server struct {
	producer  Producer
	store     TaskStore
	archive   Archive
	sockets   Sockets
	types     *task.Types
	validator *auth.JWTValidator
	health    http.Handler
	cfg       config.Gateway
	logger    *logging.Logger
}

// New builds the API server. validator nil means auth is disabled and the
// identity comes from X-Tenant-ID / X-Service-Name headers (dev mode only).
func New(producer Producer, store TaskStore, types *task.Types, validator *auth.JWTValidator, cfg config.Gateway) *Server {
	return &Server{
		producer:  producer,
		store:     store,
		types:     types,
		validator: validator,
		cfg:       cfg,
		logger:    logging.New("api"),
	}
}

// WithArchive sets the long-term task lookup.
func (s *Server) WithArchive(a Archive) *Server {
	s.archive = a
	return s
}

// WithSockets sets the WebSocket layer.
func (s *Server) WithSockets(ws Sockets) *Server {
	s.sockets = ws
	return s
}

// WithHealth sets the handler served at /healthz.
func (s *Server) WithHealth(h http.Handler) *Server {
	s.health = h
	return s
}

// Router builds the gin engine with all middleware and routes installed.
func Router(s *Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(s.logger), requestLog(s.logger))

	r.GET("/healthz", func(c *gin.Context) {
		if s.health != nil {
			s.health.ServeHTTP(c.Writer, c.Request)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/v1/ping", s.ping)

	authed := r.Group("/", authenticate(s.validator), ambientTenant())
	if s.sockets != nil {
		authed.GET("/ws", s.ws)
	}

	v1 := authed.Group("/v1", rateLimit(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	v1.POST("/tasks", s.submitTask)
	v1.GET("/tasks/:id", s.getTask)
	v1.POST("/tasks/:id/cancel", s.cancelTask)
	v1.GET("/queues/stats", s.queueStats)
	v1.GET("/dlq", s.deadLetters)
	v1.POST("/dlq/requeue", s.requeueDeadLetter)

	return r
}

func (s *Server) ping(c *gin.Context) {
	respond(c, http.StatusOK, "pong", nil, nil)
}

func (s *Server) ws(c *gin.Context) {
	s.sockets.HandleWS(c.Writer, c.Request)
}
