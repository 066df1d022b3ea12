package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quillhaven/taskwire/internal/auth"
	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/notify"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

// TaskReader is the slice of the queue store the gateway needs: status
// lookups for session.sync replay and cancellation on behalf of a
// connection.
type TaskReader interface {
	PeekStatus(ctx context.Context, tenantID, taskID string) (*task.Result, error)
	Cancel(ctx context.Context, service, tenantID, taskID string) (*task.Result, error)
}

// storeTimeout bounds store round trips made on behalf of an inbound frame.
const storeTimeout = 10 * time.Second

// Gateway owns the WebSocket edge: connection registration per session,
// message routing, and fan-in of completion events from the bus into the
// notification registry.
type Gateway struct {
	store    TaskReader
	types    *task.Types
	registry *notify.Registry
	bus      notify.Bus
	cfg      config.Gateway
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*client
	sessions map[string]*client
}

// New builds the gateway. The registry and bus are constructed by the
// caller and shared with whatever else dispatches events.
func New(store TaskReader, types *task.Types, registry *notify.Registry, bus notify.Bus, cfg config.Gateway) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 75 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = cfg.PongWait * 9 / 10 / 2
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Gateway{
		store:    store,
		types:    types,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		logger:   logging.New("taskwire-gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:    make(map[string]*client),
		sessions: make(map[string]*client),
	}
}

// Start wires the completion bus into the registry and begins sweeping
// unclaimed subscriptions. Both loops end when ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	events, err := g.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go g.registry.RunSweeper(ctx, g.cfg.SweepInterval)
	go func() {
		for ev := range events {
			g.registry.Dispatch(ev)
		}
	}()
	return nil
}

// HandleWS upgrades an authenticated request and serves the connection
// until it closes. Authentication happens before the upgrade; the claims
// are established by the HTTP middleware.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Plain().WithError(err).Error("websocket upgrade failed")
		return
	}

	c := &client{
		id:        uuid.NewString(),
		tenantID:  claims.TenantID,
		service:   claims.Service,
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan *Message, g.cfg.SendBuffer),
		done:      make(chan struct{}),
		gw:        g,
	}

	g.register(c)
	defer g.unregister(c)

	g.sendHello(c)
	go c.writePump()
	c.readPump()
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	g.conns[c.id] = c
	if old, ok := g.sessions[c.sessionID]; ok && old != c {
		// A reconnect supersedes the session's previous connection.
		go old.shutdown()
	}
	g.sessions[c.sessionID] = c
	g.mu.Unlock()

	metrics.AddWSConnection()
	g.logger.Plain().
		WithSession(c.sessionID).
		WithTenant(c.tenantID).
		WithField("service", c.service).
		Info("websocket connected")
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	delete(g.conns, c.id)
	if g.sessions[c.sessionID] == c {
		delete(g.sessions, c.sessionID)
	}
	g.mu.Unlock()

	g.registry.UnsubscribeConn(c.id)
	c.shutdown()
	metrics.RemoveWSConnection()
	g.logger.Plain().
		WithSession(c.sessionID).
		WithTenant(c.tenantID).
		Info("websocket disconnected")
}

// BindTask subscribes the session's live connection to a task, so the
// client that submitted over HTTP gets its completion pushed without an
// explicit subscribe round trip. Returns false when the session has no
// connection; session.sync covers that case after reconnect.
func (g *Gateway) BindTask(ctx context.Context, sessionID, tenantID, taskID string) bool {
	g.mu.Lock()
	c := g.sessions[sessionID]
	g.mu.Unlock()

	if c == nil || c.tenantID != tenantID {
		return false
	}
	if err := g.registry.Subscribe(ctx, tenantID, c.id, taskID, c); err != nil {
		g.logger.Plain().WithTask(taskID).WithSession(sessionID).WithError(err).Warn("implicit subscribe failed")
		return false
	}
	return true
}

// ConnCount reports live connections.
func (g *Gateway) ConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every live connection.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.conns))
	for _, c := range g.conns {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}

func (g *Gateway) route(c *client, msg *Message) {
	switch {
	case msg.Is(DomainSystem, ActionPing):
		g.handlePing(c, msg)
	case msg.Is(DomainSession, ActionSync):
		g.handleSync(c, msg)
	case msg.Type.Action == ActionCancel:
		g.handleCancel(c, msg)
	case msg.Is(DomainTool, ActionResult):
		g.handleServicePush(c, msg)
	default:
		g.sendError(c, msg.MessageID, taskerr.Validation("unsupported message %s", msg.Type))
	}
}

func (g *Gateway) handlePing(c *client, msg *Message) {
	reply, err := NewMessage(DomainSystem, ActionPing, map[string]bool{"pong": true})
	if err != nil {
		return
	}
	reply.CorrelationID = msg.MessageID
	reply.TenantID = c.tenantID
	c.enqueue(reply)
}

// handleSync reconciles a reconnected client: terminal tasks replay their
// results immediately, live tasks are resubscribed on this connection, and
// unknown IDs are reported back so the client can stop waiting on them.
func (g *Gateway) handleSync(c *client, msg *Message) {
	var req struct {
		TaskIDs       []string `json:"task_ids"`
		LastMessageID string   `json:"last_message_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.sendError(c, msg.MessageID, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	replayed := []string{}
	resubscribed := []string{}
	unknown := []string{}
	for _, taskID := range req.TaskIDs {
		res, err := g.store.PeekStatus(ctx, c.tenantID, taskID)
		if err != nil {
			unknown = append(unknown, taskID)
			continue
		}
		if res.Status.Terminal() {
			push, err := MessageFromEvent(notify.FromResult(res, "gateway"))
			if err != nil {
				unknown = append(unknown, taskID)
				continue
			}
			push.CorrelationID = msg.MessageID
			c.enqueue(push)
			replayed = append(replayed, taskID)
			continue
		}
		if err := g.registry.Subscribe(ctx, c.tenantID, c.id, taskID, c); err != nil {
			unknown = append(unknown, taskID)
			continue
		}
		resubscribed = append(resubscribed, taskID)
	}

	reply, err := NewMessage(DomainSession, ActionSync, map[string]any{
		"replayed":        replayed,
		"resubscribed":    resubscribed,
		"unknown":         unknown,
		"last_message_id": req.LastMessageID,
	})
	if err != nil {
		return
	}
	reply.CorrelationID = msg.MessageID
	reply.TenantID = c.tenantID
	c.enqueue(reply)

	g.logger.Plain().
		WithSession(c.sessionID).
		WithTenant(c.tenantID).
		WithFields(map[string]any{
			"replayed":     len(replayed),
			"resubscribed": len(resubscribed),
			"unknown":      len(unknown),
		}).
		Info("session sync reconciled")
}

func (g *Gateway) handleCancel(c *client, msg *Message) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.TaskID == "" {
		g.sendError(c, msg.MessageID, taskerr.Validation("cancel requires task_id"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	res, err := g.store.PeekStatus(ctx, c.tenantID, req.TaskID)
	if err != nil {
		g.sendError(c, msg.MessageID, err)
		return
	}
	service, err := g.types.ServiceFor(res.Type)
	if err != nil {
		g.sendError(c, msg.MessageID, err)
		return
	}
	res, err = g.store.Cancel(ctx, service, c.tenantID, req.TaskID)
	if err != nil {
		g.sendError(c, msg.MessageID, err)
		return
	}

	ack, err := MessageFromEvent(notify.FromResult(res, "gateway"))
	if err != nil {
		return
	}
	ack.CorrelationID = msg.MessageID
	c.enqueue(ack)
}

// handleServicePush routes a result pushed by an internal service
// connection into the registry, the same path bus events take.
func (g *Gateway) handleServicePush(c *client, msg *Message) {
	if c.service == "" {
		g.sendError(c, msg.MessageID, taskerr.Authorization(taskerr.CodeUnauthorized, "tool results require a service token"))
		return
	}

	var ev notify.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		g.sendError(c, msg.MessageID, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err))
		return
	}
	if ev.TaskID == "" || ev.TenantID == "" {
		g.sendError(c, msg.MessageID, taskerr.Validation("tool result requires task_id and tenant_id"))
		return
	}
	ev.Source = c.service

	delivered := g.registry.Dispatch(ev)
	g.logger.Plain().
		WithTask(ev.TaskID).
		WithTenant(ev.TenantID).
		WithField("delivered", delivered).
		Debug("service result dispatched")
}

func (g *Gateway) sendHello(c *client) {
	hello, err := NewMessage(DomainSystem, ActionStatusUpdate, map[string]string{
		"status":     "connected",
		"session_id": c.sessionID,
	})
	if err != nil {
		return
	}
	hello.TenantID = c.tenantID
	c.enqueue(hello)
}

func (g *Gateway) sendError(c *client, correlationID string, cause error) {
	msg, err := NewMessage(DomainSystem, ActionError, map[string]any{
		"error_code":     taskerr.CodeOf(cause),
		"error_message":  cause.Error(),
		"severity":       "warning",
		"is_recoverable": true,
	})
	if err != nil {
		return
	}
	msg.CorrelationID = correlationID
	msg.TenantID = c.tenantID
	c.enqueue(msg)
}
