package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillhaven/taskwire/internal/notify"
)

// client is one WebSocket connection. Outbound messages go through a
// bounded send queue drained by writePump; a client that cannot keep up is
// disconnected rather than allowed to stall the dispatcher.
type client struct {
	id        string
	tenantID  string
	service   string // non-empty for internal service connections
	sessionID string
	conn      *websocket.Conn
	send      chan *Message
	done      chan struct{}
	gw        *Gateway
	closeOnce sync.Once
}

// shutdown tears the connection down once. Safe from any goroutine.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue hands a message to writePump without blocking. A full queue
// evicts the client; the status slot and session.sync cover whatever the
// eviction drops.
func (c *client) enqueue(msg *Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.gw.logger.Plain().
			WithSession(c.sessionID).
			WithTenant(c.tenantID).
			Warn("send queue full, evicting slow client")
		go c.shutdown()
		return false
	}
}

// Deliver implements notify.Deliverer: completion events become Domain/
// Action pushes on this connection.
func (c *client) Deliver(ev notify.Event) bool {
	msg, err := MessageFromEvent(ev)
	if err != nil {
		c.gw.logger.Plain().WithTask(ev.TaskID).WithError(err).Error("completion message build failed")
		return false
	}
	return c.enqueue(msg)
}

// readPump owns inbound frames. It returns when the connection dies or
// sends something unreadable; the caller unregisters afterwards.
func (c *client) readPump() {
	defer c.shutdown()

	cfg := c.gw.cfg
	c.conn.SetReadLimit(cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Plain().WithSession(c.sessionID).WithError(err).Debug("connection closed unexpectedly")
			}
			return
		}
		// Extend the deadline on data frames too; clients that stream
		// messages may never send a pong.
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		msg, err := ParseMessage(raw)
		if err != nil {
			c.gw.sendError(c, "", err)
			continue
		}
		c.gw.route(c, msg)
	}
}

// writePump owns outbound frames and the keepalive ping.
func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
