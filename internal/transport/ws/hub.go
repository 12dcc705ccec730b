// Package ws holds the live observer connections and delivers notification
// payloads to them.
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/gofiber/contrib/websocket"
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	conn Conn
	mu   sync.Mutex
}

// Hub maps connection ids to live sockets in this process. Writes to one
// socket are serialized; different sockets are written concurrently.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]*client
	writeTimeout time.Duration
	logger       *logger.Logger
}

func NewHub(writeTimeout time.Duration, log *logger.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		clients:      make(map[string]*client),
		writeTimeout: writeTimeout,
		logger:       log,
	}
}

var _ ports.NotificationTransport = (*Hub)(nil)

func (h *Hub) Register(id string, conn Conn) {
	h.mu.Lock()
	h.clients[id] = &client{conn: conn}
	h.mu.Unlock()
	h.logger.Debugw("ws_register", "connection_id", id)
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	h.logger.Debugw("ws_unregister", "connection_id", id)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver writes payload as a text frame. An id this process does not hold
// gives ErrConnectionNotLocal, since another replica may own the socket. A
// failed write drops the socket and gives ErrConnectionGone.
func (h *Hub) Deliver(ctx context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ports.ErrConnectionNotLocal
	}

	deadline := time.Now().Add(h.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	_ = c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.mu.Unlock()
	if err == nil {
		return nil
	}

	h.Unregister(connectionID)
	_ = c.conn.Close()
	return fmt.Errorf("%w: %v", ports.ErrConnectionGone, err)
}
