package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/core/services"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/transport/http/middleware"
	"github.com/forgeflow/backend/internal/transport/ws"
	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

type realtimeMessage struct {
	Action    string `json:"action"`
	ProjectID string `json:"projectId"`
}

type realtimeReply struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
}

// RealtimeHandler runs the observer protocol: connect, subscribe to one
// project at a time, unsubscribe, disconnect.
type RealtimeHandler struct {
	hub      *ws.Hub
	projects ports.ProjectService
	registry ports.ConnectionRepository
	ttl      time.Duration
	logger   *logger.Logger
	now      func() time.Time
}

func NewRealtimeHandler(hub *ws.Hub, projects ports.ProjectService, registry ports.ConnectionRepository, ttl time.Duration, logger *logger.Logger) *RealtimeHandler {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RealtimeHandler{hub: hub, projects: projects, registry: registry, ttl: ttl, logger: logger, now: time.Now}
}

func (h *RealtimeHandler) Handle(c *websocket.Conn) {
	userID, _ := c.Locals(middleware.UserIDKey).(string)
	connID := uuid.NewString()
	ctx := context.Background()

	h.hub.Register(connID, c)
	h.logger.Infow("realtime_connect", "connection_id", connID, "user_id", userID)
	defer func() {
		if err := h.registry.Delete(ctx, connID); err != nil {
			h.logger.Warnw("realtime_deregister_failed", "connection_id", connID, "error", err)
		}
		h.hub.Unregister(connID)
		c.Close()
		h.logger.Infow("realtime_disconnect", "connection_id", connID)
	}()

	h.reply(ctx, connID, realtimeReply{Type: "connected", ConnectionID: connID})

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		h.reply(ctx, connID, h.handleMessage(ctx, connID, userID, raw))
	}
}

// handleMessage applies one client message and returns the reply to send.
func (h *RealtimeHandler) handleMessage(ctx context.Context, connID, userID string, raw []byte) realtimeReply {
	var msg realtimeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return realtimeReply{Type: "error", Error: "invalid message", Code: services.ReasonValidation}
	}

	switch strings.ToLower(msg.Action) {
	case "subscribe":
		if msg.ProjectID == "" {
			return realtimeReply{Type: "error", Error: "projectId is required", Code: services.ReasonValidation}
		}
		if _, err := h.projects.GetProject(ctx, userID, msg.ProjectID); err != nil {
			h.logger.Warnw("realtime_subscribe_denied", "connection_id", connID, "project_id", msg.ProjectID, "error", err)
			return realtimeReply{Type: "error", ProjectID: msg.ProjectID, Error: err.Error(), Code: services.ReasonOf(err)}
		}
		now := h.now().UTC()
		conn := &domain.Connection{
			ID:        connID,
			ProjectID: msg.ProjectID,
			UserID:    userID,
			ExpiresAt: now.Add(h.ttl),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.registry.Save(ctx, conn); err != nil {
			h.logger.Errorw("realtime_subscribe_failed", "connection_id", connID, "project_id", msg.ProjectID, "error", err)
			return realtimeReply{Type: "error", ProjectID: msg.ProjectID, Error: "subscription failed", Code: services.ReasonInternal}
		}
		h.logger.Infow("realtime_subscribe_ok", "connection_id", connID, "project_id", msg.ProjectID)
		return realtimeReply{Type: "subscribed", ConnectionID: connID, ProjectID: msg.ProjectID}

	case "unsubscribe":
		if err := h.registry.Delete(ctx, connID); err != nil {
			h.logger.Warnw("realtime_unsubscribe_failed", "connection_id", connID, "error", err)
		}
		return realtimeReply{Type: "unsubscribed", ConnectionID: connID, ProjectID: msg.ProjectID}
	}
	return realtimeReply{Type: "error", Error: "unknown action", Code: services.ReasonValidation}
}

func (h *RealtimeHandler) reply(ctx context.Context, connID string, r realtimeReply) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := h.hub.Deliver(ctx, connID, payload); err != nil {
		h.logger.Debugw("realtime_reply_failed", "connection_id", connID, "error", err)
	}
}
