package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/core/services"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/infrastructure/memory"
	"github.com/forgeflow/backend/internal/transport/ws"
)

func TestRealtimeSubscribeProtocol(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNop()
	store := memory.NewStore()
	projects := services.NewProjectService(services.ProjectServiceConfig{
		Projects:    store.Projects(),
		Tasks:       services.NewTaskService(store.Tasks(), log, nil),
		Artifacts:   store.Artifacts(),
		Connections: store.Connections(),
		Logger:      log,
	})
	p, _, err := projects.CreateProject(ctx, ports.CreateProjectInput{UserID: "u1", Name: "Blog", Prompt: "A simple blog with posts"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h := NewRealtimeHandler(ws.NewHub(time.Second, log), projects, store.Connections(), time.Hour, log)
	h.now = func() time.Time { return now }

	tests := []struct {
		name     string
		userID   string
		raw      string
		wantType string
		wantCode string
	}{
		{"malformed", "u1", `{`, "error", services.ReasonValidation},
		{"unknown action", "u1", `{"action":"dance"}`, "error", services.ReasonValidation},
		{"missing project", "u1", `{"action":"subscribe"}`, "error", services.ReasonValidation},
		{"not owner", "u2", `{"action":"subscribe","projectId":"` + p.ID + `"}`, "error", services.ReasonForbidden},
		{"no such project", "u1", `{"action":"subscribe","projectId":"nope"}`, "error", services.ReasonNotFound},
		{"subscribe", "u1", `{"action":"subscribe","projectId":"` + p.ID + `"}`, "subscribed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := h.handleMessage(ctx, "c1", tt.userID, []byte(tt.raw))
			if reply.Type != tt.wantType || reply.Code != tt.wantCode {
				t.Fatalf("reply = %+v, want type %q code %q", reply, tt.wantType, tt.wantCode)
			}
		})
	}

	conn, err := store.Connections().Get(ctx, "c1")
	if err != nil {
		t.Fatalf("subscription not registered: %v", err)
	}
	if conn.ProjectID != p.ID || conn.UserID != "u1" || !conn.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("connection = %+v", conn)
	}
	live, _ := store.Connections().ListByProject(ctx, p.ID, now)
	if len(live) != 1 {
		t.Fatalf("live connections = %d, want 1", len(live))
	}

	if reply := h.handleMessage(ctx, "c1", "u1", []byte(`{"action":"unsubscribe"}`)); reply.Type != "unsubscribed" {
		t.Fatalf("unsubscribe reply = %+v", reply)
	}
	live, _ = store.Connections().ListByProject(ctx, p.ID, now)
	if len(live) != 0 {
		t.Fatalf("live connections after unsubscribe = %d", len(live))
	}
}
