package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/infrastructure/memory"
)

// stubTransport records deliveries. err applies to every connection unless
// perConn overrides it.
type stubTransport struct {
	mu        sync.Mutex
	err       error
	perConn   map[string]error
	delivered map[string][][]byte
	calls     int
}

func (s *stubTransport) Deliver(_ context.Context, connID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.perConn[connID]; ok {
		return err
	}
	if s.err != nil {
		return s.err
	}
	if s.delivered == nil {
		s.delivered = make(map[string][][]byte)
	}
	s.delivered[connID] = append(s.delivered[connID], payload)
	return nil
}

func (s *stubTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubTransport) Receivers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.delivered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	registry := memory.NewStore().Connections()

	conns := []domain.Connection{
		{ID: "a", ProjectID: "p1", ExpiresAt: now.Add(time.Hour)},
		{ID: "b", ProjectID: "p1", ExpiresAt: now.Add(time.Minute)},
		{ID: "expired", ProjectID: "p1", ExpiresAt: now.Add(-time.Second)},
		{ID: "other", ProjectID: "p2", ExpiresAt: now.Add(time.Hour)},
	}
	for i := range conns {
		if err := registry.Save(ctx, &conns[i]); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	transport := &stubTransport{}
	svc := NewNotificationService(NotificationServiceConfig{
		Registry:    registry,
		Transport:   transport,
		Logger:      logger.NewNop(),
		Concurrency: 4,
		Now:         func() time.Time { return now },
	})
	svc.Publish(ctx, taskEvent(domain.Task{ProjectID: "p1", ID: "t1", Status: domain.TaskStatusDone}, nil))
	svc.Wait()

	if got, want := fmt.Sprint(transport.Receivers()), "[a b]"; got != want {
		t.Fatalf("receivers = %s, want %s", got, want)
	}

	var decoded struct {
		Type      string    `json:"type"`
		ProjectID string    `json:"projectId"`
		TaskID    string    `json:"taskId"`
		Timestamp time.Time `json:"timestamp"`
		Data      struct {
			Task struct {
				Status string `json:"status"`
			} `json:"task"`
		} `json:"data"`
	}
	if err := json.Unmarshal(transport.delivered["a"][0], &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.Type != domain.EventTypeTaskUpdate || decoded.ProjectID != "p1" || decoded.TaskID != "t1" {
		t.Fatalf("payload = %+v", decoded)
	}
	if !decoded.Timestamp.Equal(now) || decoded.Data.Task.Status != "DONE" {
		t.Fatalf("payload = %+v", decoded)
	}
}

func TestPublishDeregistersGoneConnections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	registry := memory.NewStore().Connections()
	for _, id := range []string{"gone", "flaky", "remote", "ok"} {
		if err := registry.Save(ctx, &domain.Connection{ID: id, ProjectID: "p1", ExpiresAt: now.Add(time.Hour)}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	transport := &stubTransport{perConn: map[string]error{
		"gone":   fmt.Errorf("write: %w", ports.ErrConnectionGone),
		"flaky":  errors.New("timeout"),
		"remote": ports.ErrConnectionNotLocal,
	}}
	svc := NewNotificationService(NotificationServiceConfig{
		Registry:  registry,
		Transport: transport,
		Logger:    logger.NewNop(),
		Now:       func() time.Time { return now },
	})
	svc.Publish(ctx, projectEvent(domain.Project{ID: "p1", Status: domain.ProjectStatusInProgress}))
	svc.Wait()

	if transport.Calls() != 4 {
		t.Fatalf("calls = %d, want 4", transport.Calls())
	}
	if _, err := registry.Get(ctx, "gone"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("gone connection still registered: %v", err)
	}
	for _, id := range []string{"flaky", "remote", "ok"} {
		if _, err := registry.Get(ctx, id); err != nil {
			t.Fatalf("connection %s dropped: %v", id, err)
		}
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	transport := &stubTransport{}
	svc := NewNotificationService(NotificationServiceConfig{
		Registry:  memory.NewStore().Connections(),
		Transport: transport,
		Logger:    logger.NewNop(),
	})
	svc.Publish(context.Background(), projectEvent(domain.Project{ID: "p1"}))
	svc.Wait()
	if transport.Calls() != 0 {
		t.Fatalf("calls = %d, want 0", transport.Calls())
	}
}

// slowTransport blocks every delivery until release is closed.
type slowTransport struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (s *slowTransport) Deliver(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil
}

func TestSlowObserversDoNotBlockTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p, _ := h.createProject(t, "u1")
	for i := 0; i < 4; i++ {
		conn := &domain.Connection{ID: fmt.Sprintf("c%d", i), ProjectID: p.ID, UserID: "u1", ExpiresAt: h.clock.Now().Add(time.Hour)}
		if err := h.store.Connections().Save(ctx, conn); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	transport := &slowTransport{release: make(chan struct{})}
	notifier := NewNotificationService(NotificationServiceConfig{
		Registry:  h.store.Connections(),
		Transport: transport,
		Logger:    logger.NewNop(),
		Timeout:   time.Minute,
		Now:       h.clock.Now,
	})
	orchestrator := NewOrchestrator(OrchestratorConfig{
		Projects: h.store.Projects(),
		Tasks:    h.tasks,
		Queue:    h.queue,
		Notifier: notifier,
		Logger:   logger.NewNop(),
		Now:      h.clock.Now,
	})

	done := make(chan error, 1)
	go func() {
		task, err := orchestrator.BeginTask(ctx, p.ID, domain.AgentRequirements)
		if err != nil {
			done <- err
			return
		}
		_, err = orchestrator.Advance(ctx, p.ID, task.ID, ports.CompletionInput{Status: domain.TaskStatusDone})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(transport.release)
		t.Fatal("transitions waited on observer delivery")
	}

	close(transport.release)
	notifier.Wait()
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.calls == 0 {
		t.Fatal("expected deliveries after release")
	}
}
