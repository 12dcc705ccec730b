package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/forgeflow/backend/internal/agents"
	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/infrastructure/storage"
)

type runnerFunc func(ctx context.Context, job ports.AgentJob) (*ports.AgentOutput, error)

func (f runnerFunc) Run(ctx context.Context, job ports.AgentJob) (*ports.AgentOutput, error) {
	return f(ctx, job)
}

func newWorker(t *testing.T, h *harness, runner ports.AgentRunner, agentsCfg config.AgentsConfig) (*DispatchWorker, ports.ArtifactStorage) {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if runner == nil {
		runner = agents.NewTemplateRunner(local, logger.NewNop())
	}
	return NewDispatchWorker(DispatchWorkerConfig{
		Consumer:     h.queue,
		Orchestrator: h.orchestrator,
		Projects:     h.store.Projects(),
		Artifacts:    h.store.Artifacts(),
		Storage:      local,
		Runner:       runner,
		Notifier:     h.notifier,
		Agents:       agentsCfg,
		Logger:       logger.NewNop(),
		Now:          h.clock.Now,
	}), local
}

// drain processes messages until the queue has nothing visible.
func drain(t *testing.T, w *DispatchWorker) int {
	t.Helper()
	n := 0
	for i := 0; i < 20; i++ {
		handled, err := w.ProcessOne(context.Background())
		if err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
		if !handled {
			return n
		}
		n++
	}
	t.Fatal("queue did not drain")
	return n
}

func TestWorkerRunsPipelineWithApprovalGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w, local := newWorker(t, h, nil, config.AgentsConfig{
		Concurrency:    1,
		ApprovalAgents: []string{string(domain.AgentRequirements)},
	})

	p, _, err := h.projects.CreateProject(ctx, ports.CreateProjectInput{
		UserID: "u1",
		Name:   "Blog",
		Prompt: "A blog for short stories. Authors publish posts. Readers leave comments",
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := h.orchestrator.Start(ctx, "u1", p.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if n := drain(t, w); n != 1 {
		t.Fatalf("processed %d messages before approval, want 1", n)
	}
	req := h.taskByAgent(t, p.ID, domain.AgentRequirements)
	if req.Status != domain.TaskStatusPendingApproval || req.OutputArtifactID == "" {
		t.Fatalf("requirements task = %+v", req)
	}

	if _, err := h.orchestrator.Resume(ctx, "u1", p.ID, ports.ResumeInput{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n := drain(t, w); n != 3 {
		t.Fatalf("processed %d messages after approval, want 3", n)
	}

	if got := h.project(t, p.ID).Status; got != domain.ProjectStatusCompleted {
		t.Fatalf("project status = %s, want COMPLETED", got)
	}
	artifacts, err := h.store.Artifacts().ListByProject(ctx, p.ID)
	if err != nil || len(artifacts) != len(domain.Pipeline) {
		t.Fatalf("artifacts = %d, %v", len(artifacts), err)
	}
	for _, a := range artifacts {
		if a.Version != 1 || !strings.HasPrefix(a.Location, "local:"+p.ID+"/v1/") {
			t.Fatalf("artifact = %+v", a)
		}
		if a.Type == domain.ArtifactTypeDeployment {
			content, err := local.Get(ctx, a.Location)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !strings.Contains(string(content), "svc-2") {
				t.Fatalf("deployment manifest missing services:\n%s", content)
			}
		}
	}

	var created int
	for _, e := range h.notifier.Events() {
		if e.Type == domain.EventTypeArtifactCreated {
			created++
		}
	}
	if created != len(domain.Pipeline) {
		t.Fatalf("artifact_created events = %d", created)
	}
}

func TestWorkerDropsStaleAndUnknownMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w, _ := newWorker(t, h, nil, config.AgentsConfig{Concurrency: 1})
	p, _ := h.createProject(t, "u1")

	sends := []domain.DispatchRequest{
		{ProjectID: p.ID, AgentName: "bogus"},
		{ProjectID: "missing", AgentName: domain.AgentRequirements},
	}
	for i, r := range sends {
		if err := h.queue.Send(ctx, r, r.ProjectID, string(rune('a'+i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	drain(t, w)

	if left := h.queue.Messages(); len(left) != 0 || h.queue.Acked() != len(sends) {
		t.Fatalf("unacked messages = %+v, acked = %d", left, h.queue.Acked())
	}
	if got := h.taskByAgent(t, p.ID, domain.AgentRequirements).Status; got != domain.TaskStatusTodo {
		t.Fatalf("requirements task = %s, want untouched", got)
	}
}

func TestWorkerNacksWhenDependenciesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w, _ := newWorker(t, h, nil, config.AgentsConfig{Concurrency: 1})
	p, _ := h.createProject(t, "u1")

	if err := h.queue.Send(ctx, domain.DispatchRequest{ProjectID: p.ID, AgentName: domain.AgentBackend}, p.ID, "early"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	handled, err := w.ProcessOne(ctx)
	if err != nil || !handled {
		t.Fatalf("ProcessOne = %v, %v", handled, err)
	}
	msg := h.queue.Messages()[0]
	if msg.Status != domain.DispatchStatusPending || !strings.Contains(msg.LastError, "dependencies") {
		t.Fatalf("message = %+v, want nacked for redelivery", msg)
	}
}

func TestWorkerReportsAgentFailures(t *testing.T) {
	tests := []struct {
		name    string
		runner  runnerFunc
		timeout time.Duration
		want    string
	}{
		{
			name: "agent error",
			runner: func(ctx context.Context, job ports.AgentJob) (*ports.AgentOutput, error) {
				return nil, errors.New("model unavailable")
			},
			want: "model unavailable",
		},
		{
			name: "timeout",
			runner: func(ctx context.Context, job ports.AgentJob) (*ports.AgentOutput, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout: 10 * time.Millisecond,
			want:    "timed out",
		},
		{
			name: "empty output",
			runner: func(ctx context.Context, job ports.AgentJob) (*ports.AgentOutput, error) {
				return &ports.AgentOutput{}, nil
			},
			want: "produced no output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			cfg := config.AgentsConfig{Concurrency: 1}
			if tt.timeout > 0 {
				cfg.Timeouts = map[string]time.Duration{string(domain.AgentRequirements): tt.timeout}
			}
			w, _ := newWorker(t, h, tt.runner, cfg)
			p, _ := h.createProject(t, "u1")
			if _, err := h.orchestrator.Start(ctx, "u1", p.ID); err != nil {
				t.Fatalf("Start: %v", err)
			}

			drain(t, w)

			task := h.taskByAgent(t, p.ID, domain.AgentRequirements)
			if task.Status != domain.TaskStatusFailed || !strings.Contains(task.ErrorMessage, tt.want) {
				t.Fatalf("task = %s %q, want FAILED containing %q", task.Status, task.ErrorMessage, tt.want)
			}
			if got := h.project(t, p.ID).Status; got != domain.ProjectStatusFailed {
				t.Fatalf("project status = %s, want FAILED", got)
			}
			if left := h.queue.Messages(); len(left) != 0 || h.queue.Acked() != 1 {
				t.Fatalf("unacked messages = %+v, want the dispatch acked", left)
			}
		})
	}
}
