package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/infrastructure/memory"
)

// stepClock returns a time one second later on every call.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Publish(_ context.Context, e domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) Events() []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Event(nil), n.events...)
}

type harness struct {
	store        *memory.Store
	queue        *memory.Queue
	notifier     *recordingNotifier
	tasks        *TaskService
	orchestrator ports.Orchestrator
	projects     ports.ProjectService
	clock        *stepClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithNotifier(t, nil)
}

// newHarnessWithNotifier wires the services over memory fakes. A nil
// notifier installs a recordingNotifier.
func newHarnessWithNotifier(t *testing.T, notifier ports.Notifier) *harness {
	t.Helper()
	clock := newStepClock()
	store := memory.NewStore()
	queue := memory.NewQueue(memory.QueueConfig{Now: clock.Now})
	rec := &recordingNotifier{}
	if notifier == nil {
		notifier = rec
	}
	log := logger.NewNop()
	tasks := NewTaskService(store.Tasks(), log, clock.Now)
	return &harness{
		store:    store,
		queue:    queue,
		notifier: rec,
		tasks:    tasks,
		clock:    clock,
		orchestrator: NewOrchestrator(OrchestratorConfig{
			Projects: store.Projects(),
			Tasks:    tasks,
			Queue:    queue,
			Notifier: notifier,
			Logger:   log,
			Now:      clock.Now,
		}),
		projects: NewProjectService(ProjectServiceConfig{
			Projects:    store.Projects(),
			Tasks:       tasks,
			Artifacts:   store.Artifacts(),
			Connections: store.Connections(),
			Notifier:    notifier,
			Logger:      log,
			Now:         clock.Now,
		}),
	}
}

func (h *harness) createProject(t *testing.T, userID string) (*domain.Project, []domain.Task) {
	t.Helper()
	p, tasks, err := h.projects.CreateProject(context.Background(), ports.CreateProjectInput{
		UserID: userID,
		Name:   "Blog",
		Prompt: "A simple blog with posts and comments",
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p, tasks
}

func (h *harness) taskByAgent(t *testing.T, projectID string, agent domain.AgentKind) domain.Task {
	t.Helper()
	tasks, err := h.tasks.List(context.Background(), projectID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	task, ok := domain.FindTaskByAgent(tasks, agent)
	if !ok {
		t.Fatalf("no task for %s", agent)
	}
	return task
}

func (h *harness) project(t *testing.T, id string) domain.Project {
	t.Helper()
	p, err := h.store.Projects().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return *p
}

// run begins the agent's task and reports the given status for it.
func (h *harness) run(t *testing.T, projectID string, agent domain.AgentKind, status domain.TaskStatus) *ports.AdvanceResult {
	t.Helper()
	ctx := context.Background()
	task, err := h.orchestrator.BeginTask(ctx, projectID, agent)
	if err != nil {
		t.Fatalf("BeginTask(%s): %v", agent, err)
	}
	res, err := h.orchestrator.Advance(ctx, projectID, task.ID, ports.CompletionInput{Status: status, ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("Advance(%s, %s): %v", agent, status, err)
	}
	return res
}

func sentAgents(q *memory.Queue) []domain.AgentKind {
	var out []domain.AgentKind
	for _, r := range q.Sent() {
		out = append(out, r.AgentName)
	}
	return out
}
