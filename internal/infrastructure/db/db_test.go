package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection keeps every query on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	if err := RunMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = Close(database) })
	return database
}

func TestProjectRepositoryStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	repo := NewProjectRepository(openTestDB(t), logger.NewNop())

	now := time.Now().UTC()
	p := &domain.Project{ID: "p1", UserID: "u1", Name: "Blog", Prompt: "a simple blog", Status: domain.ProjectStatusPending, CreatedAt: now, UpdatedAt: now}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.UpdateStatus(ctx, "p1", domain.ProjectStatusPending, domain.ProjectStatusInProgress); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := repo.UpdateStatus(ctx, "p1", domain.ProjectStatusPending, domain.ProjectStatusInProgress); !errors.Is(err, ports.ErrConditionFailed) {
		t.Fatalf("stale UpdateStatus err = %v, want ErrConditionFailed", err)
	}
	if err := repo.UpdateStatus(ctx, "missing", domain.ProjectStatusPending, domain.ProjectStatusInProgress); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("missing UpdateStatus err = %v, want ErrNotFound", err)
	}

	p.Name = "Blog v2"
	p.Status = domain.ProjectStatusCompleted
	if err := repo.Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := repo.GetByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Name != "Blog v2" || got.Status != domain.ProjectStatusInProgress {
		t.Fatalf("Update must only change editable fields: %+v", got)
	}

	list, err := repo.ListByUser(ctx, "u1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByUser = %v, %v", list, err)
	}

	if err := repo.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, "p1"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("GetByID after delete err = %v", err)
	}
}

func TestTaskRepositorySeedAndCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t), logger.NewNop())

	seeds := domain.SeedTasks("p1", time.Now().UTC())
	for i := range seeds {
		created, err := repo.CreateIfAbsent(ctx, &seeds[i])
		if err != nil || !created {
			t.Fatalf("CreateIfAbsent(%d) = %v, %v", i, created, err)
		}
	}
	again := domain.SeedTasks("p1", time.Now().UTC())
	created, err := repo.CreateIfAbsent(ctx, &again[0])
	if err != nil || created {
		t.Fatalf("re-seed = %v, %v; want false, nil", created, err)
	}

	tasks, err := repo.ListByProject(ctx, "p1")
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(tasks) != len(domain.Pipeline) {
		t.Fatalf("got %d tasks", len(tasks))
	}
	for i, task := range tasks {
		if task.AssignedAgent != domain.Pipeline[i].Kind {
			t.Fatalf("task %d agent = %s, want %s", i, task.AssignedAgent, domain.Pipeline[i].Kind)
		}
	}
	if !tasks[1].Dependencies.Contains(tasks[0].ID) {
		t.Fatalf("dependencies not persisted: %v", tasks[1].Dependencies)
	}

	first := tasks[0]
	first.Status = domain.TaskStatusInProgress
	first.Progress = domain.IntPtr(0)
	first.StartedAt = domain.TimePtr(time.Now().UTC())
	first.Metadata = domain.JSONB{"attempt": 1}
	if err := repo.UpdateIf(ctx, &first, domain.TaskStatusTodo); err != nil {
		t.Fatalf("UpdateIf: %v", err)
	}
	if err := repo.UpdateIf(ctx, &first, domain.TaskStatusTodo); !errors.Is(err, ports.ErrConditionFailed) {
		t.Fatalf("second UpdateIf err = %v, want ErrConditionFailed", err)
	}

	got, err := repo.Get(ctx, "p1", first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.TaskStatusInProgress || got.StartedAt == nil {
		t.Fatalf("stored task = %+v", got)
	}
	if got.Metadata["attempt"] != float64(1) {
		t.Fatalf("metadata = %v", got.Metadata)
	}

	ghost := domain.Task{ProjectID: "p1", ID: "ghost", Status: domain.TaskStatusDone}
	if err := repo.UpdateIf(ctx, &ghost, domain.TaskStatusTodo); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("missing UpdateIf err = %v, want ErrNotFound", err)
	}

	if err := repo.DeleteByProject(ctx, "p1"); err != nil {
		t.Fatalf("DeleteByProject: %v", err)
	}
	if tasks, _ := repo.ListByProject(ctx, "p1"); len(tasks) != 0 {
		t.Fatalf("tasks left after delete: %d", len(tasks))
	}
}

func TestConnectionRepositoryTTL(t *testing.T) {
	ctx := context.Background()
	repo := NewConnectionRepository(openTestDB(t), logger.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	live := &domain.Connection{ID: "c1", ProjectID: "p1", UserID: "u1", ExpiresAt: now.Add(time.Hour)}
	stale := &domain.Connection{ID: "c2", ProjectID: "p1", UserID: "u1", ExpiresAt: now.Add(-time.Minute)}
	other := &domain.Connection{ID: "c3", ProjectID: "p2", UserID: "u1", ExpiresAt: now.Add(time.Hour)}
	for _, c := range []*domain.Connection{live, stale, other} {
		if err := repo.Save(ctx, c); err != nil {
			t.Fatalf("Save(%s): %v", c.ID, err)
		}
	}

	conns, err := repo.ListByProject(ctx, "p1", now)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(conns) != 1 || conns[0].ID != "c1" {
		t.Fatalf("ListByProject = %+v, want only c1", conns)
	}

	// re-subscribe moves c1 to another project
	live.ProjectID = "p2"
	if err := repo.Save(ctx, live); err != nil {
		t.Fatalf("re-Save: %v", err)
	}
	if conns, _ := repo.ListByProject(ctx, "p1", now); len(conns) != 0 {
		t.Fatalf("c1 still listed under p1")
	}

	n, err := repo.PurgeExpired(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired = %d, %v; want 1", n, err)
	}
	if _, err := repo.Get(ctx, "c2"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expired connection not purged: %v", err)
	}
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, clock *testClock) *DispatchQueue {
	t.Helper()
	q := NewDispatchQueue(openTestDB(t), config.QueueConfig{
		VisibilityTimeout: time.Minute,
		MaxReceives:       2,
		RetryDelay:        10 * time.Second,
	}, logger.NewNop())
	q.now = clock.now
	return q
}

func TestDispatchQueueDedupAndGroupOrder(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)

	send := func(project string, agent domain.AgentKind, key string) {
		t.Helper()
		if err := q.Send(ctx, domain.DispatchRequest{ProjectID: project, AgentName: agent}, project, key); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	send("p1", domain.AgentRequirements, "p1:a")
	send("p1", domain.AgentRequirements, "p1:a")
	send("p1", domain.AgentBackend, "p1:b")
	send("p2", domain.AgentRequirements, "p2:a")

	m1, err := q.Receive(ctx)
	if err != nil || m1 == nil {
		t.Fatalf("Receive = %v, %v", m1, err)
	}
	if m1.ProjectID != "p1" || m1.AgentName != domain.AgentRequirements || m1.ReceiveCount != 1 {
		t.Fatalf("first message = %+v", m1)
	}

	// p1 is busy, so p2 is next
	m2, err := q.Receive(ctx)
	if err != nil || m2 == nil || m2.ProjectID != "p2" {
		t.Fatalf("second Receive = %+v, %v", m2, err)
	}
	if m3, _ := q.Receive(ctx); m3 != nil {
		t.Fatalf("expected nothing deliverable, got %+v", m3)
	}

	if err := q.Ack(ctx, m1.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	m4, err := q.Receive(ctx)
	if err != nil || m4 == nil || m4.AgentName != domain.AgentBackend {
		t.Fatalf("after ack Receive = %+v, %v", m4, err)
	}
}

func TestDispatchQueueNackAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)

	if err := q.Send(ctx, domain.DispatchRequest{ProjectID: "p1", AgentName: domain.AgentBackend}, "p1", "k1"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	m, _ := q.Receive(ctx)
	if m == nil {
		t.Fatalf("no message")
	}
	if err := q.Nack(ctx, m.ID, errors.New("dependencies not done")); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if again, _ := q.Receive(ctx); again != nil {
		t.Fatalf("message visible before retry delay")
	}

	clock.advance(11 * time.Second)
	m, _ = q.Receive(ctx)
	if m == nil || m.ReceiveCount != 2 {
		t.Fatalf("redelivery = %+v", m)
	}
	if err := q.Nack(ctx, m.ID, errors.New("still failing")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	clock.advance(time.Minute)
	if again, _ := q.Receive(ctx); again != nil {
		t.Fatalf("dead-lettered message was redelivered")
	}
	dead, err := q.DeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("DeadLetters = %v, %v", dead, err)
	}
	if dead[0].LastError != "still failing" {
		t.Fatalf("last error = %q", dead[0].LastError)
	}
}

func TestDispatchQueueReclaimsExpiredVisibility(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)

	if err := q.Send(ctx, domain.DispatchRequest{ProjectID: "p1", AgentName: domain.AgentFrontend}, "p1", "k1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m, _ := q.Receive(ctx); m == nil {
		t.Fatalf("no message")
	}

	// consumer vanished without ack
	clock.advance(2 * time.Minute)
	m, err := q.Receive(ctx)
	if err != nil || m == nil || m.ReceiveCount != 2 {
		t.Fatalf("reclaimed = %+v, %v", m, err)
	}

	clock.advance(2 * time.Minute)
	if m, _ := q.Receive(ctx); m != nil {
		t.Fatalf("message past max receives delivered again: %+v", m)
	}
	if dead, _ := q.DeadLetters(ctx, 10); len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead))
	}
}
