// Package memory provides in-process implementations of the store and queue
// ports. They back the orchestration tests and the `serve --memory` mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
)

// Store holds projects, tasks, artifacts and connections behind one lock.
type Store struct {
	mu          sync.RWMutex
	projects    map[string]domain.Project
	tasks       map[string]map[string]domain.Task
	artifacts   map[string]map[string]domain.Artifact
	connections map[string]domain.Connection

	// FailTaskCreateAfter makes the n-th and later task inserts fail when > 0.
	FailTaskCreateAfter int
	taskCreates         int
}

func NewStore() *Store {
	return &Store{
		projects:    make(map[string]domain.Project),
		tasks:       make(map[string]map[string]domain.Task),
		artifacts:   make(map[string]map[string]domain.Artifact),
		connections: make(map[string]domain.Connection),
	}
}

func (s *Store) Projects() ports.ProjectRepository       { return projectRepo{s} }
func (s *Store) Tasks() ports.TaskRepository             { return taskRepo{s} }
func (s *Store) Artifacts() ports.ArtifactRepository     { return artifactRepo{s} }
func (s *Store) Connections() ports.ConnectionRepository { return connectionRepo{s} }

// ==================== Projects ====================

type projectRepo struct{ s *Store }

func (r projectRepo) Create(ctx context.Context, p *domain.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.projects[p.ID]; ok {
		return ports.ErrConditionFailed
	}
	r.s.projects[p.ID] = *p
	return nil
}

func (r projectRepo) GetByID(ctx context.Context, id string) (*domain.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.projects[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &p, nil
}

func (r projectRepo) ListByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Project
	for _, p := range r.s.projects {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r projectRepo) Update(ctx context.Context, p *domain.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.projects[p.ID]
	if !ok {
		return ports.ErrNotFound
	}
	existing.Name = p.Name
	existing.Description = p.Description
	existing.UpdatedAt = p.UpdatedAt
	r.s.projects[p.ID] = existing
	return nil
}

func (r projectRepo) UpdateStatus(ctx context.Context, id string, from, to domain.ProjectStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok {
		return ports.ErrNotFound
	}
	if p.Status != from {
		return ports.ErrConditionFailed
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	r.s.projects[id] = p
	return nil
}

func (r projectRepo) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.projects[id]; !ok {
		return ports.ErrNotFound
	}
	delete(r.s.projects, id)
	return nil
}

// ==================== Tasks ====================

type taskRepo struct{ s *Store }

func (r taskRepo) CreateIfAbsent(ctx context.Context, t *domain.Task) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.taskCreates++
	if r.s.FailTaskCreateAfter > 0 && r.s.taskCreates >= r.s.FailTaskCreateAfter {
		return false, errInjected
	}
	byID := r.s.tasks[t.ProjectID]
	if byID == nil {
		byID = make(map[string]domain.Task)
		r.s.tasks[t.ProjectID] = byID
	}
	if _, ok := byID[t.ID]; ok {
		return false, nil
	}
	byID[t.ID] = cloneTask(*t)
	return true, nil
}

func (r taskRepo) Get(ctx context.Context, projectID, taskID string) (*domain.Task, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.tasks[projectID][taskID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	t = cloneTask(t)
	return &t, nil
}

func (r taskRepo) ListByProject(ctx context.Context, projectID string) ([]domain.Task, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Task, 0, len(r.s.tasks[projectID]))
	for _, t := range r.s.tasks[projectID] {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r taskRepo) UpdateIf(ctx context.Context, t *domain.Task, expected domain.TaskStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.tasks[t.ProjectID][t.ID]
	if !ok {
		return ports.ErrNotFound
	}
	if current.Status != expected {
		return ports.ErrConditionFailed
	}
	r.s.tasks[t.ProjectID][t.ID] = cloneTask(*t)
	return nil
}

func (r taskRepo) DeleteByProject(ctx context.Context, projectID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.tasks, projectID)
	return nil
}

func cloneTask(t domain.Task) domain.Task {
	return t.Clone()
}

// ==================== Artifacts ====================

type artifactRepo struct{ s *Store }

func (r artifactRepo) Create(ctx context.Context, a *domain.Artifact) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	byID := r.s.artifacts[a.ProjectID]
	if byID == nil {
		byID = make(map[string]domain.Artifact)
		r.s.artifacts[a.ProjectID] = byID
	}
	if _, ok := byID[a.ID]; ok {
		return ports.ErrConditionFailed
	}
	byID[a.ID] = *a
	return nil
}

func (r artifactRepo) Get(ctx context.Context, projectID, artifactID string) (*domain.Artifact, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.artifacts[projectID][artifactID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &a, nil
}

func (r artifactRepo) ListByProject(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Artifact, 0, len(r.s.artifacts[projectID]))
	for _, a := range r.s.artifacts[projectID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r artifactRepo) Update(ctx context.Context, a *domain.Artifact) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.artifacts[a.ProjectID][a.ID]
	if !ok {
		return ports.ErrNotFound
	}
	updated := *a
	updated.CreatedAt = current.CreatedAt
	r.s.artifacts[a.ProjectID][a.ID] = updated
	return nil
}

func (r artifactRepo) Delete(ctx context.Context, projectID, artifactID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.artifacts[projectID][artifactID]; !ok {
		return ports.ErrNotFound
	}
	delete(r.s.artifacts[projectID], artifactID)
	return nil
}

func (r artifactRepo) DeleteByProject(ctx context.Context, projectID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.artifacts, projectID)
	return nil
}

// ==================== Connections ====================

type connectionRepo struct{ s *Store }

func (r connectionRepo) Save(ctx context.Context, c *domain.Connection) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.connections[c.ID] = *c
	return nil
}

func (r connectionRepo) Get(ctx context.Context, id string) (*domain.Connection, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.connections[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &c, nil
}

func (r connectionRepo) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.connections, id)
	return nil
}

func (r connectionRepo) ListByProject(ctx context.Context, projectID string, now time.Time) ([]domain.Connection, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Connection
	for _, c := range r.s.connections {
		if c.ProjectID == projectID && !c.Expired(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r connectionRepo) DeleteByProject(ctx context.Context, projectID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, c := range r.s.connections {
		if c.ProjectID == projectID {
			delete(r.s.connections, id)
		}
	}
	return nil
}

func (r connectionRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, c := range r.s.connections {
		if c.Expired(now) {
			delete(r.s.connections, id)
			n++
		}
	}
	return n, nil
}
