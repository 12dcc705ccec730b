package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
)

// TaskService owns every task status write. All writes are conditional on
// the status the caller read, so a stale or duplicate transition fails
// instead of being applied twice.
type TaskService struct {
	repo   ports.TaskRepository
	logger *logger.Logger
	now    func() time.Time
}

func NewTaskService(repo ports.TaskRepository, log *logger.Logger, now func() time.Time) *TaskService {
	if now == nil {
		now = time.Now
	}
	return &TaskService{repo: repo, logger: log, now: now}
}

// ==================== Seeding ====================

// Seed writes any missing pipeline tasks for the project. Safe to re-run.
func (s *TaskService) Seed(ctx context.Context, projectID string) ([]domain.Task, error) {
	created := 0
	for _, t := range domain.SeedTasks(projectID, s.now().UTC()) {
		t := t
		ok, err := s.repo.CreateIfAbsent(ctx, &t)
		if err != nil {
			s.logger.Errorw("task_seed_failed", "project_id", projectID, "agent", t.AssignedAgent, "error", err)
			return nil, fmt.Errorf("seed %s task: %w", t.AssignedAgent, err)
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		s.logger.Infow("task_seed_ok", "project_id", projectID, "created", created)
	}
	return s.List(ctx, projectID)
}

// ==================== Reads ====================

func (s *TaskService) List(ctx context.Context, projectID string) ([]domain.Task, error) {
	return s.repo.ListByProject(ctx, projectID)
}

func (s *TaskService) Get(ctx context.Context, projectID, taskID string) (*domain.Task, error) {
	t, err := s.repo.Get(ctx, projectID, taskID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *TaskService) DeleteByProject(ctx context.Context, projectID string) error {
	return s.repo.DeleteByProject(ctx, projectID)
}

// ==================== Transitions ====================

// Transition validates and applies current -> to, stamping timestamps and
// progress. mutate, if given, runs on the new copy before it is written.
func (s *TaskService) Transition(ctx context.Context, current domain.Task, to domain.TaskStatus, mutate func(*domain.Task)) (*domain.Task, error) {
	if !domain.CanTransitionTask(current.Status, to) {
		s.logger.Warnw("task_transition_rejected", "project_id", current.ProjectID, "task_id", current.ID, "from", current.Status, "to", to)
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}

	now := s.now().UTC()
	next := current.Clone()
	next.Status = to
	next.UpdatedAt = now

	switch to {
	case domain.TaskStatusInProgress:
		next.StartedAt = domain.TimePtr(now)
		next.CompletedAt = nil
		next.Progress = domain.IntPtr(0)
		next.ErrorMessage = ""
	case domain.TaskStatusDone:
		next.CompletedAt = domain.TimePtr(now)
		next.Progress = domain.IntPtr(100)
		next.ErrorMessage = ""
	case domain.TaskStatusFailed:
		next.CompletedAt = domain.TimePtr(now)
	case domain.TaskStatusTodo:
		next.Progress = domain.IntPtr(0)
		next.StartedAt = nil
		next.CompletedAt = nil
	}
	if mutate != nil {
		mutate(&next)
	}

	if err := s.repo.UpdateIf(ctx, &next, current.Status); err != nil {
		if errors.Is(err, ports.ErrConditionFailed) {
			s.logger.Warnw("task_transition_conflict", "project_id", current.ProjectID, "task_id", current.ID, "from", current.Status, "to", to)
			return nil, fmt.Errorf("%w: task no longer %s", ErrInvalidTransition, current.Status)
		}
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	s.logger.Infow("task_transition_ok", "project_id", current.ProjectID, "task_id", current.ID, "agent", current.AssignedAgent, "from", current.Status, "to", to)
	return &next, nil
}

// UpdateProgress records progress for an IN_PROGRESS task.
func (s *TaskService) UpdateProgress(ctx context.Context, current domain.Task, progress int) (*domain.Task, error) {
	if progress < 0 || progress > 100 {
		return nil, fmt.Errorf("%w: progress must be between 0 and 100", ErrTaskInvalidInput)
	}
	if current.Status != domain.TaskStatusInProgress {
		return nil, fmt.Errorf("%w: progress only applies to IN_PROGRESS tasks", ErrInvalidTransition)
	}
	next := current.Clone()
	next.Progress = domain.IntPtr(progress)
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateIf(ctx, &next, current.Status); err != nil {
		if errors.Is(err, ports.ErrConditionFailed) {
			return nil, fmt.Errorf("%w: task no longer %s", ErrInvalidTransition, current.Status)
		}
		return nil, err
	}
	return &next, nil
}
