package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
)

type orchestratorService struct {
	projects ports.ProjectRepository
	tasks    *TaskService
	queue    ports.DispatchQueue
	notifier ports.Notifier
	logger   *logger.Logger
	now      func() time.Time
}

type OrchestratorConfig struct {
	Projects ports.ProjectRepository
	Tasks    *TaskService
	Queue    ports.DispatchQueue
	Notifier ports.Notifier
	Logger   *logger.Logger
	Now      func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) ports.Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &orchestratorService{
		projects: cfg.Projects,
		tasks:    cfg.Tasks,
		queue:    cfg.Queue,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// ==================== Start ====================

// Start repairs any missing seed tasks and dispatches the next executable
// task. It is also the re-dispatch trigger after changes were requested.
func (s *orchestratorService) Start(ctx context.Context, userID, projectID string) (*domain.Task, error) {
	project, err := authorizeProject(ctx, s.projects, userID, projectID)
	if err != nil {
		return nil, err
	}
	switch project.Status {
	case domain.ProjectStatusCompleted:
		return nil, ErrProjectCompleted
	case domain.ProjectStatusFailed:
		return nil, ErrProjectFailed
	}

	tasks, err := s.tasks.Seed(ctx, projectID)
	if err != nil {
		return nil, err
	}

	next, ok := domain.NextExecutable(tasks)
	if !ok {
		if domain.AllDone(tasks) {
			if _, _, err := s.moveProject(ctx, project, domain.ProjectStatusCompleted); err != nil {
				return nil, err
			}
			return nil, ErrProjectCompleted
		}
		s.logger.Infow("orchestration_start_nothing_ready", "project_id", projectID)
		return nil, ErrNothingToDispatch
	}

	if err := s.dispatch(ctx, next); err != nil {
		return nil, err
	}
	s.logger.Infow("orchestration_started", "project_id", projectID, "task_id", next.ID, "agent", next.AssignedAgent)
	return &next, nil
}

// ==================== Worker-facing transitions ====================

// BeginTask moves the agent's task TODO -> IN_PROGRESS once its
// dependencies are DONE.
func (s *orchestratorService) BeginTask(ctx context.Context, projectID string, agent domain.AgentKind) (*domain.Task, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status == domain.ProjectStatusFailed || project.Status == domain.ProjectStatusCompleted {
		return nil, fmt.Errorf("%w: project is %s", ErrProjectTransition, project.Status)
	}

	tasks, err := s.tasks.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	current, ok := domain.FindTaskByAgent(tasks, agent)
	if !ok {
		return nil, ErrTaskNotFound
	}
	if current.Status != domain.TaskStatusTodo {
		return nil, fmt.Errorf("%w: task is %s", ErrInvalidTransition, current.Status)
	}
	if !domain.DependenciesSatisfied(current, tasks) {
		return nil, ErrDependenciesPending
	}

	started, err := s.tasks.Transition(ctx, current, domain.TaskStatusInProgress, nil)
	if err != nil {
		return nil, err
	}

	updatedProject, changed, err := s.moveProject(ctx, project, domain.ProjectStatusInProgress)
	if err != nil {
		s.logger.Warnw("project_status_update_failed", "project_id", projectID, "error", err)
	}
	s.publishTask(ctx, *started, updatedProject, changed)
	return started, nil
}

func (s *orchestratorService) ReportProgress(ctx context.Context, projectID, taskID string, progress int) (*domain.Task, error) {
	current, err := s.tasks.Get(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	updated, err := s.tasks.UpdateProgress(ctx, *current, progress)
	if err != nil {
		return nil, err
	}
	s.publishTask(ctx, *updated, nil, false)
	return updated, nil
}

// Advance applies an agent's completion report for an IN_PROGRESS task.
func (s *orchestratorService) Advance(ctx context.Context, projectID, taskID string, input ports.CompletionInput) (*ports.AdvanceResult, error) {
	if !input.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrTaskInvalidInput, input.Status)
	}
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	current, ok := domain.FindTask(tasks, taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	if current.Status != domain.TaskStatusInProgress || !domain.CanTransitionTask(current.Status, input.Status) {
		s.logger.Warnw("task_advance_rejected", "project_id", projectID, "task_id", taskID, "from", current.Status, "to", input.Status)
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, input.Status)
	}

	setOutput := func(t *domain.Task) {
		if input.OutputArtifactID != "" {
			t.OutputArtifactID = input.OutputArtifactID
		}
	}

	switch input.Status {
	case domain.TaskStatusDone:
		return s.completeAndContinue(ctx, project, tasks, current, setOutput)

	case domain.TaskStatusPendingApproval:
		gated, err := s.tasks.Transition(ctx, current, domain.TaskStatusPendingApproval, setOutput)
		if err != nil {
			return nil, err
		}
		s.publishTask(ctx, *gated, project, false)
		return &ports.AdvanceResult{Task: *gated, Project: *project}, nil

	default:
		msg := strings.TrimSpace(input.ErrorMessage)
		if msg == "" {
			msg = fmt.Sprintf("agent %s reported failure", current.AssignedAgent)
		}
		failed, err := s.tasks.Transition(ctx, current, domain.TaskStatusFailed, func(t *domain.Task) {
			t.ErrorMessage = msg
			setOutput(t)
		})
		if err != nil {
			return nil, err
		}
		updatedProject, changed, err := s.moveProject(ctx, project, domain.ProjectStatusFailed)
		if err != nil {
			s.logger.Warnw("project_status_update_failed", "project_id", projectID, "error", err)
		}
		s.publishTask(ctx, *failed, updatedProject, changed)
		return &ports.AdvanceResult{Task: *failed, Project: *updatedProject}, nil
	}
}

// ==================== Approval gate ====================

func (s *orchestratorService) Resume(ctx context.Context, userID, projectID string, input ports.ResumeInput) (*ports.AdvanceResult, error) {
	project, err := authorizeProject(ctx, s.projects, userID, projectID)
	if err != nil {
		return nil, err
	}

	switch input.Action {
	case "", ports.ResumeApprove:
	case ports.ResumeRequestChanges:
		reset, err := s.RequestChanges(ctx, userID, projectID, input.TaskID, input.Feedback)
		if err != nil {
			return nil, err
		}
		return &ports.AdvanceResult{Task: *reset, Project: *project}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrTaskInvalidInput, input.Action)
	}

	tasks, err := s.tasks.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	target, err := findPendingApproval(tasks, input.TaskID)
	if err != nil {
		return nil, err
	}

	approvedAt := s.now().UTC()
	result, err := s.completeAndContinue(ctx, project, tasks, target, func(t *domain.Task) {
		if t.Metadata == nil {
			t.Metadata = domain.JSONB{}
		}
		t.Metadata["approvedBy"] = userID
		t.Metadata["approvedAt"] = approvedAt.Format(time.RFC3339)
		if fb := strings.TrimSpace(input.Feedback); fb != "" {
			t.Metadata["approvalFeedback"] = fb
		}
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("task_approved", "project_id", projectID, "task_id", target.ID, "user_id", userID)
	return result, nil
}

// RequestChanges rejects a task awaiting approval: it goes back to TODO with
// the reason recorded, and the pipeline does not advance.
func (s *orchestratorService) RequestChanges(ctx context.Context, userID, projectID, taskID, reason string) (*domain.Task, error) {
	if _, err := authorizeProject(ctx, s.projects, userID, projectID); err != nil {
		return nil, err
	}
	tasks, err := s.tasks.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	target, err := findPendingApproval(tasks, taskID)
	if err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "changes requested"
	}
	reset, err := s.tasks.Transition(ctx, target, domain.TaskStatusTodo, func(t *domain.Task) {
		t.ErrorMessage = reason
		if t.Metadata == nil {
			t.Metadata = domain.JSONB{}
		}
		t.Metadata["rejectionFeedback"] = reason
		t.Metadata["rejectedBy"] = userID
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("task_changes_requested", "project_id", projectID, "task_id", target.ID, "user_id", userID)
	s.publishTask(ctx, *reset, nil, false)
	return reset, nil
}

// Retry returns a FAILED task to TODO, restarts the project and re-dispatches.
func (s *orchestratorService) Retry(ctx context.Context, userID, projectID, taskID string) (*domain.Task, error) {
	project, err := authorizeProject(ctx, s.projects, userID, projectID)
	if err != nil {
		return nil, err
	}
	current, err := s.tasks.Get(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.TaskStatusFailed {
		return nil, fmt.Errorf("%w: only FAILED tasks can be retried, task is %s", ErrInvalidTransition, current.Status)
	}

	reset, err := s.tasks.Transition(ctx, *current, domain.TaskStatusTodo, func(t *domain.Task) {
		t.ErrorMessage = ""
	})
	if err != nil {
		return nil, err
	}
	updatedProject, changed, err := s.moveProject(ctx, project, domain.ProjectStatusPending)
	if err != nil {
		s.logger.Warnw("project_status_update_failed", "project_id", projectID, "error", err)
	}
	s.publishTask(ctx, *reset, updatedProject, changed)

	tasks, err := s.tasks.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if next, ok := domain.NextExecutable(tasks); ok && next.ID == reset.ID {
		if err := s.dispatch(ctx, next); err != nil {
			return nil, err
		}
	}
	return reset, nil
}

// ==================== Internals ====================

// completeAndContinue marks current DONE and then either dispatches the next
// executable task or completes the project. The dispatch is enqueued before
// the DONE write, so an enqueue failure leaves the task untouched.
func (s *orchestratorService) completeAndContinue(ctx context.Context, project *domain.Project, tasks []domain.Task, current domain.Task, mutate func(*domain.Task)) (*ports.AdvanceResult, error) {
	after := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		if t.ID == current.ID {
			t.Status = domain.TaskStatusDone
		}
		after[i] = t
	}
	next, hasNext := domain.NextExecutable(after)

	if !domain.CanTransitionTask(current.Status, domain.TaskStatusDone) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, domain.TaskStatusDone)
	}
	if hasNext {
		if err := s.dispatch(ctx, next); err != nil {
			return nil, err
		}
	}

	done, err := s.tasks.Transition(ctx, current, domain.TaskStatusDone, mutate)
	if err != nil {
		return nil, err
	}

	result := &ports.AdvanceResult{Task: *done, Project: *project}
	var changed bool
	if hasNext {
		result.Dispatched = &domain.DispatchRequest{ProjectID: project.ID, AgentName: next.AssignedAgent}
	} else if domain.AllDone(after) {
		updated, moved, err := s.moveProject(ctx, project, domain.ProjectStatusCompleted)
		if err != nil {
			return nil, err
		}
		result.Project = *updated
		result.ProjectCompleted = true
		changed = moved
		s.logger.Infow("project_completed", "project_id", project.ID)
	}

	s.publishTask(ctx, *done, &result.Project, changed)
	return result, nil
}

func (s *orchestratorService) dispatch(ctx context.Context, task domain.Task) error {
	req := domain.DispatchRequest{ProjectID: task.ProjectID, AgentName: task.AssignedAgent}
	key := dedupKey(task, s.now())
	if err := s.queue.Send(ctx, req, task.ProjectID, key); err != nil {
		s.logger.Errorw("dispatch_enqueue_failed", "project_id", task.ProjectID, "agent", task.AssignedAgent, "error", err)
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	s.logger.Infow("dispatch_enqueued", "project_id", task.ProjectID, "agent", task.AssignedAgent, "dedup_key", key)
	return nil
}

// moveProject transitions the project if it is not already in `to`. The
// returned bool reports whether the status changed.
func (s *orchestratorService) moveProject(ctx context.Context, project *domain.Project, to domain.ProjectStatus) (*domain.Project, bool, error) {
	current := project
	for attempt := 0; attempt < 2; attempt++ {
		if current.Status == to {
			return current, false, nil
		}
		if !domain.CanTransitionProject(current.Status, to) {
			return current, false, fmt.Errorf("%w: %s -> %s", ErrProjectTransition, current.Status, to)
		}
		err := s.projects.UpdateStatus(ctx, current.ID, current.Status, to)
		if err == nil {
			updated := *current
			updated.Status = to
			updated.UpdatedAt = s.now().UTC()
			s.logger.Infow("project_transition_ok", "project_id", current.ID, "from", current.Status, "to", to)
			return &updated, true, nil
		}
		if !errors.Is(err, ports.ErrConditionFailed) {
			return current, false, err
		}
		current, err = s.loadProject(ctx, current.ID)
		if err != nil {
			return project, false, err
		}
	}
	return current, false, fmt.Errorf("%w: concurrent update", ErrProjectTransition)
}

func (s *orchestratorService) loadProject(ctx context.Context, projectID string) (*domain.Project, error) {
	p, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *orchestratorService) publishTask(ctx context.Context, t domain.Task, p *domain.Project, projectChanged bool) {
	if s.notifier == nil {
		return
	}
	var proj *domain.Project
	if projectChanged {
		proj = p
	}
	s.notifier.Publish(ctx, taskEvent(t, proj))
}

// findPendingApproval locates the task to approve or reject. An explicit id
// wins; otherwise the first task awaiting approval in pipeline order.
func findPendingApproval(tasks []domain.Task, taskID string) (domain.Task, error) {
	if taskID != "" {
		t, ok := domain.FindTask(tasks, taskID)
		if !ok {
			return domain.Task{}, ErrTaskNotFound
		}
		if t.Status != domain.TaskStatusPendingApproval {
			return domain.Task{}, fmt.Errorf("%w: task %s is %s", ErrNoTaskPendingApproval, t.ID, t.Status)
		}
		return t, nil
	}
	pending := domain.PendingApproval(tasks)
	if len(pending) == 0 {
		return domain.Task{}, ErrNoTaskPendingApproval
	}
	return pending[0], nil
}

// authorizeProject loads the project and checks the caller owns it.
func authorizeProject(ctx context.Context, repo ports.ProjectRepository, userID, projectID string) (*domain.Project, error) {
	p, err := repo.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrProjectForbidden
	}
	return p, nil
}

// dedupKey collapses sends for the same task revision within one second.
// A task reset to TODO gets a new UpdatedAt, so its re-dispatch is not
// swallowed.
func dedupKey(task domain.Task, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", task.ProjectID, task.AssignedAgent, task.UpdatedAt.UnixMilli(), at.Unix())
}
