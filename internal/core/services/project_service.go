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
	"github.com/google/uuid"
)

const minPromptLength = 10

type projectService struct {
	projects    ports.ProjectRepository
	tasks       *TaskService
	artifacts   ports.ArtifactRepository
	connections ports.ConnectionRepository
	storage     ports.ArtifactStorage
	notifier    ports.Notifier
	logger      *logger.Logger
	now         func() time.Time
}

type ProjectServiceConfig struct {
	Projects    ports.ProjectRepository
	Tasks       *TaskService
	Artifacts   ports.ArtifactRepository
	Connections ports.ConnectionRepository
	Storage     ports.ArtifactStorage
	Notifier    ports.Notifier
	Logger      *logger.Logger
	Now         func() time.Time
}

func NewProjectService(cfg ProjectServiceConfig) ports.ProjectService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &projectService{
		projects:    cfg.Projects,
		tasks:       cfg.Tasks,
		artifacts:   cfg.Artifacts,
		connections: cfg.Connections,
		storage:     cfg.Storage,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// CreateProject writes the project and its seed tasks. If seeding fails
// part way the project is kept; Start repairs the missing tasks.
func (s *projectService) CreateProject(ctx context.Context, input ports.CreateProjectInput) (*domain.Project, []domain.Task, error) {
	if err := validateCreate(input); err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	project := &domain.Project{
		ID:          uuid.NewString(),
		UserID:      input.UserID,
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		Prompt:      strings.TrimSpace(input.Prompt),
		Status:      domain.ProjectStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		s.logger.Errorw("project_create_failed", "user_id", input.UserID, "error", err)
		return nil, nil, fmt.Errorf("create project: %w", err)
	}

	tasks, err := s.tasks.Seed(ctx, project.ID)
	if err != nil {
		s.logger.Errorw("project_seed_incomplete", "project_id", project.ID, "error", err)
		return project, nil, err
	}

	s.logger.Infow("project_create_ok", "project_id", project.ID, "user_id", project.UserID, "tasks", len(tasks))
	return project, tasks, nil
}

func validateCreate(input ports.CreateProjectInput) error {
	var problems []string
	if strings.TrimSpace(input.UserID) == "" {
		problems = append(problems, "user id is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		problems = append(problems, "name is required")
	} else if len(input.Name) > 255 {
		problems = append(problems, "name must be at most 255 characters")
	}
	if len(strings.TrimSpace(input.Prompt)) < minPromptLength {
		problems = append(problems, fmt.Sprintf("request prompt must be at least %d characters", minPromptLength))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrProjectInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func (s *projectService) GetProject(ctx context.Context, userID, projectID string) (*domain.Project, error) {
	return authorizeProject(ctx, s.projects, userID, projectID)
}

func (s *projectService) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrProjectInvalidInput)
	}
	return s.projects.ListByUser(ctx, userID)
}

func (s *projectService) UpdateProject(ctx context.Context, userID, projectID string, input ports.UpdateProjectInput) (*domain.Project, error) {
	project, err := authorizeProject(ctx, s.projects, userID, projectID)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrProjectInvalidInput)
		}
		project.Name = name
	}
	if input.Description != nil {
		project.Description = strings.TrimSpace(*input.Description)
	}
	project.UpdatedAt = s.now().UTC()

	if err := s.projects.Update(ctx, project); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.Publish(ctx, projectEvent(*project))
	}
	return project, nil
}

// DeleteProject cascades to connections, artifacts (records and content)
// and tasks before removing the project itself.
func (s *projectService) DeleteProject(ctx context.Context, userID, projectID string) error {
	if _, err := authorizeProject(ctx, s.projects, userID, projectID); err != nil {
		return err
	}

	if err := s.connections.DeleteByProject(ctx, projectID); err != nil {
		return fmt.Errorf("delete connections: %w", err)
	}
	artifacts, err := s.artifacts.ListByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	for _, a := range artifacts {
		s.removeContent(ctx, a)
	}
	if err := s.artifacts.DeleteByProject(ctx, projectID); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	if err := s.tasks.DeleteByProject(ctx, projectID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if err := s.projects.Delete(ctx, projectID); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ErrProjectNotFound
		}
		return err
	}
	s.logger.Infow("project_delete_ok", "project_id", projectID, "artifacts", len(artifacts))
	return nil
}

func (s *projectService) GetTasks(ctx context.Context, userID, projectID string) ([]domain.Task, error) {
	if _, err := authorizeProject(ctx, s.projects, userID, projectID); err != nil {
		return nil, err
	}
	return s.tasks.List(ctx, projectID)
}

func (s *projectService) GetStatus(ctx context.Context, userID, projectID string) (*ports.ProjectStatusSummary, error) {
	project, err := authorizeProject(ctx, s.projects, userID, projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.List(ctx, projectID)
	if err != nil {
		return nil, err
	}

	summary := &ports.ProjectStatusSummary{
		Project:    *project,
		Tasks:      tasks,
		TotalTasks: len(tasks),
	}
	for i := range tasks {
		switch tasks[i].Status {
		case domain.TaskStatusDone:
			summary.CompletedTasks++
		case domain.TaskStatusInProgress, domain.TaskStatusPendingApproval, domain.TaskStatusFailed:
			if summary.CurrentTask == nil {
				t := tasks[i]
				summary.CurrentTask = &t
			}
		}
	}
	if summary.CurrentTask == nil {
		if next, ok := domain.NextExecutable(tasks); ok {
			summary.CurrentTask = &next
		}
	}
	if summary.TotalTasks > 0 {
		summary.Progress = summary.CompletedTasks * 100 / summary.TotalTasks
	}
	return summary, nil
}

// ==================== Artifacts ====================

func (s *projectService) ListArtifacts(ctx context.Context, userID, projectID string) ([]domain.Artifact, error) {
	if _, err := authorizeProject(ctx, s.projects, userID, projectID); err != nil {
		return nil, err
	}
	return s.artifacts.ListByProject(ctx, projectID)
}

func (s *projectService) GetArtifact(ctx context.Context, userID, projectID, artifactID string) (*domain.Artifact, error) {
	if _, err := authorizeProject(ctx, s.projects, userID, projectID); err != nil {
		return nil, err
	}
	return s.getArtifact(ctx, projectID, artifactID)
}

func (s *projectService) UpdateArtifact(ctx context.Context, userID, projectID, artifactID string, input ports.UpdateArtifactInput) (*domain.Artifact, error) {
	if _, err := authorizeProject(ctx, s.projects, userID, projectID); err != nil {
		return nil, err
	}
	a, err := s.getArtifact(ctx, projectID, artifactID)
	if err != nil {
		return nil, err
	}

	if input.Title != nil {
		a.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		a.Description = *input.Description
	}
	if input.Location != nil {
		if strings.TrimSpace(*input.Location) == "" {
			return nil, fmt.Errorf("%w: location cannot be empty", ErrArtifactInvalidInput)
		}
		a.Location = *input.Location
	}
	if input.Version != nil {
		if *input.Version < 1 {
			return nil, fmt.Errorf("%w: version must be positive", ErrArtifactInvalidInput)
		}
		a.Version = *input.Version
	}
	if input.Metadata != nil {
		if a.Metadata == nil {
			a.Metadata = domain.JSONB{}
		}
		for k, v := range input.Metadata {
			a.Metadata[k] = v
		}
	}
	a.UpdatedAt = s.now().UTC()

	if err := s.artifacts.Update(ctx, a); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *projectService) DeleteArtifact(ctx context.Context, userID, projectID, artifactID string) error {
	if _, err := authorizeProject(ctx, s.projects, userID, projectID); err != nil {
		return err
	}
	a, err := s.getArtifact(ctx, projectID, artifactID)
	if err != nil {
		return err
	}
	if err := s.artifacts.Delete(ctx, projectID, artifactID); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ErrArtifactNotFound
		}
		return err
	}
	s.removeContent(ctx, *a)
	return nil
}

func (s *projectService) getArtifact(ctx context.Context, projectID, artifactID string) (*domain.Artifact, error) {
	a, err := s.artifacts.Get(ctx, projectID, artifactID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return a, nil
}

// removeContent is best effort; a leftover file does not block deletion.
func (s *projectService) removeContent(ctx context.Context, a domain.Artifact) {
	if s.storage == nil || a.Location == "" {
		return
	}
	if err := s.storage.Delete(ctx, a.Location); err != nil {
		s.logger.Warnw("artifact_content_delete_failed", "project_id", a.ProjectID, "artifact_id", a.ID, "location", a.Location, "error", err)
	}
}
