package ports

import (
	"context"
	"errors"
	"time"

	"github.com/forgeflow/backend/internal/domain"
)

var (
	// ErrNotFound is returned by repositories when no record matches.
	ErrNotFound = errors.New("store: record not found")
	// ErrConditionFailed is returned when a conditional write finds the
	// record in an unexpected state.
	ErrConditionFailed = errors.New("store: condition failed")
)

type ProjectRepository interface {
	Create(ctx context.Context, project *domain.Project) error
	GetByID(ctx context.Context, id string) (*domain.Project, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Project, error)
	Update(ctx context.Context, project *domain.Project) error
	// UpdateStatus moves the project to `to` only if it is currently `from`.
	UpdateStatus(ctx context.Context, id string, from, to domain.ProjectStatus) error
	Delete(ctx context.Context, id string) error
}

type TaskRepository interface {
	// CreateIfAbsent inserts the task unless one with the same key exists.
	CreateIfAbsent(ctx context.Context, task *domain.Task) (bool, error)
	Get(ctx context.Context, projectID, taskID string) (*domain.Task, error)
	// ListByProject returns tasks in pipeline order.
	ListByProject(ctx context.Context, projectID string) ([]domain.Task, error)
	// UpdateIf persists task only if the stored status equals expected.
	UpdateIf(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error
	DeleteByProject(ctx context.Context, projectID string) error
}

type ArtifactRepository interface {
	Create(ctx context.Context, artifact *domain.Artifact) error
	Get(ctx context.Context, projectID, artifactID string) (*domain.Artifact, error)
	ListByProject(ctx context.Context, projectID string) ([]domain.Artifact, error)
	Update(ctx context.Context, artifact *domain.Artifact) error
	Delete(ctx context.Context, projectID, artifactID string) error
	DeleteByProject(ctx context.Context, projectID string) error
}

// ConnectionRepository is the connection registry.
type ConnectionRepository interface {
	Save(ctx context.Context, conn *domain.Connection) error
	Get(ctx context.Context, id string) (*domain.Connection, error)
	Delete(ctx context.Context, id string) error
	// ListByProject returns unexpired connections watching the project.
	ListByProject(ctx context.Context, projectID string, now time.Time) ([]domain.Connection, error)
	DeleteByProject(ctx context.Context, projectID string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
