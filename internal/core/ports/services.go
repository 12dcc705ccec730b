package ports

import (
	"context"
	"errors"

	"github.com/forgeflow/backend/internal/domain"
)

// ErrConnectionGone is returned by a NotificationTransport when the target
// connection no longer exists.
var ErrConnectionGone = errors.New("transport: connection gone")

// ErrConnectionNotLocal is returned when the connection may be held by
// another server process. The registry record is left to expire.
var ErrConnectionNotLocal = errors.New("transport: connection not held by this process")

type ProjectService interface {
	CreateProject(ctx context.Context, input CreateProjectInput) (*domain.Project, []domain.Task, error)
	GetProject(ctx context.Context, userID, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context, userID string) ([]domain.Project, error)
	UpdateProject(ctx context.Context, userID, projectID string, input UpdateProjectInput) (*domain.Project, error)
	DeleteProject(ctx context.Context, userID, projectID string) error
	GetTasks(ctx context.Context, userID, projectID string) ([]domain.Task, error)
	GetStatus(ctx context.Context, userID, projectID string) (*ProjectStatusSummary, error)
	ListArtifacts(ctx context.Context, userID, projectID string) ([]domain.Artifact, error)
	GetArtifact(ctx context.Context, userID, projectID, artifactID string) (*domain.Artifact, error)
	UpdateArtifact(ctx context.Context, userID, projectID, artifactID string, input UpdateArtifactInput) (*domain.Artifact, error)
	DeleteArtifact(ctx context.Context, userID, projectID, artifactID string) error
}

type CreateProjectInput struct {
	UserID      string
	Name        string
	Description string
	Prompt      string
}

type UpdateProjectInput struct {
	Name        *string
	Description *string
}

type UpdateArtifactInput struct {
	Title       *string
	Description *string
	Location    *string
	Version     *int
	Metadata    domain.JSONB
}

type ProjectStatusSummary struct {
	Project        domain.Project `json:"project"`
	Tasks          []domain.Task  `json:"tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	TotalTasks     int            `json:"total_tasks"`
	Progress       int            `json:"progress"`
	CurrentTask    *domain.Task   `json:"current_task,omitempty"`
}

// Orchestrator is the task state machine and dispatch protocol.
type Orchestrator interface {
	Start(ctx context.Context, userID, projectID string) (*domain.Task, error)
	BeginTask(ctx context.Context, projectID string, agent domain.AgentKind) (*domain.Task, error)
	ReportProgress(ctx context.Context, projectID, taskID string, progress int) (*domain.Task, error)
	Advance(ctx context.Context, projectID, taskID string, input CompletionInput) (*AdvanceResult, error)
	Resume(ctx context.Context, userID, projectID string, input ResumeInput) (*AdvanceResult, error)
	RequestChanges(ctx context.Context, userID, projectID, taskID, reason string) (*domain.Task, error)
	Retry(ctx context.Context, userID, projectID, taskID string) (*domain.Task, error)
}

type CompletionInput struct {
	Status           domain.TaskStatus
	ErrorMessage     string
	OutputArtifactID string
}

type ResumeAction string

const (
	ResumeApprove        ResumeAction = "approve"
	ResumeRequestChanges ResumeAction = "request_changes"
)

type ResumeInput struct {
	TaskID   string
	Feedback string
	Action   ResumeAction
}

// AdvanceResult describes what a successful advance did: exactly one of
// Dispatched or ProjectCompleted is set when the task reached DONE.
type AdvanceResult struct {
	Task             domain.Task             `json:"task"`
	Project          domain.Project          `json:"project"`
	Dispatched       *domain.DispatchRequest `json:"dispatched,omitempty"`
	ProjectCompleted bool                    `json:"project_completed"`
}

// DispatchQueue is the producer side of the dispatch queue.
type DispatchQueue interface {
	Send(ctx context.Context, req domain.DispatchRequest, groupKey, dedupKey string) error
}

// DispatchConsumer is the consumer side. Receive returns nil when nothing
// is visible.
type DispatchConsumer interface {
	Receive(ctx context.Context) (*domain.DispatchMessage, error)
	Ack(ctx context.Context, id uint) error
	Nack(ctx context.Context, id uint, cause error) error
}

// Notifier broadcasts state-change events. It never returns an error.
type Notifier interface {
	Publish(ctx context.Context, event domain.Event)
}

type NotificationTransport interface {
	Deliver(ctx context.Context, connectionID string, payload []byte) error
}

// AgentRunner produces the content for one agent's task.
type AgentRunner interface {
	Run(ctx context.Context, job AgentJob) (*AgentOutput, error)
}

type AgentJob struct {
	Project  domain.Project
	Task     domain.Task
	Inputs   []domain.Artifact
	Progress func(percent int)
}

type AgentOutput struct {
	FileName    string
	Title       string
	Description string
	Content     []byte
	Metadata    domain.JSONB
}

// ArtifactStorage persists artifact content and returns its location.
type ArtifactStorage interface {
	Put(ctx context.Context, projectID, name string, content []byte) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error
}
