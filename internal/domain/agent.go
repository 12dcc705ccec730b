package domain

import (
	"time"

	"github.com/google/uuid"
)

// AgentKind identifies one of the fixed worker roles in the pipeline.
type AgentKind string

const (
	AgentRequirements AgentKind = "requirements-analysis"
	AgentBackend      AgentKind = "backend-build"
	AgentFrontend     AgentKind = "frontend-build"
	AgentDeployment   AgentKind = "deployment"
)

// AgentSpec describes a pipeline stage.
type AgentSpec struct {
	Kind         AgentKind
	Title        string
	Description  string
	ArtifactType ArtifactType
	Timeout      time.Duration
}

// Pipeline is the fixed execution order. Seed tasks are created in this order
// and each one depends on the previous.
var Pipeline = []AgentSpec{
	{
		Kind:         AgentRequirements,
		Title:        "Requirements analysis",
		Description:  "Analyze the request and produce a requirements document",
		ArtifactType: ArtifactTypeRequirements,
		Timeout:      5 * time.Minute,
	},
	{
		Kind:         AgentBackend,
		Title:        "Backend build",
		Description:  "Generate the backend service from the approved requirements",
		ArtifactType: ArtifactTypeSourceCode,
		Timeout:      15 * time.Minute,
	},
	{
		Kind:         AgentFrontend,
		Title:        "Frontend build",
		Description:  "Generate the frontend application against the backend API",
		ArtifactType: ArtifactTypeSourceCode,
		Timeout:      15 * time.Minute,
	},
	{
		Kind:         AgentDeployment,
		Title:        "Deployment",
		Description:  "Package and deploy the generated application",
		ArtifactType: ArtifactTypeDeployment,
		Timeout:      10 * time.Minute,
	},
}

func (k AgentKind) Valid() bool {
	_, ok := LookupAgent(k)
	return ok
}

func LookupAgent(k AgentKind) (AgentSpec, bool) {
	for _, a := range Pipeline {
		if a.Kind == k {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// SeedTaskID is deterministic so seeding can be re-run without duplicates.
func SeedTaskID(projectID string, k AgentKind) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(projectID+"|"+string(k))).String()
}

// SeedTaskAgent reports which agent a seeded task id belongs to.
func SeedTaskAgent(projectID, taskID string) (AgentKind, bool) {
	for _, a := range Pipeline {
		if SeedTaskID(projectID, a.Kind) == taskID {
			return a.Kind, true
		}
	}
	return "", false
}

// SeedTasks builds the pipeline tasks for a project, each depending on the
// one before it.
func SeedTasks(projectID string, now time.Time) []Task {
	tasks := make([]Task, 0, len(Pipeline))
	prev := ""
	for i, a := range Pipeline {
		id := SeedTaskID(projectID, a.Kind)
		deps := StringSet{}
		if prev != "" {
			deps = StringSet{prev}
		}
		tasks = append(tasks, Task{
			ProjectID:     projectID,
			ID:            id,
			Position:      i,
			AssignedAgent: a.Kind,
			Title:         a.Title,
			Description:   a.Description,
			Status:        TaskStatusTodo,
			Dependencies:  deps,
			Progress:      IntPtr(0),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		prev = id
	}
	return tasks
}
