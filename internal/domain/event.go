package domain

import "time"

// Notification event types
const (
	EventTypeTaskUpdate      = "task_update"
	EventTypeProjectUpdate   = "project_update"
	EventTypeArtifactCreated = "artifact_created"
)

// Event is the payload pushed to observers of a project.
type Event struct {
	Type      string      `json:"type"`
	ProjectID string      `json:"projectId"`
	TaskID    string      `json:"taskId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskUpdate is the data of a task_update event. Project is set when the
// same change also moved the project's status.
type TaskUpdate struct {
	Task    Task     `json:"task"`
	Project *Project `json:"project,omitempty"`
}
