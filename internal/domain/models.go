package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ==================== ENUMS ====================

type ProjectStatus string

const (
	ProjectStatusPending    ProjectStatus = "PENDING"
	ProjectStatusInProgress ProjectStatus = "IN_PROGRESS"
	ProjectStatusCompleted  ProjectStatus = "COMPLETED"
	ProjectStatusFailed     ProjectStatus = "FAILED"
)

type TaskStatus string

const (
	TaskStatusTodo            TaskStatus = "TODO"
	TaskStatusInProgress      TaskStatus = "IN_PROGRESS"
	TaskStatusDone            TaskStatus = "DONE"
	TaskStatusFailed          TaskStatus = "FAILED"
	TaskStatusPendingApproval TaskStatus = "PENDING_APPROVAL"
)

type ArtifactType string

const (
	ArtifactTypeRequirements ArtifactType = "REQUIREMENTS_DOCUMENT"
	ArtifactTypeSourceCode   ArtifactType = "SOURCE_CODE"
	ArtifactTypeDeployment   ArtifactType = "DEPLOYMENT_REFERENCE"
	ArtifactTypeTestReport   ArtifactType = "TEST_REPORT"
)

func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactTypeRequirements, ArtifactTypeSourceCode, ArtifactTypeDeployment, ArtifactTypeTestReport:
		return true
	}
	return false
}

// ==================== JSON TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("failed to scan JSONB: invalid type")
	}
	return json.Unmarshal(data, j)
}

// StringSet is a list of ids persisted as a JSON array.
type StringSet []string

func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringSet) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("failed to scan StringSet: invalid type")
	}
	return json.Unmarshal(data, (*[]string)(s))
}

func (s StringSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// ==================== ENTITIES ====================

type Project struct {
	ID          string        `gorm:"primaryKey;size:64" json:"id"`
	UserID      string        `gorm:"size:128;not null;index:idx_projects_user" json:"user_id"`
	Name        string        `gorm:"size:255;not null" json:"name"`
	Description string        `gorm:"type:text" json:"description,omitempty"`
	Prompt      string        `gorm:"type:text;not null" json:"request_prompt"`
	Status      ProjectStatus `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	CreatedAt   time.Time     `gorm:"index:idx_projects_user" json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type Task struct {
	ProjectID        string     `gorm:"primaryKey;size:64" json:"project_id"`
	ID               string     `gorm:"primaryKey;size:64" json:"id"`
	Position         int        `gorm:"not null;default:0" json:"position"`
	AssignedAgent    AgentKind  `gorm:"size:40;not null" json:"assigned_agent"`
	Title            string     `gorm:"size:255" json:"title"`
	Description      string     `gorm:"type:text" json:"description,omitempty"`
	Status           TaskStatus `gorm:"size:20;not null;default:'TODO'" json:"status"`
	Dependencies     StringSet  `gorm:"type:text" json:"dependencies"`
	Progress         *int       `json:"progress,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message,omitempty"`
	OutputArtifactID string     `gorm:"size:64" json:"output_artifact_id,omitempty"`
	Metadata         JSONB      `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type Artifact struct {
	ProjectID   string       `gorm:"primaryKey;size:64" json:"project_id"`
	ID          string       `gorm:"primaryKey;size:64" json:"id"`
	TaskID      string       `gorm:"size:64;index" json:"task_id,omitempty"`
	Type        ArtifactType `gorm:"size:40;not null" json:"artifact_type"`
	Location    string       `gorm:"type:text;not null" json:"location"`
	Version     int          `gorm:"not null;default:1" json:"version"`
	Title       string       `gorm:"size:255" json:"title,omitempty"`
	Description string       `gorm:"type:text" json:"description,omitempty"`
	Metadata    JSONB        `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Connection is an observer subscription: one live connection watching at
// most one project until ExpiresAt.
type Connection struct {
	ID        string    `gorm:"primaryKey;size:64" json:"connection_id"`
	ProjectID string    `gorm:"size:64;not null;index" json:"project_id"`
	UserID    string    `gorm:"size:128" json:"user_id"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Connection) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ProgressValue returns the task's progress, treating an unset value as 0.
func (t Task) ProgressValue() int {
	if t.Progress == nil {
		return 0
	}
	return *t.Progress
}

func IntPtr(v int) *int {
	return &v
}

func TimePtr(v time.Time) *time.Time {
	return &v
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	if t.Dependencies != nil {
		t.Dependencies = append(StringSet{}, t.Dependencies...)
	}
	if t.Progress != nil {
		t.Progress = IntPtr(*t.Progress)
	}
	if t.Metadata != nil {
		m := make(JSONB, len(t.Metadata))
		for k, v := range t.Metadata {
			m[k] = v
		}
		t.Metadata = m
	}
	return t
}
