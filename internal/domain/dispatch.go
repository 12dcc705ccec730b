package domain

import "time"

// DispatchStatus represents where a dispatch message is in its delivery cycle
type DispatchStatus string

const (
	DispatchStatusPending    DispatchStatus = "pending"
	DispatchStatusInFlight   DispatchStatus = "in_flight"
	DispatchStatusDone       DispatchStatus = "done"
	DispatchStatusDeadLetter DispatchStatus = "dead_letter"
)

// DispatchRequest asks an agent worker to execute for a project
type DispatchRequest struct {
	ProjectID string    `json:"projectId"`
	AgentName AgentKind `json:"agentName"`
}

// DispatchMessage is a queued DispatchRequest. GroupKey orders delivery,
// DedupKey collapses accidental duplicate sends.
type DispatchMessage struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ProjectID    string         `gorm:"size:64;not null;index" json:"project_id"`
	AgentName    AgentKind      `gorm:"size:40;not null" json:"agent_name"`
	GroupKey     string         `gorm:"size:64;not null;index" json:"group_key"`
	DedupKey     string         `gorm:"size:255;uniqueIndex;not null" json:"dedup_key"`
	Status       DispatchStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	ReceiveCount int            `gorm:"not null;default:0" json:"receive_count"`
	VisibleAt    time.Time      `gorm:"index" json:"visible_at"`
	LastError    string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (m *DispatchMessage) Request() DispatchRequest {
	return DispatchRequest{ProjectID: m.ProjectID, AgentName: m.AgentName}
}
