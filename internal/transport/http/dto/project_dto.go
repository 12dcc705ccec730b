package dto

import (
	"strings"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
)

type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}

type CreateProjectRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	RequestPrompt string `json:"request_prompt"`
}

func (r *CreateProjectRequest) Validate() []string {
	var errors []string
	if strings.TrimSpace(r.Name) == "" {
		errors = append(errors, "name is required")
	}
	if len(strings.TrimSpace(r.RequestPrompt)) < 10 {
		errors = append(errors, "request_prompt must be at least 10 characters")
	}
	return errors
}

type CreateProjectResponse struct {
	Project domain.Project `json:"project"`
	Tasks   []domain.Task  `json:"tasks"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (r *UpdateProjectRequest) ToInput() ports.UpdateProjectInput {
	return ports.UpdateProjectInput{Name: r.Name, Description: r.Description}
}

type ResumeRequest struct {
	TaskID   string `json:"taskId"`
	Feedback string `json:"feedback"`
	Action   string `json:"action"`
}

func (r *ResumeRequest) Validate() []string {
	switch ports.ResumeAction(r.Action) {
	case "", ports.ResumeApprove, ports.ResumeRequestChanges:
		return nil
	}
	return []string{"action must be one of: approve, request_changes"}
}

func (r *ResumeRequest) ToInput() ports.ResumeInput {
	return ports.ResumeInput{
		TaskID:   r.TaskID,
		Feedback: r.Feedback,
		Action:   ports.ResumeAction(r.Action),
	}
}

type RejectRequest struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

type RetryRequest struct {
	TaskID string `json:"taskId"`
}

type UpdateArtifactRequest struct {
	Title       *string      `json:"title"`
	Description *string      `json:"description"`
	Location    *string      `json:"location"`
	Version     *int         `json:"version"`
	Metadata    domain.JSONB `json:"metadata"`
}

func (r *UpdateArtifactRequest) ToInput() ports.UpdateArtifactInput {
	return ports.UpdateArtifactInput{
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		Version:     r.Version,
		Metadata:    r.Metadata,
	}
}

type CompleteTaskRequest struct {
	Status           string `json:"status"`
	ErrorMessage     string `json:"errorMessage"`
	OutputArtifactID string `json:"outputArtifactId"`
}

func (r *CompleteTaskRequest) Validate() []string {
	switch domain.TaskStatus(r.Status) {
	case domain.TaskStatusDone, domain.TaskStatusPendingApproval:
		return nil
	case domain.TaskStatusFailed:
		if strings.TrimSpace(r.ErrorMessage) == "" {
			return []string{"errorMessage is required when status is FAILED"}
		}
		return nil
	}
	return []string{"status must be one of: DONE, PENDING_APPROVAL, FAILED"}
}

func (r *CompleteTaskRequest) ToInput() ports.CompletionInput {
	return ports.CompletionInput{
		Status:           domain.TaskStatus(r.Status),
		ErrorMessage:     r.ErrorMessage,
		OutputArtifactID: r.OutputArtifactID,
	}
}

type ProgressRequest struct {
	Progress *int `json:"progress"`
}

func (r *ProgressRequest) Validate() []string {
	if r.Progress == nil {
		return []string{"progress is required"}
	}
	if *r.Progress < 0 || *r.Progress > 100 {
		return []string{"progress must be between 0 and 100"}
	}
	return nil
}
