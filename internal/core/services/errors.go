package services

import (
	"errors"

	"github.com/forgeflow/backend/internal/core/ports"
)

// Project errors
var (
	ErrProjectNotFound     = errors.New("project: not found")
	ErrProjectInvalidInput = errors.New("project: invalid input")
	ErrProjectForbidden    = errors.New("project: not owned by caller")
	ErrProjectCompleted    = errors.New("project: already completed")
	ErrProjectFailed       = errors.New("project: failed, retry the failed task first")
	ErrProjectTransition   = errors.New("project: invalid status transition")
)

// Task errors
var (
	ErrTaskNotFound          = errors.New("task: not found")
	ErrInvalidTransition     = errors.New("task: invalid status transition")
	ErrDependenciesPending   = errors.New("task: dependencies not done")
	ErrNoTaskPendingApproval = errors.New("task: no task pending approval")
	ErrTaskInvalidInput      = errors.New("task: invalid input")
	ErrNothingToDispatch     = errors.New("task: nothing ready to dispatch")
)

// Artifact errors
var (
	ErrArtifactNotFound     = errors.New("artifact: not found")
	ErrArtifactInvalidInput = errors.New("artifact: invalid input")
)

// Infrastructure errors
var (
	ErrDispatchFailed = errors.New("dispatch: enqueue failed")
)

// Reason codes reported to callers.
const (
	ReasonValidation        = "validation"
	ReasonInvalidTransition = "invalid_transition"
	ReasonNotFound          = "not_found"
	ReasonForbidden         = "forbidden"
	ReasonNoPendingApproval = "no_pending_approval"
	ReasonConflict          = "conflict"
	ReasonInternal          = "internal"
)

// ReasonOf maps an error to a stable machine-readable reason code.
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoTaskPendingApproval):
		return ReasonNoPendingApproval
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrProjectTransition),
		errors.Is(err, ErrDependenciesPending):
		return ReasonInvalidTransition
	case errors.Is(err, ErrProjectNotFound),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrArtifactNotFound),
		errors.Is(err, ports.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrProjectForbidden):
		return ReasonForbidden
	case errors.Is(err, ErrProjectInvalidInput),
		errors.Is(err, ErrTaskInvalidInput),
		errors.Is(err, ErrArtifactInvalidInput):
		return ReasonValidation
	case errors.Is(err, ErrProjectCompleted),
		errors.Is(err, ErrProjectFailed),
		errors.Is(err, ErrNothingToDispatch),
		errors.Is(err, ports.ErrConditionFailed):
		return ReasonConflict
	}
	return ReasonInternal
}
