package handlers

import (
	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/core/services"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

// AgentHandler serves externally hosted agent workers reporting back on a
// task they were dispatched.
type AgentHandler struct {
	orchestrator ports.Orchestrator
	logger       *logger.Logger
}

func NewAgentHandler(orchestrator ports.Orchestrator, logger *logger.Logger) *AgentHandler {
	return &AgentHandler{orchestrator: orchestrator, logger: logger}
}

// Begin claims a TODO task for an external worker. It fails with
// invalid_transition when another worker already started it.
func (h *AgentHandler) Begin(c *fiber.Ctx) error {
	projectID, taskID := c.Params("id"), c.Params("taskId")

	agent, ok := domain.SeedTaskAgent(projectID, taskID)
	if !ok {
		return respondError(c, h.logger, "agent_begin_failed", services.ErrTaskNotFound, "project_id", projectID, "task_id", taskID)
	}
	task, err := h.orchestrator.BeginTask(c.UserContext(), projectID, agent)
	if err != nil {
		return respondError(c, h.logger, "agent_begin_failed", err, "project_id", projectID, "task_id", taskID, "agent", agent)
	}

	h.logger.Infow("agent_begin_ok", "project_id", projectID, "task_id", task.ID, "agent", agent)
	return c.JSON(task)
}

func (h *AgentHandler) Complete(c *fiber.Ctx) error {
	projectID, taskID := c.Params("id"), c.Params("taskId")

	var req dto.CompleteTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("agent_complete_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body", nil)
	}
	if errors := req.Validate(); len(errors) > 0 {
		return badRequest(c, "validation failed", errors)
	}

	result, err := h.orchestrator.Advance(c.UserContext(), projectID, taskID, req.ToInput())
	if err != nil {
		return respondError(c, h.logger, "agent_complete_failed", err, "project_id", projectID, "task_id", taskID, "status", req.Status)
	}

	h.logger.Infow("agent_complete_ok", "project_id", projectID, "task_id", taskID, "status", result.Task.Status)
	return c.JSON(result)
}

func (h *AgentHandler) Progress(c *fiber.Ctx) error {
	projectID, taskID := c.Params("id"), c.Params("taskId")

	var req dto.ProgressRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body", nil)
	}
	if errors := req.Validate(); len(errors) > 0 {
		return badRequest(c, "validation failed", errors)
	}

	task, err := h.orchestrator.ReportProgress(c.UserContext(), projectID, taskID, *req.Progress)
	if err != nil {
		return respondError(c, h.logger, "agent_progress_failed", err, "project_id", projectID, "task_id", taskID)
	}
	return c.JSON(task)
}
