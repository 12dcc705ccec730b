package handlers

import (
	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/transport/http/dto"
	"github.com/forgeflow/backend/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
)

type ProjectHandler struct {
	projects     ports.ProjectService
	orchestrator ports.Orchestrator
	logger       *logger.Logger
}

func NewProjectHandler(projects ports.ProjectService, orchestrator ports.Orchestrator, logger *logger.Logger) *ProjectHandler {
	return &ProjectHandler{projects: projects, orchestrator: orchestrator, logger: logger}
}

func (h *ProjectHandler) CreateProject(c *fiber.Ctx) error {
	var req dto.CreateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("project_create_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body", nil)
	}
	if errors := req.Validate(); len(errors) > 0 {
		h.logger.Warnw("project_create_validation_failed", "details", errors)
		return badRequest(c, "validation failed", errors)
	}

	userID := middleware.UserID(c)
	project, tasks, err := h.projects.CreateProject(c.UserContext(), ports.CreateProjectInput{
		UserID:      userID,
		Name:        req.Name,
		Description: req.Description,
		Prompt:      req.RequestPrompt,
	})
	if err != nil {
		return respondError(c, h.logger, "project_create_failed", err, "user_id", userID)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.CreateProjectResponse{Project: *project, Tasks: tasks})
}

func (h *ProjectHandler) ListProjects(c *fiber.Ctx) error {
	projects, err := h.projects.ListProjects(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, h.logger, "project_list_failed", err)
	}
	return c.JSON(projects)
}

func (h *ProjectHandler) GetProject(c *fiber.Ctx) error {
	project, err := h.projects.GetProject(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "project_get_failed", err, "project_id", c.Params("id"))
	}
	return c.JSON(project)
}

func (h *ProjectHandler) UpdateProject(c *fiber.Ctx) error {
	var req dto.UpdateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body", nil)
	}
	project, err := h.projects.UpdateProject(c.UserContext(), middleware.UserID(c), c.Params("id"), req.ToInput())
	if err != nil {
		return respondError(c, h.logger, "project_update_failed", err, "project_id", c.Params("id"))
	}
	return c.JSON(project)
}

func (h *ProjectHandler) DeleteProject(c *fiber.Ctx) error {
	if err := h.projects.DeleteProject(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
		return respondError(c, h.logger, "project_delete_failed", err, "project_id", c.Params("id"))
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ProjectHandler) GetTasks(c *fiber.Ctx) error {
	tasks, err := h.projects.GetTasks(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "project_tasks_failed", err, "project_id", c.Params("id"))
	}
	return c.JSON(tasks)
}

func (h *ProjectHandler) GetStatus(c *fiber.Ctx) error {
	summary, err := h.projects.GetStatus(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "project_status_failed", err, "project_id", c.Params("id"))
	}
	return c.JSON(summary)
}

// ==================== Orchestration ====================

func (h *ProjectHandler) Start(c *fiber.Ctx) error {
	task, err := h.orchestrator.Start(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "project_start_failed", err, "project_id", c.Params("id"))
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"dispatched": task})
}

func (h *ProjectHandler) Resume(c *fiber.Ctx) error {
	var req dto.ResumeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body", nil)
		}
	}
	if errors := req.Validate(); len(errors) > 0 {
		return badRequest(c, "validation failed", errors)
	}

	result, err := h.orchestrator.Resume(c.UserContext(), middleware.UserID(c), c.Params("id"), req.ToInput())
	if err != nil {
		return respondError(c, h.logger, "project_resume_failed", err, "project_id", c.Params("id"), "task_id", req.TaskID)
	}
	return c.JSON(result)
}

func (h *ProjectHandler) Reject(c *fiber.Ctx) error {
	var req dto.RejectRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body", nil)
		}
	}
	task, err := h.orchestrator.RequestChanges(c.UserContext(), middleware.UserID(c), c.Params("id"), req.TaskID, req.Reason)
	if err != nil {
		return respondError(c, h.logger, "project_reject_failed", err, "project_id", c.Params("id"), "task_id", req.TaskID)
	}
	return c.JSON(task)
}

func (h *ProjectHandler) Retry(c *fiber.Ctx) error {
	task, err := h.orchestrator.Retry(c.UserContext(), middleware.UserID(c), c.Params("id"), c.Params("taskId"))
	if err != nil {
		return respondError(c, h.logger, "task_retry_failed", err, "project_id", c.Params("id"), "task_id", c.Params("taskId"))
	}
	return c.Status(fiber.StatusAccepted).JSON(task)
}

// ==================== Artifacts ====================

func (h *ProjectHandler) ListArtifacts(c *fiber.Ctx) error {
	artifacts, err := h.projects.ListArtifacts(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "artifact_list_failed", err, "project_id", c.Params("id"))
	}
	return c.JSON(artifacts)
}

func (h *ProjectHandler) GetArtifact(c *fiber.Ctx) error {
	artifact, err := h.projects.GetArtifact(c.UserContext(), middleware.UserID(c), c.Params("id"), c.Params("artifactId"))
	if err != nil {
		return respondError(c, h.logger, "artifact_get_failed", err, "project_id", c.Params("id"), "artifact_id", c.Params("artifactId"))
	}
	return c.JSON(artifact)
}

func (h *ProjectHandler) UpdateArtifact(c *fiber.Ctx) error {
	var req dto.UpdateArtifactRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body", nil)
	}
	artifact, err := h.projects.UpdateArtifact(c.UserContext(), middleware.UserID(c), c.Params("id"), c.Params("artifactId"), req.ToInput())
	if err != nil {
		return respondError(c, h.logger, "artifact_update_failed", err, "project_id", c.Params("id"), "artifact_id", c.Params("artifactId"))
	}
	return c.JSON(artifact)
}

func (h *ProjectHandler) DeleteArtifact(c *fiber.Ctx) error {
	if err := h.projects.DeleteArtifact(c.UserContext(), middleware.UserID(c), c.Params("id"), c.Params("artifactId")); err != nil {
		return respondError(c, h.logger, "artifact_delete_failed", err, "project_id", c.Params("id"), "artifact_id", c.Params("artifactId"))
	}
	return c.SendStatus(fiber.StatusNoContent)
}
