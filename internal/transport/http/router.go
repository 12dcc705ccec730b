package http

import (
	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/transport/http/handlers"
	httpmw "github.com/forgeflow/backend/internal/transport/http/middleware"
	"github.com/forgeflow/backend/internal/transport/ws"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type RouterConfig struct {
	Config       *config.Config
	Logger       *logger.Logger
	Projects     ports.ProjectService
	Orchestrator ports.Orchestrator
	Connections  ports.ConnectionRepository
	Hub          *ws.Hub
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	projectHandler := handlers.NewProjectHandler(cfg.Projects, cfg.Orchestrator, cfg.Logger)
	agentHandler := handlers.NewAgentHandler(cfg.Orchestrator, cfg.Logger)
	realtimeHandler := handlers.NewRealtimeHandler(cfg.Hub, cfg.Projects, cfg.Connections, cfg.Config.Notifications.ConnectionTTL, cfg.Logger)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "connections": cfg.Hub.Len()})
	})

	// Realtime observer channel
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	}, httpmw.UserAuth(cfg.Config))
	app.Get("/ws", websocket.New(realtimeHandler.Handle))

	api := app.Group("/api/v1")

	projects := api.Group("/projects", httpmw.UserAuth(cfg.Config))
	projects.Post("/", projectHandler.CreateProject)
	projects.Get("/", projectHandler.ListProjects)
	projects.Get("/:id", projectHandler.GetProject)
	projects.Patch("/:id", projectHandler.UpdateProject)
	projects.Put("/:id", projectHandler.UpdateProject)
	projects.Delete("/:id", projectHandler.DeleteProject)
	projects.Get("/:id/tasks", projectHandler.GetTasks)
	projects.Get("/:id/status", projectHandler.GetStatus)
	projects.Post("/:id/start", projectHandler.Start)
	projects.Post("/:id/resume", projectHandler.Resume)
	projects.Post("/:id/reject", projectHandler.Reject)
	projects.Post("/:id/tasks/:taskId/retry", projectHandler.Retry)
	projects.Get("/:id/artifacts", projectHandler.ListArtifacts)
	projects.Get("/:id/artifacts/:artifactId", projectHandler.GetArtifact)
	projects.Patch("/:id/artifacts/:artifactId", projectHandler.UpdateArtifact)
	projects.Put("/:id/artifacts/:artifactId", projectHandler.UpdateArtifact)
	projects.Delete("/:id/artifacts/:artifactId", projectHandler.DeleteArtifact)

	// Callback API for external agent workers
	agent := api.Group("/agent", httpmw.AgentAuth(cfg.Config))
	agent.Post("/projects/:id/tasks/:taskId/begin", agentHandler.Begin)
	agent.Post("/projects/:id/tasks/:taskId/complete", agentHandler.Complete)
	agent.Post("/projects/:id/tasks/:taskId/progress", agentHandler.Progress)
}
