package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/forgeflow/backend/internal/agents"
	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/core/services"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/db"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/infrastructure/memory"
	"github.com/forgeflow/backend/internal/infrastructure/storage"
	"gorm.io/gorm"
)

// backend bundles the stores, queue and artifact storage one process uses.
type backend struct {
	cfg         *config.Config
	log         *logger.Logger
	database    *gorm.DB
	projects    ports.ProjectRepository
	tasks       ports.TaskRepository
	artifacts   ports.ArtifactRepository
	connections ports.ConnectionRepository
	queue       ports.DispatchQueue
	consumer    ports.DispatchConsumer
	storage     ports.ArtifactStorage
}

func openBackend(cfg *config.Config, log *logger.Logger, inMemory bool) (*backend, error) {
	b := &backend{cfg: cfg, log: log}

	if inMemory {
		store := memory.NewStore()
		q := memory.NewQueue(memory.QueueConfig{
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MaxReceives:       cfg.Queue.MaxReceives,
			RetryDelay:        cfg.Queue.RetryDelay,
		})
		b.projects, b.tasks, b.artifacts, b.connections = store.Projects(), store.Tasks(), store.Artifacts(), store.Connections()
		b.queue, b.consumer = q, q
		log.Warn("running with in-memory state; nothing survives a restart")
	} else {
		database, err := db.NewPostgresConnection(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established")
		if err := db.RunMigrations(database); err != nil {
			db.Close(database)
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database migrations completed")

		q := db.NewDispatchQueue(database, cfg.Queue, log.Named("queue"))
		b.database = database
		b.projects = db.NewProjectRepository(database, log)
		b.tasks = db.NewTaskRepository(database, log)
		b.artifacts = db.NewArtifactRepository(database, log)
		b.connections = db.NewConnectionRepository(database, log)
		b.queue, b.consumer = q, q
	}

	st, err := storage.Open(cfg.Artifacts, cfg.Security.EncryptionKey)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open artifact storage: %w", err)
	}
	b.storage = st
	return b, nil
}

func (b *backend) Close() {
	if c, ok := b.storage.(io.Closer); ok {
		if err := c.Close(); err != nil {
			b.log.Warnw("artifact_storage_close_failed", "error", err)
		}
	}
	if b.database != nil {
		if err := db.Close(b.database); err != nil {
			b.log.Errorf("failed to close database connection: %v", err)
		}
	}
}

type core struct {
	projects     ports.ProjectService
	orchestrator ports.Orchestrator
	worker       *services.DispatchWorker
}

func (b *backend) services(notifier ports.Notifier) core {
	taskService := services.NewTaskService(b.tasks, b.log, nil)
	orchestrator := services.NewOrchestrator(services.OrchestratorConfig{
		Projects: b.projects,
		Tasks:    taskService,
		Queue:    b.queue,
		Notifier: notifier,
		Logger:   b.log.Named("orchestrator"),
	})
	projects := services.NewProjectService(services.ProjectServiceConfig{
		Projects:    b.projects,
		Tasks:       taskService,
		Artifacts:   b.artifacts,
		Connections: b.connections,
		Storage:     b.storage,
		Notifier:    notifier,
		Logger:      b.log.Named("projects"),
	})
	worker := services.NewDispatchWorker(services.DispatchWorkerConfig{
		Consumer:     b.consumer,
		Orchestrator: orchestrator,
		Projects:     b.projects,
		Artifacts:    b.artifacts,
		Storage:      b.storage,
		Runner:       agents.NewTemplateRunner(b.storage, b.log.Named("agents")),
		Notifier:     notifier,
		Agents:       b.cfg.Agents,
		PollInterval: b.cfg.Queue.PollInterval,
		Logger:       b.log.Named("worker"),
	})
	return core{projects: projects, orchestrator: orchestrator, worker: worker}
}

// purgeConnections drops expired registry records until ctx ends.
func (b *backend) purgeConnections(ctx context.Context) {
	interval := b.cfg.Notifications.PurgeInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := b.connections.PurgeExpired(ctx, now)
			if err != nil {
				b.log.Warnw("connection_purge_failed", "error", err)
				continue
			}
			if n > 0 {
				b.log.Infow("connection_purge_ok", "removed", n)
			}
		}
	}
}

// logNotifier stands in for fan-out in a process that holds no observer
// connections.
type logNotifier struct {
	log *logger.Logger
}

func (n logNotifier) Publish(_ context.Context, event domain.Event) {
	n.log.Debugw("event_not_delivered", "project_id", event.ProjectID, "type", event.Type, "reason", "no observer connections in this process")
}
