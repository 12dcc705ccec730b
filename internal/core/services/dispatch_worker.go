package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// DispatchWorker consumes dispatch messages and runs the addressed agent
// for the project's task.
type DispatchWorker struct {
	consumer     ports.DispatchConsumer
	orchestrator ports.Orchestrator
	projects     ports.ProjectRepository
	artifacts    ports.ArtifactRepository
	storage      ports.ArtifactStorage
	runner       ports.AgentRunner
	notifier     ports.Notifier
	agents       config.AgentsConfig
	pollInterval time.Duration
	logger       *logger.Logger
	now          func() time.Time
}

type DispatchWorkerConfig struct {
	Consumer     ports.DispatchConsumer
	Orchestrator ports.Orchestrator
	Projects     ports.ProjectRepository
	Artifacts    ports.ArtifactRepository
	Storage      ports.ArtifactStorage
	Runner       ports.AgentRunner
	Notifier     ports.Notifier
	Agents       config.AgentsConfig
	PollInterval time.Duration
	Logger       *logger.Logger
	Now          func() time.Time
}

func NewDispatchWorker(cfg DispatchWorkerConfig) *DispatchWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Agents.Concurrency < 1 {
		cfg.Agents.Concurrency = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DispatchWorker{
		consumer:     cfg.Consumer,
		orchestrator: cfg.Orchestrator,
		projects:     cfg.Projects,
		artifacts:    cfg.Artifacts,
		storage:      cfg.Storage,
		runner:       cfg.Runner,
		notifier:     cfg.Notifier,
		agents:       cfg.Agents,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Run polls until ctx is cancelled with agents.concurrency consumers.
func (w *DispatchWorker) Run(ctx context.Context) {
	w.logger.Infow("dispatch_worker_started", "concurrency", w.agents.Concurrency, "poll_interval", w.pollInterval)
	var wg conc.WaitGroup
	for i := 0; i < w.agents.Concurrency; i++ {
		slot := i
		wg.Go(func() { w.loop(ctx, slot) })
	}
	wg.Wait()
	w.logger.Infow("dispatch_worker_stopped")
}

func (w *DispatchWorker) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		handled, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Warnw("dispatch_poll_failed", "slot", slot, "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessOne receives and handles at most one message. It reports whether a
// message was received.
func (w *DispatchWorker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.consumer.Receive(ctx)
	if err != nil {
		return false, fmt.Errorf("receive: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	ack, cause := w.handle(ctx, msg)
	if ack {
		return true, w.consumer.Ack(ctx, msg.ID)
	}
	w.logger.Warnw("dispatch_message_nack", "message_id", msg.ID, "project_id", msg.ProjectID, "agent", msg.AgentName, "receive_count", msg.ReceiveCount, "error", cause)
	return true, w.consumer.Nack(ctx, msg.ID, cause)
}

// handle returns true when the message is finished with (processed or
// dropped) and false with a cause when it should be redelivered.
func (w *DispatchWorker) handle(ctx context.Context, msg *domain.DispatchMessage) (bool, error) {
	req := msg.Request()
	spec, ok := domain.LookupAgent(req.AgentName)
	if !ok {
		w.logger.Warnw("dispatch_message_dropped", "message_id", msg.ID, "agent", req.AgentName, "reason", "unknown agent")
		return true, nil
	}

	task, err := w.orchestrator.BeginTask(ctx, req.ProjectID, req.AgentName)
	switch {
	case err == nil:
	case errors.Is(err, ErrDependenciesPending):
		return false, err
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrProjectNotFound),
		errors.Is(err, ErrProjectTransition):
		w.logger.Infow("dispatch_message_dropped", "message_id", msg.ID, "project_id", req.ProjectID, "agent", req.AgentName, "reason", err.Error())
		return true, nil
	default:
		return false, err
	}

	// From here on the task is IN_PROGRESS; every exit must move it on.
	project, err := w.projects.GetByID(ctx, req.ProjectID)
	if err != nil {
		w.fail(ctx, *task, fmt.Sprintf("load project: %v", err))
		return true, nil
	}
	inputs, err := w.artifacts.ListByProject(ctx, req.ProjectID)
	if err != nil {
		w.fail(ctx, *task, fmt.Sprintf("load artifacts: %v", err))
		return true, nil
	}

	timeout := w.agents.TimeoutFor(string(spec.Kind), spec.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := w.now()
	out, err := w.runner.Run(runCtx, ports.AgentJob{
		Project: *project,
		Task:    *task,
		Inputs:  inputs,
		Progress: func(percent int) {
			if _, err := w.orchestrator.ReportProgress(ctx, task.ProjectID, task.ID, percent); err != nil {
				w.logger.Debugw("agent_progress_rejected", "task_id", task.ID, "progress", percent, "error", err)
			}
		},
	})
	if err != nil {
		reason := fmt.Sprintf("agent %s failed: %v", spec.Kind, err)
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			reason = fmt.Sprintf("agent %s timed out after %s", spec.Kind, timeout)
		case ctx.Err() != nil:
			reason = fmt.Sprintf("agent %s interrupted: worker stopped", spec.Kind)
		}
		w.fail(ctx, *task, reason)
		return true, nil
	}

	artifact, err := w.record(ctx, *task, spec, out)
	if err != nil {
		w.fail(ctx, *task, err.Error())
		return true, nil
	}

	status := domain.TaskStatusDone
	if w.agents.RequiresApproval(string(spec.Kind)) {
		status = domain.TaskStatusPendingApproval
	}
	result, err := w.orchestrator.Advance(ctx, task.ProjectID, task.ID, ports.CompletionInput{
		Status:           status,
		OutputArtifactID: artifact.ID,
	})
	if err != nil {
		w.logger.Errorw("agent_advance_failed", "project_id", task.ProjectID, "task_id", task.ID, "error", err)
		w.fail(ctx, *task, fmt.Sprintf("advance to %s: %v", status, err))
		return true, nil
	}

	w.logger.Infow("agent_run_ok",
		"project_id", task.ProjectID,
		"task_id", task.ID,
		"agent", spec.Kind,
		"status", result.Task.Status,
		"artifact_id", artifact.ID,
		"duration", w.now().Sub(started),
		"project_completed", result.ProjectCompleted,
	)
	return true, nil
}

// record stores the agent's output and creates its artifact record.
func (w *DispatchWorker) record(ctx context.Context, task domain.Task, spec domain.AgentSpec, out *ports.AgentOutput) (*domain.Artifact, error) {
	if out == nil || len(out.Content) == 0 {
		return nil, fmt.Errorf("agent %s produced no output", spec.Kind)
	}
	existing, err := w.artifacts.ListByProject(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	version := 1
	for _, a := range existing {
		if a.TaskID == task.ID && a.Version >= version {
			version = a.Version + 1
		}
	}

	name := out.FileName
	if name == "" {
		name = string(spec.Kind) + ".txt"
	}
	name = fmt.Sprintf("v%d/%s", version, name)
	location, err := w.storage.Put(ctx, task.ProjectID, name, out.Content)
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	now := w.now().UTC()
	artifact := &domain.Artifact{
		ProjectID:   task.ProjectID,
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Type:        spec.ArtifactType,
		Location:    location,
		Version:     version,
		Title:       out.Title,
		Description: out.Description,
		Metadata:    out.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if artifact.Title == "" {
		artifact.Title = spec.Title
	}
	if err := w.artifacts.Create(ctx, artifact); err != nil {
		return nil, fmt.Errorf("create artifact record: %w", err)
	}

	if w.notifier != nil {
		w.notifier.Publish(ctx, domain.Event{
			Type:      domain.EventTypeArtifactCreated,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Data:      artifact,
		})
	}
	return artifact, nil
}

// fail reports the task FAILED. It runs detached so a stopping worker still
// releases the task instead of leaving it IN_PROGRESS.
func (w *DispatchWorker) fail(ctx context.Context, task domain.Task, reason string) {
	ctx = context.WithoutCancel(ctx)
	w.logger.Warnw("agent_run_failed", "project_id", task.ProjectID, "task_id", task.ID, "agent", task.AssignedAgent, "reason", reason)
	_, err := w.orchestrator.Advance(ctx, task.ProjectID, task.ID, ports.CompletionInput{
		Status:       domain.TaskStatusFailed,
		ErrorMessage: reason,
	})
	if err != nil {
		w.logger.Errorw("agent_fail_report_failed", "project_id", task.ProjectID, "task_id", task.ID, "error", err)
	}
}
