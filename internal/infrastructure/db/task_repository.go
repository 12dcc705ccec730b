package db

import (
	"context"
	"errors"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type taskRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepository(db *gorm.DB, log *logger.Logger) ports.TaskRepository {
	return &taskRepository{db: db, log: log}
}

func (r *taskRepository) CreateIfAbsent(ctx context.Context, task *domain.Task) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(task)
	if res.Error != nil {
		r.log.Errorw("task_repo_create_failed", "project_id", task.ProjectID, "agent", task.AssignedAgent, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepository) Get(ctx context.Context, projectID, taskID string) (*domain.Task, error) {
	var task domain.Task
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, taskID).
		First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		r.log.Errorw("task_repo_get_failed", "project_id", projectID, "task_id", taskID, "error", err)
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) ListByProject(ctx context.Context, projectID string) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("position asc").
		Find(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_list_failed", "project_id", projectID, "error", err)
		return nil, err
	}
	return tasks, nil
}

// UpdateIf is the compare-and-set used for every status change.
func (r *taskRepository) UpdateIf(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("project_id = ? AND id = ? AND status = ?", task.ProjectID, task.ID, expected).
		Updates(map[string]interface{}{
			"status":             task.Status,
			"progress":           task.Progress,
			"started_at":         task.StartedAt,
			"completed_at":       task.CompletedAt,
			"error_message":      task.ErrorMessage,
			"output_artifact_id": task.OutputArtifactID,
			"metadata":           task.Metadata,
			"updated_at":         task.UpdatedAt,
		})
	if res.Error != nil {
		r.log.Errorw("task_repo_update_failed", "project_id", task.ProjectID, "task_id", task.ID, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, task.ProjectID, task.ID); err != nil {
			return err
		}
		return ports.ErrConditionFailed
	}
	return nil
}

func (r *taskRepository) DeleteByProject(ctx context.Context, projectID string) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&domain.Task{}).Error; err != nil {
		r.log.Errorw("task_repo_delete_failed", "project_id", projectID, "error", err)
		return err
	}
	return nil
}
