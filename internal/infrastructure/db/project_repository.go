package db

import (
	"context"
	"errors"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type projectRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepository(db *gorm.DB, log *logger.Logger) ports.ProjectRepository {
	return &projectRepository{db: db, log: log}
}

func (r *projectRepository) Create(ctx context.Context, project *domain.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		r.log.Errorw("project_repo_create_failed", "user_id", project.UserID, "error", err)
		return err
	}
	r.log.Infow("project_repo_create_ok", "id", project.ID)
	return nil
}

func (r *projectRepository) GetByID(ctx context.Context, id string) (*domain.Project, error) {
	var project domain.Project
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		r.log.Errorw("project_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) ListByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	var projects []domain.Project
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&projects).Error; err != nil {
		r.log.Errorw("project_repo_list_failed", "user_id", userID, "error", err)
		return nil, err
	}
	return projects, nil
}

// Update writes the editable fields only; status goes through UpdateStatus.
func (r *projectRepository) Update(ctx context.Context, project *domain.Project) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Project{}).
		Where("id = ?", project.ID).
		Updates(map[string]interface{}{
			"name":        project.Name,
			"description": project.Description,
			"updated_at":  project.UpdatedAt,
		})
	if res.Error != nil {
		r.log.Errorw("project_repo_update_failed", "id", project.ID, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (r *projectRepository) UpdateStatus(ctx context.Context, id string, from, to domain.ProjectStatus) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Project{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		r.log.Errorw("project_repo_status_failed", "id", id, "from", from, "to", to, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ports.ErrConditionFailed
	}
	r.log.Infow("project_repo_status_ok", "id", id, "from", from, "to", to)
	return nil
}

func (r *projectRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Project{})
	if res.Error != nil {
		r.log.Errorw("project_repo_delete_failed", "id", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	r.log.Infow("project_repo_delete_ok", "id", id)
	return nil
}
