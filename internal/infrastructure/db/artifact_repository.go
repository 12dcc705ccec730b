package db

import (
	"context"
	"errors"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type artifactRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepository(db *gorm.DB, log *logger.Logger) ports.ArtifactRepository {
	return &artifactRepository{db: db, log: log}
}

func (r *artifactRepository) Create(ctx context.Context, artifact *domain.Artifact) error {
	if err := r.db.WithContext(ctx).Create(artifact).Error; err != nil {
		r.log.Errorw("artifact_repo_create_failed", "project_id", artifact.ProjectID, "task_id", artifact.TaskID, "error", err)
		return err
	}
	r.log.Infow("artifact_repo_create_ok", "project_id", artifact.ProjectID, "id", artifact.ID, "type", artifact.Type)
	return nil
}

func (r *artifactRepository) Get(ctx context.Context, projectID, artifactID string) (*domain.Artifact, error) {
	var artifact domain.Artifact
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, artifactID).
		First(&artifact).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		r.log.Errorw("artifact_repo_get_failed", "project_id", projectID, "id", artifactID, "error", err)
		return nil, err
	}
	return &artifact, nil
}

func (r *artifactRepository) ListByProject(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	var artifacts []domain.Artifact
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at asc").
		Find(&artifacts).Error; err != nil {
		r.log.Errorw("artifact_repo_list_failed", "project_id", projectID, "error", err)
		return nil, err
	}
	return artifacts, nil
}

// Update never touches the identity columns or the artifact type.
func (r *artifactRepository) Update(ctx context.Context, artifact *domain.Artifact) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Artifact{}).
		Where("project_id = ? AND id = ?", artifact.ProjectID, artifact.ID).
		Updates(map[string]interface{}{
			"title":       artifact.Title,
			"description": artifact.Description,
			"location":    artifact.Location,
			"version":     artifact.Version,
			"metadata":    artifact.Metadata,
			"updated_at":  artifact.UpdatedAt,
		})
	if res.Error != nil {
		r.log.Errorw("artifact_repo_update_failed", "project_id", artifact.ProjectID, "id", artifact.ID, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (r *artifactRepository) Delete(ctx context.Context, projectID, artifactID string) error {
	res := r.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, artifactID).
		Delete(&domain.Artifact{})
	if res.Error != nil {
		r.log.Errorw("artifact_repo_delete_failed", "project_id", projectID, "id", artifactID, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (r *artifactRepository) DeleteByProject(ctx context.Context, projectID string) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&domain.Artifact{}).Error; err != nil {
		r.log.Errorw("artifact_repo_delete_failed", "project_id", projectID, "error", err)
		return err
	}
	return nil
}
