package db

import (
	"context"
	"errors"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type connectionRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConnectionRepository(db *gorm.DB, log *logger.Logger) ports.ConnectionRepository {
	return &connectionRepository{db: db, log: log}
}

// Save upserts, so re-subscribing moves the connection and refreshes its TTL.
func (r *connectionRepository) Save(ctx context.Context, conn *domain.Connection) error {
	conn.ExpiresAt = conn.ExpiresAt.UTC()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"project_id", "user_id", "expires_at", "updated_at"}),
		}).
		Create(conn).Error
	if err != nil {
		r.log.Errorw("connection_repo_save_failed", "id", conn.ID, "project_id", conn.ProjectID, "error", err)
		return err
	}
	return nil
}

func (r *connectionRepository) Get(ctx context.Context, id string) (*domain.Connection, error) {
	var conn domain.Connection
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		return nil, err
	}
	return &conn, nil
}

func (r *connectionRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Connection{}).Error
}

func (r *connectionRepository) ListByProject(ctx context.Context, projectID string, now time.Time) ([]domain.Connection, error) {
	var conns []domain.Connection
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND expires_at > ?", projectID, now.UTC()).
		Order("id asc").
		Find(&conns).Error; err != nil {
		r.log.Errorw("connection_repo_list_failed", "project_id", projectID, "error", err)
		return nil, err
	}
	return conns, nil
}

func (r *connectionRepository) DeleteByProject(ctx context.Context, projectID string) error {
	return r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&domain.Connection{}).Error
}

func (r *connectionRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&domain.Connection{})
	if res.Error != nil {
		r.log.Errorw("connection_repo_purge_failed", "error", res.Error)
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.log.Infow("connection_repo_purge_ok", "removed", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
