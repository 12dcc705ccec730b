package db

import (
	"context"
	"errors"
	"time"

	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DispatchQueue is a table-backed queue with per-group FIFO delivery: a
// group has at most one message in flight, and a delayed head message holds
// back the rest of its group.
type DispatchQueue struct {
	db                *gorm.DB
	log               *logger.Logger
	visibilityTimeout time.Duration
	maxReceives       int
	retryDelay        time.Duration
	now               func() time.Time
}

func NewDispatchQueue(db *gorm.DB, cfg config.QueueConfig, log *logger.Logger) *DispatchQueue {
	q := &DispatchQueue{
		db:                db,
		log:               log,
		visibilityTimeout: cfg.VisibilityTimeout,
		maxReceives:       cfg.MaxReceives,
		retryDelay:        cfg.RetryDelay,
		now:               time.Now,
	}
	if q.visibilityTimeout <= 0 {
		q.visibilityTimeout = 5 * time.Minute
	}
	if q.maxReceives < 1 {
		q.maxReceives = 3
	}
	return q
}

var (
	_ ports.DispatchQueue    = (*DispatchQueue)(nil)
	_ ports.DispatchConsumer = (*DispatchQueue)(nil)
)

func (q *DispatchQueue) clock() time.Time {
	return q.now().UTC()
}

// Send enqueues req. A second send with the same dedup key is a no-op.
func (q *DispatchQueue) Send(ctx context.Context, req domain.DispatchRequest, groupKey, dedupKey string) error {
	now := q.clock()
	msg := &domain.DispatchMessage{
		ProjectID: req.ProjectID,
		AgentName: req.AgentName,
		GroupKey:  groupKey,
		DedupKey:  dedupKey,
		Status:    domain.DispatchStatusPending,
		VisibleAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedup_key"}}, DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		q.log.Errorw("dispatch_queue_send_failed", "project_id", req.ProjectID, "agent", req.AgentName, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		q.log.Infow("dispatch_queue_send_duplicate", "dedup_key", dedupKey)
	}
	return nil
}

// Receive claims the next deliverable message, or returns nil.
func (q *DispatchQueue) Receive(ctx context.Context) (*domain.DispatchMessage, error) {
	now := q.clock()
	if err := q.reclaim(ctx, now); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		var candidate domain.DispatchMessage
		err := q.db.WithContext(ctx).
			Raw(`SELECT * FROM dispatch_messages m
				WHERE m.status = ? AND m.visible_at <= ?
				AND NOT EXISTS (
					SELECT 1 FROM dispatch_messages o
					WHERE o.group_key = m.group_key
					AND (o.status = ? OR (o.status = ? AND o.id < m.id))
				)
				ORDER BY m.id ASC LIMIT 1`,
				domain.DispatchStatusPending, now,
				domain.DispatchStatusInFlight, domain.DispatchStatusPending).
			Scan(&candidate).Error
		if err != nil {
			q.log.Errorw("dispatch_queue_receive_failed", "error", err)
			return nil, err
		}
		if candidate.ID == 0 {
			return nil, nil
		}

		res := q.db.WithContext(ctx).
			Model(&domain.DispatchMessage{}).
			Where("id = ? AND status = ?", candidate.ID, domain.DispatchStatusPending).
			Updates(map[string]interface{}{
				"status":        domain.DispatchStatusInFlight,
				"receive_count": gorm.Expr("receive_count + 1"),
				"visible_at":    now.Add(q.visibilityTimeout),
				"updated_at":    now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			candidate.Status = domain.DispatchStatusInFlight
			candidate.ReceiveCount++
			candidate.VisibleAt = now.Add(q.visibilityTimeout)
			candidate.UpdatedAt = now
			return &candidate, nil
		}
		// another consumer claimed it first
	}
	return nil, nil
}

// reclaim returns in-flight messages whose visibility expired to pending,
// or dead-letters them once they used up their receives.
func (q *DispatchQueue) reclaim(ctx context.Context, now time.Time) error {
	dead := q.db.WithContext(ctx).
		Model(&domain.DispatchMessage{}).
		Where("status = ? AND visible_at <= ? AND receive_count >= ?", domain.DispatchStatusInFlight, now, q.maxReceives).
		Updates(map[string]interface{}{
			"status":     domain.DispatchStatusDeadLetter,
			"last_error": "visibility timeout expired",
			"updated_at": now,
		})
	if dead.Error != nil {
		return dead.Error
	}
	if dead.RowsAffected > 0 {
		q.log.Warnw("dispatch_queue_dead_lettered", "count", dead.RowsAffected, "reason", "visibility timeout")
	}
	return q.db.WithContext(ctx).
		Model(&domain.DispatchMessage{}).
		Where("status = ? AND visible_at <= ?", domain.DispatchStatusInFlight, now).
		Updates(map[string]interface{}{
			"status":     domain.DispatchStatusPending,
			"updated_at": now,
		}).Error
}

func (q *DispatchQueue) Ack(ctx context.Context, id uint) error {
	res := q.db.WithContext(ctx).
		Model(&domain.DispatchMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.DispatchStatusDone,
			"updated_at": q.clock(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (q *DispatchQueue) Nack(ctx context.Context, id uint, cause error) error {
	var msg domain.DispatchMessage
	if err := q.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.ErrNotFound
		}
		return err
	}

	now := q.clock()
	updates := map[string]interface{}{"updated_at": now}
	if cause != nil {
		updates["last_error"] = cause.Error()
	}
	if msg.ReceiveCount >= q.maxReceives {
		updates["status"] = domain.DispatchStatusDeadLetter
		q.log.Warnw("dispatch_queue_dead_lettered", "id", id, "project_id", msg.ProjectID, "agent", msg.AgentName, "receives", msg.ReceiveCount)
	} else {
		updates["status"] = domain.DispatchStatusPending
		updates["visible_at"] = now.Add(q.retryDelay)
	}
	return q.db.WithContext(ctx).Model(&domain.DispatchMessage{}).Where("id = ?", id).Updates(updates).Error
}

// DeadLetters lists messages that exhausted their receives, newest first.
func (q *DispatchQueue) DeadLetters(ctx context.Context, limit int) ([]domain.DispatchMessage, error) {
	var msgs []domain.DispatchMessage
	err := q.db.WithContext(ctx).
		Where("status = ?", domain.DispatchStatusDeadLetter).
		Order("id desc").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}
