package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

// NotificationService is a fire-and-forget broadcast of project events to
// every connection subscribed to the project. Publish resolves subscribers
// and returns; deliveries run in the background. Delivery is neither
// reliable nor ordered across connections, and Publish never reports failure
// to the caller.
type NotificationService struct {
	inflight    conc.WaitGroup
	registry    ports.ConnectionRepository
	transport   ports.NotificationTransport
	logger      *logger.Logger
	concurrency int
	timeout     time.Duration
	now         func() time.Time
}

type NotificationServiceConfig struct {
	Registry    ports.ConnectionRepository
	Transport   ports.NotificationTransport
	Logger      *logger.Logger
	Concurrency int
	Timeout     time.Duration
	Now         func() time.Time
}

func NewNotificationService(cfg NotificationServiceConfig) *NotificationService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &NotificationService{
		registry:    cfg.Registry,
		transport:   cfg.Transport,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		now:         cfg.Now,
	}
}

var _ ports.Notifier = (*NotificationService)(nil)

func (s *NotificationService) Publish(ctx context.Context, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("fanout_panic", "project_id", event.ProjectID, "type", event.Type, "panic", r)
		}
	}()

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Errorw("fanout_marshal_failed", "project_id", event.ProjectID, "type", event.Type, "error", err)
		return
	}

	conns, err := s.registry.ListByProject(ctx, event.ProjectID, s.now())
	if err != nil {
		s.logger.Warnw("fanout_registry_lookup_failed", "project_id", event.ProjectID, "error", err)
		return
	}
	if len(conns) == 0 {
		return
	}

	// detached so a cancelled request does not cut the broadcast short
	base := context.WithoutCancel(ctx)
	s.inflight.Go(func() {
		p := pool.New().WithMaxGoroutines(s.concurrency)
		for _, c := range conns {
			connID := c.ID
			p.Go(func() {
				s.deliver(base, connID, event, payload)
			})
		}
		p.Wait()
		s.logger.Debugw("fanout_ok", "project_id", event.ProjectID, "type", event.Type, "connections", len(conns))
	})
}

// Wait blocks until every broadcast started so far has finished. Call it
// once publishers have stopped.
func (s *NotificationService) Wait() {
	s.inflight.Wait()
}

func (s *NotificationService) deliver(ctx context.Context, connID string, event domain.Event, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("fanout_panic", "connection_id", connID, "project_id", event.ProjectID, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.transport.Deliver(ctx, connID, payload)
	if err == nil {
		return
	}
	if errors.Is(err, ports.ErrConnectionGone) {
		s.logger.Infow("fanout_connection_gone", "connection_id", connID, "project_id", event.ProjectID)
		if err := s.registry.Delete(ctx, connID); err != nil {
			s.logger.Warnw("fanout_deregister_failed", "connection_id", connID, "error", err)
		}
		return
	}
	if errors.Is(err, ports.ErrConnectionNotLocal) {
		s.logger.Debugw("fanout_connection_not_local", "connection_id", connID, "project_id", event.ProjectID)
		return
	}
	s.logger.Warnw("fanout_delivery_failed", "connection_id", connID, "project_id", event.ProjectID, "type", event.Type, "error", err)
}

func taskEvent(t domain.Task, p *domain.Project) domain.Event {
	return domain.Event{
		Type:      domain.EventTypeTaskUpdate,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Data:      domain.TaskUpdate{Task: t, Project: p},
	}
}

func projectEvent(p domain.Project) domain.Event {
	return domain.Event{
		Type:      domain.EventTypeProjectUpdate,
		ProjectID: p.ID,
		Data:      p,
	}
}
