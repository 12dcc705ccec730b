package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/domain"
)

var errInjected = errors.New("memory: injected failure")

// Queue is an in-process dispatch queue with the same delivery rules as the
// database-backed one: one in-flight message per group, dedup keys collapse
// duplicates, and messages are dead-lettered after MaxReceives. Acked
// messages are dropped and dedup keys expire after DedupWindow, so a
// long-running process only retains live and dead-lettered messages.
type Queue struct {
	mu                sync.Mutex
	nextID            uint
	messages          []*domain.DispatchMessage
	dedup             map[string]time.Time
	sent              []domain.DispatchRequest
	acked             int
	visibilityTimeout time.Duration
	maxReceives       int
	retryDelay        time.Duration
	dedupWindow       time.Duration
	sentLimit         int
	now               func() time.Time

	// SendErr, when set, is returned by Send.
	SendErr error
}

type QueueConfig struct {
	VisibilityTimeout time.Duration
	MaxReceives       int
	RetryDelay        time.Duration
	// DedupWindow is how long a dedup key suppresses repeats. Default 5m.
	DedupWindow time.Duration
	// SentLimit caps the history kept for Sent. Default 1000.
	SentLimit int
	Now       func() time.Time
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.MaxReceives == 0 {
		cfg.MaxReceives = 3
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.SentLimit == 0 {
		cfg.SentLimit = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		dedup:             make(map[string]time.Time),
		visibilityTimeout: cfg.VisibilityTimeout,
		maxReceives:       cfg.MaxReceives,
		retryDelay:        cfg.RetryDelay,
		dedupWindow:       cfg.DedupWindow,
		sentLimit:         cfg.SentLimit,
		now:               cfg.Now,
	}
}

var (
	_ ports.DispatchQueue    = (*Queue)(nil)
	_ ports.DispatchConsumer = (*Queue)(nil)
)

func (q *Queue) Send(ctx context.Context, req domain.DispatchRequest, groupKey, dedupKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SendErr != nil {
		return q.SendErr
	}
	now := q.now()
	for key, expires := range q.dedup {
		if !now.Before(expires) {
			delete(q.dedup, key)
		}
	}
	if _, dup := q.dedup[dedupKey]; dup {
		return nil
	}
	q.dedup[dedupKey] = now.Add(q.dedupWindow)
	q.nextID++
	q.messages = append(q.messages, &domain.DispatchMessage{
		ID:        q.nextID,
		ProjectID: req.ProjectID,
		AgentName: req.AgentName,
		GroupKey:  groupKey,
		DedupKey:  dedupKey,
		Status:    domain.DispatchStatusPending,
		VisibleAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	})
	q.sent = append(q.sent, req)
	if over := len(q.sent) - q.sentLimit; over > 0 {
		q.sent = append(q.sent[:0:0], q.sent[over:]...)
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context) (*domain.DispatchMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	busy := make(map[string]bool)
	for _, m := range q.messages {
		if m.Status == domain.DispatchStatusInFlight {
			if now.Before(m.VisibleAt) {
				busy[m.GroupKey] = true
				continue
			}
			// visibility expired without an ack
			if m.ReceiveCount >= q.maxReceives {
				m.Status = domain.DispatchStatusDeadLetter
				m.LastError = "visibility timeout expired"
				continue
			}
			m.Status = domain.DispatchStatusPending
		}
	}
	for _, m := range q.messages {
		if m.Status != domain.DispatchStatusPending || busy[m.GroupKey] {
			continue
		}
		if now.Before(m.VisibleAt) {
			// keeps later messages in the group behind it
			busy[m.GroupKey] = true
			continue
		}
		m.Status = domain.DispatchStatusInFlight
		m.ReceiveCount++
		m.VisibleAt = now.Add(q.visibilityTimeout)
		m.UpdatedAt = now
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (q *Queue) Ack(ctx context.Context, id uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.ID == id {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			q.acked++
			return nil
		}
	}
	return ports.ErrNotFound
}

func (q *Queue) Nack(ctx context.Context, id uint, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.ID != id {
			continue
		}
		now := q.now()
		if cause != nil {
			m.LastError = cause.Error()
		}
		m.UpdatedAt = now
		if m.ReceiveCount >= q.maxReceives {
			m.Status = domain.DispatchStatusDeadLetter
			return nil
		}
		m.Status = domain.DispatchStatusPending
		m.VisibleAt = now.Add(q.retryDelay)
		return nil
	}
	return ports.ErrNotFound
}

// Acked counts messages removed by Ack.
func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Sent returns the most recent accepted (non-duplicate) requests in send
// order, up to SentLimit.
func (q *Queue) Sent() []domain.DispatchRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.DispatchRequest(nil), q.sent...)
}

// Messages returns a snapshot of the messages not yet acked.
func (q *Queue) Messages() []domain.DispatchMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.DispatchMessage, len(q.messages))
	for i, m := range q.messages {
		out[i] = *m
	}
	return out
}
