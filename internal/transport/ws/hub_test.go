package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/gofiber/contrib/websocket"
)

type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	types    []int
	writeErr error
	closed   bool
	deadline time.Time
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.types = append(c.types, messageType)
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestHubDeliver(t *testing.T) {
	hub := NewHub(time.Second, logger.NewNop())
	ok := &fakeConn{}
	broken := &fakeConn{writeErr: errors.New("broken pipe")}
	hub.Register("ok", ok)
	hub.Register("broken", broken)

	ctx := context.Background()
	if err := hub.Deliver(ctx, "ok", []byte(`{"type":"task_update"}`)); err != nil {
		t.Fatalf("Deliver(ok): %v", err)
	}
	if len(ok.writes) != 1 || ok.types[0] != websocket.TextMessage || ok.deadline.IsZero() {
		t.Fatalf("ok conn = %+v", ok)
	}

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"unknown connection", "nope", ports.ErrConnectionNotLocal},
		{"write failure", "broken", ports.ErrConnectionGone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hub.Deliver(ctx, tt.id, []byte("{}"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Deliver err = %v, want %v", err, tt.want)
			}
		})
	}

	if !broken.closed {
		t.Fatal("failed connection must be closed")
	}
	if hub.Len() != 1 {
		t.Fatalf("hub has %d connections, want 1", hub.Len())
	}
}

func TestHubHonoursContextDeadline(t *testing.T) {
	hub := NewHub(time.Hour, logger.NewNop())
	conn := &fakeConn{}
	hub.Register("c1", conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := hub.Deliver(ctx, "c1", []byte("{}")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if d, _ := ctx.Deadline(); !conn.deadline.Equal(d) {
		t.Fatalf("write deadline = %v, want context deadline %v", conn.deadline, d)
	}
}
