package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/repository"
)

type pendingStore struct {
	repository.NotificationRepository

	mu   sync.Mutex
	rows []domain.Notification
}

func (s *pendingStore) ListPendingEmail(_ context.Context, maxAttempts, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, r := range s.rows {
		if !r.EmailSent && r.EmailAttempts < maxAttempts && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *pendingStore) update(id int64, fn func(*domain.Notification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == id {
			fn(&s.rows[i])
		}
	}
}

// flakyDeliverer fails a row until it has been attempted failUntil times.
type flakyDeliverer struct {
	store     *pendingStore
	failUntil int

	mu       sync.Mutex
	attempts []int64
}

func (d *flakyDeliverer) Deliver(_ context.Context, row *domain.Notification) {
	d.mu.Lock()
	d.attempts = append(d.attempts, row.ID)
	d.mu.Unlock()
	d.store.update(row.ID, func(n *domain.Notification) {
		n.EmailAttempts++
		if n.EmailAttempts > d.failUntil {
			n.EmailSent = true
		}
	})
}

func (d *flakyDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func TestRunOnceRespectsBatchAndAttempts(t *testing.T) {
	store := &pendingStore{rows: []domain.Notification{
		{ID: 1, RecipientEmail: "a@example.com"},
		{ID: 2, RecipientEmail: "b@example.com"},
		{ID: 3, RecipientEmail: "c@example.com", EmailAttempts: 5},
		{ID: 4, RecipientEmail: "d@example.com", EmailSent: true},
	}}
	deliverer := &flakyDeliverer{store: store, failUntil: 10}
	w := NewEmailRetryWorker(EmailRetryConfig{Interval: time.Second, BatchSize: 1, MaxAttempts: 5}, store, deliverer, nil, zap.NewNop())

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w.cfg.BatchSize = 10
	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "row 3 is out of attempts and row 4 was sent")
}

func TestRunRetriesOnEveryTick(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC))
	store := &pendingStore{rows: []domain.Notification{{ID: 1, RecipientEmail: "a@example.com"}}}
	deliverer := &flakyDeliverer{store: store, failUntil: 1}
	w := NewEmailRetryWorker(EmailRetryConfig{Interval: 30 * time.Second, BatchSize: 10, MaxAttempts: 5}, store, deliverer, clk, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	clk.WaitForTimers(1)

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return deliverer.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return deliverer.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	clk.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, deliverer.count(), "sent rows are not retried")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
