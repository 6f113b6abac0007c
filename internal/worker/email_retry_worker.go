package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/repository"
)

// Deliverer sends the email of a stored notification and records the
// outcome on its row.
type Deliverer interface {
	Deliver(ctx context.Context, row *domain.Notification)
}

// EmailRetryConfig tunes the retry loop.
type EmailRetryConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// EmailRetryWorker re-sends notification emails that have not gone out yet.
type EmailRetryWorker struct {
	cfg           EmailRetryConfig
	notifications repository.NotificationRepository
	deliverer     Deliverer
	clock         clock.Clock
	logger        *zap.Logger
}

// NewEmailRetryWorker builds the worker.
func NewEmailRetryWorker(cfg EmailRetryConfig, notifications repository.NotificationRepository, deliverer Deliverer, clk clock.Clock, logger *zap.Logger) *EmailRetryWorker {
	if clk == nil {
		clk = clock.Real()
	}
	return &EmailRetryWorker{
		cfg:           cfg,
		notifications: notifications,
		deliverer:     deliverer,
		clock:         clk,
		logger:        logger.Named("email_retry"),
	}
}

// Run processes one batch per tick until ctx ends.
func (w *EmailRetryWorker) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("email retry worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("max_attempts", w.cfg.MaxAttempts))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("email retry worker stopped")
			return
		case <-ticker.C():
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Warn("email retry batch failed", zap.Error(err))
			}
		}
	}
}

// RunOnce retries one batch and returns how many rows it attempted.
func (w *EmailRetryWorker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.notifications.ListPendingEmail(ctx, w.cfg.MaxAttempts, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for i := range pending {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		w.deliverer.Deliver(ctx, &pending[i])
	}
	if len(pending) > 0 {
		w.logger.Debug("email retry batch done", zap.Int("attempted", len(pending)))
	}
	return len(pending), nil
}
