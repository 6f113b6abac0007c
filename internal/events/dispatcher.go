package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/broker"
	"github.com/spec-kit/helpdesk/internal/idempotency"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

// EventHandler handles a delivered event.
type EventHandler func(context.Context, Event) error

// Dispatcher routes delivered events to local handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
	Subscribe(eventType EventType, handler EventHandler)
}

// Router is the consumer side of the fan-out: it owns the subscriber's
// event topics on a broker client and invokes handlers per event type.
type Router struct {
	service string
	logger  *zap.Logger

	guard    idempotency.Guard
	guardTTL time.Duration

	retryAttempts int
	retryInitial  time.Duration
	retryMax      time.Duration

	mu        sync.RWMutex
	listeners map[EventType][]EventHandler
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithGuard skips events whose ID was already handled within ttl.
func WithGuard(guard idempotency.Guard, ttl time.Duration) RouterOption {
	return func(r *Router) {
		r.guard = guard
		r.guardTTL = ttl
	}
}

// WithRetry keeps a failed event on its lane and dispatches it again with
// exponential backoff, attempts times in total. The broker message is
// acknowledged only after that. Not-found and invalid-argument failures are
// not retried.
func WithRetry(attempts int, initial, max time.Duration) RouterOption {
	return func(r *Router) {
		r.retryAttempts = attempts
		r.retryInitial = initial
		r.retryMax = max
	}
}

// NewRouter creates a router for the subscriber named service.
func NewRouter(service string, logger *zap.Logger, opts ...RouterOption) *Router {
	r := &Router{
		service:   service,
		logger:    logger.Named("events"),
		listeners: make(map[EventType][]EventHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a handler for the given event type.
func (r *Router) Subscribe(eventType EventType, handler EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[eventType] = append(r.listeners[eventType], handler)
}

// Bind declares one topic per subscribed event type on client. Call after
// all Subscribe calls and before the client connects.
func (r *Router) Bind(client *broker.Client) error {
	r.mu.RLock()
	types := make([]EventType, 0, len(r.listeners))
	for t := range r.listeners {
		types = append(types, t)
	}
	r.mu.RUnlock()

	for _, t := range types {
		if err := client.Handle(Topic(r.service, t), r.service, r.consume); err != nil {
			return fmt.Errorf("bind %s: %w", t, err)
		}
	}
	return nil
}

func (r *Router) consume(ctx context.Context, msg broker.Message) error {
	var env broker.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		r.logger.Warn("undecodable event dropped", zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}
	var event Event
	if err := json.Unmarshal(env.Value, &event); err != nil {
		r.logger.Warn("undecodable event dropped", zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}
	if r.retryAttempts <= 1 {
		return r.Dispatch(ctx, event)
	}
	return r.dispatchWithRetry(ctx, event)
}

func (r *Router) dispatchWithRetry(ctx context.Context, event Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryInitial
	policy.MaxInterval = r.retryMax
	policy.MaxElapsedTime = 0

	attempt := 0
	dispatch := func() error {
		attempt++
		err := r.Dispatch(ctx, event)
		if err != nil && terminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("event handling failed, retrying",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.retryAttempts-1)), ctx)
	err := backoff.RetryNotify(dispatch, retry, notify)
	if err != nil {
		r.logger.Error("event handling gave up",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
	return err
}

func terminal(err error) bool {
	return apperrors.IsNotFound(err) ||
		apperrors.IsCode(err, apperrors.CodeInvalidArgument) ||
		apperrors.IsCode(err, apperrors.CodeValidation)
}

// Dispatch runs every handler of the event's type. All handlers run even
// when one fails; failures are joined. With a guard, a failed event is
// released so a redelivery can try again.
func (r *Router) Dispatch(ctx context.Context, event Event) error {
	r.mu.RLock()
	handlers := append([]EventHandler{}, r.listeners[event.Type]...)
	r.mu.RUnlock()
	if len(handlers) == 0 {
		r.logger.Debug("no handler for event", zap.String("event_type", string(event.Type)))
		return nil
	}

	claimKey := "event:" + r.service + ":" + event.ID
	if r.guard != nil && event.ID != "" {
		claimed, err := r.guard.Claim(ctx, claimKey, r.guardTTL)
		switch {
		case err != nil:
			r.logger.Warn("idempotency guard unavailable, handling anyway", zap.String("event_id", event.ID), zap.Error(err))
		case !claimed:
			r.logger.Info("duplicate event suppressed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
			return nil
		}
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if r.guard != nil && event.ID != "" {
		if err := r.guard.Release(ctx, claimKey); err != nil {
			r.logger.Warn("release idempotency claim", zap.String("event_id", event.ID), zap.Error(err))
		}
	}
	return fmt.Errorf("event %s (%s): %w", event.ID, event.Type, errors.Join(errs...))
}
