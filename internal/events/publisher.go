package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/broker"
	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/observability"
)

var errUnknownSubscriber = errors.New("events: no client for subscriber")

// Report summarizes one fan-out. Failures never abort other subscribers.
type Report struct {
	EventID   string
	Type      EventType
	Delivered []string
	Failed    map[string]error
}

// OK reports whether every subscriber accepted the event.
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// Publisher fans events out. FanoutPublisher is the broker backed one.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType EventType, key string, payload any, subscribers []string) Report
}

// FanoutPublisher writes each event to every subscriber's own topic.
type FanoutPublisher struct {
	origin  string
	timeout time.Duration
	clients map[string]*broker.Client
	clock   clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewFanoutPublisher builds a publisher. Each client is keyed by its
// Service name, which is the subscriber name.
func NewFanoutPublisher(origin string, timeout time.Duration, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics, clients ...*broker.Client) *FanoutPublisher {
	if clk == nil {
		clk = clock.Real()
	}
	byName := make(map[string]*broker.Client, len(clients))
	for _, c := range clients {
		byName[c.Service()] = c
	}
	return &FanoutPublisher{
		origin:  origin,
		timeout: timeout,
		clients: byName,
		clock:   clk,
		logger:  logger.Named("fanout"),
		metrics: metrics,
	}
}

// PublishEvent builds one envelope and hands it to every subscriber in
// parallel, each bounded by the publisher timeout. It never returns an
// error: failures are logged, counted and listed in the report.
func (p *FanoutPublisher) PublishEvent(ctx context.Context, eventType EventType, key string, payload any, subscribers []string) Report {
	report := Report{Type: eventType, Failed: map[string]error{}}
	subscribers = unique(subscribers)
	if len(subscribers) == 0 {
		return report
	}

	body, event, err := p.encode(eventType, key, payload)
	if err != nil {
		for _, sub := range subscribers {
			report.Failed[sub] = err
		}
		p.logger.Error("event encoding failed", zap.String("event_type", string(eventType)), zap.Error(err))
		return report
	}
	report.EventID = event.ID

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sub := range subscribers {
		wg.Add(1)
		go func(sub string) {
			defer wg.Done()
			err := p.deliver(ctx, sub, eventType, key, body)
			p.metrics.RecordDelivery(string(eventType), sub, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[sub] = err
				return
			}
			report.Delivered = append(report.Delivered, sub)
		}(sub)
	}
	wg.Wait()

	for sub, err := range report.Failed {
		p.logger.Warn("event delivery failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(eventType)),
			zap.String("subscriber", sub),
			zap.String("key", key),
			zap.Error(err))
	}
	p.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(eventType)),
		zap.Strings("delivered", report.Delivered),
		zap.Int("failed", len(report.Failed)))
	return report
}

func (p *FanoutPublisher) encode(eventType EventType, key string, payload any) ([]byte, Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Event{}, fmt.Errorf("encode payload: %w", err)
	}
	event := Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Key:           key,
		OriginService: p.origin,
		EmittedAt:     p.clock.Now().UTC(),
		Payload:       raw,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return nil, Event{}, fmt.Errorf("encode event: %w", err)
	}
	body, err := json.Marshal(broker.Envelope{Value: value})
	if err != nil {
		return nil, Event{}, fmt.Errorf("encode envelope: %w", err)
	}
	return body, event, nil
}

func (p *FanoutPublisher) deliver(ctx context.Context, subscriber string, eventType EventType, key string, body []byte) error {
	client, ok := p.clients[subscriber]
	if !ok {
		return fmt.Errorf("%w %q", errUnknownSubscriber, subscriber)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return client.Publish(ctx, Topic(subscriber, eventType), []byte(key), body)
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
