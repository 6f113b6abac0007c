package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/broker"
	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/observability"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

var (
	ErrUnknownService = errors.New("rpc: no client for service")
	ErrUnknownTopic   = errors.New("rpc: topic not registered for service")
)

// Caller issues request/reply calls. Gateway is the broker backed
// implementation; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, service, topic string, payload any, timeout time.Duration, opts ...CallOption) (json.RawMessage, error)
}

type callOptions struct {
	key string
}

// CallOption tweaks a single call.
type CallOption func(*callOptions)

// WithKey sets the partitioning key of the request message. By default the
// correlation ID is used.
func WithKey(key string) CallOption {
	return func(o *callOptions) { o.key = key }
}

// Route binds a client to the request topics the gateway may call on it.
type Route struct {
	Client *broker.Client
	Topics []string
}

// GatewayConfig carries the identity and defaults of the calling process.
type GatewayConfig struct {
	Origin         string
	InstanceID     string
	DefaultTimeout time.Duration
}

// Gateway turns broker publish/subscribe into blocking calls.
type Gateway struct {
	cfg      GatewayConfig
	clients  map[string]*broker.Client
	topics   map[string]map[string]struct{}
	registry *Registry
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewGateway registers the reply topics of every route on its client. It
// must run before the clients connect.
func NewGateway(cfg GatewayConfig, registry *Registry, logger *zap.Logger, metrics *observability.Metrics, routes ...Route) (*Gateway, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	g := &Gateway{
		cfg:      cfg,
		clients:  make(map[string]*broker.Client, len(routes)),
		topics:   make(map[string]map[string]struct{}, len(routes)),
		registry: registry,
		clock:    registry.clock,
		logger:   logger.Named("gateway"),
		metrics:  metrics,
	}
	for _, route := range routes {
		service := route.Client.Service()
		if _, dup := g.clients[service]; dup {
			return nil, fmt.Errorf("rpc: duplicate route for service %q", service)
		}
		replyTopics := make([]string, 0, len(route.Topics))
		allowed := make(map[string]struct{}, len(route.Topics))
		for _, topic := range route.Topics {
			allowed[topic] = struct{}{}
			replyTopics = append(replyTopics, broker.ReplyTopic(topic))
		}
		if err := route.Client.ExpectReplies(cfg.InstanceID, g.handleReply, replyTopics...); err != nil {
			return nil, fmt.Errorf("rpc: register replies for %s: %w", service, err)
		}
		route.Client.OnClose(func() {
			failed := g.registry.FailService(service, apperrors.NewTransportError("transport closed", broker.ErrClosed))
			if failed > 0 {
				g.logger.Warn("pending calls failed on close", zap.String("service", service), zap.Int("count", failed))
			}
		})
		g.clients[service] = route.Client
		g.topics[service] = allowed
	}
	return g, nil
}

// Call publishes payload on topic of service and waits for the matching
// reply. The error is a remote domain error with its original code, a
// TIMEOUT or a TRANSPORT_ERROR.
func (g *Gateway) Call(ctx context.Context, service, topic string, payload any, timeout time.Duration, opts ...CallOption) (json.RawMessage, error) {
	client, ok := g.clients[service]
	if !ok {
		return nil, apperrors.NewTransportError(fmt.Sprintf("no client for service %q", service), ErrUnknownService)
	}
	if _, ok := g.topics[service][topic]; !ok {
		return nil, apperrors.NewTransportError(fmt.Sprintf("topic %q not registered for %q", topic, service), ErrUnknownTopic)
	}
	if timeout <= 0 {
		timeout = g.cfg.DefaultTimeout
	}
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("encode %s payload: %w", topic, err))
	}

	id := uuid.NewString()
	body, err := json.Marshal(broker.Envelope{
		CorrelationID: id,
		ReplyTo:       broker.ReplyTopic(topic),
		InstanceID:    g.cfg.InstanceID,
		Value:         value,
	})
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if o.key == "" {
		o.key = id
	}

	start := g.clock.Now()
	future, err := g.registry.Register(id, service, timeout)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if err := client.Publish(ctx, topic, []byte(o.key), body); err != nil {
		g.registry.Cancel(id)
		g.metrics.RecordCall(service, topic, "transport_error", g.clock.Now().Sub(start))
		return nil, apperrors.NewTransportError(fmt.Sprintf("publish %s", topic), err)
	}

	result, err := future.Wait(ctx)
	elapsed := g.clock.Now().Sub(start)
	g.metrics.RecordCall(service, topic, outcomeOf(err), elapsed)
	if err != nil {
		g.logger.Debug("call failed",
			zap.String("service", service),
			zap.String("topic", topic),
			zap.String("correlation_id", id),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

// CallInto is Call followed by decoding the reply into out.
func (g *Gateway) CallInto(ctx context.Context, service, topic string, payload any, timeout time.Duration, out any, opts ...CallOption) error {
	return Into(ctx, g, service, topic, payload, timeout, out, opts...)
}

// Into runs a call through any Caller and decodes the reply into out.
func Into(ctx context.Context, caller Caller, service, topic string, payload any, timeout time.Duration, out any, opts ...CallOption) error {
	raw, err := caller.Call(ctx, service, topic, payload, timeout, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.NewInternalError(fmt.Errorf("decode %s reply: %w", topic, err))
	}
	return nil
}

func (g *Gateway) handleReply(_ context.Context, msg broker.Message) error {
	var env broker.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		g.logger.Warn("undecodable reply dropped", zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}
	if env.CorrelationID == "" {
		g.logger.Warn("reply without correlation id dropped", zap.String("topic", msg.Topic))
		return nil
	}

	reply := Reply{Value: env.Value}
	if env.Error != nil {
		reply.Err = apperrors.FromRemote(env.Error.Code, env.Error.Message)
	}
	if g.registry.Resolve(env.CorrelationID, reply) {
		return nil
	}
	if env.InstanceID != "" && env.InstanceID != g.cfg.InstanceID {
		g.logger.Debug("reply for another instance ignored", zap.String("correlation_id", env.CorrelationID))
		return nil
	}
	g.logger.Warn("late or duplicate reply dropped",
		zap.String("topic", msg.Topic),
		zap.String("correlation_id", env.CorrelationID))
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.ResultOK
	case apperrors.IsTimeout(err):
		return observability.ResultTimeout
	case apperrors.IsTransport(err):
		return "transport_error"
	default:
		return "remote_error"
	}
}
