package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/observability"
)

type clientState int32

const (
	stateIdle clientState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Service is the logical remote service the client talks to.
	Service        string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Lanes          int
	// MaxInflight caps concurrently running request handlers.
	MaxInflight int
}

const defaultMaxInflight = 256

type route struct {
	spec    SubscribeSpec
	handler Handler
	inline  bool
	request bool
}

// Client is the connection to one logical remote service. All topics it
// consumes are declared before Connect; Connect subscribes them in one go.
type Client struct {
	cfg       ClientConfig
	transport Transport
	logger    *zap.Logger
	metrics   *observability.Metrics

	state atomic.Int32

	mu          sync.Mutex
	connectDone chan struct{}
	connectErr  error
	routes      []route
	subs        []Subscription
	onClose     []func()

	ctx      context.Context
	cancel   context.CancelFunc
	lanes    *lanes
	requests *requestPool
}

// NewClient wraps transport for the given remote service.
func NewClient(cfg ClientConfig, transport Transport, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	logger = logger.With(zap.String("remote", cfg.Service))
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     newLanes(ctx, cfg.Lanes, logger, metrics),
		requests:  newRequestPool(ctx, cfg.MaxInflight, logger, metrics),
	}
}

// Service returns the remote service name.
func (c *Client) Service() string {
	return c.cfg.Service
}

// Connected reports whether the client can publish.
func (c *Client) Connected() bool {
	return clientState(c.state.Load()) == stateConnected
}

// ExpectReplies registers reply topics. Replies are handled on the
// consuming goroutine; handler must not block. group should be unique per
// process so every replica sees its own replies.
func (c *Client) ExpectReplies(group string, handler Handler, topics ...string) error {
	routes := make([]route, 0, len(topics))
	for _, topic := range topics {
		routes = append(routes, route{
			spec:    SubscribeSpec{Topic: topic, Group: group, FromLatest: true},
			handler: handler,
			inline:  true,
		})
	}
	return c.addRoutes(routes...)
}

// Handle registers an event consumer. Members of the same group share the
// topic's messages; messages of one lane key run in arrival order.
func (c *Client) Handle(topic, group string, handler Handler) error {
	return c.addRoutes(route{spec: SubscribeSpec{Topic: topic, Group: group}, handler: handler})
}

// Serve registers a request consumer. Every request runs on its own
// goroutine, so a handler may call a service reached through this same
// client without holding up unrelated requests.
func (c *Client) Serve(topic, group string, handler Handler) error {
	return c.addRoutes(route{spec: SubscribeSpec{Topic: topic, Group: group}, handler: handler, request: true})
}

func (c *Client) addRoutes(routes ...route) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clientState(c.state.Load()) != stateIdle {
		return ErrTopicsSealed
	}
	for _, r := range routes {
		for _, existing := range c.routes {
			if existing.spec.Topic == r.spec.Topic && existing.spec.Group == r.spec.Group {
				return fmt.Errorf("broker: topic %q already registered for group %q", r.spec.Topic, r.spec.Group)
			}
		}
	}
	c.routes = append(c.routes, routes...)
	return nil
}

// Topics lists every registered topic.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r.spec.Topic)
	}
	return out
}

// OnClose registers fn to run once Close has stopped consuming, before
// running handlers are drained. No reply can arrive after that point.
func (c *Client) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Connect dials the transport with bounded backoff and subscribes every
// registered topic. Calling it again after success is a no-op; concurrent
// callers share one attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch clientState(c.state.Load()) {
	case stateConnected:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateConnecting:
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.connectErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.state.Store(int32(stateConnecting))
	c.connectDone = make(chan struct{})
	routes := append([]route(nil), c.routes...)
	c.mu.Unlock()

	subs, err := c.establish(ctx, routes)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state.Store(int32(stateIdle))
		c.logger.Error("broker connect failed", zap.Error(err))
	} else {
		c.subs = subs
		c.state.Store(int32(stateConnected))
		c.logger.Info("broker connected", zap.Int("topics", len(routes)))
	}
	c.connectErr = err
	close(c.connectDone)
	return err
}

func (c *Client) establish(ctx context.Context, routes []route) ([]Subscription, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	dial := func() error {
		attempt++
		return c.transport.Dial(ctx)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("broker dial failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(dial, retry, notify); err != nil {
		return nil, fmt.Errorf("dial %s after %d attempts: %w", c.cfg.Service, attempt, err)
	}

	subs := make([]Subscription, 0, len(routes))
	for _, r := range routes {
		sub, err := c.transport.Subscribe(ctx, r.spec, c.deliverer(r))
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return nil, fmt.Errorf("subscribe %s: %w", r.spec.Topic, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (c *Client) deliverer(r route) Deliver {
	if r.inline {
		return func(_ context.Context, msg Message, ack func()) {
			defer ack()
			err := safeHandle(c.ctx, r.handler, msg, c.logger)
			c.metrics.RecordConsume(msg.Topic, err)
			if err != nil {
				c.logger.Warn("reply handler failed", zap.String("topic", msg.Topic), zap.Error(err))
			}
		}
	}
	if r.request {
		return func(_ context.Context, msg Message, ack func()) {
			if !c.requests.dispatch(laneItem{msg: msg, handler: r.handler, ack: ack}) {
				c.logger.Debug("request dropped during shutdown", zap.String("topic", msg.Topic))
			}
		}
	}
	return func(_ context.Context, msg Message, ack func()) {
		if !c.lanes.dispatch(laneItem{msg: msg, handler: r.handler, ack: ack}) {
			c.logger.Debug("message dropped during shutdown", zap.String("topic", msg.Topic))
		}
	}
}

// Publish hands a message to the transport without waiting for any
// consumer. It fails fast when the client is not connected.
func (c *Client) Publish(ctx context.Context, topic string, key, value []byte) error {
	switch clientState(c.state.Load()) {
	case stateConnected:
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
	err := c.transport.Publish(ctx, Message{Topic: topic, Key: key, Value: value, Partition: -1})
	c.metrics.RecordPublish(topic, err)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close stops consuming, runs the OnClose hooks, lets queued handlers
// finish and closes the transport.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if clientState(c.state.Load()) == stateConnecting {
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if clientState(c.state.Load()) == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state.Store(int32(stateClosed))
	subs := c.subs
	hooks := append([]func(){}, c.onClose...)
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			c.logger.Warn("close subscription", zap.Error(err))
		}
	}
	for _, hook := range hooks {
		hook()
	}

	drained := make(chan struct{})
	go func() {
		c.requests.stop()
		c.lanes.stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		c.logger.Warn("handlers still running at close", zap.Error(ctx.Err()))
	}
	c.cancel()

	err := c.transport.Close()
	c.logger.Info("broker client closed")
	return err
}
