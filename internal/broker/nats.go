package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// keyHeader carries the partitioning key, which core NATS has no slot for.
const keyHeader = "Helpdesk-Key"

const flushTimeout = 5 * time.Second

// natsTransport maps topics to subjects and consumer groups to queue
// groups. Core NATS has no redelivery, so ack is a no-op.
type natsTransport struct {
	url    string
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
}

// NewNatsTransport returns a driver backed by nats.go.
func NewNatsTransport(url, name string, logger *zap.Logger) Transport {
	return &natsTransport{url: url, name: name, logger: logger.Named("nats")}
}

func (t *natsTransport) Dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn != nil && t.conn.IsConnected() {
		return nil
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	conn, err := nats.Connect(t.url,
		nats.Name(t.name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *natsTransport) connection() (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *natsTransport) Publish(ctx context.Context, msg Message) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	out := nats.NewMsg(msg.Topic)
	out.Data = msg.Value
	out.Header.Set(keyHeader, string(msg.Key))
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	err = conn.PublishMsg(out)
	if errors.Is(err, nats.ErrConnectionClosed) {
		return ErrClosed
	}
	return err
}

func (t *natsTransport) Subscribe(ctx context.Context, spec SubscribeSpec, deliver Deliver) (Subscription, error) {
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}
	sub, err := conn.QueueSubscribe(spec.Topic, spec.Group, func(in *nats.Msg) {
		headers := make(map[string]string, len(in.Header))
		for k := range in.Header {
			if k != keyHeader {
				headers[k] = in.Header.Get(k)
			}
		}
		deliver(context.Background(), Message{
			Topic:     in.Subject,
			Key:       []byte(in.Header.Get(keyHeader)),
			Value:     in.Data,
			Headers:   headers,
			Partition: -1,
		}, func() {})
	})
	if err != nil {
		return nil, err
	}
	// The round trip makes sure the server registered the interest before
	// the caller publishes anything that should reach it.
	if err := conn.FlushTimeout(flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return natsSubscription{sub: sub}, nil
}

func (t *natsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Close() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}
