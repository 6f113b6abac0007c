package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/config"
)

// Deliver hands a message to the client. ack must be called exactly once
// after the message has been processed.
type Deliver func(ctx context.Context, msg Message, ack func())

// SubscribeSpec describes one topic subscription.
type SubscribeSpec struct {
	Topic string
	Group string
	// FromLatest skips records produced before the subscription existed.
	FromLatest bool
}

// Subscription is a live topic consumer.
type Subscription interface {
	Close() error
}

// Transport is a broker driver.
type Transport interface {
	Dial(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, spec SubscribeSpec, deliver Deliver) (Subscription, error)
	Close() error
}

// NewTransport builds the driver selected in cfg. The memory driver needs
// a shared hub, which callers pass in; it is ignored for other drivers.
func NewTransport(cfg config.BrokerConfig, clientID string, hub *Hub, logger *zap.Logger) (Transport, error) {
	switch cfg.Driver {
	case "kafka":
		return NewKafkaTransport(KafkaOptions{
			Brokers:      cfg.KafkaBrokers,
			ClientID:     clientID,
			WriteTimeout: cfg.WriteTimeout(),
		}, logger), nil
	case "nats":
		return NewNatsTransport(cfg.NatsURL, clientID, logger), nil
	case "memory":
		if hub == nil {
			return nil, fmt.Errorf("broker: memory driver requires a hub")
		}
		return hub.Transport(), nil
	default:
		return nil, fmt.Errorf("broker: unknown driver %q", cfg.Driver)
	}
}
