package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

var (
	// ErrNotConnected is returned by Publish before Connect succeeded.
	ErrNotConnected = errors.New("broker: client not connected")
	// ErrClosed is returned once the client or transport has been closed.
	ErrClosed = errors.New("broker: transport closed")
	// ErrTopicsSealed is returned when a topic is registered after Connect.
	ErrTopicsSealed = errors.New("broker: topics must be registered before connect")
)

// Message is a single record as seen by the transports.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
	// Partition is -1 for drivers without partitions.
	Partition int
	Offset    int64
}

// laneKey picks the ordering domain of a message. Kafka orders per
// partition, the other drivers order per key.
func (m Message) laneKey() string {
	if m.Partition >= 0 {
		return m.Topic + "#" + strconv.Itoa(m.Partition)
	}
	return m.Topic + "|" + string(m.Key)
}

// Handler processes one inbound message. A returned error is logged and
// counted; the message is still acknowledged, so a handler that wants
// redelivery retries before it returns.
type Handler func(ctx context.Context, msg Message) error

// Envelope is the JSON body carried by every message. Requests carry a
// correlation ID and reply topic, replies echo the correlation ID, events
// carry neither.
type Envelope struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	InstanceID    string          `json:"instanceId,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	Error         *WireError      `json:"error,omitempty"`
}

// WireError is the serialized form of a failed request.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReplyTopic returns the topic replies to requestTopic are published on.
func ReplyTopic(requestTopic string) string {
	return requestTopic + ".reply"
}
