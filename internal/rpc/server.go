package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/go-playground/validator"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/broker"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

// HandlerFunc answers one request. The returned value is JSON encoded into
// the reply; a returned error travels back as {code, message}.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

type correlationKey struct{}

// CorrelationID returns the correlation ID of the request being served, or
// "" outside a Server handler. Broker redeliveries keep the same ID.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Server answers requests arriving on a service's own topics.
type Server struct {
	service string
	client  *broker.Client
	logger  *zap.Logger
}

// NewServer binds request handlers to client. Requests are consumed in
// the service's group so replicas share the load.
func NewServer(service string, client *broker.Client, logger *zap.Logger) *Server {
	return &Server{service: service, client: client, logger: logger.Named("rpc-server")}
}

// Handle registers fn for topic. Must be called before the client connects.
func (s *Server) Handle(topic string, fn HandlerFunc) error {
	return s.client.Serve(topic, s.service, s.serve(topic, fn))
}

func (s *Server) serve(topic string, fn HandlerFunc) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		var req broker.Envelope
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			s.logger.Warn("undecodable request dropped", zap.String("topic", topic), zap.Error(err))
			return nil
		}

		if req.CorrelationID != "" {
			ctx = context.WithValue(ctx, correlationKey{}, req.CorrelationID)
		}
		value, callErr := s.invoke(ctx, fn, req.Value)
		if req.CorrelationID == "" {
			return callErr
		}

		reply := broker.Envelope{CorrelationID: req.CorrelationID, InstanceID: req.InstanceID}
		if callErr == nil {
			encoded, err := json.Marshal(value)
			if err != nil {
				callErr = apperrors.NewInternalError(fmt.Errorf("encode %s reply: %w", topic, err))
			} else {
				reply.Value = encoded
			}
		}
		if callErr != nil {
			de := apperrors.ToDomainError(callErr)
			if de.HTTPStatus >= 500 {
				s.logger.Error("request failed", zap.String("topic", topic), zap.Error(callErr))
			}
			reply.Error = &broker.WireError{Code: de.Code, Message: de.Message}
		}

		body, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		replyTo := req.ReplyTo
		if replyTo == "" {
			replyTo = broker.ReplyTopic(topic)
		}
		if err := s.client.Publish(ctx, replyTo, []byte(req.CorrelationID), body); err != nil {
			s.logger.Warn("reply publish failed",
				zap.String("topic", replyTo),
				zap.String("correlation_id", req.CorrelationID),
				zap.Error(err))
			return err
		}
		return nil
	}
}

func (s *Server) invoke(ctx context.Context, fn HandlerFunc, payload json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in rpc handler", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = apperrors.NewInternalError(fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx, payload)
}

var validate = validator.New()

// Bind decodes payload into T and validates its struct tags.
func Bind[T any](payload json.RawMessage) (T, error) {
	var out T
	if len(payload) == 0 {
		return out, apperrors.NewInvalidArgument("empty payload", nil)
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, apperrors.NewInvalidArgument("malformed payload", map[string]any{"reason": err.Error()})
	}
	if err := validate.Struct(out); err != nil {
		return out, apperrors.NewInvalidArgument("invalid payload", map[string]any{"reason": err.Error()})
	}
	return out, nil
}
