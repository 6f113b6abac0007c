// Package responders answers broker requests on behalf of each service.
package responders

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/rpc"
	"github.com/spec-kit/helpdesk/internal/workflow"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

// TicketReader is the read side the ticket responders need.
type TicketReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Ticket, error)
	GetByTicketNo(ctx context.Context, ticketNo string) (*domain.Ticket, error)
}

// TicketWorkflow is the write side the ticket responders need.
type TicketWorkflow interface {
	Transition(ctx context.Context, in workflow.TransitionInput) (*workflow.TransitionResult, error)
	Assign(ctx context.Context, in workflow.AssignInput) (*workflow.AssignResult, error)
}

// TicketResponder serves the ticket service topics.
type TicketResponder struct {
	tickets  TicketReader
	workflow TicketWorkflow
}

func NewTicketResponder(tickets TicketReader, wf TicketWorkflow) *TicketResponder {
	return &TicketResponder{tickets: tickets, workflow: wf}
}

// Register binds every ticket topic on server.
func (r *TicketResponder) Register(server *rpc.Server) error {
	return registerAll(server, map[string]rpc.HandlerFunc{
		contracts.TopicTicketGet:          r.get,
		contracts.TopicTicketStatusUpdate: r.updateStatus,
		contracts.TopicTicketAssign:       r.assign,
	})
}

func (r *TicketResponder) get(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := rpc.Bind[contracts.TicketGetRequest](payload)
	if err != nil {
		return nil, err
	}
	var ticket *domain.Ticket
	switch {
	case req.TicketID > 0:
		ticket, err = r.tickets.GetByID(ctx, req.TicketID)
	case req.TicketNo != "":
		ticket, err = r.tickets.GetByTicketNo(ctx, req.TicketNo)
	default:
		return nil, apperrors.NewInvalidArgument("ticketId or ticketNo required", nil)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticketId": req.TicketID, "ticketNo": req.TicketNo})
	}
	if err != nil {
		return nil, err
	}
	return contracts.NewTicketView(ticket), nil
}

func (r *TicketResponder) updateStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := rpc.Bind[contracts.StatusUpdateRequest](payload)
	if err != nil {
		return nil, err
	}
	key := req.RequestKey
	if key == "" {
		key = rpc.CorrelationID(ctx)
	}
	result, err := r.workflow.Transition(ctx, workflow.TransitionInput{
		TicketID:    req.TicketID,
		NewStatusID: req.NewStatusID,
		ActorUserID: req.ActorUserID,
		Comment:     req.Comment,
		RequestKey:  key,
	})
	if err != nil {
		return nil, err
	}
	return contracts.StatusUpdateReply{
		Ticket:      contracts.NewTicketView(&result.Ticket),
		OldStatusID: result.OldStatusID,
		NewStatusID: result.NewStatusID,
		History:     contracts.NewHistoryView(&result.History),
		Duplicate:   result.Duplicate,
	}, nil
}

func (r *TicketResponder) assign(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := rpc.Bind[contracts.AssignRequest](payload)
	if err != nil {
		return nil, err
	}
	result, err := r.workflow.Assign(ctx, workflow.AssignInput{
		TicketID:        req.TicketID,
		AssigneeUserIDs: req.AssigneeUserIDs,
		ActorUserID:     req.ActorUserID,
	})
	if err != nil {
		return nil, err
	}
	return contracts.AssignReply{TicketID: result.TicketID, TicketNo: result.TicketNo, Added: result.Added}, nil
}

func registerAll(server *rpc.Server, handlers map[string]rpc.HandlerFunc) error {
	for topic, fn := range handlers {
		if err := server.Handle(topic, fn); err != nil {
			return err
		}
	}
	return nil
}
