// Package workflow runs the ticket status saga: validate through remote
// calls, commit locally, then announce the change.
package workflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/events"
	"github.com/spec-kit/helpdesk/internal/observability"
	"github.com/spec-kit/helpdesk/internal/repository"
	"github.com/spec-kit/helpdesk/internal/rpc"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

// Transition outcomes recorded in metrics.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeAborted   = "aborted"
)

// DefaultInitialStatusID is the status a new ticket starts in.
const DefaultInitialStatusID int64 = 1

// Config tunes the orchestrator.
type Config struct {
	CallTimeout              time.Duration
	InitialStatusID          int64
	CreatedSubscribers       []string
	StatusChangedSubscribers []string
	AssignedSubscribers      []string
}

// Dependencies bundles collaborators for the orchestrator.
type Dependencies struct {
	Caller    rpc.Caller
	Tickets   repository.TicketRepository
	Publisher events.Publisher
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Orchestrator coordinates ticket workflows across services.
type Orchestrator struct {
	cfg       Config
	caller    rpc.Caller
	tickets   repository.TicketRepository
	publisher events.Publisher
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics
	validate  *validator.Validate
}

// New constructs the orchestrator.
func New(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.InitialStatusID == 0 {
		cfg.InitialStatusID = DefaultInitialStatusID
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		caller:    deps.Caller,
		tickets:   deps.Tickets,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		logger:    deps.Logger.Named("workflow"),
		metrics:   deps.Metrics,
		validate:  validator.New(),
	}
}

// TransitionInput requests a status change.
type TransitionInput struct {
	TicketID    int64  `validate:"required,gt=0"`
	NewStatusID int64  `validate:"required,gt=0"`
	ActorUserID int64  `validate:"required,gt=0"`
	Comment     string `validate:"max=2000"`
	// RequestKey names the causal request, e.g. the broker correlation ID.
	// A replay with the same key re-confirms instead of writing again.
	RequestKey string `validate:"max=200"`
}

// TransitionResult reports the committed state. Duplicate is set when the
// request re-confirmed the current status without writing.
type TransitionResult struct {
	Ticket      domain.Ticket
	OldStatusID int64
	NewStatusID int64
	History     domain.StatusHistory
	Duplicate   bool
	Delivery    events.Report
}

// Transition moves a ticket to a new status. Ticket and status are checked
// through remote calls first; any failure there, including a timeout,
// aborts before anything is written. The event goes out only after commit
// and its failures never fail the transition.
func (o *Orchestrator) Transition(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	if err := o.validate.Struct(in); err != nil {
		o.metrics.RecordTransition(OutcomeRejected)
		return nil, apperrors.NewValidationError("invalid transition request", map[string]any{"reason": err.Error()})
	}

	if _, err := o.activeTicket(ctx, in.TicketID); err != nil {
		o.metrics.RecordTransition(outcomeFor(err))
		return nil, err
	}
	if err := o.checkStatus(ctx, in.NewStatusID); err != nil {
		o.metrics.RecordTransition(outcomeFor(err))
		return nil, err
	}

	result := &TransitionResult{NewStatusID: in.NewStatusID}
	err := o.tickets.WithinTransaction(ctx, func(ctx context.Context, tx repository.TicketTx) error {
		ticket, err := tx.Lock(ctx, in.TicketID)
		if err != nil {
			return err
		}
		if !ticket.Active() {
			return apperrors.NewNotFound("ticket", map[string]any{"ticketId": in.TicketID})
		}
		latest, err := tx.LatestHistory(ctx, ticket.ID)
		if err != nil {
			return err
		}

		result.OldStatusID = ticket.StatusID
		if in.RequestKey != "" {
			prior, err := tx.HistoryByRequestKey(ctx, ticket.ID, in.RequestKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.StatusID != in.NewStatusID {
					return apperrors.NewConflict("request key already used for another status", map[string]any{
						"ticketId":   ticket.ID,
						"requestKey": in.RequestKey,
						"statusId":   prior.StatusID,
					})
				}
				result.Ticket = *ticket
				result.History = *prior
				result.Duplicate = true
				return nil
			}
		}
		if ticket.StatusID == in.NewStatusID && latest != nil && latest.StatusID == in.NewStatusID {
			result.Ticket = *ticket
			result.History = *latest
			result.Duplicate = true
			return nil
		}

		now := o.clock.Now().UTC()
		if err := tx.UpdateStatus(ctx, ticket.ID, in.NewStatusID, now); err != nil {
			return err
		}
		history := domain.StatusHistory{
			TicketID:   ticket.ID,
			StatusID:   in.NewStatusID,
			CreatedBy:  in.ActorUserID,
			Comment:    in.Comment,
			CreatedAt:  now,
			RequestKey: in.RequestKey,
		}
		if err := tx.AppendHistory(ctx, &history); err != nil {
			if errors.Is(err, repository.ErrDuplicateHistory) {
				return apperrors.NewConflict("transition already recorded for this request", map[string]any{
					"ticketId":   ticket.ID,
					"requestKey": in.RequestKey,
				})
			}
			return err
		}
		ticket.StatusID = in.NewStatusID
		ticket.UpdatedAt = now
		result.Ticket = *ticket
		result.History = history
		return nil
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeConflict) {
			o.metrics.RecordTransition(OutcomeRejected)
		} else {
			o.metrics.RecordTransition(OutcomeAborted)
		}
		return nil, apperrors.MapError(err)
	}

	if result.Duplicate {
		o.metrics.RecordTransition(OutcomeDuplicate)
		o.logger.Info("transition re-confirmed",
			zap.Int64("ticket_id", in.TicketID),
			zap.String("ticket_no", result.Ticket.TicketNo),
			zap.Int64("status_id", in.NewStatusID))
		return result, nil
	}

	o.metrics.RecordTransition(OutcomeApplied)
	o.logger.Info("ticket transitioned",
		zap.Int64("ticket_id", result.Ticket.ID),
		zap.String("ticket_no", result.Ticket.TicketNo),
		zap.Int64("old_status_id", result.OldStatusID),
		zap.Int64("new_status_id", result.NewStatusID),
		zap.Int64("actor_user_id", in.ActorUserID))

	result.Delivery = o.publish(ctx, events.EventTicketStatusChanged, result.Ticket.TicketNo, events.TicketStatusChangedPayload{
		TicketID:    result.Ticket.ID,
		TicketNo:    result.Ticket.TicketNo,
		OldStatusID: result.OldStatusID,
		NewStatusID: result.NewStatusID,
		ChangedBy:   in.ActorUserID,
		HistoryID:   result.History.ID,
		Comment:     in.Comment,
	}, o.cfg.StatusChangedSubscribers)
	return result, nil
}

// CreateInput describes a new ticket.
type CreateInput struct {
	Title        string `validate:"required,max=255"`
	ProjectID    int64  `validate:"required,gt=0"`
	CategoriesID int64  `validate:"required,gt=0"`
	CreatedBy    int64  `validate:"required,gt=0"`
}

// CreateResult carries the stored ticket and its first history entry.
type CreateResult struct {
	Ticket   domain.Ticket
	History  domain.StatusHistory
	Delivery events.Report
}

// Create stores a ticket in the initial status with its first history
// entry, then announces ticket.created.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if err := o.validate.Struct(in); err != nil {
		return nil, apperrors.NewValidationError("invalid ticket", map[string]any{"reason": err.Error()})
	}

	result := &CreateResult{}
	err := o.tickets.WithinTransaction(ctx, func(ctx context.Context, tx repository.TicketTx) error {
		seq, err := tx.NextSequence(ctx)
		if err != nil {
			return err
		}
		now := o.clock.Now().UTC()
		ticket := domain.Ticket{
			TicketNo:     domain.FormatTicketNo(now, seq),
			Title:        in.Title,
			StatusID:     o.cfg.InitialStatusID,
			ProjectID:    in.ProjectID,
			CategoriesID: in.CategoriesID,
			CreatedBy:    in.CreatedBy,
			IsEnabled:    true,
			CreatedAt:    now,
		}
		if err := tx.Insert(ctx, &ticket); err != nil {
			return err
		}
		history := domain.StatusHistory{
			TicketID:  ticket.ID,
			StatusID:  ticket.StatusID,
			CreatedBy: in.CreatedBy,
			CreatedAt: now,
		}
		if err := tx.AppendHistory(ctx, &history); err != nil {
			return err
		}
		result.Ticket = ticket
		result.History = history
		return nil
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	o.logger.Info("ticket created",
		zap.Int64("ticket_id", result.Ticket.ID),
		zap.String("ticket_no", result.Ticket.TicketNo),
		zap.Int64("created_by", in.CreatedBy))

	result.Delivery = o.publish(ctx, events.EventTicketCreated, result.Ticket.TicketNo, events.TicketCreatedPayload{
		TicketID:     result.Ticket.ID,
		TicketNo:     result.Ticket.TicketNo,
		Title:        result.Ticket.Title,
		StatusID:     result.Ticket.StatusID,
		ProjectID:    result.Ticket.ProjectID,
		CategoriesID: result.Ticket.CategoriesID,
		CreatedBy:    result.Ticket.CreatedBy,
	}, o.cfg.CreatedSubscribers)
	return result, nil
}

// AssignInput adds support users to a ticket.
type AssignInput struct {
	TicketID        int64   `validate:"required,gt=0"`
	AssigneeUserIDs []int64 `validate:"required,min=1,dive,gt=0"`
	ActorUserID     int64   `validate:"required,gt=0"`
}

// AssignResult lists the assignees that were new.
type AssignResult struct {
	TicketID int64
	TicketNo string
	Added    []int64
	Delivery events.Report
}

// Assign validates the ticket and the assignees remotely, records the new
// assignees and announces ticket.assigned when at least one was added.
func (o *Orchestrator) Assign(ctx context.Context, in AssignInput) (*AssignResult, error) {
	if err := o.validate.Struct(in); err != nil {
		return nil, apperrors.NewValidationError("invalid assignment", map[string]any{"reason": err.Error()})
	}
	assignees := uniqueIDs(in.AssigneeUserIDs)

	view, err := o.activeTicket(ctx, in.TicketID)
	if err != nil {
		return nil, err
	}

	var users contracts.UsersReply
	if err := rpc.Into(ctx, o.caller, contracts.ServiceUser, contracts.TopicUserLookup,
		contracts.UserLookupRequest{UserIDs: assignees}, o.cfg.CallTimeout, &users, rpc.WithKey(view.TicketNo)); err != nil {
		return nil, err
	}
	if missing := missingIDs(assignees, users.Users); len(missing) > 0 {
		return nil, apperrors.NewInvalidArgument("unknown assignee", map[string]any{"userIds": missing})
	}

	var added []int64
	err = o.tickets.WithinTransaction(ctx, func(ctx context.Context, tx repository.TicketTx) error {
		ticket, err := tx.Lock(ctx, in.TicketID)
		if err != nil {
			return err
		}
		added, err = tx.AddAssignees(ctx, ticket.ID, assignees, in.ActorUserID, o.clock.Now().UTC())
		return err
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	result := &AssignResult{TicketID: view.ID, TicketNo: view.TicketNo, Added: added}
	if len(added) == 0 {
		return result, nil
	}
	o.logger.Info("ticket assigned",
		zap.String("ticket_no", view.TicketNo),
		zap.Int64s("added", added),
		zap.Int64("actor_user_id", in.ActorUserID))

	result.Delivery = o.publish(ctx, events.EventTicketAssigned, view.TicketNo, events.TicketAssignedPayload{
		TicketID:        view.ID,
		TicketNo:        view.TicketNo,
		StatusID:        view.StatusID,
		AssigneeUserIDs: added,
		AssignedBy:      in.ActorUserID,
	}, o.cfg.AssignedSubscribers)
	return result, nil
}

// activeTicket fetches the ticket through the owning service. Disabled and
// deleted tickets count as missing.
func (o *Orchestrator) activeTicket(ctx context.Context, ticketID int64) (*contracts.TicketView, error) {
	var view contracts.TicketView
	err := rpc.Into(ctx, o.caller, contracts.ServiceTicket, contracts.TopicTicketGet,
		contracts.TicketGetRequest{TicketID: ticketID}, o.cfg.CallTimeout, &view,
		rpc.WithKey(strconv.FormatInt(ticketID, 10)))
	if err != nil {
		o.logger.Warn("ticket validation failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return nil, err
	}
	if !view.Active() {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticketId": ticketID})
	}
	return &view, nil
}

func (o *Orchestrator) checkStatus(ctx context.Context, statusID int64) error {
	var status contracts.StatusView
	err := rpc.Into(ctx, o.caller, contracts.ServiceStatus, contracts.TopicStatusGet,
		contracts.StatusGetRequest{StatusID: statusID}, o.cfg.CallTimeout, &status)
	switch {
	case apperrors.IsNotFound(err):
		return apperrors.NewInvalidArgument("invalid status", map[string]any{"statusId": statusID})
	case err != nil:
		o.logger.Warn("status validation failed", zap.Int64("status_id", statusID), zap.Error(err))
		return err
	case !status.IsEnabled:
		return apperrors.NewInvalidArgument("invalid status", map[string]any{"statusId": statusID, "reason": "disabled"})
	}
	return nil
}

// publish runs after commit. The caller's cancellation must not cut the
// fan-out short once the change is durable.
func (o *Orchestrator) publish(ctx context.Context, eventType events.EventType, key string, payload any, subscribers []string) events.Report {
	if o.publisher == nil || len(subscribers) == 0 {
		return events.Report{Type: eventType}
	}
	report := o.publisher.PublishEvent(context.WithoutCancel(ctx), eventType, key, payload, subscribers)
	if !report.OK() {
		o.logger.Warn("event fan-out incomplete",
			zap.String("event_type", string(eventType)),
			zap.String("ticket_no", key),
			zap.Strings("delivered", report.Delivered),
			zap.Strings("failed", failedNames(report)))
	}
	return report
}

func outcomeFor(err error) string {
	if apperrors.IsTimeout(err) || apperrors.IsTransport(err) {
		return OutcomeAborted
	}
	return OutcomeRejected
}

func failedNames(r events.Report) []string {
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	return names
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func missingIDs(want []int64, found []contracts.UserContact) []int64 {
	have := make(map[int64]struct{}, len(found))
	for _, u := range found {
		have[u.ID] = struct{}{}
	}
	var missing []int64
	for _, id := range want {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
