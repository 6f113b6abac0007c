// Package notification turns ticket events into per-recipient notification
// rows and best-effort emails.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/events"
	"github.com/spec-kit/helpdesk/internal/observability"
	"github.com/spec-kit/helpdesk/internal/repository"
	"github.com/spec-kit/helpdesk/internal/rpc"
)

// Config tunes recipient resolution.
type Config struct {
	SupporterRoleIDs []int64
	CallTimeout      time.Duration
}

// Dependencies bundles collaborators for the service.
type Dependencies struct {
	Caller        rpc.Caller
	Notifications repository.NotificationRepository
	Mailer        Mailer
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// NotificationService handles ticket events for the notification service.
type NotificationService struct {
	cfg           Config
	caller        rpc.Caller
	notifications repository.NotificationRepository
	mailer        Mailer
	logger        *zap.Logger
	metrics       *observability.Metrics
}

// NewNotificationService creates the service.
func NewNotificationService(cfg Config, deps Dependencies) *NotificationService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &NotificationService{
		cfg:           cfg,
		caller:        deps.Caller,
		notifications: deps.Notifications,
		mailer:        deps.Mailer,
		logger:        deps.Logger.Named("notification"),
		metrics:       deps.Metrics,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers(dispatcher events.Dispatcher) {
	if dispatcher == nil {
		return
	}
	dispatcher.Subscribe(events.EventTicketCreated, n.handleTicketCreated)
	dispatcher.Subscribe(events.EventTicketStatusChanged, n.handleTicketStatusChanged)
	dispatcher.Subscribe(events.EventTicketAssigned, n.handleTicketAssigned)
}

func (n *NotificationService) handleTicketStatusChanged(ctx context.Context, event events.Event) error {
	var payload events.TicketStatusChangedPayload
	if err := event.Decode(&payload); err != nil {
		n.logger.Warn("malformed status change event", zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}

	// Current ticket state comes from the owner, not the event.
	ticket, err := n.ticket(ctx, payload.TicketNo)
	if err != nil {
		return err
	}
	supporters, err := n.supporters(ctx, payload.TicketNo)
	if err != nil {
		return err
	}
	creator, err := n.lookup(ctx, payload.TicketNo, []int64{ticket.CreatedBy})
	if err != nil {
		return err
	}

	statusName := n.statusName(ctx, payload.NewStatusID)
	recipients := mergeRecipients(payload.ChangedBy, creator, supporters)
	subject := fmt.Sprintf("Ticket %s is now %s", payload.TicketNo, statusName)
	body := fmt.Sprintf("Ticket %s (%s) moved to %s.", payload.TicketNo, ticket.Title, statusName)
	if payload.Comment != "" {
		body += "\n\nComment: " + payload.Comment
	}
	return n.notify(ctx, payload.TicketNo, domain.NotificationTicketStatusChanged, payload.NewStatusID, subject, body, recipients)
}

func (n *NotificationService) handleTicketCreated(ctx context.Context, event events.Event) error {
	var payload events.TicketCreatedPayload
	if err := event.Decode(&payload); err != nil {
		n.logger.Warn("malformed ticket created event", zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}
	supporters, err := n.supporters(ctx, payload.TicketNo)
	if err != nil {
		return err
	}

	recipients := mergeRecipients(payload.CreatedBy, supporters)
	subject := fmt.Sprintf("New ticket %s", payload.TicketNo)
	body := fmt.Sprintf("Ticket %s was opened: %s", payload.TicketNo, payload.Title)
	return n.notify(ctx, payload.TicketNo, domain.NotificationTicketCreated, payload.StatusID, subject, body, recipients)
}

func (n *NotificationService) handleTicketAssigned(ctx context.Context, event events.Event) error {
	var payload events.TicketAssignedPayload
	if err := event.Decode(&payload); err != nil {
		n.logger.Warn("malformed ticket assigned event", zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}
	if len(payload.AssigneeUserIDs) == 0 {
		return nil
	}
	assignees, err := n.lookup(ctx, payload.TicketNo, payload.AssigneeUserIDs)
	if err != nil {
		return err
	}

	recipients := mergeRecipients(payload.AssignedBy, assignees)
	subject := fmt.Sprintf("Ticket %s was assigned to you", payload.TicketNo)
	body := fmt.Sprintf("You are now an assignee of ticket %s.", payload.TicketNo)
	return n.notify(ctx, payload.TicketNo, domain.NotificationTicketAssigned, payload.StatusID, subject, body, recipients)
}

// notify creates at most one row per recipient for this trigger and emails
// only rows that did not exist before. A failed insert is returned so the
// event can be retried; a failed email is not.
func (n *NotificationService) notify(ctx context.Context, ticketNo string, kind domain.NotificationType, triggerStatusID int64, subject, body string, recipients []contracts.UserContact) error {
	var errs []error
	for _, r := range recipients {
		row := &domain.Notification{
			TicketNo:        ticketNo,
			RecipientUserID: r.ID,
			RecipientEmail:  r.Email,
			Type:            kind,
			TriggerStatusID: triggerStatusID,
			Subject:         subject,
			Body:            body,
		}
		created, err := n.notifications.CreateIfAbsent(ctx, row)
		if err != nil {
			n.logger.Error("create notification failed",
				zap.String("ticket_no", ticketNo),
				zap.Int64("recipient_user_id", r.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		n.metrics.RecordNotification(string(kind), created)
		if !created {
			n.logger.Debug("duplicate notification suppressed",
				zap.String("ticket_no", ticketNo),
				zap.Int64("recipient_user_id", r.ID),
				zap.String("type", string(kind)))
			continue
		}
		n.Deliver(ctx, row)
	}
	return errors.Join(errs...)
}

// Deliver sends the email for a stored notification and records the
// outcome on the row. Failures are logged, never returned.
func (n *NotificationService) Deliver(ctx context.Context, row *domain.Notification) {
	if n.mailer == nil || row.RecipientEmail == "" {
		return
	}
	err := n.mailer.Send(ctx, row.RecipientEmail, row.Subject, row.Body)
	n.metrics.RecordEmail(err)
	if err != nil {
		n.logger.Warn("email delivery failed",
			zap.Int64("notification_id", row.ID),
			zap.String("ticket_no", row.TicketNo),
			zap.Error(err))
		if markErr := n.notifications.MarkEmailFailed(ctx, row.ID, err.Error()); markErr != nil {
			n.logger.Error("record email failure", zap.Int64("notification_id", row.ID), zap.Error(markErr))
		}
		row.EmailAttempts++
		reason := err.Error()
		row.LastEmailError = &reason
		return
	}
	if err := n.notifications.MarkEmailSent(ctx, row.ID); err != nil {
		n.logger.Error("record email sent", zap.Int64("notification_id", row.ID), zap.Error(err))
		return
	}
	row.EmailAttempts++
	row.EmailSent = true
}

// ListForRecipient returns the user's notifications, newest first.
func (n *NotificationService) ListForRecipient(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]domain.Notification, error) {
	return n.notifications.ListByRecipient(ctx, userID, unreadOnly, limit, offset)
}

// MarkRead marks a notification owned by userID as read.
func (n *NotificationService) MarkRead(ctx context.Context, id, userID int64) error {
	return n.notifications.MarkRead(ctx, id, userID)
}

func (n *NotificationService) ticket(ctx context.Context, ticketNo string) (*contracts.TicketView, error) {
	var view contracts.TicketView
	err := rpc.Into(ctx, n.caller, contracts.ServiceTicket, contracts.TopicTicketGet,
		contracts.TicketGetRequest{TicketNo: ticketNo}, n.cfg.CallTimeout, &view, rpc.WithKey(ticketNo))
	if err != nil {
		n.logger.Warn("resolve ticket failed", zap.String("ticket_no", ticketNo), zap.Error(err))
		return nil, err
	}
	return &view, nil
}

func (n *NotificationService) supporters(ctx context.Context, ticketNo string) ([]contracts.UserContact, error) {
	if len(n.cfg.SupporterRoleIDs) == 0 {
		return nil, nil
	}
	var reply contracts.UsersReply
	err := rpc.Into(ctx, n.caller, contracts.ServiceUser, contracts.TopicUserSupporters,
		contracts.SupportersRequest{RoleIDs: n.cfg.SupporterRoleIDs}, n.cfg.CallTimeout, &reply, rpc.WithKey(ticketNo))
	if err != nil {
		n.logger.Warn("resolve supporters failed", zap.String("ticket_no", ticketNo), zap.Error(err))
		return nil, err
	}
	return reply.Users, nil
}

func (n *NotificationService) lookup(ctx context.Context, ticketNo string, ids []int64) ([]contracts.UserContact, error) {
	var reply contracts.UsersReply
	err := rpc.Into(ctx, n.caller, contracts.ServiceUser, contracts.TopicUserLookup,
		contracts.UserLookupRequest{UserIDs: ids}, n.cfg.CallTimeout, &reply, rpc.WithKey(ticketNo))
	if err != nil {
		n.logger.Warn("resolve users failed", zap.String("ticket_no", ticketNo), zap.Error(err))
		return nil, err
	}
	return reply.Users, nil
}

// statusName falls back to the numeric ID when the catalog is unreachable.
func (n *NotificationService) statusName(ctx context.Context, statusID int64) string {
	var view contracts.StatusView
	err := rpc.Into(ctx, n.caller, contracts.ServiceStatus, contracts.TopicStatusGet,
		contracts.StatusGetRequest{StatusID: statusID}, n.cfg.CallTimeout, &view)
	if err != nil || view.Name == "" {
		return fmt.Sprintf("status %d", statusID)
	}
	return view.Name
}

// mergeRecipients flattens the groups, dropping duplicates and the actor.
func mergeRecipients(actor int64, groups ...[]contracts.UserContact) []contracts.UserContact {
	seen := map[int64]struct{}{actor: {}}
	var out []contracts.UserContact
	for _, group := range groups {
		for _, u := range group {
			if _, ok := seen[u.ID]; ok {
				continue
			}
			seen[u.ID] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
