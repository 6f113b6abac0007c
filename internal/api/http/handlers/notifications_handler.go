package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/helpdesk/internal/api/dto"
	"github.com/spec-kit/helpdesk/internal/domain"
)

const maxPageSize = 100

// Inbox is the recipient side of the notification service.
type Inbox interface {
	ListForRecipient(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id, userID int64) error
}

// NotificationsHandler serves the caller's own notifications.
type NotificationsHandler struct {
	inbox Inbox
}

func NewNotificationsHandler(inbox Inbox) *NotificationsHandler {
	return &NotificationsHandler{inbox: inbox}
}

// List GET /notifications?unread=true&page=1&page_size=20.
func (h *NotificationsHandler) List(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	page := parseInt(c.Query("page"), 1)
	pageSize := parseInt(c.Query("page_size"), 20)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	rows, err := h.inbox.ListForRecipient(c.UserContext(), p.UserID, c.QueryBool("unread", false), pageSize, (page-1)*pageSize)
	if err != nil {
		return err
	}
	items := make([]dto.NotificationResponse, 0, len(rows))
	for i := range rows {
		items = append(items, notificationResponse(&rows[i]))
	}
	return c.JSON(fiber.Map{"data": items, "page": page, "page_size": pageSize})
}

// MarkRead POST /notifications/:id/read.
func (h *NotificationsHandler) MarkRead(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if err := h.inbox.MarkRead(c.UserContext(), id, p.UserID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func notificationResponse(n *domain.Notification) dto.NotificationResponse {
	return dto.NotificationResponse{
		ID:              n.ID,
		TicketNo:        n.TicketNo,
		Type:            string(n.Type),
		TriggerStatusID: n.TriggerStatusID,
		Subject:         n.Subject,
		Body:            n.Body,
		EmailSent:       n.EmailSent,
		IsRead:          n.IsRead,
		CreatedAt:       n.CreatedAt,
	}
}
