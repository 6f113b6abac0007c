package domain

import "time"

// NotificationType names the event that produced a notification.
type NotificationType string

const (
	NotificationTicketCreated       NotificationType = "ticket_created"
	NotificationTicketStatusChanged NotificationType = "ticket_status_changed"
	NotificationTicketAssigned      NotificationType = "ticket_assigned"
)

// Notification is one in-app message for one recipient. At most one row
// exists per (TicketNo, RecipientUserID, Type, TriggerStatusID).
type Notification struct {
	ID              int64
	TicketNo        string
	RecipientUserID int64
	RecipientEmail  string
	Type            NotificationType
	TriggerStatusID int64
	Subject         string
	Body            string
	IsRead          bool
	EmailSent       bool
	EmailAttempts   int
	LastEmailError  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
