package dto

import "time"

// NotificationResponse is one entry of a user's inbox.
type NotificationResponse struct {
	ID              int64     `json:"id"`
	TicketNo        string    `json:"ticket_no"`
	Type            string    `json:"type"`
	TriggerStatusID int64     `json:"trigger_status_id"`
	Subject         string    `json:"subject"`
	Body            string    `json:"body"`
	EmailSent       bool      `json:"email_sent"`
	IsRead          bool      `json:"is_read"`
	CreatedAt       time.Time `json:"created_at"`
}
