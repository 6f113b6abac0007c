package dto

import "time"

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title        string `json:"title" validate:"required,max=255"`
	ProjectID    int64  `json:"project_id" validate:"required,gt=0"`
	CategoriesID int64  `json:"categories_id" validate:"required,gt=0"`
}

// UpdateStatusRequest payload for POST /tickets/:id/status.
type UpdateStatusRequest struct {
	StatusID int64  `json:"status_id" validate:"required,gt=0"`
	Comment  string `json:"comment" validate:"max=2000"`
}

// AssignRequest payload for POST /tickets/:id/assignees.
type AssignRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}

// TicketResponse represents a ticket.
type TicketResponse struct {
	ID           int64     `json:"id"`
	TicketNo     string    `json:"ticket_no"`
	Title        string    `json:"title"`
	StatusID     int64     `json:"status_id"`
	ProjectID    int64     `json:"project_id"`
	CategoriesID int64     `json:"categories_id"`
	CreatedBy    int64     `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HistoryResponse represents one status history entry.
type HistoryResponse struct {
	ID        int64     `json:"id"`
	StatusID  int64     `json:"status_id"`
	CreatedBy int64     `json:"created_by"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TransitionResponse is returned by POST /tickets/:id/status.
type TransitionResponse struct {
	Ticket      TicketResponse  `json:"ticket"`
	OldStatusID int64           `json:"old_status_id"`
	History     HistoryResponse `json:"history"`
	Duplicate   bool            `json:"duplicate"`
	// Undelivered lists subscribers the change event did not reach.
	Undelivered []string `json:"undelivered,omitempty"`
}

// AssignResponse is returned by POST /tickets/:id/assignees.
type AssignResponse struct {
	TicketNo string  `json:"ticket_no"`
	Added    []int64 `json:"added"`
}
