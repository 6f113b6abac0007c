package domain

import (
	"fmt"
	"time"
)

// Ticket is the aggregate for support requests. Its status only changes
// through a workflow transition.
type Ticket struct {
	ID           int64
	TicketNo     string
	Title        string
	StatusID     int64
	ProjectID    int64
	CategoriesID int64
	CreatedBy    int64
	IsEnabled    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Active reports whether the ticket can take part in workflows.
func (t *Ticket) Active() bool {
	return t.IsEnabled && t.DeletedAt == nil
}

// FormatTicketNo renders the business key, e.g. T2501-00007.
func FormatTicketNo(createdAt time.Time, seq int64) string {
	return fmt.Sprintf("T%s-%05d", createdAt.UTC().Format("0601"), seq)
}

// TicketAssignee links a support user to a ticket.
type TicketAssignee struct {
	TicketID   int64
	UserID     int64
	AssignedBy int64
	CreatedAt  time.Time
}
