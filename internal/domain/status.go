package domain

import "time"

// Status is a catalog entry owned by the status service.
type Status struct {
	ID        int64
	Name      string
	IsEnabled bool
}

// StatusHistory is an append-only record of a ticket entering a status.
type StatusHistory struct {
	ID        int64
	TicketID  int64
	StatusID  int64
	CreatedBy int64
	Comment   string
	CreatedAt time.Time
	// RequestKey identifies the request that wrote the entry, empty when
	// the caller sent none. Unique per ticket.
	RequestKey string
}
