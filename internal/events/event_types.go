package events

import (
	"encoding/json"
	"time"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated       EventType = "ticket.created"
	EventTicketStatusChanged EventType = "ticket.status.changed"
	EventTicketAssigned      EventType = "ticket.assigned"
)

// Topic returns the topic subscriber consumes eventType on.
func Topic(subscriber string, eventType EventType) string {
	return subscriber + "." + string(eventType)
}

// Event is the immutable envelope delivered to every subscriber. Key is
// the ticket number and doubles as the broker partition key.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	Key           string          `json:"key"`
	OriginService string          `json:"originService"`
	EmittedAt     time.Time       `json:"emittedAt"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	TicketID     int64  `json:"ticketId"`
	TicketNo     string `json:"ticketNo"`
	Title        string `json:"title"`
	StatusID     int64  `json:"statusId"`
	ProjectID    int64  `json:"projectId"`
	CategoriesID int64  `json:"categoriesId"`
	CreatedBy    int64  `json:"createdBy"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	TicketID    int64  `json:"ticketId"`
	TicketNo    string `json:"ticketNo"`
	OldStatusID int64  `json:"oldStatusId"`
	NewStatusID int64  `json:"newStatusId"`
	ChangedBy   int64  `json:"changedBy"`
	HistoryID   int64  `json:"historyId"`
	Comment     string `json:"comment,omitempty"`
}

// TicketAssignedPayload payload.
type TicketAssignedPayload struct {
	TicketID        int64   `json:"ticketId"`
	TicketNo        string  `json:"ticketNo"`
	StatusID        int64   `json:"statusId"`
	AssigneeUserIDs []int64 `json:"assigneeUserIds"`
	AssignedBy      int64   `json:"assignedBy"`
}
