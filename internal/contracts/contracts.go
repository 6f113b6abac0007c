// Package contracts holds the service names, topics and wire payloads
// shared by callers and responders.
package contracts

import "time"

// Logical service names. Each is also the consumer group of its requests
// and the prefix of the event topics it subscribes to.
const (
	ServiceTicket       = "ticket"
	ServiceStatus       = "status"
	ServiceUser         = "user"
	ServiceNotification = "notification"
	ServiceSatisfaction = "satisfaction"
)

// Request topics.
const (
	TopicTicketGet          = "ticket.get"
	TopicTicketStatusUpdate = "ticket.status.update"
	TopicTicketAssign       = "ticket.assign"
	TopicStatusGet          = "status.get"
	TopicStatusList         = "status.list"
	TopicUserLookup         = "user.lookup"
	TopicUserSupporters     = "user.supporters"
)

// TicketGetRequest asks for a ticket by ID or by ticket number.
type TicketGetRequest struct {
	TicketID int64  `json:"ticketId,omitempty"`
	TicketNo string `json:"ticketNo,omitempty"`
}

// TicketView is the remote representation of a ticket.
type TicketView struct {
	ID           int64      `json:"id"`
	TicketNo     string     `json:"ticketNo"`
	Title        string     `json:"title"`
	StatusID     int64      `json:"statusId"`
	ProjectID    int64      `json:"projectId"`
	CategoriesID int64      `json:"categoriesId"`
	CreatedBy    int64      `json:"createdBy"`
	IsEnabled    bool       `json:"isEnabled"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// StatusUpdateRequest asks the ticket service to transition a ticket.
type StatusUpdateRequest struct {
	TicketID    int64  `json:"ticketId" validate:"required,gt=0"`
	NewStatusID int64  `json:"newStatusId" validate:"required,gt=0"`
	ActorUserID int64  `json:"actorUserId" validate:"required,gt=0"`
	Comment     string `json:"comment,omitempty" validate:"max=2000"`
	// RequestKey defaults to the request's correlation ID.
	RequestKey string `json:"requestKey,omitempty" validate:"max=200"`
}

// HistoryView is the remote representation of a status history entry.
type HistoryView struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticketId"`
	StatusID  int64     `json:"statusId"`
	CreatedBy int64     `json:"createdBy"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusUpdateReply reports the outcome of a transition.
type StatusUpdateReply struct {
	Ticket      TicketView  `json:"ticket"`
	OldStatusID int64       `json:"oldStatusId"`
	NewStatusID int64       `json:"newStatusId"`
	History     HistoryView `json:"history"`
	Duplicate   bool        `json:"duplicate"`
}

// AssignRequest adds assignees to a ticket.
type AssignRequest struct {
	TicketID        int64   `json:"ticketId" validate:"required,gt=0"`
	AssigneeUserIDs []int64 `json:"assigneeUserIds" validate:"required,min=1,dive,gt=0"`
	ActorUserID     int64   `json:"actorUserId" validate:"required,gt=0"`
}

// AssignReply lists which assignees were newly added.
type AssignReply struct {
	TicketID int64   `json:"ticketId"`
	TicketNo string  `json:"ticketNo"`
	Added    []int64 `json:"added"`
}

// StatusGetRequest asks for one status catalog entry.
type StatusGetRequest struct {
	StatusID int64 `json:"statusId" validate:"required,gt=0"`
}

// StatusView is the remote representation of a status.
type StatusView struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsEnabled bool   `json:"isEnabled"`
}

// StatusListReply carries the whole catalog.
type StatusListReply struct {
	Statuses []StatusView `json:"statuses"`
}

// UserLookupRequest resolves contact details for a set of users.
type UserLookupRequest struct {
	UserIDs []int64 `json:"userIds" validate:"required,min=1,dive,gt=0"`
}

// SupportersRequest lists enabled users holding any of the roles.
type SupportersRequest struct {
	RoleIDs []int64 `json:"roleIds" validate:"required,min=1,dive,gt=0"`
}

// UserContact is what other services need to know about a user.
type UserContact struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	RoleID   int64  `json:"roleId"`
}

// UsersReply carries resolved users. Unknown or disabled IDs are omitted.
type UsersReply struct {
	Users []UserContact `json:"users"`
}
