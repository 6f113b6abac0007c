package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/helpdesk/internal/api/dto"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/workflow"
)

// TicketWorkflow is the part of the orchestrator the HTTP layer drives.
type TicketWorkflow interface {
	Create(ctx context.Context, in workflow.CreateInput) (*workflow.CreateResult, error)
	Transition(ctx context.Context, in workflow.TransitionInput) (*workflow.TransitionResult, error)
	Assign(ctx context.Context, in workflow.AssignInput) (*workflow.AssignResult, error)
}

// TicketsHandler manages ticket endpoints.
type TicketsHandler struct {
	workflow TicketWorkflow
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(wf TicketWorkflow) *TicketsHandler {
	return &TicketsHandler{workflow: wf}
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	req, err := bindBody[dto.CreateTicketRequest](c)
	if err != nil {
		return err
	}
	result, err := h.workflow.Create(c.UserContext(), workflow.CreateInput{
		Title:        req.Title,
		ProjectID:    req.ProjectID,
		CategoriesID: req.CategoriesID,
		CreatedBy:    p.UserID,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": ticketResponse(&result.Ticket)})
}

// UpdateStatus POST /tickets/:id/status.
func (h *TicketsHandler) UpdateStatus(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ticketID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	req, err := bindBody[dto.UpdateStatusRequest](c)
	if err != nil {
		return err
	}
	// Only a client supplied request ID dedups; retries must resend it.
	result, err := h.workflow.Transition(c.UserContext(), workflow.TransitionInput{
		TicketID:    ticketID,
		NewStatusID: req.StatusID,
		ActorUserID: p.UserID,
		Comment:     req.Comment,
		RequestKey:  c.Get(fiber.HeaderXRequestID),
	})
	if err != nil {
		return err
	}

	resp := dto.TransitionResponse{
		Ticket:      ticketResponse(&result.Ticket),
		OldStatusID: result.OldStatusID,
		History:     historyResponse(&result.History),
		Duplicate:   result.Duplicate,
	}
	for subscriber := range result.Delivery.Failed {
		resp.Undelivered = append(resp.Undelivered, subscriber)
	}
	sort.Strings(resp.Undelivered)
	return c.JSON(fiber.Map{"data": resp})
}

// AddAssignees POST /tickets/:id/assignees.
func (h *TicketsHandler) AddAssignees(c *fiber.Ctx) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	ticketID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	req, err := bindBody[dto.AssignRequest](c)
	if err != nil {
		return err
	}
	result, err := h.workflow.Assign(c.UserContext(), workflow.AssignInput{
		TicketID:        ticketID,
		AssigneeUserIDs: req.UserIDs,
		ActorUserID:     p.UserID,
	})
	if err != nil {
		return err
	}
	added := result.Added
	if added == nil {
		added = []int64{}
	}
	return c.JSON(fiber.Map{"data": dto.AssignResponse{TicketNo: result.TicketNo, Added: added}})
}

func ticketResponse(t *domain.Ticket) dto.TicketResponse {
	return dto.TicketResponse{
		ID:           t.ID,
		TicketNo:     t.TicketNo,
		Title:        t.Title,
		StatusID:     t.StatusID,
		ProjectID:    t.ProjectID,
		CategoriesID: t.CategoriesID,
		CreatedBy:    t.CreatedBy,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func historyResponse(h *domain.StatusHistory) dto.HistoryResponse {
	return dto.HistoryResponse{
		ID:        h.ID,
		StatusID:  h.StatusID,
		CreatedBy: h.CreatedBy,
		Comment:   h.Comment,
		CreatedAt: h.CreatedAt,
	}
}
