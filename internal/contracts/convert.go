package contracts

import "github.com/spec-kit/helpdesk/internal/domain"

func NewTicketView(t *domain.Ticket) TicketView {
	return TicketView{
		ID:           t.ID,
		TicketNo:     t.TicketNo,
		Title:        t.Title,
		StatusID:     t.StatusID,
		ProjectID:    t.ProjectID,
		CategoriesID: t.CategoriesID,
		CreatedBy:    t.CreatedBy,
		IsEnabled:    t.IsEnabled,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		DeletedAt:    t.DeletedAt,
	}
}

// Active mirrors domain.Ticket.Active for a remote view.
func (v TicketView) Active() bool {
	return v.IsEnabled && v.DeletedAt == nil
}

func NewHistoryView(h *domain.StatusHistory) HistoryView {
	return HistoryView{
		ID:        h.ID,
		TicketID:  h.TicketID,
		StatusID:  h.StatusID,
		CreatedBy: h.CreatedBy,
		Comment:   h.Comment,
		CreatedAt: h.CreatedAt,
	}
}

func NewStatusView(s *domain.Status) StatusView {
	return StatusView{ID: s.ID, Name: s.Name, IsEnabled: s.IsEnabled}
}

func NewUserContact(u *domain.User) UserContact {
	return UserContact{ID: u.ID, Email: u.Email, FullName: u.FullName, RoleID: u.RoleID}
}
