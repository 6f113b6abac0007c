package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/events"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

type OrchestratorSuite struct {
	suite.Suite

	clock     *clock.FakeClock
	caller    *fakeCaller
	tickets   *fakeTickets
	publisher *fakePublisher
	orch      *Orchestrator
	ctx       context.Context
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.Fake(time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC))
	s.tickets = newFakeTickets()
	s.caller = newFakeCaller()
	s.caller.serveTickets(s.tickets)
	s.caller.serveStatuses(1, 2, 3, 4)
	s.publisher = &fakePublisher{}

	s.tickets.seed(domain.Ticket{
		ID:           7,
		TicketNo:     "T2501-00007",
		Title:        "VPN drops every hour",
		StatusID:     1,
		ProjectID:    3,
		CategoriesID: 9,
		CreatedBy:    11,
		IsEnabled:    true,
		CreatedAt:    s.clock.Now().Add(-time.Hour),
	}, s.clock.Now().Add(-time.Hour))

	s.orch = New(Config{
		CallTimeout:              5 * time.Second,
		CreatedSubscribers:       []string{contracts.ServiceNotification},
		StatusChangedSubscribers: []string{contracts.ServiceNotification, contracts.ServiceSatisfaction},
		AssignedSubscribers:      []string{contracts.ServiceNotification},
	}, Dependencies{
		Caller:    s.caller,
		Tickets:   s.tickets,
		Publisher: s.publisher,
		Clock:     s.clock,
		Logger:    zap.NewNop(),
	})
}

func (s *OrchestratorSuite) TestTransitionScenario() {
	result, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 3, ActorUserID: 42, Comment: "assigned to support"})
	s.Require().NoError(err)

	s.False(result.Duplicate)
	s.Equal(int64(1), result.OldStatusID)
	s.Equal(int64(3), result.NewStatusID)
	s.Equal(int64(3), result.Ticket.StatusID)

	stored, err := s.tickets.GetByID(s.ctx, 7)
	s.Require().NoError(err)
	s.Equal(int64(3), stored.StatusID)

	history := s.tickets.historyOf(7)
	s.Require().Len(history, 2)
	last := history[1]
	s.Equal(int64(7), last.TicketID)
	s.Equal(int64(3), last.StatusID)
	s.Equal(int64(42), last.CreatedBy)
	s.Equal("assigned to support", last.Comment)
	s.Equal(last, result.History)

	published := s.publisher.published()
	s.Require().Len(published, 1)
	s.Equal(events.EventTicketStatusChanged, published[0].Type)
	s.Equal("T2501-00007", published[0].Key)
	s.Equal([]string{"notification", "satisfaction"}, published[0].Subscribers)
	payload := published[0].Payload.(events.TicketStatusChangedPayload)
	s.Equal(int64(1), payload.OldStatusID)
	s.Equal(int64(3), payload.NewStatusID)
	s.Equal(int64(42), payload.ChangedBy)
	s.Equal(last.ID, payload.HistoryID)
	s.True(result.Delivery.OK())
}

func (s *OrchestratorSuite) TestUnknownTicketWritesNothing() {
	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 404, NewStatusID: 3, ActorUserID: 42})
	s.Require().Error(err)
	s.True(apperrors.IsNotFound(err))
	s.Empty(s.tickets.historyOf(404))
	s.Empty(s.publisher.published())
}

func (s *OrchestratorSuite) TestDisabledTicketIsNotFound() {
	s.tickets.seed(domain.Ticket{ID: 8, TicketNo: "T2501-00008", StatusID: 1, IsEnabled: false}, s.clock.Now())

	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 8, NewStatusID: 3, ActorUserID: 42})
	s.True(apperrors.IsNotFound(err))
	s.Len(s.tickets.historyOf(8), 1)
}

func (s *OrchestratorSuite) TestInvalidStatus() {
	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 99, ActorUserID: 42})
	s.Require().Error(err)
	s.True(apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	stored, _ := s.tickets.GetByID(s.ctx, 7)
	s.Equal(int64(1), stored.StatusID)
	s.Len(s.tickets.historyOf(7), 1)
	s.Empty(s.publisher.published())
}

func (s *OrchestratorSuite) TestValidationTimeoutAborts() {
	s.caller.on(contracts.TopicStatusGet, func(json.RawMessage) (any, error) {
		return nil, apperrors.NewTimeout("status.get", map[string]any{"timeoutMs": 5000})
	})

	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 3, ActorUserID: 42})
	s.Require().Error(err)
	s.True(apperrors.IsTimeout(err))

	stored, _ := s.tickets.GetByID(s.ctx, 7)
	s.Equal(int64(1), stored.StatusID)
	s.Len(s.tickets.historyOf(7), 1)
	s.Empty(s.publisher.published())
}

func (s *OrchestratorSuite) TestTransportErrorAborts() {
	s.caller.on(contracts.TopicTicketGet, func(json.RawMessage) (any, error) {
		return nil, apperrors.NewTransportError("transport closed", errors.New("closed"))
	})

	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 3, ActorUserID: 42})
	s.True(apperrors.IsTransport(err))
	s.Len(s.tickets.historyOf(7), 1)
}

func (s *OrchestratorSuite) TestRedeliveredTransitionWritesOnce() {
	in := TransitionInput{TicketID: 7, NewStatusID: 3, ActorUserID: 42, Comment: "assigned to support"}
	first, err := s.orch.Transition(s.ctx, in)
	s.Require().NoError(err)

	s.clock.Advance(3 * time.Second)
	second, err := s.orch.Transition(s.ctx, in)
	s.Require().NoError(err)

	s.True(second.Duplicate)
	s.Equal(first.History.ID, second.History.ID)
	s.Equal(int64(3), second.Ticket.StatusID)
	s.Len(s.tickets.historyOf(7), 2)
	s.Len(s.publisher.published(), 1)
}

func (s *OrchestratorSuite) TestFastReopenWithinOneSecondApplies() {
	for _, status := range []int64{3, 1, 3} {
		result, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: status, ActorUserID: 42})
		s.Require().NoError(err)
		s.False(result.Duplicate, "status %d", status)
		s.Equal(status, result.Ticket.StatusID)
	}

	stored, _ := s.tickets.GetByID(s.ctx, 7)
	s.Equal(int64(3), stored.StatusID)
	s.Len(s.tickets.historyOf(7), 4)
	s.Len(s.publisher.published(), 3)
}

func (s *OrchestratorSuite) TestReplayedRequestKeyReconfirms() {
	in := TransitionInput{TicketID: 7, NewStatusID: 3, ActorUserID: 42, RequestKey: "corr-1"}
	first, err := s.orch.Transition(s.ctx, in)
	s.Require().NoError(err)
	_, err = s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 2, ActorUserID: 42, RequestKey: "corr-2"})
	s.Require().NoError(err)

	// The latest entry is 2 now, so only the key recognizes the replay.
	replay, err := s.orch.Transition(s.ctx, in)
	s.Require().NoError(err)
	s.True(replay.Duplicate)
	s.Equal(first.History.ID, replay.History.ID)

	stored, _ := s.tickets.GetByID(s.ctx, 7)
	s.Equal(int64(2), stored.StatusID)
	s.Len(s.tickets.historyOf(7), 3)
	s.Len(s.publisher.published(), 2)
}

func (s *OrchestratorSuite) TestRequestKeyReusedForOtherStatusConflicts() {
	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 3, ActorUserID: 42, RequestKey: "corr-1"})
	s.Require().NoError(err)

	result, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 4, ActorUserID: 42, RequestKey: "corr-1"})
	s.Nil(result)
	s.True(apperrors.IsCode(err, apperrors.CodeConflict))

	stored, _ := s.tickets.GetByID(s.ctx, 7)
	s.Equal(int64(3), stored.StatusID)
	s.Len(s.tickets.historyOf(7), 2)
}

func (s *OrchestratorSuite) TestDuplicateKeyOnInsertIsConflict() {
	s.tickets.mu.Lock()
	s.tickets.history = append(s.tickets.history, domain.StatusHistory{ID: 900, TicketID: 7, StatusID: 1, RequestKey: "corr-9"})
	s.tickets.mu.Unlock()
	s.tickets.hideKeys = true

	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 3, ActorUserID: 42, RequestKey: "corr-9"})
	s.True(apperrors.IsCode(err, apperrors.CodeConflict))

	stored, _ := s.tickets.GetByID(s.ctx, 7)
	s.Equal(int64(1), stored.StatusID, "rolled back")
	s.Empty(s.publisher.published())
}

func (s *OrchestratorSuite) TestPublishFailureDoesNotFailTransition() {
	s.publisher.failing = map[string]error{contracts.ServiceSatisfaction: errors.New("broker: transport closed")}

	result, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 4, ActorUserID: 42})
	s.Require().NoError(err)
	s.False(result.Delivery.OK())
	s.Equal([]string{contracts.ServiceNotification}, result.Delivery.Delivered)

	stored, _ := s.tickets.GetByID(s.ctx, 7)
	s.Equal(int64(4), stored.StatusID)
}

func (s *OrchestratorSuite) TestReopenAfterClose() {
	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 4, ActorUserID: 42})
	s.Require().NoError(err)
	s.clock.Advance(time.Second)

	result, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 7, NewStatusID: 1, ActorUserID: 42})
	s.Require().NoError(err)
	s.False(result.Duplicate)
	s.Equal(int64(4), result.OldStatusID)
}

func (s *OrchestratorSuite) TestInvalidInput() {
	_, err := s.orch.Transition(s.ctx, TransitionInput{TicketID: 0, NewStatusID: 3, ActorUserID: 42})
	s.True(apperrors.IsCode(err, apperrors.CodeValidation))
	s.Empty(s.caller.calls)
}

func (s *OrchestratorSuite) TestCreate() {
	result, err := s.orch.Create(s.ctx, CreateInput{Title: "Laptop will not boot", ProjectID: 3, CategoriesID: 9, CreatedBy: 11})
	s.Require().NoError(err)

	s.Equal("T2501-00001", result.Ticket.TicketNo)
	s.Equal(DefaultInitialStatusID, result.Ticket.StatusID)
	s.True(result.Ticket.IsEnabled)
	s.Equal(result.Ticket.ID, result.History.TicketID)
	s.Equal(DefaultInitialStatusID, result.History.StatusID)

	published := s.publisher.published()
	s.Require().Len(published, 1)
	s.Equal(events.EventTicketCreated, published[0].Type)
	s.Equal("T2501-00001", published[0].Key)
}

func (s *OrchestratorSuite) TestAssign() {
	s.caller.on(contracts.TopicUserLookup, func(payload json.RawMessage) (any, error) {
		var req contracts.UserLookupRequest
		_ = json.Unmarshal(payload, &req)
		var reply contracts.UsersReply
		for _, id := range req.UserIDs {
			if id < 100 {
				reply.Users = append(reply.Users, contracts.UserContact{ID: id, Email: "u@example.com"})
			}
		}
		return reply, nil
	})

	result, err := s.orch.Assign(s.ctx, AssignInput{TicketID: 7, AssigneeUserIDs: []int64{21, 22, 21}, ActorUserID: 42})
	s.Require().NoError(err)
	s.Equal([]int64{21, 22}, result.Added)
	s.Equal("T2501-00007", result.TicketNo)

	again, err := s.orch.Assign(s.ctx, AssignInput{TicketID: 7, AssigneeUserIDs: []int64{22}, ActorUserID: 42})
	s.Require().NoError(err)
	s.Empty(again.Added)

	published := s.publisher.published()
	s.Require().Len(published, 1)
	s.Equal(events.EventTicketAssigned, published[0].Type)
	s.Equal([]int64{21, 22}, published[0].Payload.(events.TicketAssignedPayload).AssigneeUserIDs)

	_, err = s.orch.Assign(s.ctx, AssignInput{TicketID: 7, AssigneeUserIDs: []int64{500}, ActorUserID: 42})
	s.True(apperrors.IsCode(err, apperrors.CodeInvalidArgument))
}
