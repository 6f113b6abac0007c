package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/broker"
	"github.com/spec-kit/helpdesk/internal/clock"
	"github.com/spec-kit/helpdesk/internal/config"
	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/repository"
	"github.com/spec-kit/helpdesk/internal/rpc"
)

// memTickets keeps tickets in memory. A transaction holds the lock for its
// whole run, which stands in for the row lock.
type memTickets struct {
	mu      sync.Mutex
	tickets map[int64]domain.Ticket
	history []domain.StatusHistory
}

func (m *memTickets) GetByID(_ context.Context, id int64) (*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &t, nil
}

func (m *memTickets) GetByTicketNo(_ context.Context, ticketNo string) (*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.TicketNo == ticketNo {
			return &t, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memTickets) ListHistory(_ context.Context, ticketID int64) ([]domain.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StatusHistory
	for _, h := range m.history {
		if h.TicketID == ticketID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memTickets) ListAssignees(context.Context, int64) ([]domain.TicketAssignee, error) {
	return nil, nil
}

func (m *memTickets) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.TicketTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tickets := make(map[int64]domain.Ticket, len(m.tickets))
	for id, t := range m.tickets {
		tickets[id] = t
	}
	history := append([]domain.StatusHistory(nil), m.history...)
	if err := fn(ctx, memTx{m}); err != nil {
		m.tickets, m.history = tickets, history
		return err
	}
	return nil
}

type memTx struct{ m *memTickets }

func (tx memTx) NextSequence(context.Context) (int64, error) { return int64(len(tx.m.tickets) + 1), nil }

func (tx memTx) Insert(_ context.Context, ticket *domain.Ticket) error {
	ticket.ID = int64(len(tx.m.tickets) + 1)
	tx.m.tickets[ticket.ID] = *ticket
	return nil
}

func (tx memTx) Lock(_ context.Context, id int64) (*domain.Ticket, error) {
	t, ok := tx.m.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &t, nil
}

func (tx memTx) UpdateStatus(_ context.Context, id, statusID int64, at time.Time) error {
	t := tx.m.tickets[id]
	t.StatusID, t.UpdatedAt = statusID, at
	tx.m.tickets[id] = t
	return nil
}

func (tx memTx) LatestHistory(_ context.Context, ticketID int64) (*domain.StatusHistory, error) {
	for i := len(tx.m.history) - 1; i >= 0; i-- {
		if tx.m.history[i].TicketID == ticketID {
			h := tx.m.history[i]
			return &h, nil
		}
	}
	return nil, nil
}

func (tx memTx) HistoryByRequestKey(_ context.Context, ticketID int64, key string) (*domain.StatusHistory, error) {
	for _, h := range tx.m.history {
		if h.TicketID == ticketID && h.RequestKey == key {
			return &h, nil
		}
	}
	return nil, nil
}

func (tx memTx) AppendHistory(ctx context.Context, history *domain.StatusHistory) error {
	if history.RequestKey != "" {
		if prior, _ := tx.HistoryByRequestKey(ctx, history.TicketID, history.RequestKey); prior != nil {
			return repository.ErrDuplicateHistory
		}
	}
	history.ID = int64(len(tx.m.history) + 1)
	tx.m.history = append(tx.m.history, *history)
	return nil
}

func (tx memTx) AddAssignees(context.Context, int64, []int64, int64, time.Time) ([]int64, error) {
	return []int64{}, nil
}

type memStatuses struct{}

func (memStatuses) GetByID(_ context.Context, id int64) (*domain.Status, error) {
	if id < 1 || id > 4 {
		return nil, pgx.ErrNoRows
	}
	return &domain.Status{ID: id, Name: "status", IsEnabled: true}, nil
}

func (memStatuses) List(context.Context) ([]domain.Status, error) {
	return []domain.Status{{ID: 1, Name: "open", IsEnabled: true}}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App:  config.AppConfig{Name: "helpdesk-test", Port: "0", InstanceID: "test"},
		Auth: config.AuthConfig{JWTSecret: "test", TokenTTLMinutes: 5},
		Broker: config.BrokerConfig{
			Driver:              "memory",
			ConnectMaxAttempts:  1,
			ConnectBackoffMs:    1,
			ConnectMaxBackoffMs: 1,
			WriteTimeoutMs:      1000,
			DispatchLanes:       16,
			MaxInflightRequests: 64,
		},
		RPC:    config.RPCConfig{DefaultTimeoutMs: 2000},
		Events: config.EventsConfig{PublishTimeoutMs: 1000, HandlerMaxAttempts: 3, HandlerBackoffMs: 1, HandlerMaxBackoffMs: 5},
	}
}

func startTicketApp(t *testing.T, tickets *memTickets) *App {
	t.Helper()
	a := newApp(testConfig(), []string{contracts.ServiceTicket, contracts.ServiceStatus}, zap.NewNop())
	require.NoError(t, a.assemble(stores{tickets: tickets, statuses: memStatuses{}}))
	t.Cleanup(func() { a.release(context.Background()) })
	require.NoError(t, a.connect(context.Background()))
	return a
}

func edgeGateway(t *testing.T, a *App) *rpc.Gateway {
	t.Helper()
	c := broker.NewClient(broker.ClientConfig{Service: contracts.ServiceTicket, MaxAttempts: 1, Lanes: 4}, a.hub.Transport(), zap.NewNop(), nil)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	gw, err := rpc.NewGateway(rpc.GatewayConfig{Origin: "http", InstanceID: "edge"}, rpc.NewRegistry(clock.Real(), zap.NewNop(), nil),
		zap.NewNop(), nil, rpc.Route{Client: c, Topics: []string{contracts.TopicTicketStatusUpdate}})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return gw
}

func TestConcurrentStatusUpdatesThroughTicketService(t *testing.T) {
	tickets := &memTickets{
		tickets: map[int64]domain.Ticket{7: {ID: 7, TicketNo: "T2501-00007", StatusID: 1, IsEnabled: true}},
		history: []domain.StatusHistory{{ID: 1, TicketID: 7, StatusID: 1}},
	}
	a := startTicketApp(t, tickets)
	edge := edgeGateway(t, a)

	const calls = 40
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written int
	)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(status int64) {
			defer wg.Done()
			var reply contracts.StatusUpdateReply
			err := edge.CallInto(context.Background(), contracts.ServiceTicket, contracts.TopicTicketStatusUpdate,
				contracts.StatusUpdateRequest{TicketID: 7, NewStatusID: status, ActorUserID: 5}, 3*time.Second, &reply)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, status, reply.NewStatusID)
			if !reply.Duplicate {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}(int64(i%2 + 2))
	}
	wg.Wait()

	history, err := tickets.ListHistory(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, history, 1+written)
	assert.Greater(t, written, 0)
	for i := 1; i < len(history); i++ {
		assert.NotEqual(t, history[i-1].StatusID, history[i].StatusID, "consecutive entries repeat a status")
	}
	stored, err := tickets.GetByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, history[len(history)-1].StatusID, stored.StatusID)
}

func TestStatusUpdateRejectsUnknownStatusOverBroker(t *testing.T) {
	tickets := &memTickets{
		tickets: map[int64]domain.Ticket{7: {ID: 7, TicketNo: "T2501-00007", StatusID: 1, IsEnabled: true}},
	}
	a := startTicketApp(t, tickets)
	edge := edgeGateway(t, a)

	_, err := edge.Call(context.Background(), contracts.ServiceTicket, contracts.TopicTicketStatusUpdate,
		contracts.StatusUpdateRequest{TicketID: 7, NewStatusID: 99, ActorUserID: 5}, 2*time.Second)
	require.Error(t, err)

	history, err := tickets.ListHistory(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, history)
}
