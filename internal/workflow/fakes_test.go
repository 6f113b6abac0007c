package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk/internal/contracts"
	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/events"
	"github.com/spec-kit/helpdesk/internal/repository"
	"github.com/spec-kit/helpdesk/internal/rpc"
	apperrors "github.com/spec-kit/helpdesk/pkg/util/errorutil"
)

type responder func(payload json.RawMessage) (any, error)

// fakeCaller answers calls by topic.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]responder
	calls    []string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: map[string]responder{}}
}

func (c *fakeCaller) on(topic string, fn responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = fn
}

func (c *fakeCaller) Call(_ context.Context, service, topic string, payload any, _ time.Duration, _ ...rpc.CallOption) (json.RawMessage, error) {
	c.mu.Lock()
	fn, ok := c.handlers[topic]
	c.calls = append(c.calls, service+"/"+topic)
	c.mu.Unlock()
	if !ok {
		return nil, apperrors.NewTransportError("no route for "+topic, nil)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out, err := fn(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// serveTickets answers ticket.get from the fake store.
func (c *fakeCaller) serveTickets(store *fakeTickets) {
	c.on(contracts.TopicTicketGet, func(payload json.RawMessage) (any, error) {
		var req contracts.TicketGetRequest
		_ = json.Unmarshal(payload, &req)
		t, err := store.GetByID(context.Background(), req.TicketID)
		if err != nil {
			return nil, apperrors.NewNotFound("ticket", nil)
		}
		return contracts.NewTicketView(t), nil
	})
}

// serveStatuses answers status.get for the given enabled IDs.
func (c *fakeCaller) serveStatuses(ids ...int64) {
	known := map[int64]bool{}
	for _, id := range ids {
		known[id] = true
	}
	c.on(contracts.TopicStatusGet, func(payload json.RawMessage) (any, error) {
		var req contracts.StatusGetRequest
		_ = json.Unmarshal(payload, &req)
		if !known[req.StatusID] {
			return nil, apperrors.NewNotFound("status", nil)
		}
		return contracts.StatusView{ID: req.StatusID, Name: "s", IsEnabled: true}, nil
	})
}

// fakeTickets is an in-memory TicketRepository with snapshot rollback.
type fakeTickets struct {
	mu      sync.Mutex
	seq     int64
	nextID  int64
	tickets map[int64]domain.Ticket
	history []domain.StatusHistory
	assign  map[int64][]int64

	// hideKeys makes key lookups miss, as when a concurrent writer commits
	// the same key between lookup and insert.
	hideKeys bool
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{tickets: map[int64]domain.Ticket{}, assign: map[int64][]int64{}, nextID: 100}
}

func (f *fakeTickets) seed(t domain.Ticket, statusAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[t.ID] = t
	f.nextID++
	f.history = append(f.history, domain.StatusHistory{ID: f.nextID, TicketID: t.ID, StatusID: t.StatusID, CreatedBy: t.CreatedBy, CreatedAt: statusAt})
}

func (f *fakeTickets) historyOf(ticketID int64) []domain.StatusHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.StatusHistory
	for _, h := range f.history {
		if h.TicketID == ticketID {
			out = append(out, h)
		}
	}
	return out
}

func (f *fakeTickets) GetByID(_ context.Context, id int64) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &t, nil
}

func (f *fakeTickets) GetByTicketNo(_ context.Context, no string) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tickets {
		if t.TicketNo == no {
			return &t, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeTickets) ListHistory(_ context.Context, ticketID int64) ([]domain.StatusHistory, error) {
	return f.historyOf(ticketID), nil
}

func (f *fakeTickets) ListAssignees(_ context.Context, ticketID int64) ([]domain.TicketAssignee, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TicketAssignee
	for _, id := range f.assign[ticketID] {
		out = append(out, domain.TicketAssignee{TicketID: ticketID, UserID: id})
	}
	return out, nil
}

func (f *fakeTickets) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.TicketTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tickets := make(map[int64]domain.Ticket, len(f.tickets))
	for k, v := range f.tickets {
		tickets[k] = v
	}
	history := append([]domain.StatusHistory{}, f.history...)
	assign := make(map[int64][]int64, len(f.assign))
	for k, v := range f.assign {
		assign[k] = append([]int64{}, v...)
	}
	nextID := f.nextID

	if err := fn(ctx, fakeTx{f}); err != nil {
		f.tickets, f.history, f.assign, f.nextID = tickets, history, assign, nextID
		return err
	}
	return nil
}

// fakeTx runs with fakeTickets.mu held by WithinTransaction.
type fakeTx struct{ f *fakeTickets }

func (tx fakeTx) NextSequence(context.Context) (int64, error) {
	tx.f.seq++
	return tx.f.seq, nil
}

func (tx fakeTx) Insert(_ context.Context, t *domain.Ticket) error {
	tx.f.nextID++
	t.ID = tx.f.nextID
	t.UpdatedAt = t.CreatedAt
	tx.f.tickets[t.ID] = *t
	return nil
}

func (tx fakeTx) Lock(_ context.Context, id int64) (*domain.Ticket, error) {
	t, ok := tx.f.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &t, nil
}

func (tx fakeTx) UpdateStatus(_ context.Context, id, statusID int64, at time.Time) error {
	t, ok := tx.f.tickets[id]
	if !ok {
		return pgx.ErrNoRows
	}
	t.StatusID = statusID
	t.UpdatedAt = at
	tx.f.tickets[id] = t
	return nil
}

func (tx fakeTx) LatestHistory(_ context.Context, ticketID int64) (*domain.StatusHistory, error) {
	for i := len(tx.f.history) - 1; i >= 0; i-- {
		if h := tx.f.history[i]; h.TicketID == ticketID {
			return &h, nil
		}
	}
	return nil, nil
}

func (tx fakeTx) HistoryByRequestKey(_ context.Context, ticketID int64, key string) (*domain.StatusHistory, error) {
	if tx.f.hideKeys {
		return nil, nil
	}
	for _, h := range tx.f.history {
		if h.TicketID == ticketID && h.RequestKey == key {
			return &h, nil
		}
	}
	return nil, nil
}

// AppendHistory mirrors the per-ticket unique request key.
func (tx fakeTx) AppendHistory(_ context.Context, h *domain.StatusHistory) error {
	if h.RequestKey != "" {
		for _, existing := range tx.f.history {
			if existing.TicketID == h.TicketID && existing.RequestKey == h.RequestKey {
				return repository.ErrDuplicateHistory
			}
		}
	}
	tx.f.nextID++
	h.ID = tx.f.nextID
	tx.f.history = append(tx.f.history, *h)
	return nil
}

func (tx fakeTx) AddAssignees(_ context.Context, ticketID int64, userIDs []int64, _ int64, _ time.Time) ([]int64, error) {
	have := map[int64]bool{}
	for _, id := range tx.f.assign[ticketID] {
		have[id] = true
	}
	added := []int64{}
	for _, id := range userIDs {
		if !have[id] {
			have[id] = true
			added = append(added, id)
			tx.f.assign[ticketID] = append(tx.f.assign[ticketID], id)
		}
	}
	return added, nil
}

type publishedEvent struct {
	Type        events.EventType
	Key         string
	Payload     any
	Subscribers []string
}

// fakePublisher records events and fails the listed subscribers.
type fakePublisher struct {
	mu      sync.Mutex
	events  []publishedEvent
	failing map[string]error
}

func (p *fakePublisher) PublishEvent(ctx context.Context, eventType events.EventType, key string, payload any, subscribers []string) events.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{eventType, key, payload, subscribers})
	report := events.Report{EventID: "evt", Type: eventType, Failed: map[string]error{}}
	for _, s := range subscribers {
		if err, ok := p.failing[s]; ok {
			report.Failed[s] = err
			continue
		}
		report.Delivered = append(report.Delivered, s)
	}
	return report
}

func (p *fakePublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent{}, p.events...)
}
