package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/helpdesk/internal/domain"
)

// ErrDuplicateHistory is returned when the ticket already has a history row
// written under the same request key.
var ErrDuplicateHistory = errors.New("repository: duplicate status history")

const uniqueViolation = "23505"

// TicketRepository encapsulates ticket persistence. Writes that must be
// atomic go through WithinTransaction.
type TicketRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Ticket, error)
	GetByTicketNo(ctx context.Context, ticketNo string) (*domain.Ticket, error)
	ListHistory(ctx context.Context, ticketID int64) ([]domain.StatusHistory, error)
	ListAssignees(ctx context.Context, ticketID int64) ([]domain.TicketAssignee, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx TicketTx) error) error
}

// TicketTx is the set of writes available inside one transaction.
type TicketTx interface {
	// NextSequence reserves the numeric part of a new ticket number.
	NextSequence(ctx context.Context) (int64, error)
	Insert(ctx context.Context, ticket *domain.Ticket) error
	// Lock reads the ticket and holds a row lock until the transaction ends.
	Lock(ctx context.Context, id int64) (*domain.Ticket, error)
	UpdateStatus(ctx context.Context, id, statusID int64, at time.Time) error
	// LatestHistory returns nil when the ticket has no history yet.
	LatestHistory(ctx context.Context, ticketID int64) (*domain.StatusHistory, error)
	// HistoryByRequestKey returns nil when no entry carries key.
	HistoryByRequestKey(ctx context.Context, ticketID int64, key string) (*domain.StatusHistory, error)
	AppendHistory(ctx context.Context, history *domain.StatusHistory) error
	// AddAssignees returns the user IDs that were not assigned before.
	AddAssignees(ctx context.Context, ticketID int64, userIDs []int64, assignedBy int64, at time.Time) ([]int64, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, ticket_no, title, status_id, project_id, categories_id, created_by,
               is_enabled, created_at, updated_at, deleted_at`

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.TicketNo,
		&ticket.Title,
		&ticket.StatusID,
		&ticket.ProjectID,
		&ticket.CategoriesID,
		&ticket.CreatedBy,
		&ticket.IsEnabled,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.DeletedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	return scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1`, id))
}

func (r *ticketRepository) GetByTicketNo(ctx context.Context, ticketNo string) (*domain.Ticket, error) {
	return scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_no=$1`, ticketNo))
}

func (r *ticketRepository) ListAssignees(ctx context.Context, ticketID int64) ([]domain.TicketAssignee, error) {
	const query = `
        SELECT ticket_id, user_id, assigned_by, created_at
        FROM ticket_assignees WHERE ticket_id=$1 ORDER BY created_at ASC, user_id ASC`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TicketAssignee
	for rows.Next() {
		var a domain.TicketAssignee
		if err := rows.Scan(&a.TicketID, &a.UserID, &a.AssignedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *ticketRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx TicketTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &ticketTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type ticketTx struct {
	q querier
}

func (t *ticketTx) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := t.q.QueryRow(ctx, `SELECT nextval('ticket_no_seq')`).Scan(&seq)
	return seq, err
}

func (t *ticketTx) Insert(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (ticket_no, title, status_id, project_id, categories_id, created_by, is_enabled, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
        RETURNING id, created_at, updated_at`
	return t.q.QueryRow(ctx, query,
		ticket.TicketNo,
		ticket.Title,
		ticket.StatusID,
		ticket.ProjectID,
		ticket.CategoriesID,
		ticket.CreatedBy,
		ticket.IsEnabled,
		ticket.CreatedAt,
	).Scan(&ticket.ID, &ticket.CreatedAt, &ticket.UpdatedAt)
}

func (t *ticketTx) Lock(ctx context.Context, id int64) (*domain.Ticket, error) {
	return scanTicket(t.q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1 FOR UPDATE`, id))
}

func (t *ticketTx) UpdateStatus(ctx context.Context, id, statusID int64, at time.Time) error {
	cmd, err := t.q.Exec(ctx, `UPDATE tickets SET status_id=$1, updated_at=$2 WHERE id=$3`, statusID, at, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (t *ticketTx) AddAssignees(ctx context.Context, ticketID int64, userIDs []int64, assignedBy int64, at time.Time) ([]int64, error) {
	const query = `
        INSERT INTO ticket_assignees (ticket_id, user_id, assigned_by, created_at)
        SELECT $1, u, $3, $4 FROM UNNEST($2::BIGINT[]) AS u
        ON CONFLICT (ticket_id, user_id) DO NOTHING
        RETURNING user_id`
	rows, err := t.q.Query(ctx, query, ticketID, userIDs, assignedBy, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	added := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		added = append(added, id)
	}
	return added, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
