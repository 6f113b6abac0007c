package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/helpdesk/internal/domain"
)

const historyColumns = `id, ticket_id, status_id, created_by, comment, created_at, COALESCE(request_key, '')`

func scanHistory(row pgx.Row, history *domain.StatusHistory) error {
	return row.Scan(
		&history.ID,
		&history.TicketID,
		&history.StatusID,
		&history.CreatedBy,
		&history.Comment,
		&history.CreatedAt,
		&history.RequestKey,
	)
}

func (t *ticketTx) LatestHistory(ctx context.Context, ticketID int64) (*domain.StatusHistory, error) {
	const query = `SELECT ` + historyColumns + `
        FROM ticket_status_histories WHERE ticket_id=$1
        ORDER BY created_at DESC, id DESC LIMIT 1`
	var history domain.StatusHistory
	if err := scanHistory(t.q.QueryRow(ctx, query, ticketID), &history); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &history, nil
}

func (t *ticketTx) HistoryByRequestKey(ctx context.Context, ticketID int64, key string) (*domain.StatusHistory, error) {
	const query = `SELECT ` + historyColumns + `
        FROM ticket_status_histories WHERE ticket_id=$1 AND request_key=$2`
	var history domain.StatusHistory
	if err := scanHistory(t.q.QueryRow(ctx, query, ticketID, key), &history); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &history, nil
}

// AppendHistory inserts the entry. Reusing a request key on the same ticket
// yields ErrDuplicateHistory; entries without a key never collide.
func (t *ticketTx) AppendHistory(ctx context.Context, history *domain.StatusHistory) error {
	const query = `
        INSERT INTO ticket_status_histories (ticket_id, status_id, created_by, comment, created_at, request_key)
        VALUES ($1,$2,$3,$4,$5,NULLIF($6, ''))
        RETURNING id, created_at`
	err := t.q.QueryRow(ctx, query,
		history.TicketID,
		history.StatusID,
		history.CreatedBy,
		history.Comment,
		history.CreatedAt,
		history.RequestKey,
	).Scan(&history.ID, &history.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateHistory
	}
	return err
}

func (r *ticketRepository) ListHistory(ctx context.Context, ticketID int64) ([]domain.StatusHistory, error) {
	const query = `SELECT ` + historyColumns + `
        FROM ticket_status_histories WHERE ticket_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.StatusHistory
	for rows.Next() {
		var history domain.StatusHistory
		if err := scanHistory(rows, &history); err != nil {
			return nil, err
		}
		result = append(result, history)
	}
	return result, rows.Err()
}
