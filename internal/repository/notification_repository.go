package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/helpdesk/internal/domain"
)

// NotificationRepository stores in-app notifications and their email state.
type NotificationRepository interface {
	// CreateIfAbsent inserts n unless a row with the same ticket, recipient,
	// type and trigger status exists. It reports whether a row was created.
	CreateIfAbsent(ctx context.Context, n *domain.Notification) (bool, error)
	MarkEmailSent(ctx context.Context, id int64) error
	MarkEmailFailed(ctx context.Context, id int64, reason string) error
	ListPendingEmail(ctx context.Context, maxAttempts, limit int) ([]domain.Notification, error)
	ListByRecipient(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]domain.Notification, error)
	// MarkRead flips is_read for a notification owned by userID.
	MarkRead(ctx context.Context, id, userID int64) error
}

type notificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository builds repository.
func NewNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepository{pool: pool}
}

const notificationColumns = `id, ticket_no, recipient_user_id, recipient_email, type, trigger_status_id,
               subject, body, is_read, email_sent, email_attempts, last_email_error, created_at, updated_at`

func (r *notificationRepository) CreateIfAbsent(ctx context.Context, n *domain.Notification) (bool, error) {
	const query = `
        INSERT INTO notifications (ticket_no, recipient_user_id, recipient_email, type, trigger_status_id, subject, body)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT ON CONSTRAINT uq_notifications_trigger DO NOTHING
        RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		n.TicketNo,
		n.RecipientUserID,
		n.RecipientEmail,
		n.Type,
		n.TriggerStatusID,
		n.Subject,
		n.Body,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *notificationRepository) MarkEmailSent(ctx context.Context, id int64) error {
	return r.exec(ctx, `
        UPDATE notifications SET email_sent=TRUE, email_attempts=email_attempts+1, last_email_error=NULL, updated_at=NOW()
        WHERE id=$1`, id)
}

func (r *notificationRepository) MarkEmailFailed(ctx context.Context, id int64, reason string) error {
	return r.exec(ctx, `
        UPDATE notifications SET email_attempts=email_attempts+1, last_email_error=$2, updated_at=NOW()
        WHERE id=$1`, id, reason)
}

func (r *notificationRepository) MarkRead(ctx context.Context, id, userID int64) error {
	return r.exec(ctx, `
        UPDATE notifications SET is_read=TRUE, updated_at=NOW()
        WHERE id=$1 AND recipient_user_id=$2`, id, userID)
}

func (r *notificationRepository) exec(ctx context.Context, query string, args ...any) error {
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *notificationRepository) ListPendingEmail(ctx context.Context, maxAttempts, limit int) ([]domain.Notification, error) {
	const query = `SELECT ` + notificationColumns + `
        FROM notifications
        WHERE NOT email_sent AND email_attempts < $1 AND recipient_email <> ''
        ORDER BY id ASC LIMIT $2`
	return r.list(ctx, query, maxAttempts, limit)
}

func (r *notificationRepository) ListByRecipient(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + notificationColumns + `
        FROM notifications
        WHERE recipient_user_id=$1 AND (NOT $2 OR NOT is_read)
        ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`
	return r.list(ctx, query, userID, unreadOnly, limit, offset)
}

func (r *notificationRepository) list(ctx context.Context, query string, args ...any) ([]domain.Notification, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(
			&n.ID,
			&n.TicketNo,
			&n.RecipientUserID,
			&n.RecipientEmail,
			&n.Type,
			&n.TriggerStatusID,
			&n.Subject,
			&n.Body,
			&n.IsRead,
			&n.EmailSent,
			&n.EmailAttempts,
			&n.LastEmailError,
			&n.CreatedAt,
			&n.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
