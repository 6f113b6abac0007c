package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/helpdesk/internal/domain"
)

// StatusRepository reads the status catalog.
type StatusRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Status, error)
	List(ctx context.Context) ([]domain.Status, error)
}

type statusRepository struct {
	pool *pgxpool.Pool
}

// NewStatusRepository builds repository.
func NewStatusRepository(pool *pgxpool.Pool) StatusRepository {
	return &statusRepository{pool: pool}
}

func (r *statusRepository) GetByID(ctx context.Context, id int64) (*domain.Status, error) {
	var status domain.Status
	if err := r.pool.QueryRow(ctx, `SELECT id, name, is_enabled FROM statuses WHERE id=$1`, id).
		Scan(&status.ID, &status.Name, &status.IsEnabled); err != nil {
		return nil, err
	}
	return &status, nil
}

func (r *statusRepository) List(ctx context.Context) ([]domain.Status, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, is_enabled FROM statuses ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Status
	for rows.Next() {
		var status domain.Status
		if err := rows.Scan(&status.ID, &status.Name, &status.IsEnabled); err != nil {
			return nil, err
		}
		result = append(result, status)
	}
	return result, rows.Err()
}
