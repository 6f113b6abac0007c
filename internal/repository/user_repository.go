package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/helpdesk/internal/domain"
)

// UserRepository defines persistence access for users.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	// GetByIDs returns the enabled users among ids.
	GetByIDs(ctx context.Context, ids []int64) ([]domain.User, error)
	// ListByRoleIDs returns enabled users holding any of the roles.
	ListByRoleIDs(ctx context.Context, roleIDs []int64) ([]domain.User, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `id, email, full_name, role_id, is_enabled, created_at, updated_at`

func scanUser(row pgx.Row, user *domain.User) error {
	return row.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.RoleID,
		&user.IsEnabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	const query = `
        INSERT INTO users (email, full_name, role_id, is_enabled)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		user.Email,
		user.FullName,
		user.RoleID,
		user.IsEnabled,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	var user domain.User
	if err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []int64) ([]domain.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1) AND is_enabled ORDER BY id`, ids)
}

func (r *userRepository) ListByRoleIDs(ctx context.Context, roleIDs []int64) ([]domain.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE role_id = ANY($1) AND is_enabled ORDER BY id`, roleIDs)
}

func (r *userRepository) list(ctx context.Context, query string, arg []int64) ([]domain.User, error) {
	if len(arg) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var user domain.User
		if err := scanUser(rows, &user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}
