package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk/internal/domain"
	"github.com/spec-kit/helpdesk/internal/persistence"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "helpdesk",
				"POSTGRES_PASSWORD": "helpdesk",
				"POSTGRES_DB":       "helpdesk",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://helpdesk:helpdesk@%s:%s/helpdesk?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, persistence.RunMigrations(ctx, pool, zap.NewNop()))
	// migrations are re-runnable
	require.NoError(t, persistence.RunMigrations(ctx, pool, zap.NewNop()))
	return pool
}

func createTicket(t *testing.T, repo TicketRepository, createdBy int64, at time.Time) *domain.Ticket {
	t.Helper()
	var ticket *domain.Ticket
	err := repo.WithinTransaction(context.Background(), func(ctx context.Context, tx TicketTx) error {
		seq, err := tx.NextSequence(ctx)
		if err != nil {
			return err
		}
		ticket = &domain.Ticket{
			TicketNo:     domain.FormatTicketNo(at, seq),
			Title:        "Printer on fire",
			StatusID:     1,
			ProjectID:    10,
			CategoriesID: 20,
			CreatedBy:    createdBy,
			IsEnabled:    true,
			CreatedAt:    at,
		}
		if err := tx.Insert(ctx, ticket); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, &domain.StatusHistory{TicketID: ticket.ID, StatusID: 1, CreatedBy: createdBy, CreatedAt: at})
	})
	require.NoError(t, err)
	return ticket
}

func TestRepositories(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tickets := NewTicketRepository(pool)

	t.Run("ticket create and history", func(t *testing.T) {
		at := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
		ticket := createTicket(t, tickets, 42, at)
		assert.Regexp(t, `^T2501-\d{5}$`, ticket.TicketNo)

		got, err := tickets.GetByTicketNo(ctx, ticket.TicketNo)
		require.NoError(t, err)
		assert.Equal(t, ticket.ID, got.ID)
		assert.True(t, got.Active())

		history, err := tickets.ListHistory(ctx, ticket.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, int64(1), history[0].StatusID)
	})

	t.Run("same second entries are kept and request keys are unique", func(t *testing.T) {
		at := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
		ticket := createTicket(t, tickets, 42, at)
		other := createTicket(t, tickets, 42, at)
		later := at.Add(time.Minute)

		transition := func(ticketID, statusID int64, at time.Time, key string) error {
			return tickets.WithinTransaction(ctx, func(ctx context.Context, tx TicketTx) error {
				locked, err := tx.Lock(ctx, ticketID)
				if err != nil {
					return err
				}
				if err := tx.UpdateStatus(ctx, locked.ID, statusID, at); err != nil {
					return err
				}
				return tx.AppendHistory(ctx, &domain.StatusHistory{
					TicketID:   locked.ID,
					StatusID:   statusID,
					CreatedBy:  42,
					CreatedAt:  at,
					RequestKey: key,
				})
			})
		}
		require.NoError(t, transition(ticket.ID, 3, later, ""))
		require.NoError(t, transition(ticket.ID, 1, later.Add(100*time.Millisecond), ""))
		require.NoError(t, transition(ticket.ID, 3, later.Add(200*time.Millisecond), ""))
		require.NoError(t, transition(ticket.ID, 2, later.Add(300*time.Millisecond), "corr-1"))
		assert.ErrorIs(t, transition(ticket.ID, 2, later.Add(400*time.Millisecond), "corr-1"), ErrDuplicateHistory)
		require.NoError(t, transition(other.ID, 2, later, "corr-1"))

		history, err := tickets.ListHistory(ctx, ticket.ID)
		require.NoError(t, err)
		require.Len(t, history, 5)
		assert.Equal(t, "corr-1", history[4].RequestKey)

		err = tickets.WithinTransaction(ctx, func(ctx context.Context, tx TicketTx) error {
			latest, err := tx.LatestHistory(ctx, ticket.ID)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, int64(2), latest.StatusID)

			keyed, err := tx.HistoryByRequestKey(ctx, ticket.ID, "corr-1")
			require.NoError(t, err)
			require.NotNil(t, keyed)
			assert.Equal(t, latest.ID, keyed.ID)

			missing, err := tx.HistoryByRequestKey(ctx, ticket.ID, "corr-2")
			require.NoError(t, err)
			assert.Nil(t, missing)
			return nil
		})
		require.NoError(t, err)

		stored, err := tickets.GetByID(ctx, ticket.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.StatusID, "failed insert rolled back the status update")
	})

	t.Run("assignees are added once", func(t *testing.T) {
		ticket := createTicket(t, tickets, 42, time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC))
		var first, second []int64
		require.NoError(t, tickets.WithinTransaction(ctx, func(ctx context.Context, tx TicketTx) (err error) {
			first, err = tx.AddAssignees(ctx, ticket.ID, []int64{7, 8}, 42, time.Now())
			return err
		}))
		require.NoError(t, tickets.WithinTransaction(ctx, func(ctx context.Context, tx TicketTx) (err error) {
			second, err = tx.AddAssignees(ctx, ticket.ID, []int64{8, 9}, 42, time.Now())
			return err
		}))
		assert.ElementsMatch(t, []int64{7, 8}, first)
		assert.Equal(t, []int64{9}, second)

		assignees, err := tickets.ListAssignees(ctx, ticket.ID)
		require.NoError(t, err)
		assert.Len(t, assignees, 3)
	})

	t.Run("missing ticket", func(t *testing.T) {
		_, err := tickets.GetByID(ctx, 999999)
		assert.ErrorIs(t, err, pgx.ErrNoRows)
	})

	t.Run("status catalog", func(t *testing.T) {
		statuses := NewStatusRepository(pool)
		list, err := statuses.List(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(list), 3)

		resolved, err := statuses.GetByID(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, "resolved", resolved.Name)
	})

	t.Run("users by id and role", func(t *testing.T) {
		users := NewUserRepository(pool)
		alice := &domain.User{Email: "alice@example.com", FullName: "Alice", RoleID: 1, IsEnabled: true}
		bob := &domain.User{Email: "bob@example.com", FullName: "Bob", RoleID: 2, IsEnabled: true}
		carol := &domain.User{Email: "carol@example.com", FullName: "Carol", RoleID: 2, IsEnabled: false}
		for _, u := range []*domain.User{alice, bob, carol} {
			require.NoError(t, users.Create(ctx, u))
		}

		found, err := users.GetByIDs(ctx, []int64{alice.ID, carol.ID, 424242})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "alice@example.com", found[0].Email)

		supporters, err := users.ListByRoleIDs(ctx, []int64{2, 3})
		require.NoError(t, err)
		require.Len(t, supporters, 1)
		assert.Equal(t, bob.ID, supporters[0].ID)
	})

	t.Run("notifications", func(t *testing.T) {
		notifications := NewNotificationRepository(pool)
		n := func() *domain.Notification {
			return &domain.Notification{
				TicketNo:        "T2501-00007",
				RecipientUserID: 42,
				RecipientEmail:  "alice@example.com",
				Type:            domain.NotificationTicketStatusChanged,
				TriggerStatusID: 3,
				Subject:         "Ticket T2501-00007 is now resolved",
				Body:            "status changed",
			}
		}

		first := n()
		created, err := notifications.CreateIfAbsent(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = notifications.CreateIfAbsent(ctx, n())
		require.NoError(t, err)
		assert.False(t, created)

		require.NoError(t, notifications.MarkEmailFailed(ctx, first.ID, "smtp: connection refused"))
		pending, err := notifications.ListPendingEmail(ctx, 5, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].EmailAttempts)
		require.NotNil(t, pending[0].LastEmailError)

		require.NoError(t, notifications.MarkEmailSent(ctx, first.ID))
		pending, err = notifications.ListPendingEmail(ctx, 5, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		assert.ErrorIs(t, notifications.MarkRead(ctx, first.ID, 7), pgx.ErrNoRows)
		require.NoError(t, notifications.MarkRead(ctx, first.ID, 42))

		unread, err := notifications.ListByRecipient(ctx, 42, true, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, unread)
		all, err := notifications.ListByRecipient(ctx, 42, false, 10, 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, all[0].IsRead)
		assert.Equal(t, domain.NotificationTicketStatusChanged, all[0].Type)
	})
}
