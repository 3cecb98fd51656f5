package db

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/js-owl/maas-back/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("maas_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("admin123"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	s, err := NewStore(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	return s
}

func seed(t *testing.T, s *Store) (userID, orderID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, full_name) VALUES ('ivan', 'ivan@example.com', 'Ivan Petrov') RETURNING id`).Scan(&userID))
	require.NoError(t, s.pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, service_id, quantity, total_price) VALUES ($1, 'cnc_milling', 3, 1500.50) RETURNING order_id`,
		userID).Scan(&orderID))
	return userID, orderID
}

func TestStore_OrderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, orderID := seed(t, s)

	o, err := s.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, "cnc_milling", o.ServiceID)
	assert.True(t, decimal.RequireFromString("1500.50").Equal(o.TotalPrice))
	assert.Equal(t, models.StatusPending, o.Status)
	assert.Nil(t, o.RemoteDealID)

	ok, err := s.SetOrderDealID(ctx, orderID, 65)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetOrderDealID(ctx, orderID, 66)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := s.FindOrderByDealID(ctx, 65)
	require.NoError(t, err)
	assert.Equal(t, orderID, found.ID)

	require.NoError(t, s.UpdateOrderStatus(ctx, orderID, models.StatusProcessing))
	linked, err := s.ListOrdersWithDeal(ctx)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, models.StatusProcessing, linked[0].Status)

	require.NoError(t, s.ReplaceOrderDealID(ctx, orderID, 70))
	_, err = s.FindOrderByDealID(ctx, 65)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UserContactLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID, _ := seed(t, s)

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "Ivan Petrov", u.FullName)
	assert.Empty(t, u.Phone)

	ok, err := s.SetUserContactID(ctx, userID, 300)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetUser(ctx, userID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListUnlinked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID, orderID := seed(t, s)
	later := time.Now().Add(time.Hour)

	orders, err := s.ListUnlinkedOrders(ctx, later)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, orderID, orders[0].ID)
	users, err := s.ListUnlinkedUsers(ctx, later)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, userID, users[0].ID)

	orders, err = s.ListUnlinkedOrders(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, orders, "rows touched after the cutoff are left alone")

	_, err = s.SetOrderDealID(ctx, orderID, 65)
	require.NoError(t, err)
	_, err = s.SetUserContactID(ctx, userID, 300)
	require.NoError(t, err)

	orders, err = s.ListUnlinkedOrders(ctx, later)
	require.NoError(t, err)
	assert.Empty(t, orders)
	users, err = s.ListUnlinkedUsers(ctx, later)
	require.NoError(t, err)
	assert.Empty(t, users)
}
