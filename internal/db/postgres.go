package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/js-owl/maas-back/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var ErrNotFound = errors.New("record not found")

// Store reads local orders and users and owns their Sync Link columns
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(ctx context.Context, connString string, logger *slog.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres is not responding: %w", err)
	}

	logger.Info("Connected to Postgres", "host", config.ConnConfig.Host, "database", config.ConnConfig.Database)
	return &Store{pool: p, logger: logger}, nil
}

// Migrate applies the embedded goose migrations on a dedicated connection
func (s *Store) Migrate(ctx context.Context) error {
	sqlDB := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer sqlDB.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

const orderColumns = `order_id, user_id, service_id, quantity, COALESCE(total_price, 0)::text, status, remote_deal_id, created_at, updated_at`

func scanOrder(row pgx.Row) (models.Order, error) {
	var (
		o     models.Order
		price string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.Quantity, &price, &o.Status, &o.RemoteDealID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.TotalPrice, err = decimal.NewFromString(price)
	if err != nil {
		return o, fmt.Errorf("invalid total_price %q: %w", price, err)
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return o, fmt.Errorf("failed to load order %d: %w", id, err)
	}
	return o, nil
}

func (s *Store) FindOrderByDealID(ctx context.Context, dealID int64) (models.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE remote_deal_id = $1 ORDER BY order_id LIMIT 1`, dealID))
	if errors.Is(err, pgx.ErrNoRows) {
		return o, fmt.Errorf("order for deal %d: %w", dealID, ErrNotFound)
	}
	if err != nil {
		return o, fmt.Errorf("failed to find order for deal %d: %w", dealID, err)
	}
	return o, nil
}

// ListOrdersWithDeal returns every order that has a Sync Link, oldest first
func (s *Store) ListOrdersWithDeal(ctx context.Context) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE remote_deal_id IS NOT NULL ORDER BY order_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE order_id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update status of order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetOrderDealID links the order to dealID only if it has no link yet.
// It reports false when another writer linked it first
func (s *Store) SetOrderDealID(ctx context.Context, id, dealID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET remote_deal_id = $2, updated_at = CURRENT_TIMESTAMP WHERE order_id = $1 AND remote_deal_id IS NULL`,
		id, dealID)
	if err != nil {
		return false, fmt.Errorf("failed to link order %d to deal %d: %w", id, dealID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReplaceOrderDealID overwrites the link unconditionally
func (s *Store) ReplaceOrderDealID(ctx context.Context, id, dealID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET remote_deal_id = $2, updated_at = CURRENT_TIMESTAMP WHERE order_id = $1`, id, dealID)
	if err != nil {
		return fmt.Errorf("failed to relink order %d to deal %d: %w", id, dealID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

const userColumns = `id, username, COALESCE(email, ''), COALESCE(full_name, ''), COALESCE(phone_number, ''),
	COALESCE(company, ''), COALESCE(city, ''), COALESCE(user_type, ''), remote_contact_id, updated_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Phone, &u.Company, &u.City, &u.UserType,
		&u.RemoteContactID, &u.UpdatedAt)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return u, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return u, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return u, nil
}

// ListUnlinkedOrders returns orders without a Sync Link last touched before the cutoff
func (s *Store) ListUnlinkedOrders(ctx context.Context, before time.Time) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE remote_deal_id IS NULL AND updated_at < $1 ORDER BY order_id`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListUnlinkedUsers returns users without a Sync Link last touched before the cutoff
func (s *Store) ListUnlinkedUsers(ctx context.Context, before time.Time) ([]models.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE remote_contact_id IS NULL AND updated_at < $1 ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUserContactID links the user to contactID only if it has no link yet
func (s *Store) SetUserContactID(ctx context.Context, id, contactID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET remote_contact_id = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1 AND remote_contact_id IS NULL`,
		id, contactID)
	if err != nil {
		return false, fmt.Errorf("failed to link user %d to contact %d: %w", id, contactID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
