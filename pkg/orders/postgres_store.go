package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists orders in PostgreSQL with details as JSONB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the orders table if it does not exist. products must exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES products(id),
			customer_details JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			idempotency_key TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders (created_at DESC);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("orders: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, o *Order) error {
	details, err := json.Marshal(o.CustomerDetails)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, product_id, customer_details, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		o.ID, o.ProductID, details, string(o.Status), nullable(o.IdempotencyKey), o.CreatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && o.IdempotencyKey != "" {
		var existing string
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE idempotency_key = $1`, o.IdempotencyKey).Scan(&existing); err != nil {
			return fmt.Errorf("lookup idempotency key: %w", err)
		}
		return &DuplicateOrderError{Key: o.IdempotencyKey, OrderID: existing}
	}
	return nil
}

const postgresOrderSelect = `
	SELECT o.id, o.product_id, o.customer_details, o.status, COALESCE(o.idempotency_key, ''), o.created_at,
	       COALESCE(p.product_name, ''), COALESCE(p.price, 0)
	FROM orders o
	LEFT JOIN products p ON p.id = o.product_id`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, postgresOrderSelect+` WHERE o.id = $1`, id)
	o, err := scanPostgresOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orders: get %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, postgresOrderSelect+` ORDER BY o.created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("orders: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Order{}
	for rows.Next() {
		o, err := scanPostgresOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("orders: scan: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("orders: update status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPostgresOrder(row scanner) (*Order, error) {
	var (
		o       Order
		details []byte
		status  string
	)
	if err := row.Scan(&o.ID, &o.ProductID, &details, &status, &o.IdempotencyKey, &o.CreatedAt, &o.ProductName, &o.ProductPrice); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if err := json.Unmarshal(details, &o.CustomerDetails); err != nil {
		return nil, fmt.Errorf("decode details for %s: %w", o.ID, err)
	}
	return &o, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
