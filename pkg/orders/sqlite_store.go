package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed width so created_at sorts lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the local/demo order store. Details are a JSON text column.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS orders (
        id TEXT PRIMARY KEY,
        product_id TEXT NOT NULL,
        customer_details JSON NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        idempotency_key TEXT UNIQUE,
        created_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders (created_at);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("orders: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, o *Order) error {
	details, err := json.Marshal(o.CustomerDetails)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO orders (id, product_id, customer_details, status, idempotency_key, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(idempotency_key) DO NOTHING`,
		o.ID, o.ProductID, string(details), string(o.Status), nullable(o.IdempotencyKey), o.CreatedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && o.IdempotencyKey != "" {
		var existing string
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE idempotency_key = ?`, o.IdempotencyKey).Scan(&existing); err != nil {
			return fmt.Errorf("lookup idempotency key: %w", err)
		}
		return &DuplicateOrderError{Key: o.IdempotencyKey, OrderID: existing}
	}
	return nil
}

// The products table may live in the same file; a missing product shows as
// an empty name.
const sqliteOrderSelect = `
    SELECT o.id, o.product_id, o.customer_details, o.status, COALESCE(o.idempotency_key, ''), o.created_at,
           COALESCE(p.product_name, ''), COALESCE(p.price, 0)
    FROM orders o
    LEFT JOIN products p ON p.id = o.product_id`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanSQLiteOrder(s.db.QueryRowContext(ctx, sqliteOrderSelect+` WHERE o.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orders: get %s: %w", id, err)
	}
	return o, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, sqliteOrderSelect+` ORDER BY o.created_at DESC, o.id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("orders: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Order{}
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("orders: scan: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("orders: update status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteOrder(row scanner) (*Order, error) {
	var (
		o       Order
		details string
		status  string
		created string
	)
	if err := row.Scan(&o.ID, &o.ProductID, &details, &status, &o.IdempotencyKey, &created, &o.ProductName, &o.ProductPrice); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if err := json.Unmarshal([]byte(details), &o.CustomerDetails); err != nil {
		return nil, fmt.Errorf("decode details for %s: %w", o.ID, err)
	}
	t, err := time.Parse(sqliteTimeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("decode created_at for %s: %w", o.ID, err)
	}
	o.CreatedAt = t
	return &o, nil
}
