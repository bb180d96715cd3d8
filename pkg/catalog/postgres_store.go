package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const productColumns = `id, product_name, product_code, price, stock, image_url, category, tags, description`

// PostgresStore reads products from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the products table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			product_name TEXT NOT NULL,
			product_code TEXT NOT NULL UNIQUE,
			price NUMERIC(12,2) NOT NULL DEFAULT 0,
			stock INTEGER NOT NULL DEFAULT 0,
			image_url TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			description TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_products_tags ON products USING GIN (tags);
		CREATE INDEX IF NOT EXISTS idx_products_category ON products (lower(category));
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("catalog: init schema: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a product. Used by the migrate command's seed.
func (s *PostgresStore) Upsert(ctx context.Context, p Product) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			product_name = EXCLUDED.product_name,
			product_code = EXCLUDED.product_code,
			price = EXCLUDED.price,
			stock = EXCLUDED.stock,
			image_url = EXCLUDED.image_url,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			description = EXCLUDED.description`,
		p.ID, p.Name, p.Code, p.Price, p.Stock, p.ImageURL, p.Category,
		pq.Array(NormalizeAll(p.Tags)), sql.NullString{String: p.Description, Valid: p.Description != ""},
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanPostgresProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	return p, nil
}

// FindByTags returns products having at least one tag in keywords.
func (s *PostgresStore) FindByTags(ctx context.Context, keywords []string) (CandidateSet, error) {
	keywords = NormalizeAll(keywords)
	if len(keywords) == 0 {
		return CandidateSet{}, nil
	}
	query := `SELECT ` + productColumns + ` FROM products
		WHERE EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE lower(t) = ANY($1))
		ORDER BY id`
	return s.queryMany(ctx, query, pq.Array(keywords))
}

func (s *PostgresStore) FindByCategory(ctx context.Context, category string) (CandidateSet, error) {
	category = Normalize(category)
	if category == "" {
		return CandidateSet{}, nil
	}
	query := `SELECT ` + productColumns + ` FROM products WHERE lower(category) = $1 ORDER BY id`
	return s.queryMany(ctx, query, category)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY product_name LIMIT $1`
	return s.queryMany(ctx, query, limit)
}

// ListUnembedded returns products with no row in product_embeddings.
func (s *PostgresStore) ListUnembedded(ctx context.Context) ([]Product, error) {
	query := `SELECT ` + prefixed("p.", productColumns) + ` FROM products p
		LEFT JOIN product_embeddings e ON e.id = p.id
		WHERE e.id IS NULL
		ORDER BY p.id`
	return s.queryMany(ctx, query)
}

func (s *PostgresStore) queryMany(ctx context.Context, query string, args ...any) (CandidateSet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := CandidateSet{}
	for rows.Next() {
		p, err := scanPostgresProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPostgresProduct(row scanner) (*Product, error) {
	var (
		p    Product
		desc sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Code, &p.Price, &p.Stock, &p.ImageURL, &p.Category, pq.Array(&p.Tags), &desc); err != nil {
		return nil, err
	}
	p.Description = desc.String
	return &p, nil
}
