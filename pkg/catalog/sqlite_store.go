package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the local/demo catalog. Tags are stored as a JSON array.
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
    CREATE TABLE IF NOT EXISTS products (
        id TEXT PRIMARY KEY,
        product_name TEXT NOT NULL,
        product_code TEXT NOT NULL UNIQUE,
        price REAL NOT NULL DEFAULT 0,
        stock INTEGER NOT NULL DEFAULT 0,
        image_url TEXT NOT NULL DEFAULT '',
        category TEXT NOT NULL DEFAULT '',
        tags JSON NOT NULL DEFAULT '[]',
        description TEXT
    );`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a product. Used for seeding the demo catalog.
func (s *SQLiteStore) Upsert(ctx context.Context, p Product) error {
	tags, _ := json.Marshal(NormalizeAll(p.Tags))
	_, err := s.db.ExecContext(ctx, `INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_name = excluded.product_name,
			product_code = excluded.product_code,
			price = excluded.price,
			stock = excluded.stock,
			image_url = excluded.image_url,
			category = excluded.category,
			tags = excluded.tags,
			description = excluded.description`,
		p.ID, p.Name, p.Code, p.Price, p.Stock, p.ImageURL, p.Category, string(tags), p.Description,
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanSQLiteProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLiteStore) FindByTags(ctx context.Context, keywords []string) (CandidateSet, error) {
	keywords = NormalizeAll(keywords)
	if len(keywords) == 0 {
		return CandidateSet{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keywords)), ",")
	query := `SELECT ` + prefixed("p.", productColumns) + ` FROM products p
        WHERE EXISTS (SELECT 1 FROM json_each(p.tags) t WHERE lower(t.value) IN (` + placeholders + `))
        ORDER BY p.id`
	args := make([]any, len(keywords))
	for i, k := range keywords {
		args[i] = k
	}
	return s.queryMany(ctx, query, args...)
}

func (s *SQLiteStore) FindByCategory(ctx context.Context, category string) (CandidateSet, error) {
	category = Normalize(category)
	if category == "" {
		return CandidateSet{}, nil
	}
	return s.queryMany(ctx, `SELECT `+productColumns+` FROM products WHERE lower(category) = ? ORDER BY id`, category)
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Product, error) {
	return s.queryMany(ctx, `SELECT `+productColumns+` FROM products ORDER BY product_name LIMIT ?`, limit)
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) (CandidateSet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := CandidateSet{}
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
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

func scanSQLiteProduct(row scanner) (*Product, error) {
	var (
		p        Product
		tagsJSON sql.NullString
		desc     sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Code, &p.Price, &p.Stock, &p.ImageURL, &p.Category, &tagsJSON, &desc); err != nil {
		return nil, err
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &p.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", p.ID, err)
		}
	}
	p.Description = desc.String
	return &p, nil
}

func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}
