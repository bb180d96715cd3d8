package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// PostgresIdempotencyStore survives restarts and is shared by replicas.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

func (s *PostgresIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			status_code INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			body BYTEA NOT NULL,
			cached_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (s *PostgresIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var resp CachedResponse
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&resp.StatusCode, &resp.ContentType, &resp.Body, &resp.CachedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("idempotency: lookup failed", "error", err)
		}
		return nil, false
	}

	if time.Since(resp.CachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}
	return &resp, true
}

func (s *PostgresIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, content_type, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, content_type = $3, body = $4, cached_at = NOW()`,
		key, resp.StatusCode, resp.ContentType, resp.Body,
	)
	if err != nil {
		slog.Warn("idempotency: failed to set key", "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().Add(-s.ttl),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RedisIdempotencyStore keeps responses in Redis with a TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "smartorder:idem:"}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("idempotency: redis get failed", "error", err)
		}
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) {
	if resp.CachedAt.IsZero() {
		resp.CachedAt = time.Now()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		slog.Warn("idempotency: redis set failed", "error", err)
	}
}
