package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// EmbeddingDimensions is the width of text-embedding-3-small vectors.
const EmbeddingDimensions = 1536

// Embedding represents a vector.
type Embedding []float32

// Embedder interface for getting vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// VectorStore interface for storing/searching vectors.
type VectorStore interface {
	Store(ctx context.Context, id string, text string, vector Embedding, metadata map[string]string) error
	Search(ctx context.Context, vector Embedding, threshold float32, limit int) ([]SearchResult, error)
}

type SearchResult struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// OpenAIEmbedder uses OpenAI API to generate embeddings.
type OpenAIEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		apiKey:  apiKey,
		model:   "text-embedding-3-small",
		baseURL: "https://api.openai.com/v1",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) WithBaseURL(u string) *OpenAIEmbedder {
	e.baseURL = u
	return e
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if e.apiKey == "" {
		return nil, errors.New("missing openai api key")
	}

	jsonBody, err := json.Marshal(map[string]any{
		"input": text,
		"model": e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai api error: %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	if len(result.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}
	if n := len(result.Data[0].Embedding); n != EmbeddingDimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", n, EmbeddingDimensions)
	}

	return result.Data[0].Embedding, nil
}

// PGVectorStore implementation using pgvector extension.
type PGVectorStore struct {
	db *sql.DB
}

func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

// Init enables pgvector and creates the product_embeddings table.
func (p *PGVectorStore) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS product_embeddings (
			id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
			vector vector(%d) NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'
		);
	`, EmbeddingDimensions)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("pgvector: init schema: %w", err)
	}
	return nil
}

// formatVector renders a vector in pgvector's text form, e.g. "[0.1,0.2]".
func formatVector(v Embedding) string {
	var sb strings.Builder
	sb.Grow(len(v) * 10)
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func (p *PGVectorStore) Store(ctx context.Context, id string, text string, vector Embedding, metadata map[string]string) error {
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("pgvector: marshal metadata: %w", err)
	}

	query := `
		INSERT INTO product_embeddings (id, vector, text, metadata)
		VALUES ($1, $2::vector, $3, $4)
		ON CONFLICT (id) DO UPDATE SET vector = $2::vector, text = $3, metadata = $4
	`
	if _, err := p.db.ExecContext(ctx, query, id, formatVector(vector), text, metaBytes); err != nil {
		return fmt.Errorf("pgvector: store %s: %w", id, err)
	}
	return nil
}

// Search returns up to limit rows whose cosine similarity is at least threshold,
// best first.
func (p *PGVectorStore) Search(ctx context.Context, vector Embedding, threshold float32, limit int) ([]SearchResult, error) {
	query := `
		SELECT id, text, metadata, 1 - (vector <=> $1::vector) AS score
		FROM product_embeddings
		WHERE 1 - (vector <=> $1::vector) >= $2
		ORDER BY vector <=> $1::vector
		LIMIT $3
	`
	rows, err := p.db.QueryContext(ctx, query, formatVector(vector), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var metaBytes []byte
		if err := rows.Scan(&r.ID, &r.Text, &metaBytes, &r.Score); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(metaBytes, &r.Metadata)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
