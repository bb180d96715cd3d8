package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/xayed7x/smartorderAI/pkg/api"
	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/config"
	"github.com/xayed7x/smartorderAI/pkg/conversation"
	"github.com/xayed7x/smartorderAI/pkg/llm"
	"github.com/xayed7x/smartorderAI/pkg/matcher"
	"github.com/xayed7x/smartorderAI/pkg/observability"
	"github.com/xayed7x/smartorderAI/pkg/orders"
	"github.com/xayed7x/smartorderAI/pkg/session"
	"github.com/xayed7x/smartorderAI/pkg/store"
	"github.com/xayed7x/smartorderAI/pkg/vision"
)

// productStore is a catalog that can also be seeded.
type productStore interface {
	catalog.Store
	Upsert(ctx context.Context, p catalog.Product) error
}

// stores are the relational stores behind DATABASE_URL.
type stores struct {
	db       *sql.DB
	postgres bool
	catalog  productStore
	orders   orders.Store
	// vectors is nil on SQLite.
	vectors *store.PGVectorStore
}

// openStores connects to DATABASE_URL. SQLite schemas are created on open;
// Postgres schemas need migrate.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.UsesSQLite() {
		path := cfg.SQLitePath()
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer keeps SQLite from returning SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
		cat, err := catalog.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		ord, err := orders.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Printf("[smartorder] sqlite: %s", path)
		return &stores{db: db, catalog: cat, orders: ord}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Println("[smartorder] postgres: connected")
	return &stores{
		db:       db,
		postgres: true,
		catalog:  catalog.NewPostgresStore(db),
		orders:   orders.NewPostgresStore(db),
		vectors:  store.NewPGVectorStore(db),
	}, nil
}

// migrate creates the Postgres schema. The vector table needs the pgvector
// extension; without it embedding mode is disabled rather than failing.
func (s *stores) migrate(ctx context.Context, ttl time.Duration) error {
	if !s.postgres {
		return nil
	}
	if err := s.catalog.(*catalog.PostgresStore).Init(ctx); err != nil {
		return err
	}
	if err := s.orders.(*orders.PostgresStore).Init(ctx); err != nil {
		return err
	}
	if err := api.NewPostgresIdempotencyStore(s.db, ttl).Init(ctx); err != nil {
		return fmt.Errorf("idempotency: init schema: %w", err)
	}
	if err := s.vectors.Init(ctx); err != nil {
		log.Printf("[smartorder] pgvector unavailable, embedding search disabled: %v", err)
		s.vectors = nil
	}
	return nil
}

func (s *stores) Close() error {
	return s.db.Close()
}

type seedFile struct {
	Products []struct {
		ID          string   `yaml:"id"`
		Name        string   `yaml:"name"`
		Code        string   `yaml:"code"`
		Price       float64  `yaml:"price"`
		Stock       int      `yaml:"stock"`
		ImageURL    string   `yaml:"image_url"`
		Category    string   `yaml:"category"`
		Tags        []string `yaml:"tags"`
		Description string   `yaml:"description"`
	} `yaml:"products"`
}

// seedProducts upserts the products listed in a YAML file.
func seedProducts(ctx context.Context, cat productStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for i, p := range f.Products {
		if p.ID == "" || p.Name == "" || p.Code == "" {
			return i, fmt.Errorf("seed product %d: id, name and code are required", i)
		}
		if err := cat.Upsert(ctx, catalog.Product{
			ID: p.ID, Name: p.Name, Code: p.Code, Price: p.Price, Stock: p.Stock,
			ImageURL: p.ImageURL, Category: p.Category, Tags: p.Tags, Description: p.Description,
		}); err != nil {
			return i, err
		}
	}
	return len(f.Products), nil
}

// llmCloser is satisfied by the REST clients.
type llmCloser interface {
	llm.Client
	io.Closer
}

// openLLM is a variable to allow mocking in tests.
var openLLM = newLLMClient

// newLLMClient builds the configured provider. A missing key is fatal.
func newLLMClient(cfg *config.Config) (llmCloser, error) {
	switch cfg.LLMProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("fail-closed: GEMINI_API_KEY not set")
		}
		return llm.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("fail-closed: OPENAI_API_KEY not set")
		}
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q (want gemini or openai)", cfg.LLMProvider)
	}
}

// newVisionPipeline defers building the vision client until the first photo.
func newVisionPipeline(cfg *config.Config) *vision.Pipeline {
	return vision.NewPipeline(func(ctx context.Context) (*vision.Extractor, io.Closer, error) {
		client, err := openLLM(cfg)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("[smartorder] vision: %s ready", cfg.LLMProvider)
		return vision.NewExtractor(client), client, nil
	})
}

func newObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	oc := observability.DefaultConfig()
	oc.Enabled = cfg.OTelEnabled
	oc.OTLPEndpoint = cfg.OTelEndpoint
	oc.Insecure = cfg.OTelInsecure
	oc.Environment = cfg.ServiceEnvironment
	return observability.New(ctx, oc)
}

// app is the fully wired server.
type app struct {
	handler  *api.Server
	pipeline *vision.Pipeline
	closers  []func() error
	sweepers []func(ctx context.Context)
}

func (a *app) Close() {
	if err := a.pipeline.Close(); err != nil {
		log.Printf("[smartorder] vision close: %v", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[smartorder] close: %v", err)
		}
	}
}

// buildApp wires every component from cfg on top of st. On error everything
// opened so far is closed.
func buildApp(ctx context.Context, cfg *config.Config, st *stores, obs *observability.Provider) (_ *app, err error) {
	client, err := openLLM(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{closers: []func() error{client.Close}}
	a.pipeline = newVisionPipeline(cfg)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	persona := conversation.DefaultPersona()
	if cfg.PersonaFile != "" {
		if persona, err = conversation.LoadPersona(cfg.PersonaFile); err != nil {
			return nil, err
		}
		log.Printf("[smartorder] persona: %s from %s", persona.Name, cfg.PersonaFile)
	}
	chat := conversation.NewManager(client, persona)

	mode := matcher.ParseMode(cfg.MatchMode)
	matchOpts := []matcher.Option{
		matcher.WithMode(mode),
		matcher.WithObservability(obs),
	}
	switch {
	case st.vectors != nil && cfg.OpenAIAPIKey != "":
		matchOpts = append(matchOpts, matcher.WithVectorSearch(
			store.NewOpenAIEmbedder(cfg.OpenAIAPIKey), st.vectors, float32(cfg.MatchThreshold)))
	case mode == matcher.ModeEmbedding:
		return nil, errors.New("MATCH_MODE=embedding needs Postgres with pgvector and OPENAI_API_KEY")
	}
	m := matcher.NewWithSource(a.pipeline, st.catalog, matchOpts...)
	log.Printf("[smartorder] matcher: mode=%s", m.Mode())

	rec, err := orders.NewRecorder(client, st.catalog, st.orders, orders.WithObservability(obs))
	if err != nil {
		return nil, err
	}

	var (
		sessions session.Store
		idem     api.IdempotencyStorer
		health   = []func(context.Context) error{st.db.PingContext}
	)
	switch {
	case cfg.RedisAddr != "":
		rs := session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.SessionTTL)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Printf("[smartorder] sessions: redis at %s", cfg.RedisAddr)
		sessions = rs
		idem = api.NewRedisIdempotencyStore(rs.Client(), cfg.IdempotencyTTL)
		health = append(health, rs.Ping)
		a.closers = append(a.closers, rs.Close)
	default:
		ms := session.NewMemoryStore(cfg.SessionTTL)
		log.Println("[smartorder] sessions: in-memory")
		sessions = ms
		a.sweepers = append(a.sweepers, func(context.Context) { ms.Sweep() })
	}
	switch {
	case st.postgres:
		pg := api.NewPostgresIdempotencyStore(st.db, cfg.IdempotencyTTL)
		idem = pg
		a.sweepers = append(a.sweepers, func(ctx context.Context) { _, _ = pg.Cleanup(ctx) })
	case idem == nil:
		mem := api.NewIdempotencyStore(cfg.IdempotencyTTL)
		idem = mem
		a.sweepers = append(a.sweepers, func(context.Context) { mem.Sweep() })
	}

	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	a.sweepers = append(a.sweepers, func(context.Context) { limiter.Sweep(3 * time.Minute) })

	auth := api.NewOperatorAuth(cfg.OperatorSecret)
	if auth == nil {
		log.Println("[smartorder] OPERATOR_JWT_SECRET not set: operator routes will reject all requests")
	}

	a.handler = api.NewServer(api.Deps{
		Matcher:       m,
		Chat:          chat,
		Orders:        rec,
		Sessions:      session.NewController(sessions, st.catalog, m, chat, rec),
		Products:      st.catalog,
		Auth:          auth,
		Limiter:       limiter,
		Idempotency:   idem,
		Observability: obs,
		Health: func(ctx context.Context) error {
			for _, check := range health {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		CORSOrigins:   cfg.CORSOrigins,
		MaxImageBytes: cfg.MaxImageBytes,
	})
	return a, nil
}

// runSweepers runs periodic cleanup until ctx ends.
func (a *app) runSweepers(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sweep := range a.sweepers {
				sweep(ctx)
			}
		}
	}
}
