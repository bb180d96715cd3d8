// Command embed-backfill describes and embeds every product image that has
// no vector yet, for the embedding match mode.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/xayed7x/smartorderAI/pkg/backfill"
	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/config"
	"github.com/xayed7x/smartorderAI/pkg/llm"
	"github.com/xayed7x/smartorderAI/pkg/media"
	"github.com/xayed7x/smartorderAI/pkg/observability"
	"github.com/xayed7x/smartorderAI/pkg/store"
	"github.com/xayed7x/smartorderAI/pkg/vision"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run parses flags, runs one backfill pass and prints the summary as JSON.
// It exits 1 when setup fails or any product failed.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("embed-backfill", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	workers := cmd.Int("workers", 2, "products processed concurrently")
	dryRun := cmd.Bool("dry-run", false, "list products without calling any model")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintf(stderr, "warning: .env: %v\n", err)
	}
	cfg := config.Load()
	if err := checkConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "embed-backfill: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "smartorder-backfill",
		ServiceVersion: observability.DefaultConfig().ServiceVersion,
		Environment:    cfg.ServiceEnvironment,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		Enabled:        cfg.OTelEnabled,
		Insecure:       cfg.OTelInsecure,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "embed-backfill: observability: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "embed-backfill: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	vectors := store.NewPGVectorStore(db)
	if err := vectors.Init(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "embed-backfill: vector table: %v\n", err)
		return 1
	}

	describer, err := newDescriber(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "embed-backfill: %v\n", err)
		return 1
	}

	job := backfill.NewJob(
		catalog.NewPostgresStore(db),
		newFetcher(ctx, cfg),
		describer,
		store.NewOpenAIEmbedder(cfg.OpenAIAPIKey),
		vectors,
		backfill.WithWorkers(*workers),
		backfill.WithDryRun(*dryRun),
		backfill.WithObservability(obs),
	)

	sum, err := job.Run(ctx)
	_ = json.NewEncoder(stdout).Encode(sum)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "embed-backfill: %v\n", err)
		return 1
	}
	if sum.Failed > 0 {
		return 1
	}
	return 0
}

func checkConfig(cfg *config.Config) error {
	if cfg.UsesSQLite() {
		return errors.New("DATABASE_URL must point at Postgres with pgvector")
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required for embeddings")
	}
	return nil
}

func newDescriber(cfg *config.Config) (*vision.Extractor, error) {
	switch cfg.LLMProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("GEMINI_API_KEY not set")
		}
		return vision.NewExtractor(llm.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)), nil
	case "openai":
		return vision.NewExtractor(llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

// newFetcher routes image references by scheme. Object stores that cannot
// be configured are left out and their products fail individually.
func newFetcher(ctx context.Context, cfg *config.Config) *media.Router {
	httpFetcher := media.NewHTTPFetcher(cfg.MaxImageBytes)
	r := media.NewRouter().
		Handle("http", httpFetcher).
		Handle("https", httpFetcher)

	if s3f, err := media.NewS3Fetcher(ctx, media.S3Config{
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
		MaxBytes: cfg.MaxImageBytes,
	}); err != nil {
		log.Printf("[backfill] s3 images disabled: %v", err)
	} else {
		r.Handle("s3", s3f)
	}

	if gcs, err := media.NewGCSFetcher(ctx, cfg.MaxImageBytes); err != nil {
		log.Printf("[backfill] gs images disabled: %v", err)
	} else {
		r.Handle("gs", gcs)
	}
	return r
}
