// Package backfill fills the product embedding table for products that do
// not have a vector yet. One product failing never stops the batch.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/media"
	"github.com/xayed7x/smartorderAI/pkg/observability"
	"github.com/xayed7x/smartorderAI/pkg/store"
)

// ProductSource lists products that still need an embedding.
type ProductSource interface {
	ListUnembedded(ctx context.Context) ([]catalog.Product, error)
}

// Describer turns a product photo into searchable text.
type Describer interface {
	Describe(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Summary counts the outcome of one run.
type Summary struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("total=%d embedded=%d skipped=%d failed=%d", s.Total, s.Embedded, s.Skipped, s.Failed)
}

// Job embeds product images.
type Job struct {
	products  ProductSource
	fetcher   media.Fetcher
	describer Describer
	embedder  store.Embedder
	vectors   store.VectorStore
	workers   int
	dryRun    bool
	obs       *observability.Provider
	logger    *slog.Logger
}

type Option func(*Job)

// WithWorkers sets how many products are processed at once.
func WithWorkers(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.workers = n
		}
	}
}

// WithDryRun lists what would be embedded without calling any model.
func WithDryRun(on bool) Option {
	return func(j *Job) { j.dryRun = on }
}

func WithObservability(p *observability.Provider) Option {
	return func(j *Job) { j.obs = p }
}

func NewJob(products ProductSource, fetcher media.Fetcher, describer Describer, embedder store.Embedder, vectors store.VectorStore, opts ...Option) *Job {
	j := &Job{
		products:  products,
		fetcher:   fetcher,
		describer: describer,
		embedder:  embedder,
		vectors:   vectors,
		workers:   1,
		logger:    slog.Default().With("component", "backfill"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

type outcome int

const (
	embedded outcome = iota
	skipped
	failed
)

// Run processes every unembedded product. It returns an error only when
// the product list cannot be read or ctx ends; per-product failures are
// logged and counted.
func (j *Job) Run(ctx context.Context) (sum Summary, err error) {
	ctx, done := j.obs.TrackOperation(ctx, "backfill.run")
	defer func() { done(err) }()

	list, err := j.products.ListUnembedded(ctx)
	if err != nil {
		return sum, fmt.Errorf("backfill: list products: %w", err)
	}
	sum.Total = len(list)
	j.logger.InfoContext(ctx, "backfill started", "products", len(list), "workers", j.workers, "dry_run", j.dryRun)

	work := make(chan catalog.Product)
	results := make(chan outcome)
	var wg sync.WaitGroup
	for i := 0; i < j.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				results <- j.process(ctx, p)
			}
		}()
	}
	go func() {
		defer close(work)
		for _, p := range list {
			select {
			case work <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for o := range results {
		switch o {
		case embedded:
			sum.Embedded++
		case skipped:
			sum.Skipped++
		case failed:
			sum.Failed++
		}
	}

	j.logger.InfoContext(ctx, "backfill finished", "summary", sum.String())
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (j *Job) process(ctx context.Context, p catalog.Product) outcome {
	log := j.logger.With("product_id", p.ID)
	if strings.TrimSpace(p.ImageURL) == "" {
		log.WarnContext(ctx, "product has no image, skipping")
		return skipped
	}
	if j.dryRun {
		log.InfoContext(ctx, "would embed", "image", p.ImageURL)
		return skipped
	}

	if err := j.embed(ctx, p); err != nil {
		log.ErrorContext(ctx, "embedding failed", "error", err)
		return failed
	}
	log.InfoContext(ctx, "embedded")
	return embedded
}

func (j *Job) embed(ctx context.Context, p catalog.Product) error {
	img, err := j.fetcher.Fetch(ctx, p.ImageURL)
	if err != nil {
		return err
	}
	desc, err := j.describer.Describe(ctx, img.Data, img.MIMEType)
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return errors.New("describe: empty description")
	}
	vec, err := j.embedder.Embed(ctx, desc)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	meta := map[string]string{
		"name":      p.Name,
		"code":      p.Code,
		"category":  p.Category,
		"image_url": p.ImageURL,
	}
	if err := j.vectors.Store(ctx, p.ID, desc, vec, meta); err != nil {
		return fmt.Errorf("store vector: %w", err)
	}
	return nil
}
