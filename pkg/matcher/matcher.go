// Package matcher resolves a product photo to at most one catalog product.
//
// A match is three sequential steps: one vision extraction call, one catalog
// filter, and, only when the filter returns more than one candidate, one
// disambiguation call. Nothing is retried; the first failure is returned.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/observability"
	"github.com/xayed7x/smartorderAI/pkg/store"
	"github.com/xayed7x/smartorderAI/pkg/vision"
)

// Mode selects how the coarse catalog filter is derived from the photo.
type Mode string

const (
	ModeKeywords  Mode = "keywords"
	ModeCategory  Mode = "category"
	ModeEmbedding Mode = "embedding"
)

// ParseMode maps a config value to a Mode. Unknown values fall back to keywords.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCategory:
		return ModeCategory
	case ModeEmbedding:
		return ModeEmbedding
	default:
		return ModeKeywords
	}
}

// ErrNoVectorSearch is returned in embedding mode when no vector store is wired.
var ErrNoVectorSearch = errors.New("matcher: embedding mode without vector search")

const (
	ReasonNotIdentified = "could not identify"
	ReasonNoMatch       = "no match in catalog"
)

// Result is the outcome of a match. Exactly one of Product and Reason is set.
type Result struct {
	Product *catalog.Product
	Reason  string
}

// Found reports whether a product was matched.
func (r Result) Found() bool {
	return r.Product != nil
}

// Vision is the subset of the extractor the matcher calls.
type Vision interface {
	Keywords(ctx context.Context, image []byte, mimeType string) ([]string, error)
	Category(ctx context.Context, image []byte, mimeType string) (string, error)
	Describe(ctx context.Context, image []byte, mimeType string) (string, error)
	Disambiguate(ctx context.Context, image []byte, mimeType string, candidates catalog.CandidateSet) (string, error)
}

// VisionSource hands out the extractor, typically a lazily built pipeline.
type VisionSource interface {
	Extractor(ctx context.Context) (*vision.Extractor, error)
}

// Matcher implements MatchByImage.
type Matcher struct {
	mode      Mode
	vision    func(ctx context.Context) (Vision, error)
	catalog   catalog.Store
	embedder  store.Embedder
	vectors   store.VectorStore
	threshold float32
	obs       *observability.Provider
	logger    *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithMode selects the coarse filter. Embedding mode also needs WithVectorSearch.
func WithMode(m Mode) Option {
	return func(mt *Matcher) { mt.mode = m }
}

// WithVectorSearch enables embedding mode lookups.
func WithVectorSearch(e store.Embedder, vs store.VectorStore, threshold float32) Option {
	return func(mt *Matcher) {
		mt.embedder = e
		mt.vectors = vs
		mt.threshold = threshold
	}
}

func WithObservability(p *observability.Provider) Option {
	return func(mt *Matcher) { mt.obs = p }
}

// New builds a matcher over a fixed Vision implementation.
func New(v Vision, cat catalog.Store, opts ...Option) *Matcher {
	return newMatcher(func(context.Context) (Vision, error) { return v, nil }, cat, opts...)
}

// NewWithSource builds a matcher that fetches its extractor per call, so the
// model client is only created when the first photo arrives.
func NewWithSource(src VisionSource, cat catalog.Store, opts ...Option) *Matcher {
	return newMatcher(func(ctx context.Context) (Vision, error) {
		ext, err := src.Extractor(ctx)
		if err != nil {
			return nil, err
		}
		return ext, nil
	}, cat, opts...)
}

func newMatcher(v func(context.Context) (Vision, error), cat catalog.Store, opts ...Option) *Matcher {
	m := &Matcher{
		mode:      ModeKeywords,
		vision:    v,
		catalog:   cat,
		threshold: 0.8,
		logger:    slog.Default().With("component", "matcher"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode returns the configured filter mode.
func (m *Matcher) Mode() Mode {
	return m.mode
}

// MatchByImage returns zero or one product for the photo.
func (m *Matcher) MatchByImage(ctx context.Context, image []byte, mimeType string) (res Result, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "match_by_image", observability.MatchOperation(string(m.mode))...)
	defer func() { done(err) }()

	v, err := m.vision(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("matcher: vision unavailable: %w", err)
	}

	candidates, identified, err := m.candidates(ctx, v, image, mimeType)
	if err != nil {
		return Result{}, err
	}
	if !identified {
		m.logger.InfoContext(ctx, "image not identified", "mode", m.mode)
		return Result{Reason: ReasonNotIdentified}, nil
	}

	switch len(candidates) {
	case 0:
		return Result{Reason: ReasonNoMatch}, nil
	case 1:
		return Result{Product: &candidates[0]}, nil
	}

	code, err := v.Disambiguate(ctx, image, mimeType, candidates)
	if err != nil {
		return Result{}, fmt.Errorf("matcher: disambiguate: %w", err)
	}
	return Result{Product: Pick(candidates, code)}, nil
}

// candidates runs the extraction call and the catalog filter for the mode.
// identified is false when the extraction produced nothing to search for, in
// which case the catalog is not queried.
func (m *Matcher) candidates(ctx context.Context, v Vision, image []byte, mimeType string) (catalog.CandidateSet, bool, error) {
	switch m.mode {
	case ModeCategory:
		label, err := v.Category(ctx, image, mimeType)
		if err != nil {
			return nil, false, fmt.Errorf("matcher: extract category: %w", err)
		}
		if label == "" {
			return nil, false, nil
		}
		cs, err := m.catalog.FindByCategory(ctx, label)
		if err != nil {
			return nil, true, fmt.Errorf("matcher: catalog lookup: %w", err)
		}
		return cs, true, nil

	case ModeEmbedding:
		return m.nearest(ctx, v, image, mimeType)

	default:
		keywords, err := v.Keywords(ctx, image, mimeType)
		if err != nil {
			return nil, false, fmt.Errorf("matcher: extract keywords: %w", err)
		}
		if len(keywords) == 0 {
			return nil, false, nil
		}
		m.logger.DebugContext(ctx, "keywords extracted", "keywords", keywords)
		cs, err := m.catalog.FindByTags(ctx, keywords)
		if err != nil {
			return nil, true, fmt.Errorf("matcher: catalog lookup: %w", err)
		}
		return cs, true, nil
	}
}

// nearest describes the photo, embeds the description and returns the single
// closest product above the similarity threshold.
func (m *Matcher) nearest(ctx context.Context, v Vision, image []byte, mimeType string) (catalog.CandidateSet, bool, error) {
	if m.embedder == nil || m.vectors == nil {
		return nil, false, ErrNoVectorSearch
	}
	desc, err := v.Describe(ctx, image, mimeType)
	if err != nil {
		return nil, false, fmt.Errorf("matcher: describe: %w", err)
	}
	if desc == "" {
		return nil, false, nil
	}
	vec, err := m.embedder.Embed(ctx, desc)
	if err != nil {
		return nil, true, fmt.Errorf("matcher: embed: %w", err)
	}
	hits, err := m.vectors.Search(ctx, vec, m.threshold, 1)
	if err != nil {
		return nil, true, fmt.Errorf("matcher: vector search: %w", err)
	}
	if len(hits) == 0 {
		return catalog.CandidateSet{}, true, nil
	}
	p, err := m.catalog.Get(ctx, hits[0].ID)
	if err != nil {
		return nil, true, fmt.Errorf("matcher: load %s: %w", hits[0].ID, err)
	}
	return catalog.CandidateSet{*p}, true, nil
}

// Pick returns the candidate with the given code, or the first candidate
// when the code matches none. candidates must be non-empty.
func Pick(candidates catalog.CandidateSet, code string) *catalog.Product {
	if p, ok := candidates.ByCode(code); ok {
		return p
	}
	return &candidates[0]
}
