package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/llm"
	"github.com/xayed7x/smartorderAI/pkg/observability"
)

// CreateRequest is the input to CreateOrder. A nil CustomerDetailsText means
// the order was placed without text, e.g. from a button.
type CreateRequest struct {
	ProductID           string
	CustomerDetailsText *string
	IdempotencyKey      string
}

// Recorder creates orders and serves the operator views.
type Recorder struct {
	client  llm.Client
	catalog catalog.Store
	store   Store
	schema  *jsonschema.Schema
	obs     *observability.Provider
	logger  *slog.Logger
	now     func() time.Time
}

type RecorderOption func(*Recorder)

func WithObservability(p *observability.Provider) RecorderOption {
	return func(r *Recorder) { r.obs = p }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(client llm.Client, cat catalog.Store, store Store, opts ...RecorderOption) (*Recorder, error) {
	schema, err := compileDetailsSchema()
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		client:  client,
		catalog: cat,
		store:   store,
		schema:  schema,
		logger:  slog.Default().With("component", "orders"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CreateOrder persists one order and returns its id. With a reused
// idempotency key nothing is written and a *DuplicateOrderError carrying the
// original id is returned.
func (r *Recorder) CreateOrder(ctx context.Context, req CreateRequest) (id string, err error) {
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return "", ErrProductIDRequired
	}

	hasText := req.CustomerDetailsText != nil && strings.TrimSpace(*req.CustomerDetailsText) != ""
	ctx, done := r.obs.TrackOperation(ctx, "create_order", observability.OrderOperation(productID, hasText)...)
	defer func() { done(err) }()

	if _, err := r.catalog.Get(ctx, productID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
		}
		return "", fmt.Errorf("orders: check product: %w", err)
	}

	details := ButtonDetails()
	if hasText {
		if details, err = r.extractDetails(ctx, *req.CustomerDetailsText); err != nil {
			return "", err
		}
	}

	o := &Order{
		ID:              uuid.NewString(),
		ProductID:       productID,
		CustomerDetails: details,
		Status:          StatusPending,
		CreatedAt:       r.now().UTC(),
		IdempotencyKey:  strings.TrimSpace(req.IdempotencyKey),
	}
	if err := r.store.Insert(ctx, o); err != nil {
		var dup *DuplicateOrderError
		if errors.As(err, &dup) {
			r.logger.InfoContext(ctx, "duplicate order suppressed", "key", dup.Key, "order_id", dup.OrderID)
			return "", err
		}
		return "", fmt.Errorf("orders: persist: %w", err)
	}

	r.logger.InfoContext(ctx, "order created", "order_id", o.ID, "product_id", productID, "source", details["source"])
	return o.ID, nil
}

// extractDetails asks the model for name, address and phone. A failed call
// is returned; unusable output falls back to the raw text.
func (r *Recorder) extractDetails(ctx context.Context, text string) (Details, error) {
	resp, err := r.client.Chat(ctx,
		[]llm.Message{llm.Text(llm.RoleUser, fmt.Sprintf(extractionPrompt, text))},
		&llm.SamplingOptions{JSON: true},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	details, err := parseDetails(r.schema, resp.Content)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to parse details from model response, storing raw text", "error", err)
		return RawDetails(text), nil
	}
	return details, nil
}

// List returns the newest orders first.
func (r *Recorder) List(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.store.List(ctx, limit)
}

func (r *Recorder) Get(ctx context.Context, id string) (*Order, error) {
	return r.store.Get(ctx, id)
}

// UpdateStatus validates and applies an operator status change.
func (r *Recorder) UpdateStatus(ctx context.Context, id, status string) error {
	st, err := ParseStatus(status)
	if err != nil {
		return err
	}
	if err := r.store.UpdateStatus(ctx, id, st); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "order status updated", "order_id", id, "status", st)
	return nil
}
