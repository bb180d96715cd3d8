package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/llm"
)

type stubCatalog struct {
	products map[string]catalog.Product
	err      error
}

func (c *stubCatalog) Get(_ context.Context, id string) (*catalog.Product, error) {
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

func (c *stubCatalog) FindByTags(context.Context, []string) (catalog.CandidateSet, error) {
	return nil, nil
}

func (c *stubCatalog) FindByCategory(context.Context, string) (catalog.CandidateSet, error) {
	return nil, nil
}

func (c *stubCatalog) List(context.Context, int) ([]catalog.Product, error) { return nil, nil }

type memStore struct {
	mu     sync.Mutex
	orders []Order
	err    error
}

func (s *memStore) Insert(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if o.IdempotencyKey != "" {
		for _, existing := range s.orders {
			if existing.IdempotencyKey == o.IdempotencyKey {
				return &DuplicateOrderError{Key: o.IdempotencyKey, OrderID: existing.ID}
			}
		}
	}
	s.orders = append(s.orders, *o)
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ID == id {
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) List(_ context.Context, limit int) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Order(nil), s.orders...), nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.orders {
		if s.orders[i].ID == id {
			s.orders[i].Status = st
			return nil
		}
	}
	return ErrNotFound
}

type countingClient struct {
	content string
	err     error
	calls   int
	prompt  string
}

func (c *countingClient) Chat(_ context.Context, msgs []llm.Message, opts *llm.SamplingOptions) (*llm.Response, error) {
	c.calls++
	c.prompt = msgs[0].Parts[0].Text
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: c.content}, nil
}

func newTestRecorder(t *testing.T, client llm.Client, store Store) *Recorder {
	t.Helper()
	cat := &stubCatalog{products: map[string]catalog.Product{"p-1": {ID: "p-1", Name: "Navy Polo"}}}
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r, err := NewRecorder(client, cat, store, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return r
}

func strptr(s string) *string { return &s }

func TestCreateOrder_RequiresProductID(t *testing.T) {
	client := &countingClient{}
	store := &memStore{}
	_, err := newTestRecorder(t, client, store).CreateOrder(context.Background(), CreateRequest{ProductID: "  ", CustomerDetailsText: strptr("Rahim")})
	assert.ErrorIs(t, err, ErrProductIDRequired)
	assert.Zero(t, client.calls)
	assert.Empty(t, store.orders)
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	client := &countingClient{}
	_, err := newTestRecorder(t, client, &memStore{}).CreateOrder(context.Background(), CreateRequest{ProductID: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownProduct)
	assert.Zero(t, client.calls)
}

func TestCreateOrder_ButtonStoresSentinel(t *testing.T) {
	client := &countingClient{}
	store := &memStore{}
	id, err := newTestRecorder(t, client, store).CreateOrder(context.Background(), CreateRequest{ProductID: "p-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Zero(t, client.calls)

	require.Len(t, store.orders, 1)
	o := store.orders[0]
	assert.Equal(t, id, o.ID)
	assert.Equal(t, Details{"source": "button"}, o.CustomerDetails)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, 2025, o.CreatedAt.Year())
}

func TestCreateOrder_ExtractsDetails(t *testing.T) {
	client := &countingClient{content: "```json\n{\"name\": \"Rahim Uddin\", \"address\": \"House 12, Road 5, Dhanmondi, Dhaka\", \"phone\": \"01711000000\"}\n```"}
	store := &memStore{}
	text := "Rahim Uddin, House 12, Road 5, Dhanmondi, Dhaka, 01711000000"

	_, err := newTestRecorder(t, client, store).CreateOrder(context.Background(), CreateRequest{ProductID: "p-1", CustomerDetailsText: &text})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
	assert.Contains(t, client.prompt, text)

	d := store.orders[0].CustomerDetails
	assert.Equal(t, "Rahim Uddin", d["name"])
	assert.Equal(t, "01711000000", d["phone"])
}

func TestCreateOrder_MissingFieldsAreNull(t *testing.T) {
	client := &countingClient{content: `{"name": "Karim", "address": null, "phone": null}`}
	store := &memStore{}
	_, err := newTestRecorder(t, client, store).CreateOrder(context.Background(), CreateRequest{ProductID: "p-1", CustomerDetailsText: strptr("Karim")})
	require.NoError(t, err)
	d := store.orders[0].CustomerDetails
	assert.Equal(t, "Karim", d["name"])
	assert.Contains(t, d, "address")
	assert.Nil(t, d["address"])
}

func TestCreateOrder_MalformedOutputFallsBackToRaw(t *testing.T) {
	cases := map[string]string{
		"not json":      "Sure! Name: Rahim",
		"wrong shape":   `["Rahim", "Dhaka"]`,
		"missing key":   `{"name": "Rahim", "address": "Dhaka"}`,
		"wrong type":    `{"name": "Rahim", "address": "Dhaka", "phone": 1711000000}`,
		"empty content": "",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			store := &memStore{}
			text := "Rahim, Dhaka, 01711000000"
			_, err := newTestRecorder(t, &countingClient{content: content}, store).CreateOrder(context.Background(), CreateRequest{ProductID: "p-1", CustomerDetailsText: &text})
			require.NoError(t, err)
			assert.Equal(t, Details{"source": "raw", "raw": text}, store.orders[0].CustomerDetails)
		})
	}
}

func TestCreateOrder_ExtractionCallFailureIsTerminal(t *testing.T) {
	store := &memStore{}
	quota := errors.New("quota exceeded")
	client := &countingClient{err: quota}
	id, err := newTestRecorder(t, client, store).CreateOrder(context.Background(), CreateRequest{ProductID: "p-1", CustomerDetailsText: strptr("John, 123 Main St, 555-1234")})
	require.ErrorIs(t, err, quota)
	assert.ErrorIs(t, err, ErrExtraction)
	assert.Empty(t, id)
	assert.Empty(t, store.orders)
	assert.Equal(t, 1, client.calls)
}

func TestCreateOrder_PersistenceFailureIsTerminal(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := newTestRecorder(t, &countingClient{}, &memStore{err: boom}).CreateOrder(context.Background(), CreateRequest{ProductID: "p-1"})
	assert.ErrorIs(t, err, boom)
}

func TestCreateOrder_IdempotencyKey(t *testing.T) {
	store := &memStore{}
	r := newTestRecorder(t, &countingClient{}, store)

	first, err := r.CreateOrder(context.Background(), CreateRequest{ProductID: "p-1", IdempotencyKey: "click-1"})
	require.NoError(t, err)

	_, err = r.CreateOrder(context.Background(), CreateRequest{ProductID: "p-1", IdempotencyKey: "click-1"})
	require.ErrorIs(t, err, ErrDuplicateOrder)
	var dup *DuplicateOrderError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first, dup.OrderID)
	assert.Len(t, store.orders, 1)

	_, err = r.CreateOrder(context.Background(), CreateRequest{ProductID: "p-1"})
	require.NoError(t, err)
	_, err = r.CreateOrder(context.Background(), CreateRequest{ProductID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, store.orders, 3)
}

func TestUpdateStatus(t *testing.T) {
	store := &memStore{}
	r := newTestRecorder(t, &countingClient{}, store)
	id, err := r.CreateOrder(context.Background(), CreateRequest{ProductID: "p-1"})
	require.NoError(t, err)

	require.NoError(t, r.UpdateStatus(context.Background(), id, "Shipped"))
	o, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, o.Status)

	assert.ErrorIs(t, r.UpdateStatus(context.Background(), id, "lost"), ErrInvalidStatus)
	assert.ErrorIs(t, r.UpdateStatus(context.Background(), "nope", "delivered"), ErrNotFound)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "shipped", "delivered", "cancelled"} {
		st, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), st)
	}
	_, err := ParseStatus("")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
