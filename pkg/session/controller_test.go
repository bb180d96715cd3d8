package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/conversation"
	"github.com/xayed7x/smartorderAI/pkg/matcher"
	"github.com/xayed7x/smartorderAI/pkg/orders"
)

var navyPolo = catalog.Product{ID: "b", Code: "PS-B", Name: "Navy Polo", Price: 1250, Stock: 4}

type fakeMatcher struct {
	result matcher.Result
	err    error
	calls  int
}

func (f *fakeMatcher) MatchByImage(context.Context, []byte, string) (matcher.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeResponder struct {
	mu      sync.Mutex
	reply   conversation.Reply
	err     error
	calls   int
	history []conversation.Turn
	active  *catalog.Product
}

func (f *fakeResponder) Respond(_ context.Context, active *catalog.Product, history []conversation.Turn, msg string) (conversation.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.history = history
	f.active = active
	return f.reply, f.err
}

type fakeOrders struct {
	mu    sync.Mutex
	err   error
	reqs  []orders.CreateRequest
	byKey map[string]string
}

func (f *fakeOrders) CreateOrder(_ context.Context, req orders.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return "", &orders.DuplicateOrderError{Key: req.IdempotencyKey, OrderID: id}
	}
	f.reqs = append(f.reqs, req)
	id := fmt.Sprintf("order-%d", len(f.reqs))
	if f.byKey == nil {
		f.byKey = map[string]string{}
	}
	f.byKey[req.IdempotencyKey] = id
	return id, nil
}

type fakeCatalog struct {
	products map[string]catalog.Product
	err      error
}

func (f *fakeCatalog) Get(_ context.Context, id string) (*catalog.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

func (f *fakeCatalog) FindByTags(context.Context, []string) (catalog.CandidateSet, error) {
	return nil, nil
}

func (f *fakeCatalog) FindByCategory(context.Context, string) (catalog.CandidateSet, error) {
	return nil, nil
}

func (f *fakeCatalog) List(context.Context, int) ([]catalog.Product, error) { return nil, nil }

type fixture struct {
	ctrl    *Controller
	store   *MemoryStore
	matcher *fakeMatcher
	chat    *fakeResponder
	orders  *fakeOrders
	catalog *fakeCatalog
}

func newFixture() *fixture {
	f := &fixture{
		store:   NewMemoryStore(time.Hour),
		matcher: &fakeMatcher{result: matcher.Result{Product: &navyPolo}},
		chat:    &fakeResponder{reply: conversation.Reply{Text: "জি, বলুন 😊"}},
		orders:  &fakeOrders{},
		catalog: &fakeCatalog{products: map[string]catalog.Product{"b": navyPolo}},
	}
	f.ctrl = NewController(f.store, f.catalog, f.matcher, f.chat, f.orders, WithGreeting("Assalamualaikum!"))
	return f
}

func lastTurn(s *State) conversation.Turn {
	return s.History[len(s.History)-1]
}

func TestStart(t *testing.T) {
	f := newFixture()
	s, err := f.ctrl.Start(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Nil(t, s.ActiveProduct)
	require.Len(t, s.History, 1)
	assert.Equal(t, conversation.Turn{Role: conversation.RoleAssistant, Text: "Assalamualaikum!"}, s.History[0])

	other, err := f.ctrl.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestUploadImage_Found(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)

	s, err := f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	require.NotNil(t, s.ActiveProduct)
	assert.Equal(t, "b", s.ActiveProduct.ID)
	assert.False(t, s.OrderPlaced)
	assert.False(t, s.CollectingCustomerInfo)
	assert.Equal(t, conversation.Turn{Role: conversation.RoleAssistant, Text: "Navy Polo\nPrice: BDT 1,250\nIn Stock: 4 units"}, lastTurn(s))
}

func TestUploadImage_NotFoundClearsProduct(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)
	s, _ = f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")
	require.NotNil(t, s.ActiveProduct)

	f.matcher.result = matcher.Result{Reason: matcher.ReasonNotIdentified}
	s, err := f.ctrl.UploadImage(ctx, s.ID, []byte("blurry"), "image/jpeg")
	require.NoError(t, err)
	assert.Nil(t, s.ActiveProduct)
	assert.Equal(t, "Sorry, I couldn't identify the product.", lastTurn(s).Text)

	f.matcher.result = matcher.Result{Reason: matcher.ReasonNoMatch}
	s, err = f.ctrl.UploadImage(ctx, s.ID, []byte("sofa"), "image/jpeg")
	require.NoError(t, err)
	assert.Contains(t, lastTurn(s).Text, "no match in catalog")
}

func TestUploadImage_ErrorAppendsTurn(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)

	f.matcher.err = errors.New("vision quota exhausted")
	s, err := f.ctrl.UploadImage(ctx, s.ID, []byte("x"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "Error: vision quota exhausted", lastTurn(s).Text)

	_, err = f.ctrl.UploadImage(ctx, s.ID, nil, "image/png")
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestOrderThroughConversation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)
	s, _ = f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")

	f.chat.reply = conversation.Reply{Text: "অবশ্যই! আপনার নাম, ঠিকানা এবং ফোন নম্বর দিন।", Intent: conversation.IntentCollectInfo}
	s, err := f.ctrl.SendMessage(ctx, s.ID, "I want to order this")
	require.NoError(t, err)
	assert.True(t, s.CollectingCustomerInfo)
	assert.Equal(t, conversation.RoleAssistant, lastTurn(s).Role)
	assert.NotContains(t, lastTurn(s).Text, conversation.IntentMarker)
	assert.Equal(t, "b", f.chat.active.ID)
	assert.Equal(t, "Navy Polo\nPrice: BDT 1,250\nIn Stock: 4 units", f.chat.history[len(f.chat.history)-1].Text)

	s, err = f.ctrl.SendMessage(ctx, s.ID, "Rahim, Dhanmondi Dhaka, 01711000000")
	require.NoError(t, err)
	assert.Equal(t, 1, f.chat.calls)
	require.Len(t, f.orders.reqs, 1)
	assert.Equal(t, "b", f.orders.reqs[0].ProductID)
	require.NotNil(t, f.orders.reqs[0].CustomerDetailsText)
	assert.Equal(t, "Rahim, Dhanmondi Dhaka, 01711000000", *f.orders.reqs[0].CustomerDetailsText)

	assert.True(t, s.OrderPlaced)
	assert.False(t, s.CollectingCustomerInfo)
	assert.Equal(t, "order-1", s.LastOrderID)
	assert.Equal(t, conversation.Turn{Role: conversation.RoleSystem, Text: "Order placed successfully! Order ID: order-1"}, lastTurn(s))
}

func TestCollectIntentWithoutProductIsIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)

	f.chat.reply = conversation.Reply{Text: "অবশ্যই!", Intent: conversation.IntentCollectInfo}
	s, err := f.ctrl.SendMessage(ctx, s.ID, "order please")
	require.NoError(t, err)
	assert.False(t, s.CollectingCustomerInfo)
	assert.NoError(t, s.CheckInvariants())
}

func TestCollectingWithoutProduct(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, &State{ID: "legacy", CollectingCustomerInfo: true}))

	s, err := f.ctrl.SendMessage(ctx, "legacy", "Rahim, Dhaka")
	require.NoError(t, err)
	assert.Equal(t, "Error: No active product to order.", lastTurn(s).Text)
	assert.Equal(t, conversation.RoleSystem, lastTurn(s).Role)
	assert.Zero(t, f.chat.calls)
	assert.Empty(t, f.orders.reqs)
}

func TestOrderFailureStaysCollecting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)
	s, _ = f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")
	f.chat.reply = conversation.Reply{Text: "নাম দিন", Intent: conversation.IntentCollectInfo}
	s, _ = f.ctrl.SendMessage(ctx, s.ID, "buy")

	f.orders.err = errors.New("failed to create order in database")
	s, err := f.ctrl.SendMessage(ctx, s.ID, "Rahim, Dhaka")
	require.NoError(t, err)
	assert.True(t, s.CollectingCustomerInfo)
	assert.False(t, s.OrderPlaced)
	assert.Equal(t, conversation.Turn{Role: conversation.RoleSystem, Text: "Error: failed to create order in database"}, lastTurn(s))
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)

	s, err := f.ctrl.PlaceOrder(ctx, s.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, "Error: No active product to order.", lastTurn(s).Text)
	assert.Empty(t, f.orders.reqs)

	s, _ = f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")
	s, err = f.ctrl.PlaceOrder(ctx, s.ID, "k1")
	require.NoError(t, err)
	assert.True(t, s.OrderPlaced)
	require.Len(t, f.orders.reqs, 1)
	assert.Nil(t, f.orders.reqs[0].CustomerDetailsText)
	assert.Equal(t, "k1", f.orders.reqs[0].IdempotencyKey)

	s, err = f.ctrl.PlaceOrder(ctx, s.ID, "k2")
	require.NoError(t, err)
	assert.Len(t, f.orders.reqs, 1)
	assert.Equal(t, "This order has already been placed. Order ID: order-1", lastTurn(s).Text)

	s, _ = f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")
	assert.False(t, s.OrderPlaced)
	assert.Empty(t, s.LastOrderID)
}

func TestPlaceOrder_DuplicateKeyReportsOriginal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)
	s, _ = f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")
	f.orders.byKey = map[string]string{"k1": "order-earlier"}

	s, err := f.ctrl.PlaceOrder(ctx, s.ID, "k1")
	require.NoError(t, err)
	assert.True(t, s.OrderPlaced)
	assert.Equal(t, "order-earlier", s.LastOrderID)
}

func TestLoad_RevalidatesProduct(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)
	s, _ = f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")

	soldOut := navyPolo
	soldOut.Stock = 0
	f.catalog.products["b"] = soldOut
	s, err := f.ctrl.Load(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, s.ActiveProduct)
	assert.Equal(t, 0, s.ActiveProduct.Stock)
	assert.Equal(t, msgOutOfStock, lastTurn(s).Text)

	delete(f.catalog.products, "b")
	s, err = f.ctrl.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, s.ActiveProduct)
	assert.False(t, s.CollectingCustomerInfo)
	assert.Equal(t, conversation.Turn{Role: conversation.RoleSystem, Text: msgProductGone}, lastTurn(s))
}

func TestLoad_CatalogErrorKeepsStoredProduct(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)
	s, _ = f.ctrl.UploadImage(ctx, s.ID, []byte("jpeg"), "image/jpeg")
	n := len(s.History)

	f.catalog.err = errors.New("db down")
	s, err := f.ctrl.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.NotNil(t, s.ActiveProduct)
	assert.Len(t, s.History, n)
}

func TestReset(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)
	require.NoError(t, f.ctrl.Reset(ctx, s.ID))

	_, err := f.ctrl.Load(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.ctrl.SendMessage(ctx, s.ID, "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendMessage_Empty(t *testing.T) {
	f := newFixture()
	s, _ := f.ctrl.Start(context.Background())
	_, err := f.ctrl.SendMessage(context.Background(), s.ID, "  \n")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestConcurrentMessagesAreSerialized(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s, _ := f.ctrl.Start(ctx)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ctrl.SendMessage(ctx, s.ID, fmt.Sprintf("message %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s, err := f.ctrl.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, s.History, 1+2*n)
	for i := 1; i < len(s.History); i += 2 {
		assert.Equal(t, conversation.RoleUser, s.History[i].Role)
		assert.Equal(t, conversation.RoleAssistant, s.History[i+1].Role)
	}
	assert.Empty(t, f.ctrl.locks.locks)
}

func TestCheckInvariants(t *testing.T) {
	assert.ErrorIs(t, (&State{}).CheckInvariants(), ErrInvariant)
	assert.ErrorIs(t, (&State{ID: "x", CollectingCustomerInfo: true}).CheckInvariants(), ErrInvariant)
	assert.ErrorIs(t, (&State{ID: "x", OrderPlaced: true}).CheckInvariants(), ErrInvariant)
	assert.ErrorIs(t, (&State{ID: "x", History: []conversation.Turn{{Role: "model"}}}).CheckInvariants(), ErrInvariant)
	assert.NoError(t, (&State{ID: "x", ActiveProduct: &navyPolo, CollectingCustomerInfo: true}).CheckInvariants())
}

func TestRenderProduct(t *testing.T) {
	assert.Equal(t, "Mug\nPrice: BDT 99.50\nIn Stock: 0 units", RenderProduct(&catalog.Product{Name: "Mug", Price: 99.5}))
	assert.Equal(t, "Saree\nPrice: BDT 12,000\nIn Stock: 2 units", RenderProduct(&catalog.Product{Name: "Saree", Price: 12000, Stock: 2}))
}

// Random action sequences with random collaborator outcomes never break the
// state invariants, and history only grows.
func TestController_InvariantsHoldUnderRandomActions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("invariants hold after every action", prop.ForAll(
		func(actions []int) bool {
			f := newFixture()
			ctx := context.Background()
			s, err := f.ctrl.Start(ctx)
			if err != nil {
				return false
			}
			prevLen := len(s.History)
			for i, a := range actions {
				f.matcher.result = matcher.Result{Product: &navyPolo}
				f.matcher.err = nil
				f.chat.reply = conversation.Reply{Text: "ok"}
				f.chat.err = nil
				f.orders.err = nil

				switch a % 9 {
				case 0:
					s, err = f.ctrl.UploadImage(ctx, s.ID, []byte("x"), "image/png")
				case 1:
					f.matcher.result = matcher.Result{Reason: matcher.ReasonNoMatch}
					s, err = f.ctrl.UploadImage(ctx, s.ID, []byte("x"), "image/png")
				case 2:
					f.matcher.err = errors.New("boom")
					s, err = f.ctrl.UploadImage(ctx, s.ID, []byte("x"), "image/png")
				case 3:
					f.chat.reply = conversation.Reply{Text: "details?", Intent: conversation.IntentCollectInfo}
					s, err = f.ctrl.SendMessage(ctx, s.ID, "buy")
				case 4:
					s, err = f.ctrl.SendMessage(ctx, s.ID, "price?")
				case 5:
					f.chat.err = errors.New("down")
					s, err = f.ctrl.SendMessage(ctx, s.ID, "hello")
				case 6:
					s, err = f.ctrl.PlaceOrder(ctx, s.ID, fmt.Sprintf("k-%d", i))
				case 7:
					f.orders.err = errors.New("db")
					s, err = f.ctrl.PlaceOrder(ctx, s.ID, "")
				case 8:
					f.orders.err = errors.New("db")
					s, err = f.ctrl.SendMessage(ctx, s.ID, "Rahim, Dhaka")
				}
				if err != nil || s.CheckInvariants() != nil {
					return false
				}
				if s.CollectingCustomerInfo && s.ActiveProduct == nil {
					return false
				}
				if len(s.History) <= prevLen {
					return false
				}
				prevLen = len(s.History)
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.TestingRun(t)
}
