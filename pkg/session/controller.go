package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/conversation"
	"github.com/xayed7x/smartorderAI/pkg/matcher"
	"github.com/xayed7x/smartorderAI/pkg/orders"
)

// Shopper-facing notices appended as system or assistant turns.
const (
	msgNotIdentified    = "Sorry, I couldn't identify the product."
	msgNoActiveProduct  = "Error: No active product to order."
	msgProductGone      = "The product you were looking at is no longer available. Please upload a new photo."
	msgOutOfStock       = "Note: this product is currently out of stock."
	msgOrderPlacedFmt   = "Order placed successfully! Order ID: %s"
	msgAlreadyPlacedFmt = "This order has already been placed. Order ID: %s"
	msgErrorFmt         = "Error: %v"
)

// Matcher resolves a photo to a product.
type Matcher interface {
	MatchByImage(ctx context.Context, image []byte, mimeType string) (matcher.Result, error)
}

// Responder produces assistant replies.
type Responder interface {
	Respond(ctx context.Context, active *catalog.Product, history []conversation.Turn, msg string) (conversation.Reply, error)
}

// OrderCreator records orders.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req orders.CreateRequest) (string, error)
}

// Controller applies shopper actions to sessions. Actions on one session are
// serialized; different sessions proceed in parallel.
type Controller struct {
	store    Store
	catalog  catalog.Store
	matcher  Matcher
	chat     Responder
	orders   OrderCreator
	greeting string
	locks    *keyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Controller)

// WithGreeting sets the first assistant turn of a new session.
func WithGreeting(g string) Option {
	return func(c *Controller) { c.greeting = g }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(store Store, cat catalog.Store, m Matcher, chat Responder, rec OrderCreator, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		catalog:  cat,
		matcher:  m,
		chat:     chat,
		orders:   rec,
		greeting: "Hello! Upload an image of a product or ask me anything.",
		locks:    newKeyedMutex(),
		logger:   slog.Default().With("component", "session"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates a session with a fresh opaque id and the greeting turn.
func (c *Controller) Start(ctx context.Context) (*State, error) {
	now := c.now().UTC()
	s := &State{
		ID:        uuid.NewString(),
		History:   []conversation.Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.greeting != "" {
		s.append(conversation.RoleAssistant, c.greeting)
	}
	if err := c.commit(ctx, s); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "session started", "session_id", s.ID)
	return s.clone(), nil
}

// Load returns the session, first re-checking that its active product still
// exists. A vanished product is cleared with a notice; a catalog failure
// keeps the stored copy.
func (c *Controller) Load(ctx context.Context, id string) (*State, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.ActiveProduct == nil {
		return s, nil
	}

	fresh, err := c.catalog.Get(ctx, s.ActiveProduct.ID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		c.logger.InfoContext(ctx, "active product vanished", "session_id", id, "product_id", s.ActiveProduct.ID)
		s.clearProduct()
		s.OrderPlaced = false
		s.LastOrderID = ""
		s.append(conversation.RoleSystem, msgProductGone)
	case err != nil:
		c.logger.WarnContext(ctx, "could not revalidate active product", "session_id", id, "error", err)
		return s, nil
	default:
		wasInStock := s.ActiveProduct.InStock()
		s.ActiveProduct = fresh
		if wasInStock && !fresh.InStock() {
			s.append(conversation.RoleSystem, msgOutOfStock)
		}
	}

	if err := c.commit(ctx, s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// UploadImage runs the matcher on a photo and updates the active product.
func (c *Controller) UploadImage(ctx context.Context, id string, image []byte, mimeType string) (*State, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	return c.mutate(ctx, id, func(s *State) {
		res, err := c.matcher.MatchByImage(ctx, image, mimeType)
		switch {
		case err != nil:
			c.logger.ErrorContext(ctx, "image match failed", "session_id", id, "error", err)
			s.append(conversation.RoleAssistant, fmt.Sprintf(msgErrorFmt, err))
		case res.Found():
			s.setProduct(res.Product)
			s.append(conversation.RoleAssistant, RenderProduct(res.Product))
		default:
			s.clearProduct()
			s.append(conversation.RoleAssistant, notFoundMessage(res.Reason))
		}
	})
}

// SendMessage appends the shopper's text and either records an order (while
// collecting details) or asks the assistant for a reply.
func (c *Controller) SendMessage(ctx context.Context, id, text string) (*State, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	return c.mutate(ctx, id, func(s *State) {
		prior := append([]conversation.Turn(nil), s.History...)
		s.append(conversation.RoleUser, text)

		if s.CollectingCustomerInfo {
			if s.ActiveProduct == nil {
				s.CollectingCustomerInfo = false
				s.append(conversation.RoleSystem, msgNoActiveProduct)
				return
			}
			c.placeOrder(ctx, s, &text, "")
			return
		}

		reply, err := c.chat.Respond(ctx, s.ActiveProduct, prior, text)
		if err != nil {
			c.logger.ErrorContext(ctx, "chat failed", "session_id", id, "error", err)
			s.append(conversation.RoleAssistant, fmt.Sprintf(msgErrorFmt, err))
			return
		}
		s.append(conversation.RoleAssistant, reply.Text)
		if reply.Intent == conversation.IntentCollectInfo && s.ActiveProduct != nil {
			s.CollectingCustomerInfo = true
		}
	})
}

// PlaceOrder records a button-initiated order for the active product.
func (c *Controller) PlaceOrder(ctx context.Context, id, idempotencyKey string) (*State, error) {
	return c.mutate(ctx, id, func(s *State) {
		switch {
		case s.ActiveProduct == nil:
			s.append(conversation.RoleSystem, msgNoActiveProduct)
		case s.OrderPlaced:
			s.append(conversation.RoleSystem, fmt.Sprintf(msgAlreadyPlacedFmt, s.LastOrderID))
		default:
			c.placeOrder(ctx, s, nil, idempotencyKey)
		}
	})
}

// Reset destroys the session.
func (c *Controller) Reset(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "session reset", "session_id", id)
	return nil
}

func (c *Controller) placeOrder(ctx context.Context, s *State, text *string, key string) {
	orderID, err := c.orders.CreateOrder(ctx, orders.CreateRequest{
		ProductID:           s.ActiveProduct.ID,
		CustomerDetailsText: text,
		IdempotencyKey:      key,
	})
	var dup *orders.DuplicateOrderError
	if errors.As(err, &dup) {
		orderID, err = dup.OrderID, nil
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "order failed", "session_id", s.ID, "error", err)
		s.append(conversation.RoleSystem, fmt.Sprintf(msgErrorFmt, err))
		return
	}
	s.OrderPlaced = true
	s.LastOrderID = orderID
	s.CollectingCustomerInfo = false
	s.append(conversation.RoleSystem, fmt.Sprintf(msgOrderPlacedFmt, orderID))
}

// mutate loads the session under its lock, applies fn and saves the result.
func (c *Controller) mutate(ctx context.Context, id string, fn func(s *State)) (*State, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(s)
	if err := c.commit(ctx, s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

func (c *Controller) commit(ctx context.Context, s *State) error {
	if err := s.CheckInvariants(); err != nil {
		c.logger.ErrorContext(ctx, "refusing to save session", "session_id", s.ID, "error", err)
		return err
	}
	s.UpdatedAt = c.now().UTC()
	return c.store.Save(ctx, s)
}

func notFoundMessage(reason string) string {
	if reason == "" || reason == matcher.ReasonNotIdentified {
		return msgNotIdentified
	}
	return fmt.Sprintf("Sorry, I couldn't find this product (%s).", reason)
}

// RenderProduct is the assistant turn shown after a successful match.
func RenderProduct(p *catalog.Product) string {
	pr := message.NewPrinter(language.English)
	var price string
	if p.Price == math.Trunc(p.Price) {
		price = pr.Sprintf("%d", int64(p.Price))
	} else {
		price = pr.Sprintf("%.2f", p.Price)
	}
	return fmt.Sprintf("%s\nPrice: BDT %s\nIn Stock: %d units", p.Name, price, p.Stock)
}

// keyedMutex hands out one mutex per session id and forgets it when idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(id string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
