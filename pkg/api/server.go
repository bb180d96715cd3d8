package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/conversation"
	"github.com/xayed7x/smartorderAI/pkg/matcher"
	"github.com/xayed7x/smartorderAI/pkg/observability"
	"github.com/xayed7x/smartorderAI/pkg/orders"
	"github.com/xayed7x/smartorderAI/pkg/session"
)

// ImageMatcher resolves a photo to a product.
type ImageMatcher interface {
	MatchByImage(ctx context.Context, image []byte, mimeType string) (matcher.Result, error)
}

// ChatResponder produces assistant replies.
type ChatResponder interface {
	Respond(ctx context.Context, active *catalog.Product, history []conversation.Turn, msg string) (conversation.Reply, error)
}

// OrderService creates orders and serves operator views.
type OrderService interface {
	CreateOrder(ctx context.Context, req orders.CreateRequest) (string, error)
	List(ctx context.Context, limit int) ([]orders.Order, error)
	Get(ctx context.Context, id string) (*orders.Order, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// SessionService applies shopper actions to server-owned sessions.
type SessionService interface {
	Start(ctx context.Context) (*session.State, error)
	Load(ctx context.Context, id string) (*session.State, error)
	UploadImage(ctx context.Context, id string, image []byte, mimeType string) (*session.State, error)
	SendMessage(ctx context.Context, id, text string) (*session.State, error)
	PlaceOrder(ctx context.Context, id, idempotencyKey string) (*session.State, error)
	Reset(ctx context.Context, id string) error
}

// ProductLister lists the catalog.
type ProductLister interface {
	List(ctx context.Context, limit int) ([]catalog.Product, error)
}

// Deps are the collaborators a Server routes to. Limiter, Idempotency,
// Observability and Health are optional.
type Deps struct {
	Matcher  ImageMatcher
	Chat     ChatResponder
	Orders   OrderService
	Sessions SessionService
	Products ProductLister

	Auth          *OperatorAuth
	Limiter       *GlobalRateLimiter
	Idempotency   IdempotencyStorer
	Observability *observability.Provider
	Health        func(ctx context.Context) error

	CORSOrigins   []string
	MaxImageBytes int64
}

// Server holds the HTTP handlers.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	if deps.MaxImageBytes <= 0 {
		deps.MaxImageBytes = 8 << 20
	}
	if deps.Idempotency == nil {
		deps.Idempotency = NewIdempotencyStore(24 * time.Hour)
	}
	return &Server{deps: deps, logger: slog.Default().With("component", "api")}
}

// Handler builds the routed handler with the middleware chain
// request id, logging, CORS, rate limit, router.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	idem := IdempotencyMiddleware(s.deps.Idempotency)

	router.GET("/health", s.handleHealth)

	router.POST("/api/analyze-image", s.track("analyze-image", s.handleAnalyzeImage))
	router.POST("/api/chat", s.track("chat", s.handleChat))
	router.Handler(http.MethodPost, "/api/create-order",
		idem(adapt(s.track("create-order", s.handleCreateOrder))))

	router.POST("/api/sessions", s.track("session-start", s.handleStartSession))
	router.GET("/api/sessions/:id", s.track("session-load", s.handleLoadSession))
	router.DELETE("/api/sessions/:id", s.track("session-reset", s.handleResetSession))
	router.POST("/api/sessions/:id/messages", s.track("session-message", s.handleSessionMessage))
	router.POST("/api/sessions/:id/images", s.track("session-image", s.handleSessionImage))
	router.Handler(http.MethodPost, "/api/sessions/:id/order",
		idem(adapt(s.track("session-order", s.handleSessionOrder))))

	router.GET("/api/products", s.track("products", s.handleListProducts))

	router.GET("/api/orders", s.track("orders-list", s.deps.Auth.Require(s.handleListOrders)))
	router.GET("/api/orders/:id", s.track("orders-get", s.deps.Auth.Require(s.handleGetOrder)))
	router.PATCH("/api/orders/:id/status", s.track("orders-status", s.deps.Auth.Require(s.handleUpdateOrderStatus)))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "No route for "+r.URL.Path)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})

	var h http.Handler = router
	if s.deps.Limiter != nil {
		h = s.deps.Limiter.Middleware(h)
	}
	h = cors.New(cors.Options{
		AllowedOrigins: s.deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", IdempotencyHeader, "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After", "X-Request-ID", ReplayedHeader},
		MaxAge:         86400,
	}).Handler(h)
	h = LoggingMiddleware(s.logger)(h)
	return RequestIDMiddleware(h)
}

// track wraps a handle in a span and RED metrics named after the route.
func (s *Server) track(route string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx, done := s.deps.Observability.TrackOperation(r.Context(), "http."+route,
			observability.AttrHTTPRoute.String(route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx), ps)
		var err error
		if rec.status >= http.StatusInternalServerError {
			err = errHTTPStatus(rec.status)
		}
		done(err)
	}
}

type errHTTPStatus int

func (e errHTTPStatus) Error() string {
	return http.StatusText(int(e))
}

// adapt lets a plain middleware wrap an httprouter handle.
func adapt(h httprouter.Handle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r, httprouter.ParamsFromContext(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			s.logger.WarnContext(ctx, "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
