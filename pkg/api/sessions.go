package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/xayed7x/smartorderAI/pkg/orders"
	"github.com/xayed7x/smartorderAI/pkg/session"
)

type sessionMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st, err := s.deps.Sessions.Start(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, err := s.deps.Sessions.Load(r.Context(), ps.ByName("id"))
	s.writeSession(w, r, st, err)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.deps.Sessions.Reset(r.Context(), ps.ByName("id")); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req sessionMessageRequest
	if !s.decode(w, r, maxJSONBytes, &req) {
		return
	}
	st, err := s.deps.Sessions.SendMessage(r.Context(), ps.ByName("id"), req.Text)
	s.writeSession(w, r, st, err)
}

func (s *Server) handleSessionImage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req analyzeImageRequest
	if !s.decode(w, r, s.imageBodyLimit(), &req) {
		return
	}
	if req.ImageBase64 == "" {
		WriteBadRequest(w, "Missing imageBase64 field")
		return
	}
	image, mimeType, err := decodeImage(req.ImageBase64, req.ImageMime, s.deps.MaxImageBytes)
	if !s.imageOK(w, err) {
		return
	}
	st, err := s.deps.Sessions.UploadImage(r.Context(), ps.ByName("id"), image, mimeType)
	s.writeSession(w, r, st, err)
}

func (s *Server) handleSessionOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, err := s.deps.Sessions.PlaceOrder(r.Context(), ps.ByName("id"), r.Header.Get(IdempotencyHeader))
	s.writeSession(w, r, st, err)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, st *session.State, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, session.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "Session not found or expired")
	case errors.Is(err, session.ErrEmptyMessage):
		WriteBadRequest(w, "Message text is required")
	case errors.Is(err, session.ErrEmptyImage):
		WriteBadRequest(w, "Image is required")
	default:
		WriteInternal(w, err)
	}
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list, err := s.deps.Orders.List(r.Context(), queryLimit(r, 50, 100))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	o, err := s.deps.Orders.Get(r.Context(), ps.ByName("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, o)
	case errors.Is(err, orders.ErrNotFound):
		WriteNotFound(w, "Order not found")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req updateStatusRequest
	if !s.decode(w, r, maxJSONBytes, &req) {
		return
	}
	id := ps.ByName("id")
	err := s.deps.Orders.UpdateStatus(r.Context(), id, req.Status)
	switch {
	case err == nil:
		s.logger.InfoContext(r.Context(), "order status changed",
			"order_id", id, "status", req.Status, "operator", OperatorFrom(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, orders.ErrInvalidStatus):
		WriteBadRequest(w, "status must be one of pending, shipped, delivered, cancelled")
	case errors.Is(err, orders.ErrNotFound):
		WriteNotFound(w, "Order not found")
	default:
		WriteInternal(w, err)
	}
}

// queryLimit reads ?limit=, falling back to def and capping at max.
func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
