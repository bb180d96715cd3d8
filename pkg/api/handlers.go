package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/conversation"
	"github.com/xayed7x/smartorderAI/pkg/orders"
)

const (
	defaultImageMIME = "image/jpeg"
	maxJSONBytes     = 1 << 20
)

var errImageTooLarge = errors.New("image too large")

type analyzeImageRequest struct {
	ImageBase64 string `json:"imageBase64"`
	ImageMime   string `json:"imageMime"`
}

type analyzeImageResponse struct {
	FoundProduct *catalog.Product `json:"foundProduct"`
	Message      string           `json:"message,omitempty"`
}

// chatTurn accepts both {role, text} and the {role, parts:[{text}]} shape
// browsers send; "model" is read as assistant.
type chatTurn struct {
	Role  string `json:"role"`
	Text  string `json:"text,omitempty"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts,omitempty"`
}

func (t chatTurn) turn() conversation.Turn {
	role := t.Role
	if role == "model" {
		role = conversation.RoleAssistant
	}
	text := t.Text
	if text == "" {
		parts := make([]string, 0, len(t.Parts))
		for _, p := range t.Parts {
			parts = append(parts, p.Text)
		}
		text = strings.Join(parts, "")
	}
	return conversation.Turn{Role: role, Text: text}
}

type chatRequest struct {
	ProductContext *catalog.Product `json:"productContext"`
	ChatHistory    []chatTurn       `json:"chatHistory"`
	UserMessage    string           `json:"userMessage"`
}

type chatResponse struct {
	Reply  string `json:"reply"`
	Intent string `json:"intent,omitempty"`
}

type createOrderRequest struct {
	ProductID           string  `json:"productId"`
	CustomerDetailsText *string `json:"customerDetailsText"`
}

type createOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
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

	res, err := s.deps.Matcher.MatchByImage(r.Context(), image, mimeType)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "analyze-image failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to match product: " + err.Error()})
		return
	}
	resp := analyzeImageResponse{FoundProduct: res.Product}
	if !res.Found() {
		resp.Message = res.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req chatRequest
	if !s.decode(w, r, maxJSONBytes, &req) {
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" || req.ChatHistory == nil {
		WriteBadRequest(w, "Missing user message or chat history")
		return
	}

	history := make([]conversation.Turn, 0, len(req.ChatHistory))
	for _, t := range req.ChatHistory {
		turn := t.turn()
		if turn.Role != conversation.RoleUser && turn.Role != conversation.RoleAssistant {
			WriteBadRequest(w, "chatHistory roles must be user or model")
			return
		}
		history = append(history, turn)
	}

	reply, err := s.deps.Chat.Respond(r.Context(), req.ProductContext, history, req.UserMessage)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "chat failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "An unexpected error occurred: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply.Text, Intent: reply.Intent.String()})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createOrderRequest
	if !s.decode(w, r, maxJSONBytes, &req) {
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		WriteBadRequest(w, "Product ID is required")
		return
	}

	id, err := s.deps.Orders.CreateOrder(r.Context(), orders.CreateRequest{
		ProductID:           req.ProductID,
		CustomerDetailsText: req.CustomerDetailsText,
		IdempotencyKey:      r.Header.Get(IdempotencyHeader),
	})
	var dup *orders.DuplicateOrderError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, createOrderResponse{Success: true, OrderID: id})
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, createOrderResponse{
			OrderID: dup.OrderID,
			Error:   "An order was already recorded for this Idempotency-Key",
		})
	case errors.Is(err, orders.ErrUnknownProduct):
		writeJSON(w, http.StatusNotFound, createOrderResponse{Error: "Product not found"})
	case errors.Is(err, orders.ErrExtraction):
		s.logger.ErrorContext(r.Context(), "create-order failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, createOrderResponse{Error: "An unexpected error occurred: " + err.Error()})
	default:
		s.logger.ErrorContext(r.Context(), "create-order failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, createOrderResponse{Error: "Failed to create order in database"})
	}
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	products, err := s.deps.Products.List(r.Context(), queryLimit(r, 50, 200))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if products == nil {
		products = []catalog.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

// decode reads a JSON body, writing a 400 or 413 problem on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteRequestTooLarge(w, "Request body too large")
			return false
		}
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// imageBodyLimit allows for base64 expansion plus the JSON envelope.
func (s *Server) imageBodyLimit() int64 {
	return s.deps.MaxImageBytes/3*4 + 8<<10
}

func (s *Server) imageOK(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, errImageTooLarge):
		WriteRequestTooLarge(w, "Image exceeds the size limit")
	default:
		WriteBadRequest(w, "imageBase64 is not valid base64")
	}
	return false
}

// decodeImage accepts plain base64 or a data URL. The data URL's media type
// wins over mimeHint; with neither the image is taken as JPEG.
func decodeImage(b64, mimeHint string, max int64) ([]byte, string, error) {
	mimeType := strings.TrimSpace(mimeHint)
	if rest, ok := strings.CutPrefix(b64, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errors.New("malformed data URL")
		}
		if mt, _, _ := strings.Cut(header, ";"); mt != "" {
			mimeType = mt
		}
		b64 = payload
	}
	if mimeType == "" {
		mimeType = defaultImageMIME
	}

	b64 = strings.TrimSpace(b64)
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(b64, "=")); err != nil {
			return nil, "", err
		}
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty image")
	}
	if max > 0 && int64(len(data)) > max {
		return nil, "", errImageTooLarge
	}
	return data, mimeType, nil
}
