// Package orders records customer orders against catalog products.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrProductIDRequired = errors.New("orders: product id is required")
	ErrUnknownProduct    = errors.New("orders: product does not exist")
	ErrNotFound          = errors.New("orders: order not found")
	ErrInvalidStatus     = errors.New("orders: invalid status")
	ErrDuplicateOrder    = errors.New("orders: duplicate idempotency key")
	ErrExtraction        = errors.New("orders: extract details")
)

// DuplicateOrderError is returned when an idempotency key was already used.
// It matches ErrDuplicateOrder with errors.Is.
type DuplicateOrderError struct {
	Key     string
	OrderID string
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("orders: idempotency key %q already used by order %s", e.Key, e.OrderID)
}

func (e *DuplicateOrderError) Is(target error) bool {
	return target == ErrDuplicateOrder
}

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates an operator-supplied status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusShipped, StatusDelivered, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Details is the stored customer-details record.
type Details map[string]any

// Sources recorded under the "source" key.
const (
	SourceButton = "button"
	SourceRaw    = "raw"
)

// ButtonDetails is stored when the order was placed without any text.
func ButtonDetails() Details {
	return Details{"source": SourceButton}
}

// RawDetails keeps the customer's text verbatim when it could not be parsed.
func RawDetails(text string) Details {
	return Details{"source": SourceRaw, "raw": text}
}

// Order is one persisted order row. The product fields are filled by List
// for operator views.
type Order struct {
	ID              string    `json:"id"`
	ProductID       string    `json:"productId"`
	CustomerDetails Details   `json:"customerDetails"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	IdempotencyKey  string    `json:"idempotencyKey,omitempty"`

	ProductName  string  `json:"productName,omitempty"`
	ProductPrice float64 `json:"productPrice,omitempty"`
}

// Store persists orders.
type Store interface {
	// Insert writes o. When o.IdempotencyKey was used before it returns a
	// *DuplicateOrderError naming the existing order and writes nothing.
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, limit int) ([]Order, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
}
