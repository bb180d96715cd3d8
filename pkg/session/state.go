// Package session drives one shopper's conversation: photo matching, chat,
// and order placement, over a server-owned session keyed by an opaque token.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/conversation"
)

var (
	ErrNotFound     = errors.New("session: not found or expired")
	ErrInvariant    = errors.New("session: invariant violated")
	ErrEmptyImage   = errors.New("session: empty image")
	ErrEmptyMessage = errors.New("session: empty message")
)

// State is everything the server keeps for one session. History is append
// only and chronological.
type State struct {
	ID                     string              `json:"id"`
	ActiveProduct          *catalog.Product    `json:"activeProduct"`
	CollectingCustomerInfo bool                `json:"collectingCustomerInfo"`
	OrderPlaced            bool                `json:"orderPlaced"`
	LastOrderID            string              `json:"lastOrderId,omitempty"`
	History                []conversation.Turn `json:"history"`
	CreatedAt              time.Time           `json:"createdAt"`
	UpdatedAt              time.Time           `json:"updatedAt"`
}

// CheckInvariants reports the first broken rule, wrapped in ErrInvariant.
func (s *State) CheckInvariants() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvariant)
	}
	if s.CollectingCustomerInfo && s.ActiveProduct == nil {
		return fmt.Errorf("%w: collecting customer info without an active product", ErrInvariant)
	}
	if s.OrderPlaced && s.LastOrderID == "" {
		return fmt.Errorf("%w: order placed without an order id", ErrInvariant)
	}
	for i, t := range s.History {
		switch t.Role {
		case conversation.RoleUser, conversation.RoleAssistant, conversation.RoleSystem:
		default:
			return fmt.Errorf("%w: turn %d has unknown role %q", ErrInvariant, i, t.Role)
		}
	}
	return nil
}

func (s *State) append(role, text string) {
	s.History = append(s.History, conversation.Turn{Role: role, Text: text})
}

// setProduct makes p the active product and resets the per-product flags.
func (s *State) setProduct(p *catalog.Product) {
	s.ActiveProduct = p
	s.OrderPlaced = false
	s.LastOrderID = ""
	s.CollectingCustomerInfo = false
}

// clearProduct drops the active product. Collecting requires a product, so it
// is cleared too.
func (s *State) clearProduct() {
	s.ActiveProduct = nil
	s.CollectingCustomerInfo = false
}

func (s *State) clone() *State {
	c := *s
	c.History = append([]conversation.Turn(nil), s.History...)
	if s.ActiveProduct != nil {
		p := *s.ActiveProduct
		p.Tags = append([]string(nil), s.ActiveProduct.Tags...)
		c.ActiveProduct = &p
	}
	return &c
}
