// Package catalog holds the product model and the relational stores the
// matcher and order recorder read from.
package catalog

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is returned when a product lookup has no row.
var ErrNotFound = errors.New("catalog: product not found")

// Product is a catalog entry. Only Stock changes underneath us.
type Product struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Code        string   `json:"code"`
	Price       float64  `json:"price"`
	Stock       int      `json:"stock"`
	ImageURL    string   `json:"imageUrl"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Description string   `json:"description,omitempty"`
}

// InStock reports whether at least one unit is available.
func (p *Product) InStock() bool {
	return p != nil && p.Stock > 0
}

// CandidateSet is the ordered result of a coarse keyword or category filter.
type CandidateSet []Product

// ByCode returns the candidate whose merchant code matches, ignoring case and
// surrounding whitespace.
func (cs CandidateSet) ByCode(code string) (*Product, bool) {
	want := Normalize(code)
	if want == "" {
		return nil, false
	}
	for i := range cs {
		if Normalize(cs[i].Code) == want {
			return &cs[i], true
		}
	}
	return nil, false
}

// Store is the read side of the catalog.
type Store interface {
	Get(ctx context.Context, id string) (*Product, error)
	FindByTags(ctx context.Context, keywords []string) (CandidateSet, error)
	FindByCategory(ctx context.Context, category string) (CandidateSet, error)
	List(ctx context.Context, limit int) ([]Product, error)
}

// Normalize canonicalizes a keyword, tag or code for comparison: NFC, case
// folded, trimmed. A Caser is stateful, so one is built per call.
func Normalize(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// NormalizeAll normalizes every entry, dropping empties and duplicates while
// keeping first-seen order.
func NormalizeAll(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		n := Normalize(s)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
