package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
)

// OperatorRole must appear in a token's roles to use the order admin routes.
const OperatorRole = "operator"

// OperatorClaims are the JWT claims accepted on operator routes.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

func (c *OperatorClaims) hasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// OperatorAuth validates HS256 bearer tokens signed with a shared secret.
type OperatorAuth struct {
	secret []byte
}

// NewOperatorAuth returns nil for an empty secret; a nil OperatorAuth
// rejects every request.
func NewOperatorAuth(secret string) *OperatorAuth {
	if secret == "" {
		return nil
	}
	return &OperatorAuth{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (a *OperatorAuth) Validate(tokenStr string) (*OperatorClaims, error) {
	if a == nil {
		return nil, errors.New("validator uninitialized")
	}
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue signs a token for subject. Used by the CLI and tests.
func (a *OperatorAuth) Issue(subject string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("validator uninitialized")
	}
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: []string{OperatorRole},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type operatorKey struct{}

// OperatorFrom returns the authenticated operator subject.
func OperatorFrom(ctx context.Context) string {
	s, _ := ctx.Value(operatorKey{}).(string)
	return s
}

// Require wraps an httprouter handle with bearer authentication.
func (a *OperatorAuth) Require(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}
		scheme, tokenStr, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		if a == nil {
			WriteUnauthorized(w, "Authentication not configured")
			return
		}
		claims, err := a.Validate(tokenStr)
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if claims.Subject == "" || !claims.hasRole(OperatorRole) {
			WriteError(w, http.StatusForbidden, "Forbidden", "Operator role required")
			return
		}
		ctx := context.WithValue(r.Context(), operatorKey{}, claims.Subject)
		next(w, r.WithContext(ctx), ps)
	}
}
