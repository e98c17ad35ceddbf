// Package middleware provides HTTP middleware for authentication and authorization.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// identityKey is the context key for storing the authenticated identity.
const identityKey ContextKey = "identity"

// AccessTokenParam is the query parameter accepted on routes that cannot set
// headers, such as EventSource streams.
const AccessTokenParam = "access_token"

// ErrUnauthenticated is returned when a request carries no usable credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// TokenValidator is an interface for validating bearer tokens.
// This allows the middleware to work with any JWT service implementation.
type TokenValidator interface {
	ValidateToken(tokenString string) (IdentityGetter, error)
}

// IdentityGetter is an interface for extracting the caller from token claims.
type IdentityGetter interface {
	GetUserID() uuid.UUID
	GetWorkspaceIDs() []uuid.UUID
}

// Identity is the authenticated caller.
type Identity struct {
	UserID       uuid.UUID
	WorkspaceIDs []uuid.UUID
}

// BearerToken extracts the token from the Authorization header. When
// allowQuery is set and the header is absent, the access_token query parameter
// is used instead.
func BearerToken(r *http.Request, allowQuery bool) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if allowQuery {
			if token := strings.TrimSpace(r.URL.Query().Get(AccessTokenParam)); token != "" {
				return token, nil
			}
		}
		return "", ErrUnauthenticated
	}

	// Handle case-insensitive "Bearer" prefix
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrUnauthenticated
	}
	return parts[1], nil
}

// Authenticate validates the request's bearer token and returns the caller.
func Authenticate(v TokenValidator, r *http.Request, allowQuery bool) (Identity, error) {
	token, err := BearerToken(r, allowQuery)
	if err != nil {
		return Identity{}, err
	}
	claims, err := v.ValidateToken(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Identity{UserID: claims.GetUserID(), WorkspaceIDs: claims.GetWorkspaceIDs()}, nil
}

// AuthMiddleware creates middleware that validates bearer tokens and adds the
// caller to the request context.
func AuthMiddleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(v, r, false)
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity extracts the authenticated caller from the request context.
func GetIdentity(r *http.Request) (Identity, error) {
	id, ok := r.Context().Value(identityKey).(Identity)
	if !ok {
		return Identity{}, fmt.Errorf("identity not found in request context")
	}
	return id, nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentruns"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
