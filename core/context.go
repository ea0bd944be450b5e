package core

import (
	"context"
	"net/http"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/google/uuid"
)

type contextKey string

const (
	// ExchangeIDKey is the context key for the exchange ID (uuid.UUID) shared by a forwarded request and its response
	ExchangeIDKey contextKey = "ExchangeID"
	// RequestIDKey is the context key for the correlation ID (string) propagated as X-Request-ID
	RequestIDKey contextKey = "RequestID"
	// IdentityKey is the context key for the resolved caller (*domain.Identity)
	IdentityKey contextKey = "Identity"
	// SessionKey is the context key for the auth-bridge session (*domain.Session), if the caller used the cookie
	SessionKey contextKey = "Session"
	// TokenKey is the context key for the caller's bearer token (string)
	TokenKey contextKey = "Token"
	// RequestTimeKey is the context key for the time the gateway received the request (time.Time)
	RequestTimeKey contextKey = "RequestTime"
	// MetadataKey is the context key for the exchange metadata (map[string]any)
	MetadataKey contextKey = "Metadata"
)

// ContextWithExchangeID returns a new request with an exchange ID in the context
func ContextWithExchangeID(req *http.Request, id uuid.UUID) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), ExchangeIDKey, id))
}

// ExchangeIDFromContext returns the exchange ID from the context if it exists
func ExchangeIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ExchangeIDKey).(uuid.UUID)
	return id, ok
}

// ContextWithRequestID returns a new context carrying the correlation ID
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFromContext returns the correlation ID from the context if it exists
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RequestIDKey).(string)
	return id, ok && id != ""
}

// ContextWithIdentity returns a new request with the resolved identity in the context
func ContextWithIdentity(req *http.Request, identity *domain.Identity) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), IdentityKey, identity))
}

// IdentityFromContext returns the resolved identity from the context if it exists
func IdentityFromContext(ctx context.Context) (*domain.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(*domain.Identity)
	return identity, ok && identity != nil
}

// ContextWithSession returns a new request with the auth-bridge session in the context
func ContextWithSession(req *http.Request, session *domain.Session) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), SessionKey, session))
}

// SessionFromContext returns the auth-bridge session from the context if it exists
func SessionFromContext(ctx context.Context) (*domain.Session, bool) {
	session, ok := ctx.Value(SessionKey).(*domain.Session)
	return session, ok && session != nil
}

// ContextWithToken returns a new request with the caller's bearer token in the context
func ContextWithToken(req *http.Request, token string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), TokenKey, token))
}

// TokenFromContext returns the caller's bearer token from the context if it exists
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok && token != ""
}

// ContextWithRequestTime returns a new request with the receive time in the context
func ContextWithRequestTime(req *http.Request, requestTime time.Time) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), RequestTimeKey, requestTime))
}

// RequestTimeFromContext returns the receive time from the context if it exists
func RequestTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(RequestTimeKey).(time.Time)
	return timestamp, ok
}

// ContextWithMetadata returns a new context carrying the exchange metadata
func ContextWithMetadata(ctx context.Context, metadata map[string]any) context.Context {
	return context.WithValue(ctx, MetadataKey, metadata)
}

// MetadataFromContext returns the exchange metadata from the context if it exists
func MetadataFromContext(ctx context.Context) (map[string]any, bool) {
	metadata, ok := ctx.Value(MetadataKey).(map[string]any)
	return metadata, ok
}
