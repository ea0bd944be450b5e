package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrafficRepository stores the exchanges forwarded by the backend proxy.
type TrafficRepository interface {
	// InsertExchange stores a completed exchange.
	InsertExchange(exchange *Exchange) error

	// GetExchange returns a single exchange including its previews.
	// It returns an error wrapping ErrExchangeNotFound if the ID is unknown.
	GetExchange(id uuid.UUID) (*Exchange, error)

	// GetExchanges returns the most recent exchanges first, without previews.
	GetExchanges(limit int) ([]*Exchange, error)
}

// Exchange is one request forwarded to the backend and its outcome.
type Exchange struct {
	ID              uuid.UUID
	App             string // "portal" or "admin"
	Method          string
	Path            string // sub-path below /api/v1, including the query string
	UserID          string // empty for anonymous callers
	StatusCode      int    // 500 for upstream failures
	ContentType     string
	RequestPreview  string
	ResponsePreview string
	Error           string
	Metadata        map[string]any
	RequestedAt     time.Time
	RespondedAt     time.Time
}

// Duration is the time spent waiting for the backend.
func (exchange *Exchange) Duration() time.Duration {
	return exchange.RespondedAt.Sub(exchange.RequestedAt)
}
