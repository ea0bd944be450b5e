package ecity

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ecity-hub/ecity/core"
	"github.com/google/martian"
	"github.com/google/martian/fifo"
	"github.com/google/uuid"
)

var (
	// ErrMetadataNotFound is returned when a modifier runs on a request that was not set up by the forwarder.
	ErrMetadataNotFound = errors.New("invalid or missing metadata")
)

// RequestModifierFunc is a signature for outbound request modifiers, it takes in the request and *Forwarder
type RequestModifierFunc func(forwarder *Forwarder, req *http.Request) error

// ResponseModifierFunc is a signature for backend response modifiers, it takes in the response and *Forwarder
type ResponseModifierFunc func(forwarder *Forwarder, res *http.Response) error

// reqAdapter adapts the `RequestModifierFunc` and implements the `martian.RequestModifier` interface.
type reqAdapter struct {
	forwarder *Forwarder
	modifier  RequestModifierFunc
}

// ModifyRequest implements the `martian.RequestModifier` interface and allows the modifier to access the *Forwarder
func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	return adapter.modifier(adapter.forwarder, req)
}

// resAdapter adapts the `ResponseModifierFunc` and implements the `martian.ResponseModifier` interface.
type resAdapter struct {
	forwarder *Forwarder
	modifier  ResponseModifierFunc
}

// ModifyResponse implements the `martian.ResponseModifier` interface and allows the modifier to access the *Forwarder
func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	return adapter.modifier(adapter.forwarder, res)
}

var (
	_ martian.RequestModifier  = (*reqAdapter)(nil)
	_ martian.ResponseModifier = (*resAdapter)(nil)
)

// SetupRequestModifier makes sure the outbound request carries a metadata map in its context.
// Later modifiers write into that map and the gateway stores it with the exchange.
func SetupRequestModifier(forwarder *Forwarder, req *http.Request) error {
	if _, ok := core.MetadataFromContext(req.Context()); !ok {
		*req = *req.WithContext(core.ContextWithMetadata(req.Context(), make(map[string]any)))
	}
	return nil
}

// HeaderAllowListModifier drops every header that is not on the forwarder's allow-list.
// Authorization is always dropped here; BearerTokenModifier rebuilds it.
func HeaderAllowListModifier(forwarder *Forwarder, req *http.Request) error {
	for name := range req.Header {
		if _, ok := forwarder.allowed[http.CanonicalHeaderKey(name)]; !ok || http.CanonicalHeaderKey(name) == "Authorization" {
			req.Header.Del(name)
		}
	}
	return nil
}

// BearerTokenModifier sets "Authorization: Bearer <token>" when the caller supplied a token.
func BearerTokenModifier(forwarder *Forwarder, req *http.Request) error {
	metadata, ok := core.MetadataFromContext(req.Context())
	if !ok {
		return ErrMetadataNotFound
	}
	if token, ok := core.TokenFromContext(req.Context()); ok {
		req.Header.Set("Authorization", "Bearer "+token)
		metadata["authenticated"] = true
		return nil
	}
	metadata["authenticated"] = false
	return nil
}

// RequestIDModifier propagates the caller's correlation ID, generating one when absent.
// It is a no-op when X-Request-ID is not on the allow-list.
func RequestIDModifier(forwarder *Forwarder, req *http.Request) error {
	if _, ok := forwarder.allowed["X-Request-Id"]; !ok {
		return nil
	}
	metadata, ok := core.MetadataFromContext(req.Context())
	if !ok {
		return ErrMetadataNotFound
	}

	requestID := req.Header.Get("X-Request-ID")
	if requestID == "" {
		if fromContext, ok := core.RequestIDFromContext(req.Context()); ok {
			requestID = fromContext
		} else {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generating request id : %w", err)
			}
			requestID = id.String()
		}
		req.Header.Set("X-Request-ID", requestID)
	}
	metadata["request_id"] = requestID
	return nil
}

// RecordResponseModifier notes backend response details in the exchange metadata.
// It never alters the response.
func RecordResponseModifier(forwarder *Forwarder, res *http.Response) error {
	if res.Request == nil {
		return ErrMetadataNotFound
	}
	metadata, ok := core.MetadataFromContext(res.Request.Context())
	if !ok {
		return ErrMetadataNotFound
	}
	metadata["backend_status"] = res.StatusCode
	if encoding := res.Header.Get("Content-Encoding"); encoding != "" {
		metadata["content_encoding"] = encoding
	}
	if backendID := res.Header.Get("X-Request-ID"); backendID != "" {
		metadata["backend_request_id"] = backendID
	}
	return nil
}

// newModifierGroup builds the outbound pipeline in the order the modifiers must run.
func newModifierGroup(forwarder *Forwarder, requestModifiers []RequestModifierFunc, responseModifiers []ResponseModifierFunc) *fifo.Group {
	group := fifo.NewGroup()
	for _, modifier := range requestModifiers {
		group.AddRequestModifier(&reqAdapter{forwarder: forwarder, modifier: modifier})
	}
	for _, modifier := range responseModifiers {
		group.AddResponseModifier(&resAdapter{forwarder: forwarder, modifier: modifier})
	}
	return group
}

// DefaultRequestModifiers is the outbound request pipeline used when none is configured.
func DefaultRequestModifiers() []RequestModifierFunc {
	return []RequestModifierFunc{
		SetupRequestModifier,
		HeaderAllowListModifier,
		BearerTokenModifier,
		RequestIDModifier,
	}
}

// DefaultResponseModifiers is the backend response pipeline used when none is configured.
func DefaultResponseModifiers() []ResponseModifierFunc {
	return []ResponseModifierFunc{
		RecordResponseModifier,
	}
}
