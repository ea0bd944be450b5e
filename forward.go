package ecity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ecity-hub/ecity/core"
	"github.com/ecity-hub/ecity/domain"
	"github.com/google/martian/fifo"
)

var (
	// ErrInvalidBackend is returned when the backend base URL cannot be used to build targets.
	ErrInvalidBackend = errors.New("invalid backend url")
	// ErrUpstream is wrapped into ProxyResponse.Err when the backend could not be reached.
	ErrUpstream = errors.New("backend request failed")
)

const (
	internalErrorBody = `{"error":"Internal server error"}`
	unauthorizedBody  = `{"error":"Unauthorized"}`
	jsonContentType   = "application/json"
)

// ProxyRequest is everything the forwarder needs to build one backend request.
// It is assembled by the HTTP adapter; Forward never looks at the inbound request itself.
type ProxyRequest struct {
	Method   string
	Subpath  string      // path below /api/v1, e.g. "events/42/register"
	RawQuery string      // inbound query string, forwarded verbatim
	Header   http.Header // inbound headers, filtered by the allow-list
	Body     []byte
	Token    string           // bearer token, empty for anonymous callers
	Identity *domain.Identity // resolved caller, nil when unknown
}

// ProxyResponse is what the gateway sends back to the caller.
type ProxyResponse struct {
	StatusCode      int
	ContentType     string
	ContentEncoding string
	Body            []byte
	Metadata        map[string]any

	// Err is set when the response was synthesised by the gateway instead of the backend.
	// It is never sent to the caller.
	Err error
}

// ForwarderConfig configures NewForwarder.
type ForwarderConfig struct {
	BackendURL        string
	ForwardHeaders    []string
	Timeout           time.Duration
	Client            *http.Client // optional, redirects are disabled on a copy of it
	Logger            *slog.Logger
	RequestModifiers  []RequestModifierFunc
	ResponseModifiers []ResponseModifierFunc
}

// Forwarder relays requests to {backend}/api/v1/{subpath}.
type Forwarder struct {
	base      *url.URL
	client    *http.Client
	allowed   map[string]struct{}
	modifiers *fifo.Group
	Logger    *slog.Logger
}

// NewForwarder validates the backend URL and builds the modifier pipeline.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	base, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("%w %q : %w", ErrInvalidBackend, cfg.BackendURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("%w %q : scheme and host are required", ErrInvalidBackend, cfg.BackendURL)
	}

	headers := cfg.ForwardHeaders
	if headers == nil {
		headers = DefaultForwardHeaders
	}
	allowed := make(map[string]struct{}, len(headers))
	for _, name := range headers {
		allowed[http.CanonicalHeaderKey(strings.TrimSpace(name))] = struct{}{}
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Client != nil {
		copied := *cfg.Client
		client = &copied
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	forwarder := &Forwarder{
		base:    base,
		client:  client,
		allowed: allowed,
		Logger:  logger,
	}

	requestModifiers := cfg.RequestModifiers
	if requestModifiers == nil {
		requestModifiers = DefaultRequestModifiers()
	}
	responseModifiers := cfg.ResponseModifiers
	if responseModifiers == nil {
		responseModifiers = DefaultResponseModifiers()
	}
	forwarder.modifiers = newModifierGroup(forwarder, requestModifiers, responseModifiers)
	return forwarder, nil
}

// Target returns the backend URL for a sub-path and query. Dot segments are cleaned so the
// result always stays below /api/v1.
func (forwarder *Forwarder) Target(subpath, rawQuery string) *url.URL {
	cleaned := path.Clean("/" + subpath)
	if strings.HasSuffix(subpath, "/") && cleaned != "/" {
		cleaned += "/"
	}
	if cleaned == "/" {
		cleaned = ""
	}

	target := *forwarder.base
	target.Path = singleJoiningSlash(forwarder.base.Path, "/api/v1") + cleaned
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

// Forward sends req to the backend and returns the backend's status, body and content type
// verbatim. When required is non-empty the identity must carry it, otherwise a 401 is
// returned without contacting the backend. Transport failures become a 500 with a generic
// JSON error body. Redirects are returned to the caller, never followed.
func (forwarder *Forwarder) Forward(ctx context.Context, req *ProxyRequest, required domain.Permission) *ProxyResponse {
	metadata, ok := core.MetadataFromContext(ctx)
	if !ok {
		metadata = make(map[string]any)
		ctx = core.ContextWithMetadata(ctx, metadata)
	}

	if required != "" {
		if err := Authorize(req.Identity, required); err != nil {
			metadata["gate"] = gateReason(err)
			return &ProxyResponse{
				StatusCode:  http.StatusUnauthorized,
				ContentType: jsonContentType,
				Body:        []byte(unauthorizedBody),
				Metadata:    metadata,
				Err:         err,
			}
		}
	}

	target := forwarder.Target(req.Subpath, req.RawQuery)

	var body io.Reader
	if req.Method != http.MethodGet && req.Method != http.MethodHead && len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	if req.Token != "" {
		ctx = context.WithValue(ctx, core.TokenKey, req.Token)
	}

	outbound, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return forwarder.failure(metadata, fmt.Errorf("building backend request : %w", err))
	}
	if req.Header != nil {
		outbound.Header = req.Header.Clone()
	}

	if err := forwarder.modifiers.ModifyRequest(outbound); err != nil {
		return forwarder.failure(metadata, fmt.Errorf("modifying backend request : %w", err))
	}

	res, err := forwarder.client.Do(outbound)
	if err != nil {
		metadata["upstream_failed"] = true
		return forwarder.failure(metadata, fmt.Errorf("%w : %w", ErrUpstream, err))
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		metadata["upstream_failed"] = true
		return forwarder.failure(metadata, fmt.Errorf("%w : reading body : %w", ErrUpstream, err))
	}

	if err := forwarder.modifiers.ModifyResponse(res); err != nil {
		forwarder.Logger.Warn("response modifier failed", "url", target.Path, "error", err)
	}

	return &ProxyResponse{
		StatusCode:      res.StatusCode,
		ContentType:     res.Header.Get("Content-Type"),
		ContentEncoding: res.Header.Get("Content-Encoding"),
		Body:            payload,
		Metadata:        metadata,
	}
}

func (forwarder *Forwarder) failure(metadata map[string]any, err error) *ProxyResponse {
	forwarder.Logger.Error("forwarding to backend", "error", err)
	return &ProxyResponse{
		StatusCode:  http.StatusInternalServerError,
		ContentType: jsonContentType,
		Body:        []byte(internalErrorBody),
		Metadata:    metadata,
		Err:         err,
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
