// Package client is the Go counterpart of the front end's data hooks: typed reads and writes
// against the e-City REST API with a shared read cache.
//
// Reads of protected resources need a token and fail with ErrMissingToken before any network
// call when the token source has none. Writes always need a token. A successful write
// invalidates every cached read of its resource family. Nothing is retried.
//
// Cached protected reads are scoped to the token they were made with; public reads are
// shared by everyone.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ecity-hub/ecity/cache"
	"github.com/ecity-hub/ecity/domain"
)

var (
	// ErrMissingToken is returned when an operation needs a token and none is available.
	ErrMissingToken = errors.New("missing access token")
	// ErrInvalidBaseURL is returned by New when the API URL is unusable.
	ErrInvalidBaseURL = errors.New("invalid api base url")
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string // "error", "message" or "detail" field of a JSON body, if any
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api returned %d", e.StatusCode)
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: body}
	var fields map[string]any
	if json.Unmarshal(body, &fields) == nil {
		for _, name := range []string{"error", "message", "detail"} {
			if message, ok := fields[name].(string); ok && message != "" {
				apiErr.Message = message
				break
			}
		}
	}
	return apiErr
}

// TokenSource yields the caller's current access token. An empty token means anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (token StaticToken) Token(context.Context) (string, error) {
	return string(token), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// ListOptions narrow a list read. Zero values are left out of the query.
type ListOptions struct {
	Page    int
	Limit   int
	Search  string
	Filters map[string]string
}

// Values encodes the options as query parameters in a stable order.
func (opts *ListOptions) Values() url.Values {
	values := url.Values{}
	if opts == nil {
		return values
	}
	if opts.Page > 0 {
		values.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Search != "" {
		values.Set("search", opts.Search)
	}
	keys := make([]string, 0, len(opts.Filters))
	for key := range opts.Filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		values.Set(key, opts.Filters[key])
	}
	return values
}

// Client talks to {baseURL}/api/v1.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource
	cache      *cache.Cache
	logger     *slog.Logger

	Groups        *GroupsService
	Events        *EventsService
	Announcements *AnnouncementsService
	Petitions     *PetitionsService
	Polls         *PollsService
	Notifications *NotificationsService
	Transport     *TransportService
	Users         *UsersService
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) error {
		if httpClient == nil {
			return errors.New("http client is nil")
		}
		c.httpClient = httpClient
		return nil
	}
}

// WithTokenSource sets where tokens come from. Without one every call is anonymous.
func WithTokenSource(tokens TokenSource) Option {
	return func(c *Client) error {
		c.tokens = tokens
		return nil
	}
}

// WithCache shares a cache between clients. Protected reads are keyed by token, so
// clients acting for different users never see each other's entries.
func WithCache(shared *cache.Cache) Option {
	return func(c *Client) error {
		c.cache = shared
		return nil
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// New returns a client for the API at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w %q : %w", ErrInvalidBaseURL, baseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w %q : scheme and host are required", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     StaticToken(""),
		cache:      cache.New(0),
		logger:     slog.Default(),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, fmt.Errorf("applying option on client : %w", err)
		}
	}

	c.Groups = &GroupsService{client: c}
	c.Events = &EventsService{client: c}
	c.Announcements = &AnnouncementsService{client: c}
	c.Petitions = &PetitionsService{client: c}
	c.Polls = &PollsService{client: c}
	c.Notifications = &NotificationsService{client: c}
	c.Transport = &TransportService{client: c}
	c.Users = &UsersService{client: c}
	return c, nil
}

// Cache exposes the read cache, mostly for inspection.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// read describes one cacheable GET.
type read struct {
	family domain.Family
	key    string     // cache key within the family
	path   string     // below /api/v1
	query  url.Values // optional
	public bool       // readable without a token
	fresh  bool       // bypass the cache, still de-duplicated
}

func (c *Client) token(ctx context.Context, required bool) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("getting token : %w", err)
	}
	if token == "" && required {
		return "", ErrMissingToken
	}
	return token, nil
}

// get runs a read through the cache and decodes the payload into out.
func (c *Client) get(ctx context.Context, r read, out any) error {
	token, err := c.token(ctx, !r.public)
	if err != nil {
		return err
	}

	key := cache.Key{Family: r.family, ID: r.key}
	if !r.public {
		key.ID += "#" + tokenTag(token)
	}
	fetch := func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, r.path, r.query, nil, token)
	}

	var payload []byte
	if r.fresh {
		c.cache.Invalidate(key)
	}
	payload, err = c.cache.Fetch(ctx, key, fetch)
	if err != nil {
		return err
	}
	return decode(payload, out)
}

// write runs a mutation and invalidates its family on success only.
func (c *Client) write(ctx context.Context, family domain.Family, method, path string, body any, out any) error {
	token, err := c.token(ctx, true)
	if err != nil {
		return err
	}
	payload, err := c.do(ctx, method, path, nil, body, token)
	if err != nil {
		return err
	}
	removed := c.cache.InvalidateFamily(family)
	c.logger.Debug("invalidated cache family", "family", family, "keys", removed)
	return decode(payload, out)
}

// tokenTag scopes protected cache entries to the caller's token.
func tokenTag(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// escapeID escapes id as a single path segment. "." and ".." are escaped too so that
// path cleaning cannot drop them.
func escapeID(id string) string {
	switch id {
	case ".", "..":
		return strings.ReplaceAll(id, ".", "%2E")
	}
	return url.PathEscape(id)
}

// do sends one request. subpath is already escaped, see escapeID.
func (c *Client) do(ctx context.Context, method, subpath string, query url.Values, body any, token string) ([]byte, error) {
	escaped := strings.TrimSuffix(c.baseURL.EscapedPath(), "/") + "/api/v1" + path.Clean("/"+subpath)
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("building path for %q : %w", subpath, err)
	}
	target := *c.baseURL
	target.Path, target.RawPath = unescaped, escaped
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body : %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("building request : %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s : %w", method, target.Path, err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body : %w", err)
	}
	if res.StatusCode/100 != 2 {
		c.logger.Debug("api error", "method", method, "path", target.Path, "status", res.StatusCode)
		return nil, newAPIError(res.StatusCode, payload)
	}
	return payload, nil
}

func decode(payload []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding response : %w", err)
	}
	return nil
}

func listKey(opts *ListOptions) string {
	return "list?" + opts.Values().Encode()
}

// decodePage accepts either a page envelope or a bare array.
func decodePage[T any](payload []byte, opts *ListOptions) (*domain.Page[T], error) {
	page := &domain.Page[T]{}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &page.Items); err != nil {
			return nil, fmt.Errorf("decoding list : %w", err)
		}
		page.Total = len(page.Items)
		if opts != nil {
			page.Page, page.Limit = opts.Page, opts.Limit
		}
		return page, nil
	}
	if err := decode(trimmed, page); err != nil {
		return nil, err
	}
	return page, nil
}

// list reads a collection endpoint through the cache.
func list[T any](ctx context.Context, c *Client, family domain.Family, subpath string, opts *ListOptions, public bool) (*domain.Page[T], error) {
	var raw json.RawMessage
	err := c.get(ctx, read{
		family: family,
		key:    listKey(opts),
		path:   subpath,
		query:  opts.Values(),
		public: public,
	}, &raw)
	if err != nil {
		return nil, err
	}
	return decodePage[T](raw, opts)
}

// one reads a single entity through the cache.
func one[T any](ctx context.Context, c *Client, family domain.Family, id string, public bool) (*T, error) {
	if id == "" {
		return nil, fmt.Errorf("%s id is empty", family)
	}
	out := new(T)
	err := c.get(ctx, read{
		family: family,
		key:    id,
		path:   string(family) + "/" + escapeID(id),
		public: public,
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
