package ecity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ecity-hub/ecity/domain"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

func newBackend(t *testing.T, handler http.HandlerFunc) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	captured := make(chan capturedRequest, 16)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   string(body),
		}
		handler(w, r)
	}))
	t.Cleanup(backend.Close)
	return backend, captured
}

func newTestForwarder(t *testing.T, backendURL string) *Forwarder {
	t.Helper()
	forwarder, err := NewForwarder(ForwarderConfig{BackendURL: backendURL})
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	return forwarder
}

func TestForwarder_Forward(t *testing.T) {
	t.Run("should relay method, path, query and body and return the backend response verbatim", func(t *testing.T) {
		backend, captured := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("X-Backend-Only", "secret")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"42","title":"Clean-up day"}`))
		})
		forwarder := newTestForwarder(t, backend.URL)

		res := forwarder.Forward(context.Background(), &ProxyRequest{
			Method:   http.MethodPost,
			Subpath:  "events",
			RawQuery: "notify=true",
			Header:   http.Header{"Content-Type": []string{"application/json"}},
			Body:     []byte(`{"title":"Clean-up day"}`),
			Token:    "T",
		}, "")

		got := <-captured
		if got.method != http.MethodPost || got.path != "/api/v1/events" || got.query != "notify=true" {
			t.Fatalf("\nwanted:\nPOST /api/v1/events?notify=true\ngot:\n%s %s?%s", got.method, got.path, got.query)
		}
		if got.body != `{"title":"Clean-up day"}` {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", `{"title":"Clean-up day"}`, got.body)
		}
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusCreated, res.StatusCode)
		}
		if string(res.Body) != `{"id":"42","title":"Clean-up day"}` {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", `{"id":"42","title":"Clean-up day"}`, res.Body)
		}
		if res.ContentType != "application/json; charset=utf-8" {
			t.Fatalf("\nwanted:\napplication/json; charset=utf-8\ngot:\n%s", res.ContentType)
		}
		if res.Err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", res.Err)
		}
	})

	t.Run("should forward exactly the allow-listed headers plus the rebuilt authorization", func(t *testing.T) {
		backend, captured := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
		forwarder := newTestForwarder(t, backend.URL)

		forwarder.Forward(context.Background(), &ProxyRequest{
			Method:  http.MethodGet,
			Subpath: "groups",
			Header: http.Header{
				"Accept":          []string{"application/json"},
				"Accept-Language": []string{"uz"},
				"Authorization":   []string{"Bearer forged"},
				"Cookie":          []string{"ecity_session=abc"},
				"X-Forwarded-For": []string{"10.0.0.1"},
				"X-Request-Id":    []string{"req-1"},
			},
			Token: "T",
		}, "")

		got := <-captured
		if got.header.Get("Authorization") != "Bearer T" {
			t.Fatalf("\nwanted:\nBearer T\ngot:\n%s", got.header.Get("Authorization"))
		}
		if got.header.Get("X-Request-Id") != "req-1" {
			t.Fatalf("\nwanted:\nreq-1\ngot:\n%s", got.header.Get("X-Request-Id"))
		}
		for _, dropped := range []string{"Cookie", "X-Forwarded-For"} {
			if got.header.Get(dropped) != "" {
				t.Fatalf("\nwanted:\n%s dropped\ngot:\n%s", dropped, got.header.Get(dropped))
			}
		}

		allowed := map[string]bool{
			"Accept": true, "Accept-Language": true, "Authorization": true, "X-Request-Id": true,
			// set by net/http itself
			"Accept-Encoding": true, "User-Agent": true,
		}
		var unexpected []string
		for name := range got.header {
			if !allowed[name] {
				unexpected = append(unexpected, name)
			}
		}
		sort.Strings(unexpected)
		if len(unexpected) > 0 {
			t.Fatalf("\nwanted:\nno other headers\ngot:\n%v", unexpected)
		}
	})

	t.Run("should omit authorization for anonymous callers", func(t *testing.T) {
		backend, captured := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
		forwarder := newTestForwarder(t, backend.URL)

		forwarder.Forward(context.Background(), &ProxyRequest{
			Method:  http.MethodGet,
			Subpath: "announcements",
			Header:  http.Header{"Authorization": []string{"Basic Zm9vOmJhcg=="}},
		}, "")

		got := <-captured
		if got.header.Get("Authorization") != "" {
			t.Fatalf("\nwanted:\nno authorization\ngot:\n%s", got.header.Get("Authorization"))
		}
	})

	t.Run("should not send a body for GET and HEAD", func(t *testing.T) {
		backend, captured := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
		forwarder := newTestForwarder(t, backend.URL)

		for _, method := range []string{http.MethodGet, http.MethodHead} {
			forwarder.Forward(context.Background(), &ProxyRequest{
				Method:  method,
				Subpath: "polls",
				Body:    []byte("ignored"),
			}, "")
			got := <-captured
			if got.body != "" {
				t.Fatalf("\nwanted:\nempty body for %s\ngot:\n%s", method, got.body)
			}
		}
	})

	t.Run("should keep dot segments below /api/v1", func(t *testing.T) {
		backend, captured := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
		forwarder := newTestForwarder(t, backend.URL)

		forwarder.Forward(context.Background(), &ProxyRequest{
			Method:  http.MethodGet,
			Subpath: "../../admin/secrets",
		}, "")

		got := <-captured
		if got.path != "/api/v1/admin/secrets" {
			t.Fatalf("\nwanted:\n/api/v1/admin/secrets\ngot:\n%s", got.path)
		}
	})

	t.Run("should return redirects instead of following them", func(t *testing.T) {
		var calls atomic.Int32
		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Redirect(w, r, "/api/v1/elsewhere", http.StatusFound)
		})
		forwarder := newTestForwarder(t, backend.URL)

		res := forwarder.Forward(context.Background(), &ProxyRequest{Method: http.MethodGet, Subpath: "groups"}, "")
		if res.StatusCode != http.StatusFound {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusFound, res.StatusCode)
		}
		if calls.Load() != 1 {
			t.Fatalf("\nwanted:\n1 call\ngot:\n%d", calls.Load())
		}
	})

	t.Run("should pass backend errors through with a single attempt", func(t *testing.T) {
		var calls atomic.Int32
		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"detail":"maintenance"}`))
		})
		forwarder := newTestForwarder(t, backend.URL)

		res := forwarder.Forward(context.Background(), &ProxyRequest{Method: http.MethodDelete, Subpath: "polls/3", Token: "T"}, "")
		if res.StatusCode != http.StatusServiceUnavailable || string(res.Body) != `{"detail":"maintenance"}` {
			t.Fatalf("\nwanted:\n503 {\"detail\":\"maintenance\"}\ngot:\n%d %s", res.StatusCode, res.Body)
		}
		if calls.Load() != 1 {
			t.Fatalf("\nwanted:\n1 call\ngot:\n%d", calls.Load())
		}
	})

	t.Run("should answer 500 with a generic body when the backend is unreachable", func(t *testing.T) {
		backend := httptest.NewServer(http.NotFoundHandler())
		url := backend.URL
		backend.Close()
		forwarder := newTestForwarder(t, url)

		res := forwarder.Forward(context.Background(), &ProxyRequest{Method: http.MethodGet, Subpath: "groups"}, "")
		if res.StatusCode != http.StatusInternalServerError {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusInternalServerError, res.StatusCode)
		}
		if string(res.Body) != `{"error":"Internal server error"}` {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", `{"error":"Internal server error"}`, res.Body)
		}
		if res.ContentType != "application/json" {
			t.Fatalf("\nwanted:\napplication/json\ngot:\n%s", res.ContentType)
		}
		if !errors.Is(res.Err, ErrUpstream) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrUpstream, res.Err)
		}
		if res.Metadata["upstream_failed"] != true {
			t.Fatalf("\nwanted:\nupstream_failed metadata\ngot:\n%v", res.Metadata)
		}
	})

	t.Run("should reject without contacting the backend when the permission is missing", func(t *testing.T) {
		var calls atomic.Int32
		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
		forwarder := newTestForwarder(t, backend.URL)

		identities := []*domain.Identity{
			nil,
			{UserID: "u1", Permissions: []domain.Permission{"read_only"}},
		}
		for _, identity := range identities {
			res := forwarder.Forward(context.Background(), &ProxyRequest{
				Method:   http.MethodPost,
				Subpath:  "announcements/1/moderate",
				Token:    "T",
				Identity: identity,
			}, domain.PermissionModerateAnnouncements)
			if res.StatusCode != http.StatusUnauthorized || string(res.Body) != `{"error":"Unauthorized"}` {
				t.Fatalf("\nwanted:\n401 {\"error\":\"Unauthorized\"}\ngot:\n%d %s", res.StatusCode, res.Body)
			}
		}
		if calls.Load() != 0 {
			t.Fatalf("\nwanted:\n0 calls\ngot:\n%d", calls.Load())
		}
	})

	t.Run("should forward when the identity has the permission", func(t *testing.T) {
		backend, captured := newBackend(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
		forwarder := newTestForwarder(t, backend.URL)

		res := forwarder.Forward(context.Background(), &ProxyRequest{
			Method:   http.MethodPost,
			Subpath:  "announcements/1/moderate",
			Token:    "T",
			Identity: &domain.Identity{UserID: "admin", Permissions: []domain.Permission{domain.PermissionModerateAnnouncements}},
		}, domain.PermissionModerateAnnouncements)

		<-captured
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", http.StatusNoContent, res.StatusCode)
		}
	})
}

func TestNewForwarder(t *testing.T) {
	for _, raw := range []string{"", "ftp://backend", "http://", "::"} {
		t.Run("should reject "+raw, func(t *testing.T) {
			_, err := NewForwarder(ForwarderConfig{BackendURL: raw})
			if !errors.Is(err, ErrInvalidBackend) {
				t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrInvalidBackend, err)
			}
		})
	}
}

func TestForwarder_Target(t *testing.T) {
	forwarder := newTestForwarder(t, "https://backend.example/base/")

	tests := []struct {
		subpath, query, want string
	}{
		{"events", "", "https://backend.example/base/api/v1/events"},
		{"/events/42", "page=2", "https://backend.example/base/api/v1/events/42?page=2"},
		{"events/", "", "https://backend.example/base/api/v1/events/"},
		{"", "", "https://backend.example/base/api/v1"},
	}
	for _, tt := range tests {
		t.Run("should build "+tt.want, func(t *testing.T) {
			got := forwarder.Target(tt.subpath, tt.query).String()
			if !strings.EqualFold(got, tt.want) {
				t.Fatalf("\nwanted:\n%s\ngot:\n%s", tt.want, got)
			}
		})
	}
}
