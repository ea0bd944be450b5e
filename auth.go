package ecity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ecity-hub/ecity/cache"
	"github.com/ecity-hub/ecity/core"
	"github.com/ecity-hub/ecity/domain"
	"github.com/google/uuid"
)

// SessionCookieName is the HttpOnly cookie holding the auth bridge session ID.
const SessionCookieName = "ecity_session"

// IdentityResolver turns a bearer token into the caller's identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*domain.Identity, error)
}

// BackendIdentityResolver asks the backend's auth/me endpoint and caches the answer per token.
type BackendIdentityResolver struct {
	forwarder *Forwarder
	cache     *cache.Cache
}

// NewBackendIdentityResolver returns a resolver caching identities for ttl.
func NewBackendIdentityResolver(forwarder *Forwarder, ttl time.Duration) *BackendIdentityResolver {
	return &BackendIdentityResolver{
		forwarder: forwarder,
		cache:     cache.New(ttl),
	}
}

// Resolve returns ErrUnauthenticated when the backend does not accept token.
func (resolver *BackendIdentityResolver) Resolve(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	sum := sha256.Sum256([]byte(token))
	key := cache.Key{Family: domain.FamilyUsers, ID: "token:" + hex.EncodeToString(sum[:])}

	payload, err := resolver.cache.Fetch(ctx, key, func(ctx context.Context) ([]byte, error) {
		res := resolver.forwarder.Forward(ctx, &ProxyRequest{
			Method:  http.MethodGet,
			Subpath: "auth/me",
			Header:  http.Header{"Accept": []string{jsonContentType}},
			Token:   token,
		}, "")
		if res.Err != nil {
			return nil, res.Err
		}
		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			return nil, ErrUnauthenticated
		case res.StatusCode/100 != 2:
			return nil, fmt.Errorf("resolving identity : backend returned %d", res.StatusCode)
		}
		return res.Body, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeIdentity(payload)
}

// decodeIdentity accepts both a bare user object and one wrapped in {"user": ...}.
func decodeIdentity(payload []byte) (*domain.Identity, error) {
	var wrapped struct {
		User *domain.Identity `json:"user"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.User != nil && wrapped.User.UserID != "" {
		return wrapped.User, nil
	}
	identity := &domain.Identity{}
	if err := json.Unmarshal(payload, identity); err != nil {
		return nil, fmt.Errorf("decoding identity : %w", err)
	}
	if identity.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return identity, nil
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// withCaller stores the request ID, receive time, token and session of the caller in the context.
// An Authorization header wins over the session cookie. Bearer-only identities are resolved
// lazily by identityFor.
func (gateway *Gateway) withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = core.ContextWithRequestTime(r, gateway.now())
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(core.ContextWithRequestID(r.Context(), requestID))

		if token, ok := bearerToken(r); ok {
			r = core.ContextWithToken(r, token)
		} else if session, ok := gateway.sessionFromCookie(r); ok {
			r = core.ContextWithSession(r, session)
			r = core.ContextWithIdentity(r, &session.Identity)
			r = core.ContextWithToken(r, session.AccessToken)
		}
		next.ServeHTTP(w, r)
	})
}

func (gateway *Gateway) sessionFromCookie(r *http.Request) (*domain.Session, bool) {
	if gateway.Repo == nil {
		return nil, false
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, false
	}
	id, err := uuid.Parse(cookie.Value)
	if err != nil {
		return nil, false
	}
	session, err := gateway.Repo.GetSession(id)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			gateway.Logger.Error("loading session", "id", id, "error", err)
		}
		return nil, false
	}
	if session.Expired(gateway.now()) {
		return nil, false
	}
	return session, true
}

// identityFor returns the caller's identity, resolving a bearer token through the backend if needed.
func (gateway *Gateway) identityFor(r *http.Request) *domain.Identity {
	if identity, ok := core.IdentityFromContext(r.Context()); ok {
		return identity
	}
	token, ok := core.TokenFromContext(r.Context())
	if !ok {
		return nil
	}
	identity, err := gateway.Identities.Resolve(r.Context(), token)
	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) {
			gateway.Logger.Warn("resolving bearer identity", "error", err)
		}
		return nil
	}
	return identity
}

// withIdentity resolves bearer identities before handing the request to a gated handler.
func (gateway *Gateway) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity := gateway.identityFor(r); identity != nil {
			r = core.ContextWithIdentity(r, identity)
		}
		next.ServeHTTP(w, r)
	})
}

type loginResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	User        domain.Identity `json:"user"`
}

type sessionView struct {
	User        domain.Identity `json:"user"`
	AccessToken string          `json:"accessToken"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

func newSessionView(session *domain.Session) sessionView {
	return sessionView{User: session.Identity, AccessToken: session.AccessToken, ExpiresAt: session.ExpiresAt}
}

// handleLogin relays credentials to the backend and opens a session on success.
// Backend rejections are returned to the caller verbatim.
func (gateway *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if gateway.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "Sessions are disabled")
		return
	}
	body, ok := gateway.readBody(w, r)
	if !ok {
		return
	}

	res := gateway.Forwarder.Forward(r.Context(), &ProxyRequest{
		Method:  http.MethodPost,
		Subpath: "auth/login",
		Header:  r.Header,
		Body:    body,
	}, "")
	if res.Err != nil || res.StatusCode/100 != 2 {
		writeProxyResponse(w, r, res)
		return
	}

	var login loginResponse
	if err := json.Unmarshal(res.Body, &login); err != nil || login.AccessToken == "" || login.User.UserID == "" {
		gateway.Logger.Error("unexpected login response from backend", "status", res.StatusCode, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	now := gateway.now()
	ttl := gateway.Config.SessionTTL
	if login.ExpiresIn > 0 && (ttl <= 0 || time.Duration(login.ExpiresIn)*time.Second < ttl) {
		ttl = time.Duration(login.ExpiresIn) * time.Second
	}
	id, err := uuid.NewV7()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	session := &domain.Session{
		ID:          id,
		Identity:    login.User,
		AccessToken: login.AccessToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := gateway.Repo.CreateSession(session); err != nil {
		gateway.Logger.Error("creating session", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	gateway.WriteLog("INFO", fmt.Sprintf("session opened for user %s", session.Identity.UserID), core.LogWithSessionID(session.ID))

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID.String(),
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   gateway.Config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, newSessionView(session))
}

// handleSession exposes the current session, including its access token, to client code.
func (gateway *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	session, ok := core.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(session))
}

// handleLogout deletes the session and clears the cookie. It succeeds without a session.
func (gateway *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session, ok := core.SessionFromContext(r.Context()); ok && gateway.Repo != nil {
		if err := gateway.Repo.DeleteSession(session.ID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			gateway.Logger.Error("deleting session", "id", session.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		gateway.WriteLog("INFO", fmt.Sprintf("session closed for user %s", session.Identity.UserID), core.LogWithSessionID(session.ID))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   gateway.Config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the caller's identity.
func (gateway *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, _ := core.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, identity)
}

// readBody reads a size-limited request body. It writes the error response itself and
// reports false when the body could not be read.
func (gateway *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil, true
	}
	reader := io.Reader(r.Body)
	if gateway.Config.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, gateway.Config.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return nil, false
		}
		gateway.Logger.Warn("reading request body", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}
	return body, true
}
