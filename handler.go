package ecity

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ecity-hub/ecity/core"
	"github.com/ecity-hub/ecity/domain"
	"github.com/ecity-hub/ecity/preview"
	"github.com/google/uuid"
)

// Handler returns the routes of the configured application:
//
//	common: GET /healthz, GET /metrics, POST /api/auth/login, GET /api/auth/session, POST /api/auth/logout
//	portal: /api/proxy/{path...} (ungated), GET /api/me
//	admin:  /api/admin/proxy/{path...} (admin permission), GET /api/gateway/{traffic,traffic/{id},logs,stats}
func (gateway *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", gateway.handleHealth)
	mux.Handle("GET /metrics", gateway.Metrics.Handler())
	mux.HandleFunc("POST /api/auth/login", gateway.handleLogin)
	mux.HandleFunc("GET /api/auth/session", gateway.handleSession)
	mux.HandleFunc("POST /api/auth/logout", gateway.handleLogout)

	switch gateway.App {
	case AppAdmin:
		mux.Handle("/api/admin/proxy/{path...}", gateway.ProxyHandler(func(subpath string) domain.Permission {
			return gateway.Config.Admin.PermissionFor(subpath)
		}))
		viewTraffic := func(handler http.HandlerFunc) http.Handler {
			return gateway.withIdentity(gateway.RequirePermission(domain.PermissionViewTraffic, handler))
		}
		mux.Handle("GET /api/gateway/traffic", viewTraffic(gateway.handleTraffic))
		mux.Handle("GET /api/gateway/traffic/{id}", viewTraffic(gateway.handleExchange))
		mux.Handle("GET /api/gateway/logs", viewTraffic(gateway.handleLogs))
		mux.Handle("GET /api/gateway/stats", viewTraffic(gateway.handleStats))
	default:
		mux.Handle("/api/proxy/{path...}", gateway.ProxyHandler(nil))
		mux.Handle("GET /api/me", gateway.withIdentity(gateway.RequireAuthentication(http.HandlerFunc(gateway.handleMe))))
	}
	return gateway.withCaller(mux)
}

func (gateway *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "app": string(gateway.App)})
}

// ProxyHandler adapts Forward to HTTP. permissionFor maps the sub-path to the capability the
// caller needs; nil leaves the route ungated and the backend decides.
func (gateway *Gateway) ProxyHandler(permissionFor func(subpath string) domain.Permission) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subpath := r.PathValue("path")

		var required domain.Permission
		if permissionFor != nil {
			required = permissionFor(subpath)
		}
		identity, _ := core.IdentityFromContext(r.Context())
		if required != "" {
			identity = gateway.identityFor(r)
		}
		token, _ := core.TokenFromContext(r.Context())

		body, ok := gateway.readBody(w, r)
		if !ok {
			return
		}

		exchangeID, err := uuid.NewV7()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		r = core.ContextWithExchangeID(r, exchangeID)
		metadata := map[string]any{"app": string(gateway.App)}
		ctx := core.ContextWithMetadata(r.Context(), metadata)

		request := &ProxyRequest{
			Method:   r.Method,
			Subpath:  subpath,
			RawQuery: r.URL.RawQuery,
			Header:   r.Header,
			Body:     body,
			Token:    token,
			Identity: identity,
		}
		requestedAt := gateway.now()
		res := gateway.Forwarder.Forward(ctx, request, required)
		respondedAt := gateway.now()

		writeProxyResponse(w, r, res)

		app := string(gateway.App)
		gateway.Metrics.Requests.WithLabelValues(app, r.Method, fmt.Sprint(res.StatusCode)).Inc()
		gateway.Metrics.RequestDuration.WithLabelValues(app).Observe(respondedAt.Sub(requestedAt).Seconds())
		switch {
		case errors.Is(res.Err, ErrUnauthenticated), errors.Is(res.Err, ErrForbidden):
			gateway.Metrics.GateRejections.WithLabelValues(app, gateReason(res.Err)).Inc()
		case errors.Is(res.Err, ErrUpstream):
			gateway.Metrics.UpstreamErrors.WithLabelValues(app).Inc()
			gateway.WriteLog("ERROR", fmt.Sprintf("backend unreachable for %s %s", r.Method, subpath),
				core.LogWithExchangeID(exchangeID),
				core.LogWithContext(map[string]any{"error": res.Err.Error()}))
		}

		gateway.record(exchangeID, request, res, requestedAt, respondedAt)
	})
}

// record queues the exchange for the repository when traffic recording is enabled.
func (gateway *Gateway) record(id uuid.UUID, req *ProxyRequest, res *ProxyResponse, requestedAt, respondedAt time.Time) {
	if !gateway.Config.RecordTraffic {
		return
	}
	path := req.Subpath
	if req.RawQuery != "" {
		path += "?" + req.RawQuery
	}
	exchange := &domain.Exchange{
		ID:              id,
		App:             string(gateway.App),
		Method:          req.Method,
		Path:            path,
		StatusCode:      res.StatusCode,
		ContentType:     preview.ContentType(res.ContentType, res.Body),
		RequestPreview:  preview.Render(req.Body, req.Header.Get("Content-Encoding"), gateway.Config.PreviewLimit),
		ResponsePreview: preview.Render(res.Body, res.ContentEncoding, gateway.Config.PreviewLimit),
		Metadata:        res.Metadata,
		RequestedAt:     requestedAt,
		RespondedAt:     respondedAt,
	}
	if req.Identity != nil {
		exchange.UserID = req.Identity.UserID
	}
	if res.Err != nil {
		exchange.Error = res.Err.Error()
	}
	gateway.enqueue(exchange)
}
