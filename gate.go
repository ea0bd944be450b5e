package ecity

import (
	"errors"
	"net/http"

	"github.com/ecity-hub/ecity/core"
	"github.com/ecity-hub/ecity/domain"
)

var (
	// ErrUnauthenticated is returned when no identity could be resolved for the caller.
	ErrUnauthenticated = errors.New("no authenticated identity")
	// ErrForbidden is returned when the identity lacks the required permission.
	ErrForbidden = errors.New("identity lacks the required permission")
)

// Authorize checks identity against required. An empty required permission only demands an identity.
func Authorize(identity *domain.Identity, required domain.Permission) error {
	if identity == nil {
		return ErrUnauthenticated
	}
	if required != "" && !identity.HasPermission(required) {
		return ErrForbidden
	}
	return nil
}

func gateReason(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	}
	return "unknown"
}

// RequireAuthentication only calls next when an identity was resolved for the request.
func (gateway *Gateway) RequireAuthentication(next http.Handler) http.Handler {
	return gateway.RequirePermission("", next)
}

// RequirePermission only calls next when the resolved identity carries permission.
// Both a missing identity and a missing permission answer 401 {"error":"Unauthorized"}.
func (gateway *Gateway) RequirePermission(permission domain.Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := core.IdentityFromContext(r.Context())
		if err := Authorize(identity, permission); err != nil {
			reason := gateReason(err)
			gateway.Metrics.GateRejections.WithLabelValues(string(gateway.App), reason).Inc()
			gateway.Logger.Info("request rejected by gate", "path", r.URL.Path, "reason", reason, "permission", string(permission))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
