package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"reportlens/internal/apperr"
	"reportlens/internal/auth"
)

// Authenticator verifies a bearer token. *auth.Verifier satisfies it.
type Authenticator interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// requireRoles is the role gate for a handler. It runs after the
// authentication middleware, so a missing principal is a 401.
func (s *server) requireRoles(ctx context.Context, required ...auth.Role) (auth.Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.Subject == "" {
		return auth.Principal{}, newAPIError(http.StatusUnauthorized, "", apperr.SourceRequest, "authentication required", nil)
	}
	if err := auth.Authorize(p, required); err != nil {
		return auth.Principal{}, s.fail(err)
	}
	return p, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware verifies the bearer token of every routed, non-public
// request before any handler runs. Requests the router cannot serve fall
// through to the 404/405 handlers unauthenticated.
func newAuthMiddleware(router chi.Routes, public map[string]bool, verifier Authenticator, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if public[req.URL.Path] || !router.Match(chi.NewRouteContext(), req.Method, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(req.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, "bearer token required")
				return
			}
			principal, err := verifier.Verify(req.Context(), token)
			if err != nil {
				if apperr.Is(err, apperr.AuthInvalid) {
					log.WithError(err).Debug("rejected token")
					unauthorized(w, "invalid token")
					return
				}
				respondStatusError(w, toStatusError(log, err))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="reportlens"`)
	respondStatusError(w, newAPIError(http.StatusUnauthorized, apperr.AuthInvalid.String(), apperr.SourceIdentityProvider, msg, nil))
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
