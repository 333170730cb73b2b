package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"ssoportal.id/internal/access"
	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/obs"
)

const (
	authHeader    = "Authorization"
	sessionHeader = "X-SSO-Session"
	bearer        = "Bearer "
)

// withAuth resolves the portal token into a principal. The principal is
// reloaded on every request so status and role changes apply immediately.
func (a *API) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.deps.Tokens.ParseToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		principal, err := a.deps.Directory.Principal(r.Context(), claims.Subject)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		case err != nil:
			handleError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.UpdateMeta(ctx, func(m *auth.RequestMeta) { m.UserID = principal.User.ID })
		ctx = obs.ToContext(ctx, obs.From(ctx).With(zap.String("user_id", principal.User.ID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("authorization header is required")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("authorization header must use Bearer scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("bearer token is empty")
	}
	return token, nil
}

// authorize runs perm through the gate for the request principal. It
// writes the error response itself and reports false when the request
// must stop.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, perm auth.Permission, opts ...access.Option) (access.Decision, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return access.Decision{}, false
	}
	d, err := a.deps.Gate.Authorize(r.Context(), principal, perm, opts...)
	if err != nil {
		handleError(w, r, err)
		return access.Decision{}, false
	}
	if !d.Allowed {
		writeDenied(w, r, d)
		return d, false
	}
	return d, true
}

func (a *API) requireSystemManage(w http.ResponseWriter, r *http.Request, action audit.Action) (auth.Principal, bool) {
	d, ok := a.authorize(w, r, auth.Manage(auth.ServiceSystem), access.WithAction(action))
	return d.Principal, ok
}

func writeDenied(w http.ResponseWriter, r *http.Request, d access.Decision) {
	switch d.Reason {
	case access.ReasonSessionInvalid, access.ReasonSessionExpired, access.ReasonSessionRevoked:
		writeJSON(w, http.StatusUnauthorized, envelope{
			Error:     "session " + sessionReasonText(d.Reason),
			Message:   string(d.Reason),
			RequestID: auth.MetaFromContext(r.Context()).RequestID,
		})
	default:
		writeJSON(w, http.StatusForbidden, envelope{
			Error:     "access denied",
			Message:   string(d.Reason),
			RequestID: auth.MetaFromContext(r.Context()).RequestID,
		})
	}
}

func sessionReasonText(reason access.Reason) string {
	switch reason {
	case access.ReasonSessionExpired:
		return "expired"
	case access.ReasonSessionRevoked:
		return "revoked"
	}
	return "invalid"
}
