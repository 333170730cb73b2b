package httpapi

import (
	"errors"
	"net/http"
	"time"

	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
)

type loginRequest struct {
	Login    string `json:"login" validate:"required,max=254"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        auth.User `json:"user"`
	Permissions []string  `json:"permissions"`
	Services    []string  `json:"services"`
}

type meResponse struct {
	User        auth.User `json:"user"`
	Permissions []string  `json:"permissions"`
	Services    []string  `json:"services"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !bind(w, r, &req, false) {
		return
	}
	ctx := r.Context()

	user, err := a.deps.Directory.Authenticate(ctx, req.Login, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			handleError(w, r, err)
			return
		}
		reason, msg := "invalid_credentials", "invalid credentials"
		if errors.Is(err, auth.ErrUserInactive) {
			reason, msg = "user_inactive", "account is not active"
		}
		if aerr := a.record(ctx, audit.Event{
			UserID:      user.ID,
			Action:      audit.ActionLoginFailed,
			NewValues:   map[string]any{"login": req.Login, "reason": reason},
			Severity:    audit.SeverityWarning,
			Description: "login failed",
		}); aerr != nil {
			handleError(w, r, aerr)
			return
		}
		writeError(w, r, http.StatusUnauthorized, msg)
		return
	}

	principal, err := a.deps.Directory.Principal(ctx, user.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	token, exp, err := a.deps.Tokens.IssueToken(user.ID, user.Roles)
	if err != nil {
		handleError(w, r, err)
		return
	}
	ctx = auth.UpdateMeta(ctx, func(m *auth.RequestMeta) { m.UserID = user.ID })
	if err := a.record(ctx, audit.Event{
		UserID:      user.ID,
		Action:      audit.ActionLogin,
		Severity:    audit.SeverityInfo,
		Description: "user logged in",
	}); err != nil {
		handleError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, loginResponse{
		Token:       token,
		ExpiresAt:   exp,
		User:        principal.User,
		Permissions: principal.Permissions.Strings(),
		Services:    principal.AccessibleServices(),
	}, "login successful")
}

// handleLogout ends every SSO session of the caller. Portal tokens are
// stateless and simply expire.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	n, err := a.deps.Sessions.RevokeForUser(r.Context(), principal.User.ID)
	if err != nil {
		if n > 0 {
			if aerr := a.record(r.Context(), audit.Event{
				UserID:      principal.User.ID,
				Action:      audit.ActionLogout,
				NewValues:   map[string]any{"revoked_sessions": n, "error": err.Error()},
				Severity:    audit.SeverityError,
				Description: "logout interrupted",
			}); aerr != nil {
				err = aerr
			}
		}
		handleError(w, r, err)
		return
	}
	if err := a.record(r.Context(), audit.Event{
		UserID:      principal.User.ID,
		Action:      audit.ActionLogout,
		NewValues:   map[string]any{"revoked_sessions": n},
		Severity:    audit.SeverityInfo,
		Description: "user logged out",
	}); err != nil {
		handleError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"revoked_sessions": n}, "logged out")
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	writeData(w, r, http.StatusOK, meResponse{
		User:        principal.User,
		Permissions: principal.Permissions.Strings(),
		Services:    principal.AccessibleServices(),
	}, "")
}
