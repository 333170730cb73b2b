package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ssoportal.id/internal/access"
	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/session"
)

type createSessionRequest struct {
	LifetimeMinutes int             `json:"lifetime_minutes" validate:"gte=0,lte=10080"`
	Data            json.RawMessage `json:"data,omitempty"`
}

type extendSessionRequest struct {
	Minutes int `json:"minutes" validate:"gte=0,lte=10080"`
}

type sessionResponse struct {
	Session session.Session `json:"session"`
	Reused  bool            `json:"reused"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	if !auth.IsDownstreamService(service) {
		writeError(w, r, http.StatusNotFound, "unknown service")
		return
	}
	var req createSessionRequest
	if !bind(w, r, &req, true) {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	perm := auth.Access(service)
	if principal.HasPermission(auth.Manage(service)) {
		perm = auth.Manage(service)
	}
	d, ok := a.authorize(w, r, perm)
	if !ok {
		return
	}

	meta := auth.MetaFromContext(r.Context())
	s, created, err := a.deps.Sessions.Create(r.Context(), session.CreateParams{
		UserID:          d.Principal.User.ID,
		Service:         service,
		ServiceURL:      a.deps.ServiceURLs[service],
		ClientIP:        meta.ClientIP,
		UserAgent:       meta.UserAgent,
		LifetimeMinutes: req.LifetimeMinutes,
		Data:            req.Data,
	})
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	if err := a.record(r.Context(), audit.Event{
		Action:     audit.ActionSessionCreate,
		ResourceID: s.ID,
		Service:    service,
		NewValues: map[string]any{
			"expires_at": s.ExpiresAt.Format(time.RFC3339),
			"reused":     !created,
		},
		Severity:    audit.SeverityInfo,
		Description: "sso session issued",
	}); err != nil {
		handleError(w, r, err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeData(w, r, code, sessionResponse{Session: s, Reused: !created}, "")
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var (
		list []session.Session
		err  error
	)
	if svc := r.URL.Query().Get("service"); svc != "" {
		list, err = a.deps.Sessions.ForUserService(r.Context(), principal.User.ID, svc)
	} else {
		list, err = a.deps.Sessions.ForUser(r.Context(), principal.User.ID)
	}
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	writeData(w, r, http.StatusOK, list, "")
}

func (a *API) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	var req extendSessionRequest
	if !bind(w, r, &req, true) {
		return
	}
	cur, ok := a.ownedSession(w, r, false)
	if !ok {
		return
	}
	s, err := a.deps.Sessions.Extend(r.Context(), cur.ID, req.Minutes)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	if err := a.record(r.Context(), audit.Event{
		Action:      audit.ActionSessionExtend,
		ResourceID:  s.ID,
		Service:     s.Service,
		OldValues:   map[string]any{"expires_at": cur.ExpiresAt.Format(time.RFC3339)},
		NewValues:   map[string]any{"expires_at": s.ExpiresAt.Format(time.RFC3339)},
		Severity:    audit.SeverityInfo,
		Description: "sso session extended",
	}); err != nil {
		handleError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sessionResponse{Session: s}, "session extended")
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	cur, ok := a.ownedSession(w, r, true)
	if !ok {
		return
	}
	s, moved, err := a.deps.Sessions.TryRevoke(r.Context(), cur.ID)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	if !moved {
		writeData(w, r, http.StatusOK, sessionResponse{Session: s}, "session already ended")
		return
	}
	if err := a.record(r.Context(), audit.Event{
		Action:      audit.ActionSessionRevoke,
		ResourceID:  s.ID,
		Service:     s.Service,
		OldValues:   map[string]any{"status": string(cur.Status)},
		NewValues:   map[string]any{"status": string(s.Status)},
		Severity:    audit.SeverityInfo,
		Description: "sso session revoked",
	}); err != nil {
		handleError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sessionResponse{Session: s}, "session revoked")
}

// ownedSession loads the session named in the path and checks that the
// caller owns it. With allowAdmin, holders of manage system may act on any
// session; that override goes through the gate.
func (a *API) ownedSession(w http.ResponseWriter, r *http.Request, allowAdmin bool) (session.Session, bool) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	s, err := a.deps.Sessions.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		handleSessionError(w, r, err)
		return session.Session{}, false
	}
	if s.UserID == principal.User.ID {
		return s, true
	}
	if !allowAdmin {
		writeError(w, r, http.StatusNotFound, "session not found")
		return session.Session{}, false
	}
	if _, ok := a.authorize(w, r, auth.Manage(auth.ServiceSystem),
		access.WithAction(audit.ActionSessionRevoke), access.WithResource(s.ID)); !ok {
		return session.Session{}, false
	}
	return s, true
}

func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrNotActive):
		writeError(w, r, http.StatusConflict, "session is not active")
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		handleError(w, r, err)
	}
}
