// Package httpapi exposes the portal over HTTP: login, SSO session
// lifecycle, the downstream service gateway and administration.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"ssoportal.id/internal/access"
	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/obs"
	"ssoportal.id/internal/proxy"
	"ssoportal.id/internal/session"
)

const serviceName = "ssoportal"

// Pinger is anything readiness depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings every dependency in order.
type ReadyProbe struct {
	Checks []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, c := range rp.Checks {
		if c == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the collaborators the API is built on.
type Deps struct {
	Directory  *auth.Directory
	Tokens     *auth.TokenIssuer
	Sessions   *session.Manager
	Gate       *access.Gate
	Proxy      *proxy.Adapter
	Operations *proxy.Catalog
	Audit      *audit.Recorder
	// ServiceURLs are the public base URLs stamped on new sessions.
	ServiceURLs map[string]string
	Ready       ReadyProbe
	Version     string
}

// Options tune the middleware chain.
type Options struct {
	MaxBodyBytes   int64
	RateBurst      int
	RatePerSec     int
	AllowedOrigins []string
	// TrustedProxies are the peers whose forwarding headers are believed.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
	opts Options
	now  func() time.Time
}

func New(deps Deps, opts Options) (*API, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("httpapi: directory is required")
	case deps.Tokens == nil:
		return nil, errors.New("httpapi: token issuer is required")
	case deps.Sessions == nil:
		return nil, errors.New("httpapi: session manager is required")
	case deps.Gate == nil:
		return nil, errors.New("httpapi: access gate is required")
	case deps.Proxy == nil || deps.Operations == nil:
		return nil, errors.New("httpapi: proxy adapter and operation catalog are required")
	case deps.Audit == nil:
		return nil, errors.New("httpapi: audit recorder is required")
	}
	a := &API{mux: http.NewServeMux(), deps: deps, opts: opts, now: time.Now}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.Handle("POST /v1/auth/logout", a.withAuth(a.handleLogout))
	a.mux.Handle("GET /v1/me", a.withAuth(a.handleMe))

	a.mux.Handle("POST /v1/sso/{service}/sessions", a.withAuth(a.handleCreateSession))
	a.mux.Handle("GET /v1/sso/sessions", a.withAuth(a.handleListSessions))
	a.mux.Handle("POST /v1/sso/sessions/{id}/extend", a.withAuth(a.handleExtendSession))
	a.mux.Handle("DELETE /v1/sso/sessions/{id}", a.withAuth(a.handleRevokeSession))

	a.mux.HandleFunc("/v1/services/{service}/{path...}", a.handleService)

	a.mux.Handle("GET /v1/audit-logs", a.withAuth(a.handleAuditLogs))
	a.mux.Handle("GET /v1/users", a.withAuth(a.handleListUsers))
	a.mux.Handle("POST /v1/users", a.withAuth(a.handleCreateUser))
	a.mux.Handle("PUT /v1/users/{id}/status", a.withAuth(a.handleUserStatus))
	a.mux.Handle("PUT /v1/users/{id}/roles", a.withAuth(a.handleUserRoles))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
}

// Handler wraps the mux in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = CORS(h, a.opts.AllowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestMeta(h, a.opts.TrustedProxies)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	}, "")
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeError(w, r, http.StatusServiceUnavailable, fmt.Sprintf("not ready: %v", err))
		return
	}
	obs.SetReady(true)
	writeData(w, r, http.StatusOK, map[string]any{"status": "ready"}, "")
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]any{
		"name":     serviceName,
		"time":     a.now().UTC().Format(time.RFC3339),
		"version":  a.deps.Version,
		"services": auth.DownstreamServices,
	}, "")
}

// record writes an audit entry for a handler-level action.
func (a *API) record(ctx context.Context, ev audit.Event) error {
	_, err := a.deps.Audit.Record(ctx, ev)
	return err
}
