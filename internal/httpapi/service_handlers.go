package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"ssoportal.id/internal/access"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/obs"
	"ssoportal.id/internal/proxy"
)

// handleService serves /v1/services/{service}/{resource}[/{id}[/{suffix}]].
// The caller is identified by its SSO session, not by a portal token.
func (a *API) handleService(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	if !auth.IsDownstreamService(service) {
		writeError(w, r, http.StatusNotFound, "unknown service")
		return
	}
	resource, id, suffix, ok := splitServicePath(r.PathValue("path"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown operation")
		return
	}

	var kind proxy.Kind
	switch {
	case r.Method == http.MethodGet && id == "":
		kind = proxy.KindList
	case r.Method == http.MethodGet && suffix == "":
		kind = proxy.KindGet
	case r.Method == http.MethodPost && id == "":
		kind = proxy.KindCreate
	case r.Method == http.MethodPut && id != "":
		kind = proxy.KindUpdate
	case r.Method == http.MethodGet, r.Method == http.MethodPost, r.Method == http.MethodPut:
		writeError(w, r, http.StatusNotFound, "unknown operation")
		return
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodPut)
		return
	}
	op, found := a.deps.Operations.Route(service, resource, suffix, kind)
	if !found {
		writeError(w, r, http.StatusNotFound, "unknown operation")
		return
	}

	var body json.RawMessage
	if kind == proxy.KindCreate || kind == proxy.KindUpdate {
		if err := decodeOptionalJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	sid := strings.TrimSpace(r.Header.Get(sessionHeader))
	d, err := a.deps.Gate.AuthorizeSession(r.Context(), sid, service, op.Permission(),
		access.WithAction(op.Action),
		access.WithResource(id),
		access.WithDetails(map[string]any{"operation": op.Name}))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !d.Allowed {
		writeDenied(w, r, d)
		return
	}

	ctx := auth.UpdateMeta(r.Context(), func(m *auth.RequestMeta) {
		m.UserID = d.Principal.User.ID
		m.SessionID = sid
	})
	ctx = obs.ToContext(ctx, obs.From(ctx).With(zap.String("user_id", d.Principal.User.ID)))
	res, err := a.deps.Proxy.Forward(ctx, d.Principal, proxy.Request{
		Operation: op,
		ID:        id,
		Query:     r.URL.Query(),
		Body:      body,
	})
	if err != nil {
		handleProxyError(w, r, err)
		return
	}
	msg := ""
	if len(res.Dropped) > 0 {
		msg = "ignored query parameters: " + strings.Join(res.Dropped, ", ")
	}
	code := http.StatusOK
	if kind == proxy.KindCreate {
		code = http.StatusCreated
	}
	writeData(w, r, code, res.Data, msg)
}

func splitServicePath(raw string) (resource, id, suffix string, ok bool) {
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for _, p := range parts {
		if p == "" {
			return "", "", "", false
		}
	}
	switch len(parts) {
	case 1:
		return parts[0], "", "", true
	case 2:
		return parts[0], parts[1], "", true
	case 3:
		return parts[0], parts[1], parts[2], true
	}
	return "", "", "", false
}

func handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	var de *proxy.DownstreamError
	switch {
	case errors.Is(err, proxy.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.As(err, &de):
		writeError(w, r, http.StatusBadGateway, de.Error())
	case errors.Is(err, proxy.ErrDownstream):
		writeError(w, r, http.StatusBadGateway, "downstream service unavailable")
	default:
		handleError(w, r, err)
	}
}
