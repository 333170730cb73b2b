package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
)

type userStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive suspended"`
}

type userRolesRequest struct {
	Roles []string `json:"roles" validate:"required,min=1,dive,required"`
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireSystemManage(w, r, audit.ActionAuthorize); !ok {
		return
	}
	f, fields := parseAuditFilter(r.URL.Query())
	if len(fields) > 0 {
		writeFieldErrors(w, r, fields)
		return
	}
	entries, err := a.deps.Audit.Store().Query(r.Context(), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeData(w, r, http.StatusOK, entries, "")
}

func parseAuditFilter(q url.Values) (audit.Filter, map[string]string) {
	fields := map[string]string{}
	f := audit.Filter{
		UserID:  strings.TrimSpace(q.Get("user_id")),
		Service: strings.TrimSpace(q.Get("service")),
	}
	if v := q.Get("action"); v != "" {
		f.Action = audit.Action(v)
		if !f.Action.Valid() {
			fields["action"] = "unknown action"
		}
	}
	if v := q.Get("severity"); v != "" {
		f.Severity = audit.Severity(v)
		if !f.Severity.Valid() {
			fields["severity"] = "unknown severity"
		}
	}
	parseTime := func(key string, dst *time.Time) {
		v := q.Get(key)
		if v == "" {
			return
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fields[key] = "must be RFC3339"
			return
		}
		*dst = t
	}
	parseTime("from", &f.From)
	parseTime("to", &f.To)
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		fields["to"] = "must be after from"
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields["limit"] = "must be a non-negative integer"
		}
		f.Limit = n
	}
	return f.Normalized(), fields
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireSystemManage(w, r, audit.ActionAuthorize); !ok {
		return
	}
	users, err := a.deps.Directory.List(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	writeData(w, r, http.StatusOK, users, "")
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireSystemManage(w, r, audit.ActionUserCreate); !ok {
		return
	}
	var req auth.Registration
	if !bind(w, r, &req, false) {
		return
	}
	user, err := a.deps.Directory.Register(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.record(r.Context(), audit.Event{
		Action:     audit.ActionUserCreate,
		ResourceID: user.ID,
		Service:    auth.ServiceSystem,
		NewValues: map[string]any{
			"username":   user.Username,
			"email":      user.Email,
			"department": user.Department,
			"roles":      user.Roles,
			"status":     user.Status,
		},
		Severity:    audit.SeverityInfo,
		Description: "user created",
	}); err != nil {
		handleError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, user, "user created")
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireSystemManage(w, r, audit.ActionUserStatusChange); !ok {
		return
	}
	var req userStatusRequest
	if !bind(w, r, &req, false) {
		return
	}
	before, after, err := a.deps.Directory.SetStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		handleError(w, r, err)
		return
	}
	severity := audit.SeverityInfo
	if !after.Active() {
		severity = audit.SeverityWarning
	}
	if err := a.record(r.Context(), audit.Event{
		Action:      audit.ActionUserStatusChange,
		ResourceID:  after.ID,
		Service:     auth.ServiceSystem,
		OldValues:   map[string]any{"status": before.Status},
		NewValues:   map[string]any{"status": after.Status},
		Severity:    severity,
		Description: "user status changed",
	}); err != nil {
		handleError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, after, "")
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireSystemManage(w, r, audit.ActionRoleAssign); !ok {
		return
	}
	var req userRolesRequest
	if !bind(w, r, &req, false) {
		return
	}
	before, after, err := a.deps.Directory.AssignRoles(r.Context(), r.PathValue("id"), req.Roles)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.record(r.Context(), audit.Event{
		Action:      audit.ActionRoleAssign,
		ResourceID:  after.ID,
		Service:     auth.ServiceSystem,
		OldValues:   map[string]any{"roles": before.Roles},
		NewValues:   map[string]any{"roles": after.Roles},
		Severity:    audit.SeverityInfo,
		Description: "user roles assigned",
	}); err != nil {
		handleError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, after, "")
}
