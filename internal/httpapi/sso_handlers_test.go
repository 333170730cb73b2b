package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/session"
)

func openSession(t *testing.T, e *testEnv, token, service string, wantStatus int) sessionResponse {
	t.Helper()
	env := decode(t, e.do(http.MethodPost, "/v1/sso/"+service+"/sessions", nil, bearerHeader(token)), wantStatus)
	var out sessionResponse
	if wantStatus < 300 {
		require.NoError(t, json.Unmarshal(env.Data, &out))
	}
	return out
}

func TestCreateSessionAndReuse(t *testing.T) {
	e := newTestEnv(t)
	e.register("gita", auth.RoleSahbandar)
	token := e.login("gita")

	first := openSession(t, e, token, "sahbandar", http.StatusCreated)
	assert.False(t, first.Reused)
	assert.Equal(t, session.StatusActive, first.Session.Status)
	assert.Equal(t, "https://sahbandar.example.id", first.Session.ServiceURL)
	assert.Len(t, first.Session.ID, 43)
	assert.WithinDuration(t, e.clock.Now().Add(480*time.Minute), first.Session.ExpiresAt, time.Second)

	second := openSession(t, e, token, "sahbandar", http.StatusOK)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	created := e.entries(audit.ActionSessionCreate)
	require.Len(t, created, 2)
	assert.Equal(t, first.Session.ID, created[0].ResourceID)
	assert.Equal(t, true, created[0].NewValues["reused"])

	allowed := e.entries(audit.ActionAuthorize)
	require.Len(t, allowed, 2)
	assert.Equal(t, "allow", allowed[0].NewValues["outcome"])
	assert.Equal(t, "manage sahbandar", allowed[0].NewValues["permission"])
}

func TestCreateSessionDenied(t *testing.T) {
	e := newTestEnv(t)
	e.register("hadi", auth.RoleSPB)
	token := e.login("hadi")

	env := decode(t, e.do(http.MethodPost, "/v1/sso/sahbandar/sessions", nil, bearerHeader(token)), http.StatusForbidden)
	assert.Equal(t, "access denied", env.Error)
	assert.Equal(t, "insufficient_permission", env.Message)

	denied := e.entries(audit.ActionAuthorize)
	require.Len(t, denied, 1)
	assert.Equal(t, audit.SeverityWarning, denied[0].Severity)
	assert.Equal(t, "deny", denied[0].NewValues["outcome"])
	assert.Empty(t, e.entries(audit.ActionSessionCreate))

	decode(t, e.do(http.MethodPost, "/v1/sso/payroll/sessions", nil, bearerHeader(token)), http.StatusNotFound)
}

func TestCreateSessionInactiveUser(t *testing.T) {
	e := newTestEnv(t)
	u := e.register("indra", auth.RoleEPIT)
	token := e.login("indra")
	_, _, err := e.dir.SetStatus(t.Context(), u.ID, auth.UserStatusInactive)
	require.NoError(t, err)

	env := decode(t, e.do(http.MethodPost, "/v1/sso/epit/sessions", nil, bearerHeader(token)), http.StatusForbidden)
	assert.Equal(t, "user_inactive", env.Message)
}

func TestCreateSessionValidatesBody(t *testing.T) {
	e := newTestEnv(t)
	e.register("joko", auth.RoleSHTI)
	token := e.login("joko")

	env := decode(t, e.do(http.MethodPost, "/v1/sso/shti/sessions", map[string]any{"lifetime_minutes": -5}, bearerHeader(token)), http.StatusBadRequest)
	assert.Contains(t, env.Errors, "lifetime_minutes")

	env = decode(t, e.do(http.MethodPost, "/v1/sso/shti/sessions", map[string]any{"lifetime_minutes": 30}, bearerHeader(token)), http.StatusCreated)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.WithinDuration(t, e.clock.Now().Add(30*time.Minute), out.Session.ExpiresAt, time.Second)
}

func TestExtendSession(t *testing.T) {
	e := newTestEnv(t)
	e.register("kiki", auth.RoleSahbandar)
	token := e.login("kiki")
	s := openSession(t, e, token, "sahbandar", http.StatusCreated).Session

	e.clock.Advance(10 * time.Minute)
	env := decode(t, e.do(http.MethodPost, "/v1/sso/sessions/"+s.ID+"/extend", map[string]int{"minutes": 600}, bearerHeader(token)), http.StatusOK)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, out.Session.ExpiresAt.After(s.ExpiresAt))
	assert.WithinDuration(t, e.clock.Now().Add(600*time.Minute), out.Session.ExpiresAt, time.Second)

	ext := e.entries(audit.ActionSessionExtend)
	require.Len(t, ext, 1)
	assert.Equal(t, s.ExpiresAt.Format(time.RFC3339), ext[0].OldValues["expires_at"])
}

func TestExtendSessionNotActive(t *testing.T) {
	e := newTestEnv(t)
	e.register("lina", auth.RoleSahbandar)
	token := e.login("lina")
	s := openSession(t, e, token, "sahbandar", http.StatusCreated).Session

	e.clock.Advance(481 * time.Minute)
	env := decode(t, e.do(http.MethodPost, "/v1/sso/sessions/"+s.ID+"/extend", nil, bearerHeader(token)), http.StatusConflict)
	assert.Equal(t, "session is not active", env.Error)
	assert.Empty(t, e.entries(audit.ActionSessionExtend))

	decode(t, e.do(http.MethodPost, "/v1/sso/sessions/unknown/extend", nil, bearerHeader(token)), http.StatusNotFound)
}

func TestExtendSessionOwnerOnly(t *testing.T) {
	e := newTestEnv(t)
	e.register("maya", auth.RoleSahbandar)
	e.register("nanda", auth.RoleSahbandar)
	s := openSession(t, e, e.login("maya"), "sahbandar", http.StatusCreated).Session

	decode(t, e.do(http.MethodPost, "/v1/sso/sessions/"+s.ID+"/extend", nil, bearerHeader(e.login("nanda"))), http.StatusNotFound)
}

func TestRevokeSession(t *testing.T) {
	e := newTestEnv(t)
	e.register("oki", auth.RoleSPB)
	token := e.login("oki")
	s := openSession(t, e, token, "spb", http.StatusCreated).Session

	env := decode(t, e.do(http.MethodDelete, "/v1/sso/sessions/"+s.ID, nil, bearerHeader(token)), http.StatusOK)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, session.StatusRevoked, out.Session.Status)

	rev := e.entries(audit.ActionSessionRevoke)
	require.Len(t, rev, 1)
	assert.Equal(t, "active", rev[0].OldValues["status"])
	assert.Equal(t, "revoked", rev[0].NewValues["status"])

	decode(t, e.do(http.MethodPost, "/v1/sso/sessions/"+s.ID+"/extend", nil, bearerHeader(token)), http.StatusConflict)

	again := openSession(t, e, token, "spb", http.StatusCreated)
	assert.NotEqual(t, s.ID, again.Session.ID)
}

func TestRevokeWinsOverUnrecordedExpiry(t *testing.T) {
	e := newTestEnv(t)
	e.register("oskar", auth.RoleSPB)
	token := e.login("oskar")
	s := openSession(t, e, token, "spb", http.StatusCreated).Session

	e.clock.Advance(481 * time.Minute)
	env := decode(t, e.do(http.MethodDelete, "/v1/sso/sessions/"+s.ID, nil, bearerHeader(token)), http.StatusOK)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, session.StatusRevoked, out.Session.Status)

	stored, err := e.sessions.Lookup(t.Context(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRevoked, stored.Status)

	rev := e.entries(audit.ActionSessionRevoke)
	require.Len(t, rev, 1)
	assert.Equal(t, "active", rev[0].OldValues["status"])
	assert.Equal(t, "revoked", rev[0].NewValues["status"])

	env = decode(t, e.do(http.MethodDelete, "/v1/sso/sessions/"+s.ID, nil, bearerHeader(token)), http.StatusOK)
	assert.Equal(t, "session already ended", env.Message)
	assert.Len(t, e.entries(audit.ActionSessionRevoke), 1, "no record when nothing changed")
}

func TestRevokeSessionByAdmin(t *testing.T) {
	e := newTestEnv(t)
	e.register("putri", auth.RoleSHTI)
	e.register("root", auth.RoleAdmin)
	e.register("rudi", auth.RoleSHTI)
	s := openSession(t, e, e.login("putri"), "shti", http.StatusCreated).Session

	decode(t, e.do(http.MethodDelete, "/v1/sso/sessions/"+s.ID, nil, bearerHeader(e.login("rudi"))), http.StatusForbidden)
	decode(t, e.do(http.MethodDelete, "/v1/sso/sessions/"+s.ID, nil, bearerHeader(e.login("root"))), http.StatusOK)

	got, err := e.sessions.Get(t.Context(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRevoked, got.Status)
}

func TestListSessionsShowsEffectiveStatus(t *testing.T) {
	e := newTestEnv(t)
	e.register("sinta", auth.RoleSahbandar, auth.RoleEPIT)
	token := e.login("sinta")
	openSession(t, e, token, "sahbandar", http.StatusCreated)
	e.clock.Advance(500 * time.Minute)
	openSession(t, e, token, "epit", http.StatusCreated)

	env := decode(t, e.get("/v1/sso/sessions", nil, bearerHeader(token)), http.StatusOK)
	var list []session.Session
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 2)
	status := map[string]session.Status{}
	for _, s := range list {
		status[s.Service] = s.Status
	}
	assert.Equal(t, session.StatusExpired, status["sahbandar"])
	assert.Equal(t, session.StatusActive, status["epit"])
}
