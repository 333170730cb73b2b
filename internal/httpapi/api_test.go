package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssoportal.id/internal/access"
	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/proxy"
	"ssoportal.id/internal/session"
)

const testPassword = "correct-horse-battery"

// flakyAudit fails appends while fail is set.
type flakyAudit struct {
	*audit.MemoryStore
	fail atomic.Bool
}

func (f *flakyAudit) Append(ctx context.Context, e *audit.Entry) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.MemoryStore.Append(ctx, e)
}

// flakySessions fails Transition once its budget is used up, while limited
// is set.
type flakySessions struct {
	*session.MemoryStore
	limited atomic.Bool
	budget  atomic.Int64
}

func (f *flakySessions) Transition(ctx context.Context, id string, from, to session.Status) (bool, error) {
	if f.limited.Load() && f.budget.Add(-1) < 0 {
		return false, errors.New("connection reset")
	}
	return f.MemoryStore.Transition(ctx, id, from, to)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// downstream is a fake port service that records what it receives.
type downstream struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (d *downstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	d.mu.Lock()
	d.requests = append(d.requests, r.Clone(context.Background()))
	d.bodies = append(d.bodies, string(body))
	d.mu.Unlock()

	switch r.URL.Path {
	case "/vessel_clearances/missing":
		w.WriteHeader(http.StatusNotFound)
	case "/vessel_clearances/broken":
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("pq: relation vessel_clearances does not exist"))
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path, "method": r.Method})
	}
}

func (d *downstream) last(t *testing.T) (*http.Request, string) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.requests, "downstream was not called")
	return d.requests[len(d.requests)-1], d.bodies[len(d.bodies)-1]
}

func (d *downstream) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type testEnv struct {
	*apiClient
	dir        *auth.Directory
	users      *auth.MemoryStore
	audit      *flakyAudit
	sessions   *session.Manager
	store      *flakySessions
	clock      *clock
	downstream *downstream
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	users := auth.NewMemoryStore()
	catalog, err := auth.NewCachedCatalog(users, time.Minute)
	require.NoError(t, err)
	require.NoError(t, catalog.Provision(ctx))
	dir, err := auth.NewDirectory(users, catalog)
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	auditStore := &flakyAudit{MemoryStore: audit.NewMemoryStore()}
	rec, err := audit.NewRecorder(auditStore)
	require.NoError(t, err)

	clk := &clock{now: time.Now().UTC()}
	sessStore := &flakySessions{MemoryStore: session.NewMemoryStore()}
	mgr, err := session.NewManager(sessStore, session.WithClock(clk.Now))
	require.NoError(t, err)
	gate, err := access.NewGate(rec, mgr, dir)
	require.NoError(t, err)

	ds := &downstream{}
	dsrv := httptest.NewServer(ds)
	t.Cleanup(dsrv.Close)
	endpoints := map[string]proxy.Endpoint{}
	for _, svc := range auth.DownstreamServices {
		endpoints[svc] = proxy.Endpoint{BaseURL: dsrv.URL, Timeout: 2 * time.Second}
	}
	caller, err := proxy.NewHTTPCaller(endpoints, dsrv.Client())
	require.NoError(t, err)
	adapter, err := proxy.NewAdapter(caller, rec)
	require.NoError(t, err)

	api, err := New(Deps{
		Directory:   dir,
		Tokens:      tokens,
		Sessions:    mgr,
		Gate:        gate,
		Proxy:       adapter,
		Operations:  proxy.DefaultCatalog(),
		Audit:       rec,
		ServiceURLs: map[string]string{auth.ServiceSahbandar: "https://sahbandar.example.id"},
		Version:     "test",
	}, Options{RateBurst: 1000, RatePerSec: 1000})
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		apiClient:  &apiClient{baseURL: srv.URL, client: srv.Client(), t: t},
		dir:        dir,
		users:      users,
		audit:      auditStore,
		sessions:   mgr,
		store:      sessStore,
		clock:      clk,
		downstream: ds,
	}
}

func (e *testEnv) register(username string, roles ...string) auth.User {
	e.t.Helper()
	u, err := e.dir.Register(context.Background(), auth.Registration{
		Username:   username,
		Email:      username + "@ports.example.id",
		FullName:   "Officer " + username,
		Department: auth.DepartmentSahbandar,
		Password:   testPassword,
		Roles:      roles,
	})
	require.NoError(e.t, err)
	return u
}

// login registers nothing; it only exchanges credentials for a token.
func (e *testEnv) login(username string) string {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/v1/auth/login", map[string]string{"login": username, "password": testPassword}, nil)
	env := decode(e.t, resp, http.StatusOK)
	var data loginResponse
	require.NoError(e.t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(e.t, data.Token)
	return data.Token
}

func (e *testEnv) entries(action audit.Action) []audit.Entry {
	e.t.Helper()
	list, err := audit.FilterByAction(context.Background(), e.audit, action, audit.MaxLimit)
	require.NoError(e.t, err)
	return list
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

type testEnvelope struct {
	Success   bool              `json:"success"`
	Data      json.RawMessage   `json:"data"`
	Message   string            `json:"message"`
	Error     string            `json:"error"`
	Errors    map[string]string `json:"errors"`
	RequestID string            `json:"request_id"`
}

func decode(t *testing.T, resp *http.Response, wantStatus int) testEnvelope {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equalf(t, wantStatus, resp.StatusCode, "body: %s", raw)
	var env testEnvelope
	require.NoError(t, json.Unmarshal(raw, &env), "body: %s", raw)
	return env
}

func TestHealthAndInfo(t *testing.T) {
	e := newTestEnv(t)

	env := decode(t, e.get("/healthz", nil, nil), http.StatusOK)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"status":"ok","service":"ssoportal","version":"test"}`, string(env.Data))

	resp := e.get("/readyz", nil, map[string]string{"X-Request-ID": "rid-1"})
	assert.Equal(t, "rid-1", resp.Header.Get("X-Request-ID"))
	env = decode(t, resp, http.StatusOK)
	assert.Equal(t, "rid-1", env.RequestID)

	env = decode(t, e.get("/v1/info", nil, nil), http.StatusOK)
	var info map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "ssoportal", info["name"])
	assert.Len(t, info["services"], 4)
}

type failingPing struct{}

func (failingPing) Ping(context.Context) error { return errors.New("db down") }

func TestReadyProbeReportsFirstFailure(t *testing.T) {
	rp := ReadyProbe{Checks: []Pinger{nil, failingPing{}}}
	assert.EqualError(t, rp.Check(context.Background()), "db down")
	assert.NoError(t, ReadyProbe{}.Check(context.Background()))
}

func TestLoginIssuesTokenAndAudits(t *testing.T) {
	e := newTestEnv(t)
	u := e.register("budi", auth.RoleSahbandar)

	resp := e.do(http.MethodPost, "/v1/auth/login", map[string]string{"login": "budi", "password": testPassword}, nil)
	env := decode(t, resp, http.StatusOK)
	var data loginResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data.Token)
	assert.Equal(t, u.ID, data.User.ID)
	assert.Equal(t, []string{"sahbandar"}, data.Services)
	assert.Contains(t, data.Permissions, "manage sahbandar")

	logins := e.entries(audit.ActionLogin)
	require.Len(t, logins, 1)
	require.NotNil(t, logins[0].UserID)
	assert.Equal(t, u.ID, *logins[0].UserID)
	assert.NotEmpty(t, logins[0].IPAddress)
	assert.NotEmpty(t, logins[0].RequestID)
}

func TestLoginFailures(t *testing.T) {
	e := newTestEnv(t)
	u := e.register("sari", auth.RoleSPB)

	env := decode(t, e.do(http.MethodPost, "/v1/auth/login", map[string]string{"login": "sari", "password": "nope-nope"}, nil), http.StatusUnauthorized)
	assert.Equal(t, "invalid credentials", env.Error)

	env = decode(t, e.do(http.MethodPost, "/v1/auth/login", map[string]string{"login": "ghost", "password": testPassword}, nil), http.StatusUnauthorized)
	assert.Equal(t, "invalid credentials", env.Error)

	_, _, err := e.dir.SetStatus(context.Background(), u.ID, auth.UserStatusSuspended)
	require.NoError(t, err)
	env = decode(t, e.do(http.MethodPost, "/v1/auth/login", map[string]string{"login": "sari", "password": testPassword}, nil), http.StatusUnauthorized)
	assert.Equal(t, "account is not active", env.Error)

	failed := e.entries(audit.ActionLoginFailed)
	require.Len(t, failed, 3)
	for _, f := range failed {
		assert.Equal(t, audit.SeverityWarning, f.Severity)
	}
	assert.Equal(t, "user_inactive", failed[0].NewValues["reason"])
	assert.Empty(t, e.entries(audit.ActionLogin))
}

func TestLoginValidation(t *testing.T) {
	e := newTestEnv(t)

	env := decode(t, e.do(http.MethodPost, "/v1/auth/login", map[string]string{"login": ""}, nil), http.StatusBadRequest)
	assert.Equal(t, "validation failed", env.Error)
	assert.Equal(t, "is required", env.Errors["login"])
	assert.Equal(t, "is required", env.Errors["password"])

	env = decode(t, e.do(http.MethodPost, "/v1/auth/login", map[string]any{"login": "a", "password": "b", "extra": 1}, nil), http.StatusBadRequest)
	assert.Contains(t, env.Error, "unknown field")
}

func TestLoginFailsWhenAuditUnavailable(t *testing.T) {
	e := newTestEnv(t)
	e.register("tono", auth.RoleUser)
	e.audit.fail.Store(true)

	env := decode(t, e.do(http.MethodPost, "/v1/auth/login", map[string]string{"login": "tono", "password": testPassword}, nil), http.StatusInternalServerError)
	assert.Equal(t, "audit log unavailable", env.Error)
	assert.Empty(t, env.Data)
}

func TestMeRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	e.register("dewi", auth.RoleUser)

	env := decode(t, e.get("/v1/me", nil, nil), http.StatusUnauthorized)
	assert.Equal(t, "authorization header is required", env.Error)
	decode(t, e.get("/v1/me", nil, bearerHeader("garbage")), http.StatusUnauthorized)

	token := e.login("dewi")
	env = decode(t, e.get("/v1/me", nil, bearerHeader(token)), http.StatusOK)
	var me meResponse
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, "dewi", me.User.Username)
	assert.ElementsMatch(t, auth.DownstreamServices, me.Services)
}

func TestMeReflectsRoleChangesImmediately(t *testing.T) {
	e := newTestEnv(t)
	u := e.register("eko", auth.RoleUser)
	token := e.login("eko")

	_, _, err := e.dir.AssignRoles(context.Background(), u.ID, []string{auth.RoleEPIT})
	require.NoError(t, err)

	env := decode(t, e.get("/v1/me", nil, bearerHeader(token)), http.StatusOK)
	var me meResponse
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, []string{"epit"}, me.Services)
}

func TestLogoutRevokesEverySession(t *testing.T) {
	e := newTestEnv(t)
	u := e.register("fajar", auth.RoleSahbandar, auth.RoleSPB)
	token := e.login("fajar")

	decode(t, e.do(http.MethodPost, "/v1/sso/sahbandar/sessions", nil, bearerHeader(token)), http.StatusCreated)
	decode(t, e.do(http.MethodPost, "/v1/sso/spb/sessions", nil, bearerHeader(token)), http.StatusCreated)

	env := decode(t, e.do(http.MethodPost, "/v1/auth/logout", nil, bearerHeader(token)), http.StatusOK)
	assert.JSONEq(t, `{"revoked_sessions":2}`, string(env.Data))

	list, err := e.sessions.ForUser(context.Background(), u.ID)
	require.NoError(t, err)
	for _, s := range list {
		assert.Equal(t, session.StatusRevoked, s.Status)
	}
	logout := e.entries(audit.ActionLogout)
	require.Len(t, logout, 1)
	assert.EqualValues(t, 2, logout[0].NewValues["revoked_sessions"])
}

func TestLogoutRecordsPartialRevocation(t *testing.T) {
	e := newTestEnv(t)
	e.register("galih", auth.RoleSahbandar, auth.RoleSPB)
	token := e.login("galih")
	decode(t, e.do(http.MethodPost, "/v1/sso/sahbandar/sessions", nil, bearerHeader(token)), http.StatusCreated)
	decode(t, e.do(http.MethodPost, "/v1/sso/spb/sessions", nil, bearerHeader(token)), http.StatusCreated)

	e.store.budget.Store(1)
	e.store.limited.Store(true)
	decode(t, e.do(http.MethodPost, "/v1/auth/logout", nil, bearerHeader(token)), http.StatusInternalServerError)

	logout := e.entries(audit.ActionLogout)
	require.Len(t, logout, 1)
	assert.EqualValues(t, 1, logout[0].NewValues["revoked_sessions"])
	assert.Equal(t, "connection reset", logout[0].NewValues["error"])
	assert.Equal(t, audit.SeverityError, logout[0].Severity)
}

func TestUnknownRoute(t *testing.T) {
	e := newTestEnv(t)
	env := decode(t, e.get("/nope", nil, nil), http.StatusNotFound)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.RequestID)
}
