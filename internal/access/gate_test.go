package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/session"
)

type principalMap map[string]auth.Principal

func (m principalMap) Principal(_ context.Context, id string) (auth.Principal, error) {
	p, ok := m[id]
	if !ok {
		return auth.Principal{}, auth.ErrNotFound
	}
	return p, nil
}

type brokenAudit struct{}

func (brokenAudit) Append(context.Context, *audit.Entry) error {
	return errors.New("connection refused")
}
func (brokenAudit) Query(context.Context, audit.Filter) ([]audit.Entry, error) {
	return nil, nil
}

type fixture struct {
	gate     *Gate
	log      *audit.MemoryStore
	sessions *session.Manager
	now      time.Time
}

func principal(id, status string, roles ...string) auth.Principal {
	return auth.NewPrincipal(auth.User{ID: id, Status: status, Roles: roles}, auth.BuiltinCatalog())
}

func newFixture(t *testing.T, store audit.Store) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)}
	mgr, err := session.NewManager(session.NewMemoryStore(), session.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	rec, err := audit.NewRecorder(store)
	require.NoError(t, err)
	people := principalMap{
		"officer": principal("officer", auth.UserStatusActive, auth.RoleSahbandar),
		"viewer":  principal("viewer", auth.UserStatusActive, auth.RoleUser),
		"gone":    principal("gone", auth.UserStatusInactive, auth.RoleSuperAdmin),
	}
	gate, err := NewGate(rec, mgr, people)
	require.NoError(t, err)
	f.gate, f.sessions = gate, mgr
	if m, ok := store.(*audit.MemoryStore); ok {
		f.log = m
	}
	return f
}

func (f *fixture) lastEntry(t *testing.T) audit.Entry {
	t.Helper()
	entries, err := f.log.Query(context.Background(), audit.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestAuthorizeAllowAndDeny(t *testing.T) {
	f := newFixture(t, audit.NewMemoryStore())
	ctx := context.Background()
	perm := auth.Manage(auth.ServiceSahbandar)

	d, err := f.gate.Authorize(ctx, principal("officer", auth.UserStatusActive, auth.RoleSahbandar), perm,
		WithAction(audit.ActionCreateClearance))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())
	e := f.lastEntry(t)
	assert.Equal(t, audit.ActionCreateClearance, e.Action)
	assert.Equal(t, audit.SeverityInfo, e.Severity)
	assert.Equal(t, d.AuditID, e.ID)

	d, err = f.gate.Authorize(ctx, principal("viewer", auth.UserStatusActive, auth.RoleUser), perm,
		WithAction(audit.ActionCreateClearance))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientPermission, d.Reason)
	assert.ErrorIs(t, d.Err(), ErrDenied)
	e = f.lastEntry(t)
	assert.Equal(t, audit.SeverityWarning, e.Severity)
	assert.Equal(t, "insufficient_permission", e.NewValues["reason"])
	require.NotNil(t, e.UserID)
	assert.Equal(t, "viewer", *e.UserID)

	d, err = f.gate.Authorize(ctx, principal("gone", auth.UserStatusInactive, auth.RoleSuperAdmin), perm)
	require.NoError(t, err)
	assert.Equal(t, ReasonUserInactive, d.Reason)
	assert.Equal(t, audit.ActionAuthorize, f.lastEntry(t).Action)

	assert.Equal(t, 3, f.log.Len(), "one record per call")
}

func TestAuthorizeFailsWhenAuditUnavailable(t *testing.T) {
	f := newFixture(t, brokenAudit{})
	_, err := f.gate.Authorize(context.Background(), principal("officer", auth.UserStatusActive, auth.RoleSahbandar),
		auth.Access(auth.ServiceSahbandar))
	assert.ErrorIs(t, err, audit.ErrUnavailable)
}

func TestAuthorizeSessionReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, audit.NewMemoryStore())

	live, _, err := f.sessions.Create(ctx, session.CreateParams{UserID: "officer", Service: auth.ServiceSahbandar})
	require.NoError(t, err)
	revoked, _, err := f.sessions.Create(ctx, session.CreateParams{UserID: "officer", Service: auth.ServiceSPB})
	require.NoError(t, err)
	_, err = f.sessions.Revoke(ctx, revoked.ID)
	require.NoError(t, err)
	short, _, err := f.sessions.Create(ctx, session.CreateParams{UserID: "viewer", Service: auth.ServiceEPIT, LifetimeMinutes: 1})
	require.NoError(t, err)
	inactive, _, err := f.sessions.Create(ctx, session.CreateParams{UserID: "gone", Service: auth.ServiceSHTI})
	require.NoError(t, err)
	orphan, _, err := f.sessions.Create(ctx, session.CreateParams{UserID: "deleted", Service: auth.ServiceSHTI})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)

	cases := []struct {
		name    string
		id      string
		service string
		perm    auth.Permission
		reason  Reason
	}{
		{"missing id", "", auth.ServiceSahbandar, auth.Access(auth.ServiceSahbandar), ReasonSessionInvalid},
		{"unknown", "nope", auth.ServiceSahbandar, auth.Access(auth.ServiceSahbandar), ReasonSessionInvalid},
		{"revoked", revoked.ID, auth.ServiceSPB, auth.Access(auth.ServiceSPB), ReasonSessionRevoked},
		{"expired", short.ID, auth.ServiceEPIT, auth.Access(auth.ServiceEPIT), ReasonSessionExpired},
		{"mismatch", live.ID, auth.ServiceSPB, auth.Access(auth.ServiceSPB), ReasonServiceMismatch},
		{"inactive user", inactive.ID, auth.ServiceSHTI, auth.Access(auth.ServiceSHTI), ReasonUserInactive},
		{"unknown owner", orphan.ID, auth.ServiceSHTI, auth.Access(auth.ServiceSHTI), ReasonSessionInvalid},
		{"allowed", live.ID, auth.ServiceSahbandar, auth.Manage(auth.ServiceSahbandar), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := f.log.Len()
			d, err := f.gate.AuthorizeSession(ctx, tc.id, tc.service, tc.perm)
			require.NoError(t, err)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.reason == "", d.Allowed)
			assert.Equal(t, before+1, f.log.Len())
			if tc.id != "" {
				assert.Equal(t, tc.id, f.lastEntry(t).SessionID)
			}
		})
	}
}

func TestAuthorizeSessionTouchesOnAllow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, audit.NewMemoryStore())
	s, _, err := f.sessions.Create(ctx, session.CreateParams{UserID: "officer", Service: auth.ServiceSahbandar})
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	d, err := f.gate.AuthorizeSession(ctx, s.ID, auth.ServiceSahbandar, auth.Access(auth.ServiceSahbandar))
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NotNil(t, d.Session)
	assert.Equal(t, f.now, d.Session.LastActivity)
	assert.Equal(t, "officer", d.Principal.User.ID)
}
