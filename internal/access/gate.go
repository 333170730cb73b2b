// Package access is the single choke point that decides whether an action
// may proceed and records every decision in the audit log.
package access

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ssoportal.id/internal/audit"
	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/obs"
	"ssoportal.id/internal/session"
)

// Reason explains a deny.
type Reason string

const (
	ReasonUserInactive           Reason = "user_inactive"
	ReasonInsufficientPermission Reason = "insufficient_permission"
	ReasonSessionInvalid         Reason = "session_invalid"
	ReasonSessionExpired         Reason = "session_expired"
	ReasonSessionRevoked         Reason = "session_revoked"
	ReasonServiceMismatch        Reason = "service_mismatch"
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("access denied")

type DeniedError struct {
	Reason     Reason
	Permission auth.Permission
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s (%s)", e.Reason, e.Permission)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Decision is the outcome of one authorization.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Permission auth.Permission
	Principal  auth.Principal
	Session    *session.Session
	AuditID    string
}

// Err returns nil on allow and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason, Permission: d.Permission}
}

// Auditor appends audit entries.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) (string, error)
}

// Sessions is the part of session.Manager the gate needs.
type Sessions interface {
	Get(ctx context.Context, id string) (session.Session, error)
	Touch(ctx context.Context, id string) (session.Session, error)
}

// Principals resolves a user id into a principal.
type Principals interface {
	Principal(ctx context.Context, userID string) (auth.Principal, error)
}

// Option tags the audit record of a check.
type Option func(*check)

type check struct {
	action     audit.Action
	resourceID string
	details    map[string]any
}

// WithAction records the decision under action instead of "authorize".
func WithAction(a audit.Action) Option {
	return func(c *check) { c.action = a }
}

// WithResource names the resource the action targets.
func WithResource(id string) Option {
	return func(c *check) { c.resourceID = id }
}

// WithDetails adds fields to the audit record.
func WithDetails(details map[string]any) Option {
	return func(c *check) {
		for k, v := range details {
			c.details[k] = v
		}
	}
}

// Gate authorizes and audits.
type Gate struct {
	audit      Auditor
	sessions   Sessions
	principals Principals
}

func NewGate(auditor Auditor, sessions Sessions, principals Principals) (*Gate, error) {
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if principals == nil {
		return nil, errors.New("principal resolver is required")
	}
	return &Gate{audit: auditor, sessions: sessions, principals: principals}, nil
}

// Authorize decides whether principal holds perm. Exactly one audit record
// is written; if that fails the decision is discarded and the error returned.
func (g *Gate) Authorize(ctx context.Context, principal auth.Principal, perm auth.Permission, opts ...Option) (Decision, error) {
	c := newCheck(opts)
	d := evaluate(principal, perm)
	ctx = auth.UpdateMeta(ctx, func(m *auth.RequestMeta) { m.UserID = principal.User.ID })
	return g.finish(ctx, d, c)
}

// AuthorizeSession validates the session for service, resolves its owner and
// authorizes perm. On allow the session's last activity is refreshed.
func (g *Gate) AuthorizeSession(ctx context.Context, sessionID, service string, perm auth.Permission, opts ...Option) (Decision, error) {
	c := newCheck(opts)
	d := Decision{Permission: perm}
	ctx = auth.UpdateMeta(ctx, func(m *auth.RequestMeta) { m.SessionID = sessionID })

	if sessionID == "" {
		d.Reason = ReasonSessionInvalid
		return g.finish(ctx, d, c)
	}
	s, err := g.sessions.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		d.Reason = ReasonSessionInvalid
		return g.finish(ctx, d, c)
	case err != nil:
		return Decision{}, err
	}
	d.Session = &s
	ctx = auth.UpdateMeta(ctx, func(m *auth.RequestMeta) { m.UserID = s.UserID })

	switch {
	case s.Status == session.StatusRevoked:
		d.Reason = ReasonSessionRevoked
	case s.Status != session.StatusActive:
		d.Reason = ReasonSessionExpired
	case s.Service != service:
		d.Reason = ReasonServiceMismatch
	}
	if d.Reason != "" {
		return g.finish(ctx, d, c)
	}

	principal, err := g.principals.Principal(ctx, s.UserID)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		d.Reason = ReasonSessionInvalid
		return g.finish(ctx, d, c)
	case err != nil:
		return Decision{}, err
	}
	d = evaluate(principal, perm)
	d.Session = &s

	if d.Allowed {
		touched, err := g.sessions.Touch(ctx, s.ID)
		switch {
		case errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrNotFound):
			d.Allowed = false
			d.Reason = ReasonSessionExpired
		case err != nil:
			return Decision{}, err
		default:
			d.Session = &touched
		}
	}
	return g.finish(ctx, d, c)
}

func evaluate(principal auth.Principal, perm auth.Permission) Decision {
	d := Decision{Permission: perm, Principal: principal}
	switch {
	case !principal.User.Active():
		d.Reason = ReasonUserInactive
	case !principal.HasPermission(perm):
		d.Reason = ReasonInsufficientPermission
	default:
		d.Allowed = true
	}
	return d
}

func (g *Gate) finish(ctx context.Context, d Decision, c check) (Decision, error) {
	outcome := "allow"
	severity := audit.SeverityInfo
	desc := "authorized " + d.Permission.String()
	if !d.Allowed {
		outcome = "deny"
		severity = audit.SeverityWarning
		desc = fmt.Sprintf("denied %s: %s", d.Permission, d.Reason)
	}
	values := map[string]any{
		"outcome":    outcome,
		"permission": d.Permission.String(),
	}
	if d.Reason != "" {
		values["reason"] = string(d.Reason)
	}
	for k, v := range c.details {
		values[k] = v
	}

	id, err := g.audit.Record(ctx, audit.Event{
		Action:      c.action,
		ResourceID:  c.resourceID,
		Service:     d.Permission.Service,
		NewValues:   values,
		Severity:    severity,
		Description: desc,
	})
	if err != nil {
		return Decision{}, err
	}
	d.AuditID = id
	obs.ObserveAuthorize(outcome, string(d.Reason))
	if !d.Allowed {
		obs.From(ctx).Info("access denied",
			zap.String("permission", d.Permission.String()),
			zap.String("reason", string(d.Reason)))
	}
	return d, nil
}

func newCheck(opts []Option) check {
	c := check{action: audit.ActionAuthorize, details: map[string]any{}}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
