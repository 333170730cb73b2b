package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ssoportal.id/internal/ids"
	"ssoportal.id/internal/obs"
)

const DefaultLifetime = 480 * time.Minute

// CreateParams describes a new session. Zero LifetimeMinutes means the
// configured default.
type CreateParams struct {
	UserID          string
	Service         string
	ServiceURL      string
	ClientIP        string
	UserAgent       string
	LifetimeMinutes int
	Data            json.RawMessage
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLifetime sets the default lifetime of new sessions.
func WithLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// WithExtension sets the default extension applied by Extend.
func WithExtension(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.extension = d
		}
	}
}

// Manager drives the session state machine over a Store.
type Manager struct {
	store     Store
	lifetime  time.Duration
	extension time.Duration
	now       func() time.Time
}

func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	m := &Manager{store: store, lifetime: DefaultLifetime, extension: DefaultLifetime, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Now returns the manager clock reading.
func (m *Manager) Now() time.Time { return m.now().UTC() }

// Create opens a session for (user, service) or returns the one that is
// already active. The bool reports whether a new session was written.
func (m *Manager) Create(ctx context.Context, p CreateParams) (Session, bool, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	p.Service = strings.TrimSpace(p.Service)
	if p.UserID == "" || p.Service == "" {
		return Session{}, false, fmt.Errorf("%w: user and service are required", ErrInvalidInput)
	}
	if p.LifetimeMinutes < 0 {
		return Session{}, false, fmt.Errorf("%w: lifetime must not be negative", ErrInvalidInput)
	}
	lifetime := m.lifetime
	if p.LifetimeMinutes > 0 {
		lifetime = time.Duration(p.LifetimeMinutes) * time.Minute
	}
	token, err := ids.Token()
	if err != nil {
		return Session{}, false, fmt.Errorf("generate session id: %w", err)
	}
	now := m.Now()
	candidate := Session{
		ID:           token,
		UserID:       p.UserID,
		Service:      p.Service,
		ServiceURL:   p.ServiceURL,
		ClientIP:     p.ClientIP,
		UserAgent:    p.UserAgent,
		LastActivity: now,
		ExpiresAt:    now.Add(lifetime),
		Status:       StatusActive,
		Data:         p.Data,
		CreatedAt:    now,
	}
	s, created, err := m.store.CreateOrReuse(ctx, candidate, now)
	if err != nil {
		return Session{}, false, err
	}
	if created {
		obs.ObserveSessionTransition(s.Service, string(StatusActive))
		obs.From(ctx).Debug("session created", zap.String("user_id", s.UserID), zap.String("service", s.Service))
	}
	return s, created, nil
}

// Get looks a session up by id. An active session past its expiry is
// reported, and persisted, as expired.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return m.settle(ctx, s), nil
}

// Lookup returns the session as stored, without persisting a lazy expiry.
// Callers that are about to revoke use it so revocation still wins over an
// expiry nobody has recorded yet.
func (m *Manager) Lookup(ctx context.Context, id string) (Session, error) {
	return m.store.Get(ctx, id)
}

// Touch refreshes last activity on an active session.
func (m *Manager) Touch(ctx context.Context, id string) (Session, error) {
	now := m.Now()
	s, err := m.store.UpdateActivity(ctx, id, now, nil, now)
	if errors.Is(err, ErrNotActive) {
		m.expireLazily(ctx, id)
	}
	return s, err
}

// Extend pushes the expiry of an active session forward. Zero minutes means
// the configured extension. The new expiry is now+minutes, or the current
// expiry plus minutes when that would not be later.
func (m *Manager) Extend(ctx context.Context, id string, minutes int) (Session, error) {
	if minutes < 0 {
		return Session{}, fmt.Errorf("%w: minutes must not be negative", ErrInvalidInput)
	}
	ext := m.extension
	if minutes > 0 {
		ext = time.Duration(minutes) * time.Minute
	}
	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	now := m.Now()
	if !IsActive(cur, now) {
		m.settle(ctx, cur)
		return Session{}, ErrNotActive
	}
	exp := now.Add(ext)
	if !exp.After(cur.ExpiresAt) {
		exp = cur.ExpiresAt.Add(ext)
	}
	s, err := m.store.UpdateActivity(ctx, id, now, &exp, now)
	if errors.Is(err, ErrNotActive) {
		m.expireLazily(ctx, id)
	}
	return s, err
}

// Expire moves an active session to expired. Sessions already in a
// terminal state are returned unchanged.
func (m *Manager) Expire(ctx context.Context, id string) (Session, error) {
	s, _, err := m.finish(ctx, id, StatusExpired)
	return s, err
}

// Revoke moves an active session to revoked, including one that is past its
// expiry but not yet marked expired. Terminal sessions are returned unchanged.
func (m *Manager) Revoke(ctx context.Context, id string) (Session, error) {
	s, _, err := m.finish(ctx, id, StatusRevoked)
	return s, err
}

// TryRevoke is Revoke that also reports whether this call made the
// transition.
func (m *Manager) TryRevoke(ctx context.Context, id string) (Session, bool, error) {
	return m.finish(ctx, id, StatusRevoked)
}

// ForUserService lists the user's sessions for one service with their
// effective status, newest first.
func (m *Manager) ForUserService(ctx context.Context, userID, service string) ([]Session, error) {
	list, err := m.store.ListByUserService(ctx, userID, service)
	if err != nil {
		return nil, err
	}
	return m.view(list), nil
}

// ForUser lists all of the user's sessions with their effective status.
func (m *Manager) ForUser(ctx context.Context, userID string) ([]Session, error) {
	list, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.view(list), nil
}

// RevokeForUserService revokes every live session of the user for service.
func (m *Manager) RevokeForUserService(ctx context.Context, userID, service string) (int, error) {
	list, err := m.store.ListByUserService(ctx, userID, service)
	if err != nil {
		return 0, err
	}
	return m.revokeAll(ctx, list)
}

// RevokeForUser revokes every live session of the user.
func (m *Manager) RevokeForUser(ctx context.Context, userID string) (int, error) {
	list, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return m.revokeAll(ctx, list)
}

func (m *Manager) revokeAll(ctx context.Context, list []Session) (int, error) {
	n := 0
	for _, s := range list {
		if s.Status != StatusActive {
			continue
		}
		moved, err := m.store.Transition(ctx, s.ID, StatusActive, StatusRevoked)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		if moved {
			n++
			obs.ObserveSessionTransition(s.Service, string(StatusRevoked))
		}
	}
	return n, nil
}

func (m *Manager) finish(ctx context.Context, id string, to Status) (Session, bool, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	if s.Status != StatusActive {
		return s, false, nil
	}
	moved, err := m.store.Transition(ctx, id, StatusActive, to)
	if err != nil {
		return Session{}, false, err
	}
	if !moved {
		// lost a race with another terminal transition
		s, err = m.store.Get(ctx, id)
		return s, false, err
	}
	obs.ObserveSessionTransition(s.Service, string(to))
	s.Status = to
	return s, true, nil
}

func (m *Manager) settle(ctx context.Context, s Session) Session {
	if s.Status == StatusActive && !IsActive(s, m.Now()) {
		m.expireLazily(ctx, s.ID)
		s.Status = StatusExpired
	}
	return s
}

// expireLazily persists an expiry that has already happened. Failures only
// cost a later retry since readers apply IsActive regardless.
func (m *Manager) expireLazily(ctx context.Context, id string) {
	s, err := m.store.Get(ctx, id)
	if err != nil || s.Status != StatusActive || IsActive(s, m.Now()) {
		return
	}
	moved, err := m.store.Transition(ctx, id, StatusActive, StatusExpired)
	if err != nil {
		obs.From(ctx).Warn("lazy session expiry failed", zap.Error(err))
		return
	}
	if moved {
		obs.ObserveSessionTransition(s.Service, string(StatusExpired))
	}
}

func (m *Manager) view(list []Session) []Session {
	now := m.Now()
	for i := range list {
		list[i].Status = list[i].EffectiveStatus(now)
	}
	return list
}
