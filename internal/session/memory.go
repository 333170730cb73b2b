package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store for tests and single-process deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) CreateOrReuse(_ context.Context, candidate Session, now time.Time) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UserID != candidate.UserID || s.Service != candidate.Service || s.Status != StatusActive {
			continue
		}
		if IsActive(s, now) {
			return clone(s), false, nil
		}
		s.Status = StatusExpired
		m.sessions[id] = s
	}
	m.sessions[candidate.ID] = clone(candidate)
	return clone(candidate), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) ListByUserService(_ context.Context, userID, service string) ([]Session, error) {
	return m.list(func(s Session) bool { return s.UserID == userID && s.Service == service }), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]Session, error) {
	return m.list(func(s Session) bool { return s.UserID == userID }), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	m.sessions[id] = s
	return true, nil
}

func (m *MemoryStore) UpdateActivity(_ context.Context, id string, lastActivity time.Time, expiresAt *time.Time, now time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !IsActive(s, now) {
		return Session{}, ErrNotActive
	}
	s.LastActivity = lastActivity
	if expiresAt != nil {
		s.ExpiresAt = *expiresAt
	}
	m.sessions[id] = s
	return clone(s), nil
}

func (m *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(olderThan) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) list(keep func(Session) bool) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func clone(s Session) Session {
	if s.Data != nil {
		s.Data = append([]byte(nil), s.Data...)
	}
	return s
}
