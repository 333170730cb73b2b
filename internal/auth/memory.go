package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process UserStore and RoleSource.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
	roles map[string]Role
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User), roles: make(map[string]Role)}
}

func (m *MemoryStore) CreateUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.ID == u.ID || strings.EqualFold(existing.Username, u.Username) || strings.EqualFold(existing.Email, u.Email) {
			return User{}, ErrConflict
		}
	}
	u.Roles = append([]string(nil), u.Roles...)
	m.users[u.ID] = u
	return cloneUser(u), nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) FindUserByLogin(_ context.Context, login string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, login) || strings.EqualFold(u.Email, login) {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateUserStatus(_ context.Context, id, status string, at time.Time) (User, error) {
	return m.update(id, func(u *User) {
		u.Status = status
		u.UpdatedAt = at
	})
}

func (m *MemoryStore) SetUserRoles(_ context.Context, id string, roles []string, at time.Time) (User, error) {
	return m.update(id, func(u *User) {
		u.Roles = append([]string(nil), roles...)
		u.UpdatedAt = at
	})
}

func (m *MemoryStore) RecordLogin(_ context.Context, id string, at time.Time) error {
	_, err := m.update(id, func(u *User) {
		t := at
		u.LastLoginAt = &t
	})
	return err
}

func (m *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpsertRole(_ context.Context, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role.Permissions = append([]Permission(nil), role.Permissions...)
	m.roles[role.Name] = role
	return nil
}

func (m *MemoryStore) update(id string, fn func(*User)) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	fn(&u)
	m.users[id] = u
	return cloneUser(u), nil
}

func cloneUser(u User) User {
	u.Roles = append([]string(nil), u.Roles...)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		u.LastLoginAt = &t
	}
	return u
}
