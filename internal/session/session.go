// Package session implements per-service SSO sessions with lazy expiry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status of a session. Expired and revoked are terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrNotActive    = errors.New("session is not active")
	ErrInvalidInput = errors.New("invalid session input")
)

// Session is one authenticated grant scoped to a single downstream service.
type Session struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Service      string          `json:"service"`
	ServiceURL   string          `json:"service_url,omitempty"`
	ClientIP     string          `json:"client_ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Status       Status          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsActive is the only liveness test: stored status is active and the
// expiry is still ahead of now.
func IsActive(s Session, now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}

// EffectiveStatus reports the status a reader should observe at now,
// whether or not the expiry has been persisted.
func (s Session) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

// Store persists sessions. Transition is a compare-and-set and reports
// whether the row moved; UpdateActivity must fail with ErrNotActive unless
// the session is active and unexpired at now.
type Store interface {
	CreateOrReuse(ctx context.Context, candidate Session, now time.Time) (Session, bool, error)
	Get(ctx context.Context, id string) (Session, error)
	ListByUserService(ctx context.Context, userID, service string) ([]Session, error)
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	Transition(ctx context.Context, id string, from, to Status) (bool, error)
	UpdateActivity(ctx context.Context, id string, lastActivity time.Time, expiresAt *time.Time, now time.Time) (Session, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
