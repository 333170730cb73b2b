package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ssoportal.id/internal/auth"
	"ssoportal.id/internal/ids"
	"ssoportal.id/internal/obs"
)

// Store persists entries. Implementations never update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// Recorder turns events into persisted entries.
type Recorder struct {
	store Store
	now   func() time.Time
}

func NewRecorder(store Store, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record appends one entry and returns its id. Any store failure is
// returned wrapped in ErrUnavailable and the caller must abort.
func (r *Recorder) Record(ctx context.Context, ev Event) (string, error) {
	if !ev.Action.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, ev.Action)
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if !ev.Severity.Valid() {
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, ev.Severity)
	}

	meta := auth.MetaFromContext(ctx)
	e := &Entry{
		ID:          ids.New(),
		Action:      ev.Action,
		ResourceID:  ev.ResourceID,
		Service:     ev.Service,
		OldValues:   ev.OldValues,
		NewValues:   ev.NewValues,
		IPAddress:   meta.ClientIP,
		UserAgent:   meta.UserAgent,
		SessionID:   meta.SessionID,
		RequestID:   meta.RequestID,
		Severity:    ev.Severity,
		Description: ev.Description,
		CreatedAt:   r.now().UTC(),
	}
	userID := ev.UserID
	if userID == "" {
		userID = meta.UserID
	}
	if userID != "" {
		e.UserID = &userID
	}

	if err := r.store.Append(ctx, e); err != nil {
		obs.From(ctx).Error("audit append failed", zap.String("action", string(e.Action)), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// shared logger: the line carries the record's own identity fields
	obs.L().Info("audit",
		zap.String("type", "audit"),
		zap.String("audit_id", e.ID),
		zap.String("action", string(e.Action)),
		zap.String("severity", string(e.Severity)),
		zap.String("user_id", userID),
		zap.String("service", e.Service),
		zap.String("resource_id", e.ResourceID),
		zap.String("session_id", e.SessionID),
		zap.String("request_id", e.RequestID),
		zap.String("ip_address", e.IPAddress),
	)
	return e.ID, nil
}

// Store exposes the underlying store for queries.
func (r *Recorder) Store() Store { return r.store }
