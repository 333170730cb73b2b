package audit

import (
	"context"
	"time"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter narrows a query. Zero fields do not constrain.
type Filter struct {
	UserID   string
	Action   Action
	Service  string
	Severity Severity
	From     time.Time
	To       time.Time
	Limit    int
}

// Normalized clamps Limit into [1, MaxLimit], defaulting to DefaultLimit.
func (f Filter) Normalized() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	return f
}

// Match reports whether e satisfies every set field. From is inclusive, To exclusive.
func (f Filter) Match(e Entry) bool {
	if f.UserID != "" && (e.UserID == nil || *e.UserID != f.UserID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Service != "" && e.Service != f.Service {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

func FilterByAction(ctx context.Context, s Store, action Action, limit int) ([]Entry, error) {
	return s.Query(ctx, Filter{Action: action, Limit: limit})
}

func FilterByService(ctx context.Context, s Store, service string, limit int) ([]Entry, error) {
	return s.Query(ctx, Filter{Service: service, Limit: limit})
}

func FilterBySeverity(ctx context.Context, s Store, severity Severity, limit int) ([]Entry, error) {
	return s.Query(ctx, Filter{Severity: severity, Limit: limit})
}

func FilterByDateRange(ctx context.Context, s Store, from, to time.Time, limit int) ([]Entry, error) {
	return s.Query(ctx, Filter{From: from, To: to, Limit: limit})
}
