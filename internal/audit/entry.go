package audit

import (
	"errors"
	"time"
)

// Action is the closed vocabulary of audited operations.
type Action string

const (
	ActionLogin                 Action = "login"
	ActionLoginFailed           Action = "login_failed"
	ActionLogout                Action = "logout"
	ActionAccessService         Action = "access_service"
	ActionSessionCreate         Action = "session_create"
	ActionSessionExtend         Action = "session_extend"
	ActionSessionRevoke         Action = "session_revoke"
	ActionAuthorize             Action = "authorize"
	ActionProfileUpdate         Action = "profile_update"
	ActionUserCreate            Action = "user_create"
	ActionUserStatusChange      Action = "user_status_change"
	ActionRoleAssign            Action = "role_assign"
	ActionCreateClearance       Action = "create_clearance"
	ActionUpdateClearanceStatus Action = "update_clearance_status"
	ActionCreateRecord          Action = "create_record"
	ActionUpdateRecord          Action = "update_record"
	ActionDataSync              Action = "data_sync"
	ActionSecurityEvent         Action = "security_event"
)

var knownActions = map[Action]struct{}{
	ActionLogin: {}, ActionLoginFailed: {}, ActionLogout: {}, ActionAccessService: {},
	ActionSessionCreate: {}, ActionSessionExtend: {}, ActionSessionRevoke: {}, ActionAuthorize: {},
	ActionProfileUpdate: {}, ActionUserCreate: {}, ActionUserStatusChange: {}, ActionRoleAssign: {},
	ActionCreateClearance: {}, ActionUpdateClearanceStatus: {}, ActionCreateRecord: {}, ActionUpdateRecord: {}, ActionDataSync: {}, ActionSecurityEvent: {},
}

// Valid reports whether a is part of the vocabulary.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Severity grades an entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

var (
	// ErrUnavailable wraps any failure to persist an entry.
	ErrUnavailable  = errors.New("audit log unavailable")
	ErrInvalidEvent = errors.New("invalid audit event")
)

// Entry is one immutable audit record.
type Entry struct {
	ID          string         `json:"id"`
	UserID      *string        `json:"user_id,omitempty"`
	Action      Action         `json:"action"`
	ResourceID  string         `json:"resource_id,omitempty"`
	Service     string         `json:"service,omitempty"`
	OldValues   map[string]any `json:"old_values,omitempty"`
	NewValues   map[string]any `json:"new_values,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Event is what callers supply. Network and session details come from the
// request context, never from here.
type Event struct {
	UserID      string
	Action      Action
	ResourceID  string
	Service     string
	OldValues   map[string]any
	NewValues   map[string]any
	Severity    Severity
	Description string
}
