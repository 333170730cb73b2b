package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"ssoportal.id/internal/audit"
)

var _ audit.Store = (*AuditStore)(nil)

// AuditStore appends to audit_logs. It issues no update or delete.
type AuditStore struct {
	s *Store
}

func (a *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	oldJSON, err := marshalValues(e.OldValues)
	if err != nil {
		return fmt.Errorf("encode old values: %w", err)
	}
	newJSON, err := marshalValues(e.NewValues)
	if err != nil {
		return fmt.Errorf("encode new values: %w", err)
	}
	var userID sql.NullString
	if e.UserID != nil {
		userID = sql.NullString{String: *e.UserID, Valid: true}
	}

	ctx, cancel := a.s.bound(ctx)
	defer cancel()
	_, err = a.s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, resource_id, service, old_values, new_values,
			ip_address, user_agent, session_id, request_id, severity, description, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, userID, string(e.Action), e.ResourceID, e.Service, oldJSON, newJSON,
		e.IPAddress, e.UserAgent, e.SessionID, e.RequestID, string(e.Severity), e.Description, e.CreatedAt)
	return err
}

func (a *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	f = f.Normalized()
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Service != "" {
		add("service = $%d", f.Service)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	query := `select id, user_id, action, resource_id, service, old_values, new_values,
		ip_address, user_agent, session_id, request_id, severity, description, created_at
		from audit_logs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" order by created_at desc, id desc limit $%d", len(args))

	ctx, cancel := a.s.bound(ctx)
	defer cancel()
	rows, err := a.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			e                audit.Entry
			userID           sql.NullString
			action, severity string
			oldJSON, newJSON []byte
		)
		if err := rows.Scan(&e.ID, &userID, &action, &e.ResourceID, &e.Service, &oldJSON, &newJSON,
			&e.IPAddress, &e.UserAgent, &e.SessionID, &e.RequestID, &severity, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			u := userID.String
			e.UserID = &u
		}
		e.Action = audit.Action(action)
		e.Severity = audit.Severity(severity)
		if e.OldValues, err = unmarshalValues(oldJSON); err != nil {
			return nil, err
		}
		if e.NewValues, err = unmarshalValues(newJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalValues(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func unmarshalValues(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode audit values: %w", err)
	}
	return out, nil
}
