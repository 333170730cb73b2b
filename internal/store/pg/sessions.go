package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ssoportal.id/internal/session"
)

var _ session.Store = (*SessionStore)(nil)

// SessionStore keeps SSO sessions in sso_sessions.
type SessionStore struct {
	s *Store
}

const sessionColumns = `id, user_id, service, service_url, client_ip, user_agent, last_activity, expires_at, status, data, created_at`

func scanSession(row rowScanner) (session.Session, error) {
	var (
		out    session.Session
		status string
		data   []byte
	)
	if err := row.Scan(&out.ID, &out.UserID, &out.Service, &out.ServiceURL, &out.ClientIP, &out.UserAgent,
		&out.LastActivity, &out.ExpiresAt, &status, &data, &out.CreatedAt); err != nil {
		return session.Session{}, err
	}
	out.Status = session.Status(status)
	if len(data) > 0 {
		out.Data = data
	}
	return out, nil
}

// CreateOrReuse serialises concurrent creators of the same (user, service)
// on a transaction-scoped advisory lock. Statements after the lock run at
// read committed so they observe rows committed by the previous holder.
func (st *SessionStore) CreateOrReuse(ctx context.Context, c session.Session, now time.Time) (session.Session, bool, error) {
	ctx, cancel := st.s.bound(ctx)
	defer cancel()

	tx, err := st.s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return session.Session{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtextextended($1, 0))`, c.UserID+"/"+c.Service); err != nil {
		return session.Session{}, false, err
	}

	existing, err := scanSession(tx.QueryRowContext(ctx, `
		select `+sessionColumns+` from sso_sessions
		where user_id = $1 and service = $2 and status = 'active' and expires_at > $3
		order by created_at desc
		limit 1
	`, c.UserID, c.Service, now))
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return session.Session{}, false, err
		}
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return session.Session{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		update sso_sessions set status = 'expired'
		where user_id = $1 and service = $2 and status = 'active' and expires_at <= $3
	`, c.UserID, c.Service, now); err != nil {
		return session.Session{}, false, err
	}

	var data any
	if len(c.Data) > 0 {
		data = []byte(c.Data)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sso_sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.UserID, c.Service, c.ServiceURL, c.ClientIP, c.UserAgent,
		c.LastActivity, c.ExpiresAt, string(c.Status), data, c.CreatedAt); err != nil {
		return session.Session{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, false, err
	}
	return c, true, nil
}

func (st *SessionStore) Get(ctx context.Context, id string) (session.Session, error) {
	ctx, cancel := st.s.bound(ctx)
	defer cancel()
	out, err := scanSession(st.s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sso_sessions where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	return out, err
}

func (st *SessionStore) ListByUserService(ctx context.Context, userID, service string) ([]session.Session, error) {
	return st.list(ctx, `select `+sessionColumns+` from sso_sessions where user_id = $1 and service = $2 order by created_at desc`, userID, service)
}

func (st *SessionStore) ListByUser(ctx context.Context, userID string) ([]session.Session, error) {
	return st.list(ctx, `select `+sessionColumns+` from sso_sessions where user_id = $1 order by created_at desc`, userID)
}

func (st *SessionStore) list(ctx context.Context, query string, args ...any) ([]session.Session, error) {
	ctx, cancel := st.s.bound(ctx)
	defer cancel()
	rows, err := st.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]session.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (st *SessionStore) Transition(ctx context.Context, id string, from, to session.Status) (bool, error) {
	ctx, cancel := st.s.bound(ctx)
	defer cancel()
	res, err := st.s.db.ExecContext(ctx, `update sso_sessions set status = $3 where id = $1 and status = $2`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	return false, st.exists(ctx, id)
}

func (st *SessionStore) UpdateActivity(ctx context.Context, id string, lastActivity time.Time, expiresAt *time.Time, now time.Time) (session.Session, error) {
	ctx, cancel := st.s.bound(ctx)
	defer cancel()
	var exp sql.NullTime
	if expiresAt != nil {
		exp = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	out, err := scanSession(st.s.db.QueryRowContext(ctx, `
		update sso_sessions
		set last_activity = $2, expires_at = coalesce($3, expires_at)
		where id = $1 and status = 'active' and expires_at > $4
		returning `+sessionColumns,
		id, lastActivity, exp, now))
	if errors.Is(err, sql.ErrNoRows) {
		if err := st.exists(ctx, id); err != nil {
			return session.Session{}, err
		}
		return session.Session{}, session.ErrNotActive
	}
	return out, err
}

func (st *SessionStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := st.s.bound(ctx)
	defer cancel()
	res, err := st.s.db.ExecContext(ctx, `delete from sso_sessions where expires_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (st *SessionStore) exists(ctx context.Context, id string) error {
	var one int
	err := st.s.db.QueryRowContext(ctx, `select 1 from sso_sessions where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrNotFound
	}
	return err
}
