package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ssoportal.id/internal/auth"
)

var (
	_ auth.UserStore  = (*Store)(nil)
	_ auth.RoleSource = (*Store)(nil)
)

const userColumns = `
	u.id, u.username, u.email, u.full_name, u.department, u.status, u.password_hash,
	u.last_login_at, u.created_at, u.updated_at,
	coalesce((select string_agg(ur.role_name, ',' order by ur.role_name) from user_roles ur where ur.user_id = u.id), '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
		roles     string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Department, &u.Status, &u.PasswordHash,
		&lastLogin, &u.CreatedAt, &u.UpdatedAt, &roles); err != nil {
		return auth.User{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	u.Roles = splitList(roles)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into users (id, username, email, full_name, department, status, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Username, u.Email, u.FullName, u.Department, u.Status, u.PasswordHash, u.CreatedAt, u.UpdatedAt); err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return auth.User{}, auth.ErrConflict
		}
		return auth.User{}, err
	}
	if err := insertUserRoles(ctx, tx, u.ID, u.Roles); err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users u where u.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) FindUserByLogin(ctx context.Context, login string) (auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+` from users u
		where lower(u.username) = lower($1) or lower(u.email) = lower($1)
		limit 1
	`, login))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]auth.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users u order by u.username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserStatus(ctx context.Context, id, status string, at time.Time) (auth.User, error) {
	if err := s.touchUser(ctx, `update users set status = $2, updated_at = $3 where id = $1`, id, status, at); err != nil {
		return auth.User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return s.touchUser(ctx, `update users set last_login_at = $2 where id = $1`, id, at)
}

func (s *Store) SetUserRoles(ctx context.Context, id string, roles []string, at time.Time) (auth.User, error) {
	bctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(bctx, nil)
	if err != nil {
		return auth.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(bctx, `update users set updated_at = $2 where id = $1`, id, at)
	if err != nil {
		return auth.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.User{}, auth.ErrNotFound
	}
	if _, err := tx.ExecContext(bctx, `delete from user_roles where user_id = $1`, id); err != nil {
		return auth.User{}, err
	}
	if err := insertUserRoles(bctx, tx, id, roles); err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) touchUser(ctx context.Context, query string, args ...any) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func insertUserRoles(ctx context.Context, tx *sql.Tx, userID string, roles []string) error {
	for _, r := range roles {
		if _, err := tx.ExecContext(ctx, `insert into user_roles (user_id, role_name) values ($1, $2) on conflict do nothing`, userID, r); err != nil {
			if isCode(err, pgErrForeignKeyViolation) {
				return fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, r)
			}
			return err
		}
	}
	return nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select r.name, r.description, coalesce(rp.verb, ''), coalesce(rp.service, '')
		from roles r
		left join role_permissions rp on rp.role_name = r.name
		order by r.name, rp.service, rp.verb
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var name, desc, verb, service string
		if err := rows.Scan(&name, &desc, &verb, &service); err != nil {
			return nil, err
		}
		if len(roles) == 0 || roles[len(roles)-1].Name != name {
			roles = append(roles, auth.Role{Name: name, Description: desc})
		}
		if verb == "" {
			continue
		}
		p := auth.Permission{Verb: auth.Verb(verb), Service: service}
		if !p.Valid() {
			// unknown rows grant nothing
			continue
		}
		last := &roles[len(roles)-1]
		last.Permissions = append(last.Permissions, p)
	}
	return roles, rows.Err()
}

func (s *Store) UpsertRole(ctx context.Context, role auth.Role) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles (name, description) values ($1, $2)
		on conflict (name) do update set description = excluded.description
	`, role.Name, role.Description); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_name = $1`, role.Name); err != nil {
		return err
	}
	for _, p := range role.Permissions {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_name, verb, service) values ($1, $2, $3)
		`, role.Name, string(p.Verb), p.Service); err != nil {
			return err
		}
	}
	return tx.Commit()
}
