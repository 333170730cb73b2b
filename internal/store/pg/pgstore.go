// Package pg persists users, roles, sessions and audit entries in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

//go:embed schema.sql
var schemaSQL string

// Option tunes a Store.
type Option func(*Store)

// WithQueryTimeout bounds every statement issued by the store.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func Open(dsn string, pool PoolConfig, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 50
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 25
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 15 * time.Minute
	}
	if pool.ConnMaxIdleTime <= 0 {
		pool.ConnMaxIdleTime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity within the query timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Bootstrap creates missing tables and indexes. It never alters existing ones.
func (s *Store) Bootstrap(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// Sessions returns the session store view.
func (s *Store) Sessions() *SessionStore { return &SessionStore{s: s} }

// Audit returns the audit store view.
func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isCode(err error, code string) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == code
}

func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
