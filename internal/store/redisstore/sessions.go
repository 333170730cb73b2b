// Package redisstore keeps SSO sessions in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"ssoportal.id/internal/session"
)

const maxTxAttempts = 64

var (
	_ session.Store = (*SessionStore)(nil)

	errTxContention = errors.New("redis: too much contention on session keys")
)

// SessionStore keeps each session as a JSON value with secondary index sets
// per user and per (user, service), a pointer to the newest session of each
// (user, service) and a sorted set of expiries for purging.
type SessionStore struct {
	c       rdb.UniversalClient
	prefix  string
	timeout time.Duration

	// beforeCommit runs inside CreateOrReuse after the watched reads.
	beforeCommit func()
}

func New(c rdb.UniversalClient, prefix string, timeout time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SessionStore{c: c, prefix: prefix, timeout: timeout}
}

// Ping checks connectivity.
func (s *SessionStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.c.Ping(ctx).Err()
}

func (s *SessionStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *SessionStore) userKey(user string) string  { return s.prefix + "user:" + user }
func (s *SessionStore) pairKey(user, service string) string {
	return s.prefix + "user:" + user + ":svc:" + service
}
func (s *SessionStore) pointerKey(user, service string) string {
	return s.prefix + "current:" + user + ":" + service
}
func (s *SessionStore) expiryKey() string { return s.prefix + "expiry" }

func (s *SessionStore) CreateOrReuse(ctx context.Context, c session.Session, now time.Time) (session.Session, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(c)
	if err != nil {
		return session.Session{}, false, err
	}
	ptr := s.pointerKey(c.UserID, c.Service)

	var (
		result  session.Session
		created bool
	)
	err = s.watch(ctx, func(tx *rdb.Tx) error {
		var stale *session.Session
		curID, err := tx.Get(ctx, ptr).Result()
		switch {
		case errors.Is(err, rdb.Nil):
		case err != nil:
			return err
		default:
			if err := tx.Watch(ctx, s.sessionKey(curID)).Err(); err != nil {
				return err
			}
			cur, err := s.load(ctx, tx, curID)
			if err != nil && !errors.Is(err, session.ErrNotFound) {
				return err
			}
			if err == nil {
				if session.IsActive(cur, now) {
					result, created = cur, false
					return nil
				}
				if cur.Status == session.StatusActive {
					stale = &cur
				}
			}
		}

		if s.beforeCommit != nil {
			s.beforeCommit()
		}
		_, err = tx.TxPipelined(ctx, func(p rdb.Pipeliner) error {
			if stale != nil {
				stale.Status = session.StatusExpired
				if b, err := json.Marshal(stale); err == nil {
					p.Set(ctx, s.sessionKey(stale.ID), b, 0)
				}
			}
			p.Set(ctx, s.sessionKey(c.ID), payload, 0)
			p.Set(ctx, ptr, c.ID, 0)
			p.SAdd(ctx, s.userKey(c.UserID), c.ID)
			p.SAdd(ctx, s.pairKey(c.UserID, c.Service), c.ID)
			p.ZAdd(ctx, s.expiryKey(), rdb.Z{Score: float64(c.ExpiresAt.UnixMilli()), Member: c.ID})
			return nil
		})
		if err == nil {
			result, created = c, true
		}
		return err
	}, ptr)
	if err != nil {
		return session.Session{}, false, err
	}
	return result, created, nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.load(ctx, s.c, id)
}

func (s *SessionStore) ListByUserService(ctx context.Context, userID, service string) ([]session.Session, error) {
	return s.list(ctx, s.pairKey(userID, service))
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]session.Session, error) {
	return s.list(ctx, s.userKey(userID))
}

func (s *SessionStore) Transition(ctx context.Context, id string, from, to session.Status) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.sessionKey(id)
	moved := false
	err := s.watch(ctx, func(tx *rdb.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != from {
			moved = false
			return nil
		}
		cur.Status = to
		b, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p rdb.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			return nil
		})
		moved = err == nil
		return err
	}, key)
	return moved, err
}

func (s *SessionStore) UpdateActivity(ctx context.Context, id string, lastActivity time.Time, expiresAt *time.Time, now time.Time) (session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.sessionKey(id)
	var out session.Session
	err := s.watch(ctx, func(tx *rdb.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !session.IsActive(cur, now) {
			return session.ErrNotActive
		}
		cur.LastActivity = lastActivity
		if expiresAt != nil {
			cur.ExpiresAt = *expiresAt
		}
		b, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p rdb.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			if expiresAt != nil {
				p.ZAdd(ctx, s.expiryKey(), rdb.Z{Score: float64(expiresAt.UnixMilli()), Member: id})
			}
			return nil
		})
		if err == nil {
			out = cur
		}
		return err
	}, key)
	return out, err
}

func (s *SessionStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.c.ZRangeByScore(ctx, s.expiryKey(), &rdb.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		cur, err := s.load(ctx, s.c, id)
		switch {
		case errors.Is(err, session.ErrNotFound):
			s.c.ZRem(ctx, s.expiryKey(), id)
			continue
		case err != nil:
			return n, err
		}
		if !cur.ExpiresAt.Before(olderThan) {
			continue
		}
		_, err = s.c.TxPipelined(ctx, func(p rdb.Pipeliner) error {
			p.Del(ctx, s.sessionKey(id))
			p.SRem(ctx, s.userKey(cur.UserID), id)
			p.SRem(ctx, s.pairKey(cur.UserID, cur.Service), id)
			p.ZRem(ctx, s.expiryKey(), id)
			return nil
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type getter interface {
	Get(ctx context.Context, key string) *rdb.StringCmd
}

func (s *SessionStore) watch(ctx context.Context, fn func(*rdb.Tx) error, keys ...string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := s.c.Watch(ctx, fn, keys...)
		if !errors.Is(err, rdb.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Millisecond):
		}
	}
	return errTxContention
}

func (s *SessionStore) load(ctx context.Context, c getter, id string) (session.Session, error) {
	b, err := c.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	var out session.Session
	if err := json.Unmarshal(b, &out); err != nil {
		return session.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return out, nil
}

func (s *SessionStore) list(ctx context.Context, setKey string) ([]session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.c.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]session.Session, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	vals, err := s.c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
