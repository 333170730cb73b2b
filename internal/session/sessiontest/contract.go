// Package sessiontest holds behaviour checks shared by every session.Store.
package sessiontest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssoportal.id/internal/ids"
	"ssoportal.id/internal/session"
)

// NewSession returns an active candidate for (user, service) at now.
func NewSession(t *testing.T, user, service string, now time.Time, lifetime time.Duration) session.Session {
	t.Helper()
	tok, err := ids.Token()
	require.NoError(t, err)
	return session.Session{
		ID:           tok,
		UserID:       user,
		Service:      service,
		LastActivity: now,
		ExpiresAt:    now.Add(lifetime),
		Status:       session.StatusActive,
		CreatedAt:    now,
	}
}

// RunStoreContract exercises store against the session.Store contract.
// newStore must return an empty store.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) session.Store) {
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("create then reuse", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		first, created, err := s.CreateOrReuse(ctx, NewSession(t, "u1", "spb", base, time.Hour), base)
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := s.CreateOrReuse(ctx, NewSession(t, "u1", "spb", base, time.Hour), base.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)

		other, created, err := s.CreateOrReuse(ctx, NewSession(t, "u1", "epit", base, time.Hour), base)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("expired session is not reused", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		old, _, err := s.CreateOrReuse(ctx, NewSession(t, "u1", "spb", base, time.Hour), base)
		require.NoError(t, err)

		later := base.Add(2 * time.Hour)
		fresh, created, err := s.CreateOrReuse(ctx, NewSession(t, "u1", "spb", later, time.Hour), later)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, old.ID, fresh.ID)

		got, err := s.Get(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusExpired, got.Status)
	})

	t.Run("concurrent create yields one session", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		const workers = 16
		results := make([]string, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got, _, err := s.CreateOrReuse(ctx, NewSession(t, "u2", "shti", base, time.Hour), base)
				if assert.NoError(t, err) {
					results[i] = got.ID
				}
			}(i)
		}
		wg.Wait()
		for _, id := range results {
			assert.Equal(t, results[0], id)
		}
		list, err := s.ListByUserService(ctx, "u2", "shti")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("transition is compare and set", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		sess, _, err := s.CreateOrReuse(ctx, NewSession(t, "u1", "spb", base, time.Hour), base)
		require.NoError(t, err)

		moved, err := s.Transition(ctx, sess.ID, session.StatusActive, session.StatusRevoked)
		require.NoError(t, err)
		assert.True(t, moved)

		moved, err = s.Transition(ctx, sess.ID, session.StatusActive, session.StatusExpired)
		require.NoError(t, err)
		assert.False(t, moved)

		got, err := s.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusRevoked, got.Status)

		_, err = s.Transition(ctx, "missing", session.StatusActive, session.StatusRevoked)
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("update activity only while live", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		sess, _, err := s.CreateOrReuse(ctx, NewSession(t, "u1", "spb", base, time.Hour), base)
		require.NoError(t, err)

		at := base.Add(10 * time.Minute)
		exp := base.Add(3 * time.Hour)
		got, err := s.UpdateActivity(ctx, sess.ID, at, &exp, at)
		require.NoError(t, err)
		assert.True(t, got.LastActivity.Equal(at))
		assert.True(t, got.ExpiresAt.Equal(exp))

		late := base.Add(4 * time.Hour)
		_, err = s.UpdateActivity(ctx, sess.ID, late, nil, late)
		assert.ErrorIs(t, err, session.ErrNotActive)

		_, err = s.UpdateActivity(ctx, "missing", at, nil, at)
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("list and purge", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, _, err := s.CreateOrReuse(ctx, NewSession(t, "u3", "spb", base, time.Hour), base)
		require.NoError(t, err)
		_, _, err = s.CreateOrReuse(ctx, NewSession(t, "u3", "epit", base, 48*time.Hour), base)
		require.NoError(t, err)

		all, err := s.ListByUser(ctx, "u3")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		n, err := s.Purge(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		all, err = s.ListByUser(ctx, "u3")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "epit", all[0].Service)
	})
}
