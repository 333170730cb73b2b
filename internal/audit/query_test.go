package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) (*MemoryStore, time.Time) {
	t.Helper()
	store := NewMemoryStore()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	user := "u1"
	rows := []Entry{
		{ID: "01", Action: ActionLogin, Severity: SeverityInfo, UserID: &user, CreatedAt: base},
		{ID: "02", Action: ActionAuthorize, Service: "spb", Severity: SeverityWarning, CreatedAt: base.Add(time.Hour)},
		{ID: "03", Action: ActionAuthorize, Service: "sahbandar", Severity: SeverityInfo, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "04", Action: ActionDataSync, Service: "spb", Severity: SeverityError, CreatedAt: base.Add(3 * time.Hour)},
	}
	for i := range rows {
		require.NoError(t, store.Append(context.Background(), &rows[i]))
	}
	return store, base
}

func entryIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestProjections(t *testing.T) {
	ctx := context.Background()
	store, base := seed(t)

	got, err := FilterByAction(ctx, store, ActionAuthorize, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"03", "02"}, entryIDs(got))

	got, err = FilterByService(ctx, store, "spb", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"04", "02"}, entryIDs(got))

	got, err = FilterBySeverity(ctx, store, SeverityInfo, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"03", "01"}, entryIDs(got))

	got, err = FilterByDateRange(ctx, store, base.Add(time.Hour), base.Add(3*time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"03", "02"}, entryIDs(got))

	got, err = store.Query(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"01"}, entryIDs(got))

	got, err = store.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"04", "03"}, entryIDs(got))
}

func TestFilterNormalized(t *testing.T) {
	assert.Equal(t, DefaultLimit, Filter{}.Normalized().Limit)
	assert.Equal(t, MaxLimit, Filter{Limit: 5000}.Normalized().Limit)
	assert.Equal(t, 7, Filter{Limit: 7}.Normalized().Limit)
}
