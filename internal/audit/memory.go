package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

// Query returns matches most-recent-first.
func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	f = f.Normalized()
	m.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len reports the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
