package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists delivery records.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Insert adds a new record. The ID must be unique.
	Insert(ctx context.Context, rec Record) error

	// Get returns the record with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Update replaces an existing record, or returns ErrNotFound.
	Update(ctx context.Context, rec Record) error

	// List returns records with the given status, oldest first.
	// A limit of zero or less returns all of them.
	List(ctx context.Context, status Status, limit int) ([]Record, error)

	// Stats counts records by status.
	Stats(ctx context.Context) (Stats, error)

	// DeleteAcknowledgedBefore removes acknowledged records acked before t.
	DeleteAcknowledgedBefore(ctx context.Context, t time.Time) (int64, error)
}

// MemoryStore keeps records in memory. Records are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return ErrNotFound
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, status Status, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, rec := range s.records {
		switch rec.Status {
		case StatusPending:
			st.Pending++
		case StatusAcknowledged:
			st.Acknowledged++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// DeleteAcknowledgedBefore implements Store.
func (s *MemoryStore) DeleteAcknowledgedBefore(_ context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.Status == StatusAcknowledged && rec.AckedAt != nil && rec.AckedAt.Before(t) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// cloneRecord copies the payload and acked time so callers cannot mutate stored state.
func cloneRecord(rec Record) Record {
	if rec.Payload != nil {
		p := make([]byte, len(rec.Payload))
		copy(p, rec.Payload)
		rec.Payload = p
	}
	if rec.AckedAt != nil {
		t := *rec.AckedAt
		rec.AckedAt = &t
	}
	return rec
}
