package presence

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-process Store: a mutex-guarded map with a change
// feed. It backs the presenced server and the test suites; single-binary
// deployments can use it directly.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]Record
	feed *Feed
	now  func() time.Time
}

// NewMemStore returns an empty in-memory presence table.
func NewMemStore() *MemStore {
	return &MemStore{
		rows: make(map[string]Record),
		feed: NewFeed(),
		now:  time.Now,
	}
}

func (s *MemStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := ChangeUpdate
	if _, ok := s.rows[rec.ID]; !ok {
		kind = ChangeInsert
	}
	s.rows[rec.ID] = rec
	s.feed.Publish(Change{Kind: kind, Record: rec})
	return nil
}

func (s *MemStore) UpdateFields(_ context.Context, id string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	f.apply(&rec)
	s.rows[id] = rec
	s.feed.Publish(Change{Kind: ChangeUpdate, Record: rec})
	return nil
}

func (s *MemStore) ClaimWaiting(_ context.Context, id string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusWaiting || rec.PartnerID != "" {
		return ErrConflict
	}
	f.apply(&rec)
	s.rows[id] = rec
	s.feed.Publish(Change{Kind: ChangeUpdate, Record: rec})
	return nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return nil
	}
	delete(s.rows, id)
	s.feed.Publish(Change{Kind: ChangeDelete, Record: Record{ID: id}})
	return nil
}

func (s *MemStore) QueryWaiting(_ context.Context, excluding string, maxAge time.Duration) ([]Record, error) {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for id, rec := range s.rows {
		if id == excluding || rec.Status != StatusWaiting || rec.PartnerID != "" {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, rec)
		if len(out) >= queryLimit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) QueryActive(_ context.Context, maxAge time.Duration) ([]Record, error) {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.rows {
		if maxAge > 0 && rec.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemStore) Subscribe() (<-chan Change, func()) {
	return s.feed.Subscribe()
}

func (s *MemStore) Close() error {
	s.feed.Close()
	return nil
}
