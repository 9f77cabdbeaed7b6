// Package memstore provides an in-memory implementation of violation.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/roadwatch/internal/violation"
)

// Store holds records and processed hashes in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records []violation.Record
	seen    map[string]struct{} // processed image hashes
	nextID  int64
	closed  bool
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{seen: make(map[string]struct{})}
}

// Has reports whether hash has been recorded as processed.
func (s *Store) Has(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, violation.Persist("has", errClosed)
	}
	_, ok := s.seen[hash]
	return ok, nil
}

// Record marks hash as processed. Recording an existing hash is a no-op.
func (s *Store) Record(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return violation.Persist("record", errClosed)
	}
	s.seen[hash] = struct{}{}
	return nil
}

// Insert stores a copy of r and assigns its ID.
func (s *Store) Insert(_ context.Context, r *violation.Record) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, violation.Persist("insert", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, violation.Persist("insert", errClosed)
	}
	s.nextID++
	r.ID = s.nextID
	s.records = append(s.records, cloneRecord(r))
	return r.ID, nil
}

// ListRecent returns copies of the newest records first.
func (s *Store) ListRecent(_ context.Context, limit int) ([]violation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, violation.Persist("list", errClosed)
	}
	if limit <= 0 {
		limit = violation.DefaultListLimit
	}
	n := min(limit, len(s.records))
	out := make([]violation.Record, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, cloneRecord(&s.records[i]))
	}
	return out, nil
}

// Close marks the store closed; later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneRecord(r *violation.Record) violation.Record {
	cp := *r
	if r.Latitude != nil {
		lat := *r.Latitude
		cp.Latitude = &lat
	}
	if r.Longitude != nil {
		lon := *r.Longitude
		cp.Longitude = &lon
	}
	return cp
}
