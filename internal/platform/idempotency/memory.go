package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Suitable for a single replica and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	rec, ok := s.records[id]
	if !ok || rec.expired(now) {
		rec = newPending(key, fingerprint, now.UTC(), ttlOrDefault(ttl))
		s.records[id] = rec
		return StateNew, rec, nil
	}
	if rec.Fingerprint != fingerprint {
		return 0, Record{}, ErrKeyReuse
	}
	if rec.Completed {
		return StateReplay, rec, nil
	}
	return StateInFlight, rec, nil
}

func (s *MemoryStore) Finish(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	rec, ok := s.records[id]
	if ok && rec.Fingerprint != fingerprint {
		return ErrKeyReuse
	}
	if !ok {
		rec = newPending(key, fingerprint, now.UTC(), ttlOrDefault(ttl))
	}
	rec.Completed = true
	rec.Response = Response{
		Status: resp.Status,
		Header: storableHeader(resp.Header),
		Body:   append([]byte(nil), resp.Body...),
	}
	rec.ExpiresAt = now.UTC().Add(ttlOrDefault(ttl))
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := documentID(key)
	if rec, ok := s.records[id]; ok && rec.Fingerprint == fingerprint && !rec.Completed {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if rec.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
