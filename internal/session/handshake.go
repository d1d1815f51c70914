package session

import (
	"context"
	"sync"
	"time"

	"github.com/arklim/ipc-gateway/internal/core/port"
)

// memoryHandshakeStore is the in-process fallback for the pre-auth origin
// throttle, used when no Redis backing is configured.
type memoryHandshakeStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newMemoryHandshakeStore() *memoryHandshakeStore {
	return &memoryHandshakeStore{attempts: make(map[string][]time.Time)}
}

func (s *memoryHandshakeStore) TrimWindow(_ context.Context, identifier string, window time.Duration, reference time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := reference.Add(-window)
	kept := s.attempts[identifier][:0]
	for _, ts := range s.attempts[identifier] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(s.attempts, identifier)
		return nil
	}
	s.attempts[identifier] = kept
	return nil
}

func (s *memoryHandshakeStore) CountAttempts(_ context.Context, identifier string, window time.Duration, reference time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := reference.Add(-window)
	count := 0
	for _, ts := range s.attempts[identifier] {
		if ts.After(cutoff) && !ts.After(reference) {
			count++
		}
	}
	return count, nil
}

func (s *memoryHandshakeStore) RecordAttempt(_ context.Context, identifier string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[identifier] = append(s.attempts[identifier], at)
	return nil
}

func (s *memoryHandshakeStore) OldestAttempt(_ context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := reference.Add(-window)
	for _, ts := range s.attempts[identifier] {
		if ts.After(cutoff) && !ts.After(reference) {
			return ts, true, nil
		}
	}
	return time.Time{}, false, nil
}

var _ port.HandshakeLimitStore = (*memoryHandshakeStore)(nil)
