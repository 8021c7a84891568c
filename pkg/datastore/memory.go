package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/rendezvous/pkg/model"
)

// MemoryStore provides an in-memory CredentialStore for tests and for
// servers run without a database file. It mirrors SQLite validation.
type MemoryStore struct {
	mu     sync.RWMutex
	now    func() time.Time
	creds  map[string]model.Credential
	closed bool
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:   now,
		creds: make(map[string]model.Credential),
	}
}

// Close marks the store closed; later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, cred model.Credential) (bool, error) {
	if err := model.ValidateUsername(cred.Username); err != nil {
		return false, fmt.Errorf("datastore: insert credential: %w", err)
	}
	if cred.Hash == "" {
		return false, fmt.Errorf("datastore: insert credential: empty hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, exists := s.creds[cred.Username]; exists {
		return false, nil
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now()
	}
	cred.CreatedAt = cred.CreatedAt.UTC().Truncate(time.Second)
	s.creds[cred.Username] = cred
	return true, nil
}

func (s *MemoryStore) Exists(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.creds[username]
	return ok, nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]model.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
