package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrInvalidState rejects a callback whose state token is unknown, expired,
// or already consumed.
var ErrInvalidState = errors.New("invalid or expired state token")

// stateTTL bounds how long a login redirect may sit before the callback.
const stateTTL = 10 * time.Minute

// StateEntry binds one pending OAuth flow to its provider and, for
// connect-a-service flows, the already-authenticated user.
type StateEntry struct {
	Provider  string
	UserID    string // empty for primary-provider login
	CreatedAt time.Time
}

// StateStore issues single-use CSRF state tokens for the OAuth redirect
// dance. Consume rejects anything it did not issue.
type StateStore interface {
	Issue(entry StateEntry) (string, error)
	Consume(state string) (*StateEntry, error)
}

// memoryStateStore keeps pending states in memory. Entries are single-use
// and lazily expired.
type memoryStateStore struct {
	mu      sync.Mutex
	pending map[string]StateEntry
	now     func() time.Time
}

// NewStateStore creates an in-memory state store.
func NewStateStore() StateStore {
	return &memoryStateStore{
		pending: make(map[string]StateEntry),
		now:     time.Now,
	}
}

func (s *memoryStateStore) Issue(entry StateEntry) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.CreatedAt = s.now()
	s.pending[state] = entry
	s.sweepLocked()
	return state, nil
}

func (s *memoryStateStore) Consume(state string) (*StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[state]
	if !ok {
		return nil, ErrInvalidState
	}
	delete(s.pending, state)
	if s.now().Sub(entry.CreatedAt) > stateTTL {
		return nil, ErrInvalidState
	}
	return &entry, nil
}

func (s *memoryStateStore) sweepLocked() {
	cutoff := s.now().Add(-stateTTL)
	for state, entry := range s.pending {
		if entry.CreatedAt.Before(cutoff) {
			delete(s.pending, state)
		}
	}
}
