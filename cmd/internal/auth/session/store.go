package session

import (
	"context"
	"encoding/json"
	"sync"
)

// Fixed persistence keys. Both are written and cleared together.
const (
	KeyToken = "auth_token"
	KeyUser  = "auth_user"
)

// Persisted is the durable session pair. User is the serialized profile document.
type Persisted struct {
	Token string
	User  json.RawMessage
}

// Empty reports whether there is nothing worth bootstrapping from.
func (p Persisted) Empty() bool { return p.Token == "" }

// Store abstracts durable persistence of the session pair.
//
// Implementations must write and clear both keys in one step; a reader must never
// load a token without the user it was saved with (or vice versa).
type Store interface {
	// Load returns the persisted pair; a missing pair is an empty Persisted and a nil error.
	Load(ctx context.Context) (Persisted, error)

	// Save replaces the persisted pair.
	Save(ctx context.Context, p Persisted) error

	// Clear removes both keys.
	Clear(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}

// MemoryStore is a process-local Store used in tests and when durability is disabled.
type MemoryStore struct {
	mu sync.Mutex
	p  Persisted

	saves  int
	clears int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(ctx context.Context) (Persisted, error) {
	if err := ctx.Err(); err != nil {
		return Persisted{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Persisted{Token: s.p.Token, User: append(json.RawMessage(nil), s.p.User...)}, nil
}

func (s *MemoryStore) Save(ctx context.Context, p Persisted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = Persisted{Token: p.Token, User: append(json.RawMessage(nil), p.User...)}
	s.saves++
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = Persisted{}
	s.clears++
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Counts reports how many Save and Clear calls were applied.
func (s *MemoryStore) Counts() (saves, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.clears
}
