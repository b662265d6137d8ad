// Package storage provides the persistence backends for client state:
// tokens and the customer session record. Writes are synchronous with the
// state change that caused them — this is low-frequency, user-driven state
// where never losing "there is an active request" on reload outranks write
// amplification.
package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a key has no value (or it expired).
var ErrNotFound = errors.New("storage: key not found")

// Fixed keys under which client state is persisted.
const (
	KeyAccessToken     = "tably.access_token"
	KeyRefreshToken    = "tably.refresh_token"
	KeySessionUser     = "tably.session_user"
	KeyCustomerSession = "tably.customer_session"
)

// Store is a small KV contract; values are opaque bytes (JSON records and
// token strings). All implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemStore is the in-memory implementation used by tests and as a fallback
// when no persistence is configured. State does not survive a restart.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *MemStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
