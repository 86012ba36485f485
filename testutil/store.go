package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/c360studio/fusionledger/storage"
)

// ErrInjected is returned by FlakyStore when a failure is armed.
var ErrInjected = errors.New("injected storage failure")

// FlakyStore wraps a MemoryStore and fails reads or writes on demand.
// It is safe for concurrent use.
type FlakyStore struct {
	*storage.MemoryStore

	mu       sync.Mutex
	failGet  bool
	failSet  bool
	setCalls int
	getCalls int
}

// NewFlakyStore creates a store that behaves like MemoryStore until armed.
func NewFlakyStore() *FlakyStore {
	return &FlakyStore{MemoryStore: storage.NewMemoryStore()}
}

// FailGets makes subsequent Get calls fail (or succeed again when false).
func (s *FlakyStore) FailGets(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet = fail
}

// FailSets makes subsequent Set calls fail (or succeed again when false).
func (s *FlakyStore) FailSets(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet = fail
}

// SetCalls returns how many times Set was called.
func (s *FlakyStore) SetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls
}

// Get implements storage.Store.
func (s *FlakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	s.getCalls++
	fail := s.failGet
	s.mu.Unlock()
	if fail {
		return nil, storage.NewPersistenceError("read", key, ErrInjected)
	}
	return s.MemoryStore.Get(ctx, key)
}

// Set implements storage.Store.
func (s *FlakyStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.setCalls++
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return storage.NewPersistenceError("write", key, ErrInjected)
	}
	return s.MemoryStore.Set(ctx, key, value)
}
