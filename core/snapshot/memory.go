package snapshot

import (
	"errors"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Provider. It keeps the current root and its
// version under a mutex; private snapshots go through the configured copy
// function, shared snapshots alias the live root.
type MemoryStore struct {
	mu       sync.Mutex
	root     any
	version  uint64
	copy     CopyFunc
	validate ValidateFunc
}

// NewMemoryStore creates a store holding initial at version 0. The copy
// function must produce a deep copy; it is what keeps private read-write
// snapshots from leaking mutations into the live root.
func NewMemoryStore(initial any, copy CopyFunc) (*MemoryStore, error) {
	if copy == nil {
		return nil, errors.New("copy function must not be nil")
	}
	return &MemoryStore{root: initial, copy: copy}, nil
}

// SetValidator installs a hook that vets every root passed to SetRoot.
// Pass nil to clear it.
func (s *MemoryStore) SetValidator(validate ValidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validate = validate
}

// RootSnapshot returns a private, mutable-safe copy of the current root.
func (s *MemoryStore) RootSnapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Root: s.copy(s.root), Version: s.version}, nil
}

// SharedRootSnapshot returns a snapshot aliasing the live root. Holders
// must treat the graph as read-only.
func (s *MemoryStore) SharedRootSnapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Root: s.root, Version: s.version}, nil
}

// SetRoot commits newRoot if the store is still at expectedVersion, then
// advances the version by one.
func (s *MemoryStore) SetRoot(newRoot any, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validate != nil {
		if err := s.validate(newRoot); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
		}
	}
	if expectedVersion != s.version {
		return fmt.Errorf("%w: expected version %d but store is at version %d",
			ErrVersionConflict, expectedVersion, s.version)
	}

	s.root = newRoot
	s.version++
	return nil
}

// Version returns the store's current version.
func (s *MemoryStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}
