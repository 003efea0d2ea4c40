// Package snapshot defines the snapshot provider contract consumed by the
// transaction manager, together with an in-memory store and a journal-backed
// store that persists committed roots to disk.
//
// A provider hands out point-in-time views of a single root object graph,
// each paired with the version number it was read at, and accepts commits
// guarded by an expected version (optimistic concurrency).
package snapshot

import "errors"

// Provider errors.
var (
	// ErrVersionConflict is returned by SetRoot when the store's version no
	// longer matches the expected version, i.e. another writer committed in
	// between. Callers may retry the whole transaction.
	ErrVersionConflict = errors.New("root version conflict")

	// ErrInvalidRoot is returned by SetRoot when the new root fails the
	// store's validation hook.
	ErrInvalidRoot = errors.New("invalid root object graph")
)

// Snapshot pairs a root object graph with the version it was read at.
type Snapshot struct {
	Root    any
	Version uint64
}

// Provider produces snapshots of the current root object graph and accepts
// version-guarded commits of a new root.
type Provider interface {
	// RootSnapshot returns a private snapshot whose root is safe to mutate.
	RootSnapshot() (Snapshot, error)

	// SharedRootSnapshot returns a snapshot that aliases the live root.
	// Concurrent holders see the same object graph and must not mutate it;
	// this is a caller contract, not enforced by the type system.
	SharedRootSnapshot() (Snapshot, error)

	// SetRoot commits newRoot, provided the store is still at
	// expectedVersion. Fails with ErrVersionConflict if another commit got
	// there first, or ErrInvalidRoot if the root fails validation.
	SetRoot(newRoot any, expectedVersion uint64) error
}

// CopyFunc produces a deep copy of a root object graph. It is how the
// in-memory store manufactures private snapshots.
type CopyFunc func(root any) any

// ValidateFunc checks a root object graph before it is committed.
type ValidateFunc func(root any) error
