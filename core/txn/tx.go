package txn

import "sync/atomic"

// Tx is the per-execution transaction state the manager binds into the
// action's context: the snapshot the transaction runs against and the mode
// it was requested with. A Tx is owned by the goroutine executing the
// action; it must not be used after the transaction finishes.
type Tx struct {
	manager *Manager
	mode    Mode
	root    any
	version uint64
	done    atomic.Bool
}

// Manager returns the manager this transaction belongs to.
func (t *Tx) Manager() *Manager { return t.manager }

// Mode returns the transaction's mode.
func (t *Tx) Mode() Mode { return t.mode }

// ReadOnly reports whether the transaction is read-only (shared or not).
func (t *Tx) ReadOnly() bool {
	return t.mode == ModeReadOnly || t.mode == ModeSharedReadOnly
}

// Shared reports whether the transaction aliases the shared root.
func (t *Tx) Shared() bool { return t.mode == ModeSharedReadOnly }

// Root returns the transaction's root object graph. Read-write transactions
// may mutate it in place; the mutated graph is committed when the action
// returns without error.
func (t *Tx) Root() any { return t.root }

// Version returns the version the transaction's snapshot was read at, which
// is also the version the commit will be guarded by.
func (t *Tx) Version() uint64 { return t.version }

// SetRoot replaces the transaction's root wholesale, for callers that build
// a new graph instead of mutating the copy. Fails in read-only transactions.
func (t *Tx) SetRoot(root any) error {
	if t.ReadOnly() {
		return ErrReadOnlyTxn
	}
	t.root = root
	return nil
}

// finished reports whether the transaction has completed. Set on exit from
// action execution, so a Tx reached through a stashed context goes inert.
func (t *Tx) finished() bool { return t.done.Load() }
