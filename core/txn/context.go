package txn

import (
	"context"
	"fmt"
)

// The active-transaction registry is carried in context.Context as an
// immutable map keyed by manager name. Binding and unbinding happen only
// around action execution, so a registry entry is live exactly while its
// transaction runs; a Tx reached through a stashed context after its
// transaction finished reports as absent.

type registryKey struct{}

func registryFrom(ctx context.Context) map[string]*Tx {
	reg, _ := ctx.Value(registryKey{}).(map[string]*Tx)
	return reg
}

// withTx returns ctx with tx bound under its manager's name. The registry
// map is copied, never mutated, since contexts are shared across goroutines.
func withTx(ctx context.Context, tx *Tx) context.Context {
	old := registryFrom(ctx)
	reg := make(map[string]*Tx, len(old)+1)
	for name, t := range old {
		reg[name] = t
	}
	reg[tx.manager.name] = tx
	return context.WithValue(ctx, registryKey{}, reg)
}

// detach returns ctx without any binding for the named manager. Scheduling
// captures the caller's context through detach so a stale binding from the
// scheduling site can never leak into the worker's execution.
func detach(ctx context.Context, name string) context.Context {
	old := registryFrom(ctx)
	if _, ok := old[name]; !ok {
		return ctx
	}
	reg := make(map[string]*Tx, len(old))
	for n, t := range old {
		if n != name {
			reg[n] = t
		}
	}
	return context.WithValue(ctx, registryKey{}, reg)
}

// fromContext returns the live transaction bound for the named manager, or
// nil if there is none.
func fromContext(ctx context.Context, name string) *Tx {
	tx := registryFrom(ctx)[name]
	if tx == nil || tx.finished() {
		return nil
	}
	return tx
}

// FromContext returns the active transaction bound in ctx for the named
// manager. Fails with ErrNoTransaction when there is none.
func FromContext(ctx context.Context, name string) (*Tx, error) {
	tx := fromContext(ctx, name)
	if tx == nil {
		return nil, fmt.Errorf("%w: manager %q", ErrNoTransaction, name)
	}
	return tx, nil
}

// Unique returns the single active transaction bound in ctx. Fails when
// zero or more than one manager has an active transaction here.
func Unique(ctx context.Context) (*Tx, error) {
	var found *Tx
	for _, tx := range registryFrom(ctx) {
		if tx == nil || tx.finished() {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("multiple active transactions in context (managers %q and %q)",
				found.manager.name, tx.manager.name)
		}
		found = tx
	}
	if found == nil {
		return nil, ErrNoTransaction
	}
	return found, nil
}

// InTransaction reports whether ctx carries an active transaction for the
// named manager.
func InTransaction(ctx context.Context, name string) bool {
	return fromContext(ctx, name) != nil
}

// InReadOnlyTransaction reports whether ctx carries an active read-only
// (shared or not) transaction for the named manager.
func InReadOnlyTransaction(ctx context.Context, name string) bool {
	tx := fromContext(ctx, name)
	return tx != nil && tx.ReadOnly()
}

// InSharedTransaction reports whether ctx carries an active shared
// read-only transaction for the named manager.
func InSharedTransaction(ctx context.Context, name string) bool {
	tx := fromContext(ctx, name)
	return tx != nil && tx.Shared()
}
