package txn

import (
	"errors"

	commonutils "github.com/funneldb/funnel/internal/common_utils"
)

// Manager errors.
var (
	// ErrNotStarted is returned when a transaction is requested from a
	// manager that has not been started or has already been shut down.
	ErrNotStarted = errors.New("transaction manager not started or already shut down")

	// ErrAlreadyStarted is returned by Start on a running manager.
	ErrAlreadyStarted = errors.New("transaction manager already started")

	// ErrAlreadyStopped is returned by Start or Stop on a manager that has
	// been shut down. Shutdown is terminal.
	ErrAlreadyStopped = errors.New("transaction manager already shut down")

	// ErrInvalidCapacity is returned for a negative queue capacity.
	ErrInvalidCapacity = errors.New("queue capacity must not be negative")

	// ErrReadWriteInReadOnly rejects a read-write transaction requested
	// from inside an active read-only transaction on the same manager.
	ErrReadWriteInReadOnly = errors.New("illegal read-write transaction nested within read-only transaction")

	// ErrNonSharedInShared rejects a non-shared transaction requested from
	// inside an active shared read-only transaction on the same manager.
	ErrNonSharedInShared = errors.New("illegal non-shared transaction nested within shared transaction")

	// ErrReadOnlyTxn rejects a root replacement inside a read-only
	// transaction.
	ErrReadOnlyTxn = errors.New("transaction is read-only")

	// ErrNoTransaction is returned by the context accessors when no active
	// transaction is bound for the requested manager.
	ErrNoTransaction = errors.New("no active transaction in context")

	// ErrStopTimeout is returned by Stop when the worker does not exit
	// within the grace period, retry included.
	ErrStopTimeout = errors.New("timed out waiting for worker to exit")

	// ErrInternal marks conditions the design makes unreachable, such as a
	// canceled task handle. Seeing it means a bug, not a caller mistake.
	ErrInternal = errors.New("internal error")
)

// CallerStackError wraps an error produced on the worker goroutine with the
// stack of the goroutine that awaited the result, so a failure report shows
// both sides of the goroutine hop. The original error is left untouched and
// remains reachable through Unwrap.
type CallerStackError struct {
	err   error
	stack string
}

func newCallerStackError(err error) *CallerStackError {
	return &CallerStackError{err: err, stack: commonutils.CallerStack()}
}

func (e *CallerStackError) Error() string { return e.err.Error() }

func (e *CallerStackError) Unwrap() error { return e.err }

// CallerStack returns the awaiting goroutine's stack at the point the error
// was retrieved from the transaction handle.
func (e *CallerStackError) CallerStack() string { return e.stack }
