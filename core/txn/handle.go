package txn

import (
	"fmt"

	"github.com/google/uuid"
)

type resultKind int

const (
	resultOK resultKind = iota
	resultFailed
	resultCanceled
)

// result is the tagged outcome delivered through a Handle: a value, an
// error, or cancellation (which the design treats as unreachable).
type result struct {
	kind  resultKind
	value any
	err   error
}

// Handle is the future for a scheduled transaction. The worker completes it
// exactly once; any number of goroutines may wait on it.
type Handle struct {
	id   string
	done chan struct{}
	res  result // written once, before done is closed
}

func newHandle() *Handle {
	return &Handle{
		id:   uuid.New().String(),
		done: make(chan struct{}),
	}
}

// ID returns the task's unique identifier, as used in log fields.
func (h *Handle) ID() string { return h.id }

// Done returns a channel closed once the transaction has finished, for use
// in select statements. Use Wait to retrieve the outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the transaction has executed and returns its result.
// Errors from the action or the commit step come back verbatim. A canceled
// handle reports ErrInternal: the worker never abandons a dequeued task, so
// cancellation can only mean a scheduling bug.
func (h *Handle) Wait() (any, error) {
	<-h.done
	switch h.res.kind {
	case resultOK:
		return h.res.value, nil
	case resultFailed:
		return nil, h.res.err
	default:
		return nil, fmt.Errorf("%w: transaction was canceled before execution", ErrInternal)
	}
}

func (h *Handle) complete(value any) {
	h.res = result{kind: resultOK, value: value}
	close(h.done)
}

func (h *Handle) fail(err error) {
	h.res = result{kind: resultFailed, err: err}
	close(h.done)
}

func (h *Handle) cancel() {
	h.res = result{kind: resultCanceled}
	close(h.done)
}
