package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/funneldb/funnel/core/snapshot"
	commonutils "github.com/funneldb/funnel/internal/common_utils"
)

// --- Test Helpers ---

// testRoot is the root object graph used by these tests.
type testRoot struct {
	Values []int
}

func copyTestRoot(root any) any {
	src := root.(*testRoot)
	dst := &testRoot{Values: make([]int, len(src.Values))}
	copy(dst.Values, src.Values)
	return dst
}

// newTestManager builds and starts a manager over a fresh in-memory store.
func newTestManager(t *testing.T, name string, queueCapacity int) (*Manager, *snapshot.MemoryStore) {
	t.Helper()

	store, err := snapshot.NewMemoryStore(&testRoot{}, copyTestRoot)
	require.NoError(t, err)

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	m, err := NewManager(name, store, queueCapacity, logger)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		// Tests that stop the manager themselves make this a no-op.
		_ = m.Stop()
	})
	return m, store
}

// appendValue is a read-write action appending v to the root's slice.
func appendValue(v int) Action {
	return func(ctx context.Context, tx *Tx) (any, error) {
		root := tx.Root().(*testRoot)
		root.Values = append(root.Values, v)
		return nil, nil
	}
}

// readValues is a read-only action returning a copy of the root's slice.
func readValues(ctx context.Context, tx *Tx) (any, error) {
	root := tx.Root().(*testRoot)
	out := make([]int, len(root.Values))
	copy(out, root.Values)
	return out, nil
}

// --- Test Cases ---

// TestManager_SerialOrdering verifies that scheduled transactions take
// effect in exactly the order they were enqueued.
func TestManager_SerialOrdering(t *testing.T) {
	m, _ := newTestManager(t, "serial", 0)
	ctx := context.Background()

	const n = 50
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := m.Schedule(ctx, appendValue(i), false, false)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.Wait()
		require.NoError(t, err)
	}

	result, err := m.Perform(ctx, readValues, true, false)
	require.NoError(t, err)

	values := result.([]int)
	require.Len(t, values, n)
	for i, v := range values {
		require.Equal(t, i, v, "transaction effects must appear in schedule order")
	}
}

// TestManager_WritersThenReadScenario runs the canonical scenario: queue
// capacity 10, five read-write transactions appending 1..5, then a blocking
// read-only transaction observing the full list.
func TestManager_WritersThenReadScenario(t *testing.T) {
	m, _ := newTestManager(t, "scenario", 10)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := m.Schedule(ctx, appendValue(i), false, false)
		require.NoError(t, err)
	}

	result, err := m.Perform(ctx, readValues, true, false)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4, 5}, result.([]int))
}

// TestManager_ReentrantReadOnlyRunsInline verifies that a read-only Perform
// from inside an active read-write transaction on the same manager executes
// inline: same goroutine, same transaction, no new snapshot, no deadlock.
func TestManager_ReentrantReadOnlyRunsInline(t *testing.T) {
	m, _ := newTestManager(t, "reentrant", 0)
	ctx := context.Background()

	_, err := m.Perform(ctx, func(ctx context.Context, outer *Tx) (any, error) {
		outerGoID := commonutils.GoID()

		result, err := m.Perform(ctx, func(ctx context.Context, inner *Tx) (any, error) {
			require.Same(t, outer, inner, "nested transaction must reuse the outer context")
			require.Equal(t, outerGoID, commonutils.GoID(), "nested transaction must not hop goroutines")
			return "inline", nil
		}, true, false)
		require.NoError(t, err)
		require.Equal(t, "inline", result)
		return nil, nil
	}, false, false)
	require.NoError(t, err)
}

// TestManager_ReadWriteInsideReadOnlyFailsFast verifies the nesting rule:
// a read-write transaction requested inside a read-only one fails
// immediately, without anything reaching the worker queue.
func TestManager_ReadWriteInsideReadOnlyFailsFast(t *testing.T) {
	m, _ := newTestManager(t, "nest-rw", 0)
	ctx := context.Background()

	_, err := m.Perform(ctx, func(ctx context.Context, tx *Tx) (any, error) {
		_, err := m.Perform(ctx, appendValue(1), false, false)
		require.ErrorIs(t, err, ErrReadWriteInReadOnly)
		require.Zero(t, m.QueueDepth(), "rejected nested transaction must not be enqueued")
		return nil, nil
	}, true, false)
	require.NoError(t, err)
}

// TestManager_NonSharedInsideSharedFailsFast verifies that a non-shared
// transaction requested inside a shared read-only one is rejected.
func TestManager_NonSharedInsideSharedFailsFast(t *testing.T) {
	m, _ := newTestManager(t, "nest-shared", 0)
	ctx := context.Background()

	_, err := m.Perform(ctx, func(ctx context.Context, tx *Tx) (any, error) {
		_, err := m.Perform(ctx, readValues, true, false)
		require.ErrorIs(t, err, ErrNonSharedInShared)

		// A shared request nested in a shared transaction stays legal.
		_, err = m.Perform(ctx, readValues, true, true)
		require.NoError(t, err)
		return nil, nil
	}, true, true)
	require.NoError(t, err)
}

// TestManager_SharedSnapshotAliasesRoot verifies that shared read-only
// transactions see the identical root instance while private transactions
// get their own copy.
func TestManager_SharedSnapshotAliasesRoot(t *testing.T) {
	m, _ := newTestManager(t, "aliasing", 0)
	ctx := context.Background()

	grabRoot := func(readOnly, shared bool) *testRoot {
		result, err := m.Perform(ctx, func(ctx context.Context, tx *Tx) (any, error) {
			return tx.Root(), nil
		}, readOnly, shared)
		require.NoError(t, err)
		return result.(*testRoot)
	}

	shared1 := grabRoot(true, true)
	shared2 := grabRoot(true, true)
	private := grabRoot(true, false)

	require.Same(t, shared1, shared2, "shared snapshots must alias the same graph")
	require.NotSame(t, shared1, private, "private snapshots must be distinct copies")
}

// TestManager_VersionConflictSurfaced advances the store out-of-band while
// a read-write transaction is running, and verifies the commit fails with a
// version conflict instead of overwriting the out-of-band write.
func TestManager_VersionConflictSurfaced(t *testing.T) {
	m, store := newTestManager(t, "conflict", 0)
	ctx := context.Background()

	_, err := m.Perform(ctx, func(ctx context.Context, tx *Tx) (any, error) {
		// Out-of-band writer commits between snapshot and commit.
		require.NoError(t, store.SetRoot(&testRoot{Values: []int{99}}, tx.Version()))

		root := tx.Root().(*testRoot)
		root.Values = append(root.Values, 1)
		return nil, nil
	}, false, false)
	require.ErrorIs(t, err, snapshot.ErrVersionConflict)

	// The out-of-band write must have survived.
	snap, err := store.SharedRootSnapshot()
	require.NoError(t, err)
	require.Equal(t, []int{99}, snap.Root.(*testRoot).Values)
}

// TestManager_StopDrainsQueue verifies that transactions enqueued before
// Stop still execute, and that Stop only returns once the worker has exited.
func TestManager_StopDrainsQueue(t *testing.T) {
	m, store := newTestManager(t, "drain", 0)
	ctx := context.Background()

	const n = 20
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := m.Schedule(ctx, func(ctx context.Context, tx *Tx) (any, error) {
			time.Sleep(time.Millisecond)
			root := tx.Root().(*testRoot)
			root.Values = append(root.Values, 0)
			return nil, nil
		}, false, false)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, m.Stop())

	// Every queued transaction must have committed before the worker left.
	require.Equal(t, uint64(n), store.Version())
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("handle still pending after Stop returned")
		}
	}
}

// TestManager_LifecycleErrors walks the manager's state machine and checks
// every invalid transition fails with its designated error.
func TestManager_LifecycleErrors(t *testing.T) {
	store, err := snapshot.NewMemoryStore(&testRoot{}, copyTestRoot)
	require.NoError(t, err)
	logger := zap.NewNop()
	ctx := context.Background()

	_, err = NewManager("bad", store, -1, logger)
	require.ErrorIs(t, err, ErrInvalidCapacity)

	m, err := NewManager("lifecycle", store, 0, logger)
	require.NoError(t, err)

	_, err = m.Schedule(ctx, readValues, true, false)
	require.ErrorIs(t, err, ErrNotStarted)
	require.ErrorIs(t, m.Stop(), ErrNotStarted)

	require.NoError(t, m.Start())
	require.ErrorIs(t, m.Start(), ErrAlreadyStarted)

	require.NoError(t, m.Stop())
	require.ErrorIs(t, m.Stop(), ErrAlreadyStopped)
	require.ErrorIs(t, m.Start(), ErrAlreadyStopped)

	_, err = m.Schedule(ctx, readValues, true, false)
	require.ErrorIs(t, err, ErrNotStarted)
}

// TestManager_ActionErrorCarriesCallerStack verifies that an error raised
// by the action comes back from Perform with the awaiting goroutine's stack
// attached, while the original error stays matchable.
func TestManager_ActionErrorCarriesCallerStack(t *testing.T) {
	m, _ := newTestManager(t, "error", 0)
	ctx := context.Background()

	errBoom := errors.New("boom")
	_, err := m.Perform(ctx, func(ctx context.Context, tx *Tx) (any, error) {
		return nil, errBoom
	}, true, false)

	require.ErrorIs(t, err, errBoom)

	var cse *CallerStackError
	require.ErrorAs(t, err, &cse)
	require.Contains(t, cse.CallerStack(), "goroutine")
}

// TestManager_PanicDoesNotKillWorker verifies that a panicking action is
// delivered as an error through its handle and the worker keeps serving
// subsequent transactions.
func TestManager_PanicDoesNotKillWorker(t *testing.T) {
	m, _ := newTestManager(t, "panic", 0)
	ctx := context.Background()

	h, err := m.Schedule(ctx, func(ctx context.Context, tx *Tx) (any, error) {
		panic("kaboom")
	}, false, false)
	require.NoError(t, err)

	_, err = h.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")

	// The worker must still be alive and serving.
	result, err := m.Perform(ctx, readValues, true, false)
	require.NoError(t, err)
	require.Empty(t, result.([]int))
}

// TestManager_CrossManagerNesting verifies that a transaction on one
// manager can perform a transaction on another manager from inside its
// action, with both bindings visible to the inner action.
func TestManager_CrossManagerNesting(t *testing.T) {
	a, _ := newTestManager(t, "manager-a", 0)
	b, _ := newTestManager(t, "manager-b", 0)
	ctx := context.Background()

	_, err := a.Perform(ctx, func(ctx context.Context, txA *Tx) (any, error) {
		return b.Perform(ctx, func(ctx context.Context, txB *Tx) (any, error) {
			require.True(t, InTransaction(ctx, "manager-a"))
			require.True(t, InTransaction(ctx, "manager-b"))
			require.NotSame(t, txA, txB)
			return nil, nil
		}, true, false)
	}, false, false)
	require.NoError(t, err)
}

// TestManager_QueueCapacityBlocksProducer verifies that Schedule blocks
// once the queue is full and resumes as the worker makes room.
func TestManager_QueueCapacityBlocksProducer(t *testing.T) {
	m, _ := newTestManager(t, "capacity", 1)
	ctx := context.Background()

	gate := make(chan struct{})
	// Occupy the worker so the queue can fill up.
	_, err := m.Schedule(ctx, func(ctx context.Context, tx *Tx) (any, error) {
		<-gate
		return nil, nil
	}, true, false)
	require.NoError(t, err)

	// Fill the single queue slot.
	_, err = m.Schedule(ctx, readValues, true, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	scheduled := make(chan struct{})
	go func() {
		defer wg.Done()
		_, err := m.Schedule(ctx, readValues, true, false)
		require.NoError(t, err)
		close(scheduled)
	}()

	select {
	case <-scheduled:
		t.Fatal("Schedule returned although the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate) // Unblock the worker; the queue drains and Schedule returns.
	wg.Wait()
}

// TestManager_ConcurrentScheduleDuringStop races many schedulers against
// Stop and verifies the accept-or-reject contract: every Schedule either
// fails with ErrNotStarted or its task executes and completes its handle.
// An accepted task whose handle never resolves would hang this test.
func TestManager_ConcurrentScheduleDuringStop(t *testing.T) {
	m, _ := newTestManager(t, "schedule-stop-race", 0)
	ctx := context.Background()

	const producers = 16
	var wg sync.WaitGroup
	handleCh := make(chan *Handle, producers*100)
	rejectCh := make(chan error, producers)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h, err := m.Schedule(ctx, readValues, true, false)
				if err != nil {
					rejectCh <- err
					return
				}
				handleCh <- h
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, m.Stop())
	wg.Wait()
	close(handleCh)
	close(rejectCh)

	// A rejected Schedule may only mean the manager had shut down.
	for err := range rejectCh {
		require.ErrorIs(t, err, ErrNotStarted)
	}

	// Stop has returned, so every accepted task must already be resolved.
	for h := range handleCh {
		select {
		case <-h.Done():
		default:
			t.Fatal("accepted handle still pending after Stop returned")
		}
		_, err := h.Wait()
		require.NoError(t, err)
	}
}

// TestManager_TaskBehindSentinelIsCanceled injects the termination sentinel
// directly, ahead of a scheduled task, and verifies the worker's drain path
// cancels the task and Perform surfaces it as ErrInternal without wrapping
// it in a caller stack.
func TestManager_TaskBehindSentinelIsCanceled(t *testing.T) {
	m, _ := newTestManager(t, "dead-letter", 0)
	ctx := context.Background()

	// Occupy the worker so the queue keeps its order while we arrange it.
	gate := make(chan struct{})
	_, err := m.Schedule(ctx, func(ctx context.Context, tx *Tx) (any, error) {
		<-gate
		return nil, nil
	}, true, false)
	require.NoError(t, err)

	// Sentinel first, then a task behind it, bypassing the send gate.
	m.tasks <- sentinelTask

	performErr := make(chan error, 1)
	go func() {
		_, err := m.Perform(ctx, readValues, true, false)
		performErr <- err
	}()

	require.Eventually(t, func() bool { return m.QueueDepth() == 2 },
		time.Second, time.Millisecond, "sentinel and task should be queued")
	close(gate)

	err = <-performErr
	require.ErrorIs(t, err, ErrInternal)

	var cse *CallerStackError
	require.False(t, errors.As(err, &cse), "internal errors must not be wrapped with a caller stack")
}
