// Package txn implements a strictly serialized transaction manager for a
// persistent root object graph. Every transaction for a manager runs on
// that manager's single dedicated worker goroutine, in FIFO order, against
// a snapshot from the underlying provider; read-write transactions commit
// with an optimistic version check. Serialization on one goroutine removes
// any need for locking on the root itself and keeps execution deterministic.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/funneldb/funnel/core/snapshot"
	commonutils "github.com/funneldb/funnel/internal/common_utils"
	internaltelemetry "github.com/funneldb/funnel/internal/telemetry"
)

// DefaultQueueCapacity is used when a manager is built with capacity 0.
// Large enough to be effectively unbounded; the queue capacity is a safety
// bound, not a load-shedding mechanism.
const DefaultQueueCapacity = 1 << 16

// stopGrace is how long Stop waits for the worker to exit before warning
// and retrying once.
const stopGrace = 30 * time.Second

// Action is the unit of work executed inside a transaction. It receives a
// context carrying the transaction binding (so nested manager calls can see
// it) and the transaction itself. Returning an error aborts the
// transaction; a read-write action that returns nil error gets its root
// committed.
type Action func(ctx context.Context, tx *Tx) (any, error)

type managerState int

const (
	stateUnstarted managerState = iota
	stateRunning
	stateShutdown
)

// task is one queued transaction: the action, its requested mode, the
// captured scheduling context, and the handle its outcome is delivered to.
type task struct {
	ctx    context.Context
	action Action
	mode   Mode
	handle *Handle
}

// sentinelTask is enqueued by Stop. Being FIFO-ordered after every
// previously scheduled task, it guarantees the worker drains the queue and
// then exits.
var sentinelTask = &task{}

// Manager funnels all transactions against one root object graph through a
// single worker goroutine. Multiple managers (for different roots) are
// independent and run concurrently with respect to each other.
type Manager struct {
	name     string
	provider snapshot.Provider
	capacity int
	logger   *zap.Logger
	metrics  *internaltelemetry.TxnMetrics

	mu    sync.Mutex
	state managerState
	tasks chan *task

	// sendMu orders task sends against shutdown: Schedule holds the read
	// side across its state check and its send, Stop holds the write side
	// while flipping state and enqueueing the sentinel. Every send that
	// passed the state check therefore lands ahead of the sentinel.
	sendMu sync.RWMutex

	// workerDone is closed by the worker itself on exit.
	workerDone chan struct{}
}

// NewManager creates a manager named name over the given snapshot provider.
// queueCapacity bounds the task queue; 0 selects DefaultQueueCapacity,
// negative is an error. The manager must be started before use.
func NewManager(name string, provider snapshot.Provider, queueCapacity int, logger *zap.Logger) (*Manager, error) {
	if name == "" {
		return nil, errors.New("manager name must not be empty")
	}
	if provider == nil {
		return nil, errors.New("snapshot provider must not be nil")
	}
	if queueCapacity < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, queueCapacity)
	}
	if queueCapacity == 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics, err := internaltelemetry.NewTxnMetrics(noopmetric.NewMeterProvider().Meter(""))
	if err != nil {
		return nil, err
	}

	return &Manager{
		name:     name,
		provider: provider,
		capacity: queueCapacity,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Name returns the manager's name, the key its transactions are bound
// under in context.
func (m *Manager) Name() string { return m.name }

// InstrumentWith replaces the manager's no-op metric instruments with ones
// registered on meter. Call before Start.
func (m *Manager) InstrumentWith(meter metric.Meter) error {
	metrics, err := internaltelemetry.NewTxnMetrics(meter)
	if err != nil {
		return err
	}
	m.metrics = metrics
	return nil
}

// QueueDepth returns the number of tasks currently waiting in the queue.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks == nil {
		return 0
	}
	return len(m.tasks)
}

// Start transitions the manager from unstarted to running: it creates the
// task queue and spawns the worker goroutine. Starting a running manager or
// one that has been shut down is an error; shutdown is terminal.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateShutdown:
		return ErrAlreadyStopped
	}

	m.tasks = make(chan *task, m.capacity)
	m.state = stateRunning
	m.workerDone = make(chan struct{})
	go m.worker()

	m.logger.Info("Transaction manager started",
		zap.String("manager", m.name),
		zap.Int("queue_capacity", m.capacity),
	)
	return nil
}

// Stop shuts the manager down: it enqueues the termination sentinel and
// waits for the worker to exit. Every task scheduled before Stop still
// executes, since the sentinel sits behind them in the queue. If the worker
// is still busy after the grace period, Stop warns, waits once more, then
// gives up with ErrStopTimeout rather than blocking forever.
func (m *Manager) Stop() error {
	m.sendMu.Lock()
	m.mu.Lock()
	switch m.state {
	case stateUnstarted:
		m.mu.Unlock()
		m.sendMu.Unlock()
		return ErrNotStarted
	case stateShutdown:
		m.mu.Unlock()
		m.sendMu.Unlock()
		return ErrAlreadyStopped
	}
	m.state = stateShutdown
	tasks := m.tasks
	m.mu.Unlock()

	// With the write side of the send gate held, no in-flight Schedule can
	// slip its task in behind the sentinel.
	tasks <- sentinelTask
	m.sendMu.Unlock()

	for attempt := 1; ; attempt++ {
		select {
		case <-m.workerDone:
			m.logger.Info("Transaction manager stopped", zap.String("manager", m.name))
			return nil
		case <-time.After(stopGrace):
			if attempt >= 2 {
				return fmt.Errorf("%w: manager %q", ErrStopTimeout, m.name)
			}
			m.logger.Warn("Worker still busy after grace period, waiting once more",
				zap.String("manager", m.name))
		}
	}
}

// Schedule enqueues a transaction for asynchronous execution and returns
// its handle. Blocks while the queue is at capacity. The caller's context
// is captured for value propagation (cross-manager nesting in particular)
// but detached from cancellation: a queued task always runs.
func (m *Manager) Schedule(ctx context.Context, action Action, readOnly, shared bool) (*Handle, error) {
	if action == nil {
		return nil, errors.New("action must not be nil")
	}

	// The read side of the send gate is held until the task is in the
	// queue, so Stop cannot enqueue the sentinel between the state check
	// and the send.
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()

	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: manager %q", ErrNotStarted, m.name)
	}
	tasks := m.tasks
	m.mu.Unlock()

	t := &task{
		ctx:    detach(context.WithoutCancel(ctx), m.name),
		action: action,
		mode:   modeFor(readOnly, shared),
		handle: newHandle(),
	}

	m.metrics.QueueDepthUpDown.Add(ctx, 1)
	tasks <- t

	m.logger.Debug("Scheduled transaction",
		zap.String("manager", m.name),
		zap.String("task_id", t.handle.id),
		zap.Stringer("mode", t.mode),
	)
	return t.handle, nil
}

// Perform executes a transaction synchronously.
//
// If ctx already carries an active transaction for this manager, the action
// runs inline on the calling goroutine within that transaction: no new
// snapshot, no worker hop, no commit of its own. Nesting is vetted first
// and fails fast with ErrReadWriteInReadOnly or ErrNonSharedInShared before
// anything is enqueued.
//
// Otherwise the action is scheduled and the caller blocks until the worker
// delivers the outcome. Action and commit errors are returned wrapped in a
// *CallerStackError carrying this goroutine's stack for cross-goroutine
// diagnostics; the original error stays reachable via errors.Is/As.
func (m *Manager) Perform(ctx context.Context, action Action, readOnly, shared bool) (any, error) {
	if action == nil {
		return nil, errors.New("action must not be nil")
	}

	if outer := fromContext(ctx, m.name); outer != nil {
		if err := compatible(outer.mode, modeFor(readOnly, shared)); err != nil {
			return nil, err
		}
		return action(ctx, outer)
	}

	handle, err := m.Schedule(ctx, action, readOnly, shared)
	if err != nil {
		return nil, err
	}

	value, err := handle.Wait()
	if err != nil {
		if errors.Is(err, ErrInternal) {
			return nil, err
		}
		return nil, newCallerStackError(err)
	}
	return value, nil
}

// worker is the manager's single execution goroutine. It processes tasks
// strictly in FIFO order until it dequeues the termination sentinel. Task
// failures are delivered through their handles and never kill the worker.
func (m *Manager) worker() {
	defer close(m.workerDone)

	m.logger.Info("Transaction worker started",
		zap.String("manager", m.name),
		zap.Int64("goroutine", commonutils.GoID()),
	)

	for {
		t := <-m.tasks
		if t == sentinelTask {
			break
		}
		m.execute(t)
	}

	// The send gate keeps any accepted task ahead of the sentinel, so this
	// drain is a dead-letter path: anything found behind the sentinel is
	// canceled rather than executed.
	for {
		select {
		case t := <-m.tasks:
			if t != sentinelTask {
				m.metrics.QueueDepthUpDown.Add(t.ctx, -1)
				t.handle.cancel()
			}
		default:
			m.logger.Info("Transaction worker exiting", zap.String("manager", m.name))
			return
		}
	}
}

// execute runs one dequeued task to completion: acquire a snapshot, bind
// the transaction into the action's context, run the action, commit on
// clean read-write completion, and deliver the outcome via the handle.
func (m *Manager) execute(t *task) {
	ctx := t.ctx
	start := time.Now()
	m.metrics.QueueDepthUpDown.Add(ctx, -1)
	m.metrics.TxnsStartedCounter.Add(ctx, 1)

	// Safety assertion: the captured context was detached at scheduling
	// time, so a live binding here means the registry discipline is broken.
	if fromContext(ctx, m.name) != nil {
		t.handle.fail(fmt.Errorf("%w: transaction already bound for manager %q", ErrInternal, m.name))
		return
	}

	var snap snapshot.Snapshot
	var err error
	if t.mode == ModeSharedReadOnly {
		snap, err = m.provider.SharedRootSnapshot()
	} else {
		snap, err = m.provider.RootSnapshot()
	}
	if err != nil {
		t.handle.fail(fmt.Errorf("failed to acquire snapshot: %w", err))
		return
	}

	tx := &Tx{manager: m, mode: t.mode, root: snap.Root, version: snap.Version}
	value, err := m.run(withTx(ctx, tx), tx, t.action)

	if err == nil && t.mode == ModeReadWrite {
		if err = m.provider.SetRoot(tx.root, tx.version); err != nil {
			if errors.Is(err, snapshot.ErrVersionConflict) {
				m.metrics.VersionConflictCount.Add(ctx, 1)
			}
		}
	}

	m.metrics.TxnsHandledCounter.Add(ctx, 1)
	m.metrics.TxnLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())

	if err != nil {
		m.logger.Debug("Transaction failed",
			zap.String("manager", m.name),
			zap.String("task_id", t.handle.id),
			zap.Error(err),
		)
		t.handle.fail(err)
		return
	}
	t.handle.complete(value)
}

// run executes the action with the transaction bound. The binding is
// retired on the way out no matter how the action ends, and a panicking
// action is captured as an error so the worker survives it.
func (m *Manager) run(ctx context.Context, tx *Tx, action Action) (value any, err error) {
	defer tx.done.Store(true)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Transaction action panicked",
				zap.String("manager", m.name),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("transaction action panicked: %v", r)
		}
	}()
	return action(ctx, tx)
}
