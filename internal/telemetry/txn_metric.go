package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TxnMetrics holds the metric instruments for a transaction manager.
type TxnMetrics struct {
	TxnsStartedCounter   metric.Int64Counter
	TxnsHandledCounter   metric.Int64Counter
	TxnLatencyHistogram  metric.Int64Histogram
	QueueDepthUpDown     metric.Int64UpDownCounter
	VersionConflictCount metric.Int64Counter
}

// NewTxnMetrics creates and registers the transaction manager metrics.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	txnsStartedCounter, err := meter.Int64Counter(
		"funnel.txn.started_total",
		metric.WithDescription("Total number of transactions dequeued for execution."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsHandledCounter, err := meter.Int64Counter(
		"funnel.txn.handled_total",
		metric.WithDescription("Total number of transactions completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnLatencyHistogram, err := meter.Int64Histogram(
		"funnel.txn.duration",
		metric.WithDescription("The execution latency of transactions."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queueDepthUpDown, err := meter.Int64UpDownCounter(
		"funnel.txn.queue_depth",
		metric.WithDescription("Number of transactions waiting in the task queue."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	versionConflictCount, err := meter.Int64Counter(
		"funnel.txn.version_conflicts_total",
		metric.WithDescription("Total number of commits rejected by the optimistic version check."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		TxnsStartedCounter:   txnsStartedCounter,
		TxnsHandledCounter:   txnsHandledCounter,
		TxnLatencyHistogram:  txnLatencyHistogram,
		QueueDepthUpDown:     queueDepthUpDown,
		VersionConflictCount: versionConflictCount,
	}, nil
}
