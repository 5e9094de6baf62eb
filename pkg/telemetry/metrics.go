package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal   = "gridbot_orders_placed_total"
	MetricOrdersFilledTotal   = "gridbot_orders_filled_total"
	MetricOrdersTimedOutTotal = "gridbot_orders_timed_out_total"
	MetricOpenLots            = "gridbot_open_lots"
	MetricPendingBuys         = "gridbot_pending_buy_orders"
	MetricNextLevel           = "gridbot_next_level"
	MetricReconciliations     = "gridbot_reconciliation_runs_total"
	MetricOrphansRemediated   = "gridbot_orphan_lots_total"
	MetricEventLatency        = "gridbot_event_processing_latency_seconds"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersTimedOutTotal metric.Int64Counter
	Reconciliations     metric.Int64Counter
	OrphansRemediated   metric.Int64Counter
	EventLatency        metric.Float64Histogram
	OpenLots            metric.Int64ObservableGauge
	PendingBuys         metric.Int64ObservableGauge
	NextLevel           metric.Int64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	openLotsVal    int64
	pendingBuysVal int64
	nextLevelVal   int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders submitted to the broker"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total fill notifications processed"))
	if err != nil {
		return err
	}

	m.OrdersTimedOutTotal, err = meter.Int64Counter(MetricOrdersTimedOutTotal, metric.WithDescription("Total orders cancelled after wait timeout"))
	if err != nil {
		return err
	}

	m.Reconciliations, err = meter.Int64Counter(MetricReconciliations, metric.WithDescription("Total reconciliation passes"))
	if err != nil {
		return err
	}

	m.OrphansRemediated, err = meter.Int64Counter(MetricOrphansRemediated, metric.WithDescription("Total orphan positions converted into managed lots"))
	if err != nil {
		return err
	}

	m.EventLatency, err = meter.Float64Histogram(MetricEventLatency, metric.WithDescription("Latency of one serialized unit of work"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.OpenLots, err = meter.Int64ObservableGauge(MetricOpenLots, metric.WithDescription("Number of open lots"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openLotsVal)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PendingBuys, err = meter.Int64ObservableGauge(MetricPendingBuys, metric.WithDescription("Outstanding conditional buy orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pendingBuysVal)
			return nil
		}))
	if err != nil {
		return err
	}

	m.NextLevel, err = meter.Int64ObservableGauge(MetricNextLevel, metric.WithDescription("Next grid level to be bought"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.nextLevelVal)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetInventoryGauges updates the observable gauge state.
func (m *MetricsHolder) SetInventoryGauges(openLots, pendingBuys, nextLevel int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openLotsVal = openLots
	m.pendingBuysVal = pendingBuys
	m.nextLevelVal = nextLevel
}

// RecordEventLatency observes how long one serialized unit of work took.
func (m *MetricsHolder) RecordEventLatency(ctx context.Context, d time.Duration) {
	if m.EventLatency != nil {
		m.EventLatency.Record(ctx, d.Seconds())
	}
}

// RecordFill is a convenience for counting fills by side.
func (m *MetricsHolder) RecordFill(ctx context.Context, side string) {
	if m.OrdersFilledTotal != nil {
		m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
	}
}
