package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricFillsProcessedTotal = "gridmaker_fills_processed_total"
	MetricFillsSkippedTotal   = "gridmaker_fills_skipped_total"
	MetricBatchesTotal        = "gridmaker_batches_total"
	MetricOperationsTotal     = "gridmaker_operations_total"
	MetricRotationsTotal      = "gridmaker_rotations_total"
	MetricBatchLatency        = "gridmaker_batch_latency_ms"
	MetricFillQueueDepth      = "gridmaker_fill_queue_depth"
	MetricActiveOrders        = "gridmaker_active_orders"
	MetricDivergenceRMS       = "gridmaker_divergence_rms"
)

// GridMetrics holds the instruments of one engine instance
type GridMetrics struct {
	bot attribute.KeyValue

	FillsProcessed metric.Int64Counter
	FillsSkipped   metric.Int64Counter
	Batches        metric.Int64Counter
	Operations     metric.Int64Counter
	Rotations      metric.Int64Counter
	BatchLatency   metric.Float64Histogram

	// State for observable gauges
	mu           sync.RWMutex
	queueDepth   int64
	activeOrders map[string]int64
	divergence   map[string]float64
}

// NewGridMetrics registers the grid instruments on meter
func NewGridMetrics(bot string, meter metric.Meter) (*GridMetrics, error) {
	m := &GridMetrics{
		bot:          attribute.String("bot", bot),
		activeOrders: make(map[string]int64),
		divergence:   make(map[string]float64),
	}

	var err error
	m.FillsProcessed, err = meter.Int64Counter(MetricFillsProcessedTotal, metric.WithDescription("Fills accepted and rebalanced"))
	if err != nil {
		return nil, err
	}
	m.FillsSkipped, err = meter.Int64Counter(MetricFillsSkippedTotal, metric.WithDescription("Fills skipped as duplicate, taker or unknown"))
	if err != nil {
		return nil, err
	}
	m.Batches, err = meter.Int64Counter(MetricBatchesTotal, metric.WithDescription("Batches submitted to the venue"))
	if err != nil {
		return nil, err
	}
	m.Operations, err = meter.Int64Counter(MetricOperationsTotal, metric.WithDescription("Venue operations submitted"))
	if err != nil {
		return nil, err
	}
	m.Rotations, err = meter.Int64Counter(MetricRotationsTotal, metric.WithDescription("Fill-triggered rotations"))
	if err != nil {
		return nil, err
	}
	m.BatchLatency, err = meter.Float64Histogram(MetricBatchLatency, metric.WithDescription("Batch submission latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(MetricFillQueueDepth, metric.WithDescription("Fills waiting in the incoming queue"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.queueDepth, metric.WithAttributes(m.bot))
			return nil
		}))
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(MetricActiveOrders, metric.WithDescription("Grid slots holding a remote order"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for side, v := range m.activeOrders {
				obs.Observe(v, metric.WithAttributes(m.bot, attribute.String("side", side)))
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}

	_, err = meter.Float64ObservableGauge(MetricDivergenceRMS, metric.WithDescription("RMS divergence between calculated and persisted grid"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for side, v := range m.divergence {
				obs.Observe(v, metric.WithAttributes(m.bot, attribute.String("side", side)))
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Attrs returns the bot attribute merged with extra attributes
func (m *GridMetrics) Attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{m.bot}, extra...)...)
}

func (m *GridMetrics) SetQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = int64(depth)
}

func (m *GridMetrics) SetActiveOrders(side string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrders[side] = int64(count)
}

func (m *GridMetrics) SetDivergence(side string, rms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.divergence[side] = rms
}

func (m *GridMetrics) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.activeOrders))
	for k, v := range m.activeOrders {
		res[k] = v
	}
	return res
}

// NopGridMetrics returns instruments backed by a no-op meter
func NopGridMetrics(bot string) *GridMetrics {
	m, _ := NewGridMetrics(bot, noop.NewMeterProvider().Meter("noop"))
	return m
}
