package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricStageLatency        = "engine_stage_latency_ms"
	MetricEventsProcessed     = "engine_events_processed_total"
	MetricRiskDecisions       = "engine_risk_decisions_total"
	MetricOrderOutcomes       = "engine_order_outcomes_total"
	MetricStrategyFailures    = "engine_strategy_failures_total"
	MetricDroppedMeasurements = "engine_statistics_dropped_total"
	MetricQueueDepth          = "engine_queue_depth"
	MetricCircuitBreakerState = "engine_circuit_breaker_state"
	MetricPositionSize        = "engine_position_size"
	MetricExposure            = "engine_exposure_notional"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	StageLatency        metric.Float64Histogram
	EventsProcessed     metric.Int64Counter
	RiskDecisions       metric.Int64Counter
	OrderOutcomes       metric.Int64Counter
	StrategyFailures    metric.Int64Counter
	DroppedMeasurements metric.Int64Counter
	QueueDepth          metric.Int64ObservableGauge
	CircuitBreakerState metric.Int64ObservableGauge
	PositionSize        metric.Float64ObservableGauge
	Exposure            metric.Float64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	queueDepthMap   map[string]int64
	breakerState    int64
	positionSizeMap map[string]float64
	exposureMap     map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are
// created on the global meter, which delegates to whatever provider Setup
// installs later.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = newMetricsHolder()
		if err := globalMetrics.InitMetrics(otel.GetMeterProvider().Meter(instrumentationName)); err != nil {
			otel.Handle(err)
		}
	})
	return globalMetrics
}

func newMetricsHolder() *MetricsHolder {
	return &MetricsHolder{
		queueDepthMap:   make(map[string]int64),
		positionSizeMap: make(map[string]float64),
		exposureMap:     make(map[string]float64),
	}
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.StageLatency, err = meter.Float64Histogram(MetricStageLatency,
		metric.WithDescription("Latency of each pipeline stage"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.EventsProcessed, err = meter.Int64Counter(MetricEventsProcessed, metric.WithDescription("Market events delivered to strategies"))
	if err != nil {
		return err
	}

	m.RiskDecisions, err = meter.Int64Counter(MetricRiskDecisions, metric.WithDescription("Risk gate decisions by kind and reason"))
	if err != nil {
		return err
	}

	m.OrderOutcomes, err = meter.Int64Counter(MetricOrderOutcomes, metric.WithDescription("Orders reaching a terminal state"))
	if err != nil {
		return err
	}

	m.StrategyFailures, err = meter.Int64Counter(MetricStrategyFailures, metric.WithDescription("Strategy errors and panics"))
	if err != nil {
		return err
	}

	m.DroppedMeasurements, err = meter.Int64Counter(MetricDroppedMeasurements, metric.WithDescription("Statistics records dropped under saturation"))
	if err != nil {
		return err
	}

	// Observables
	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Pending market events per shard"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for shard, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("shard", shard)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerState, err = meter.Int64ObservableGauge(MetricCircuitBreakerState, metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.breakerState)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Confirmed signed position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Exposure, err = meter.Float64ObservableGauge(MetricExposure, metric.WithDescription("Committed plus reserved notional exposure"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.exposureMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetQueueDepth(shard string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[shard] = depth
}

func (m *MetricsHolder) SetCircuitBreakerState(state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerState = state
}

func (m *MetricsHolder) SetPositionSize(instrument string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[instrument] = size
}

func (m *MetricsHolder) SetExposure(instrument string, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposureMap[instrument] = notional
}

func (m *MetricsHolder) GetCircuitBreakerState() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakerState
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.positionSizeMap))
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetExposure() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.exposureMap))
	for k, v := range m.exposureMap {
		res[k] = v
	}
	return res
}
