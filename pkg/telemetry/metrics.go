package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal = "trade_gateway_orders_submitted_total"
	MetricOrdersRejectedTotal  = "trade_gateway_orders_rejected_total"
	MetricOrdersFilledTotal    = "trade_gateway_orders_filled_total"
	MetricOrdersCancelledTotal = "trade_gateway_orders_cancelled_total"
	MetricTradedVolumeTotal    = "trade_gateway_traded_volume_total"
	MetricTransportErrorsTotal = "trade_gateway_transport_errors_total"
	MetricClampedTotal         = "trade_gateway_reconcile_clamped_total"
	MetricOutboundDropped      = "trade_gateway_outbound_dropped_total"
	MetricVenueLatency         = "trade_gateway_venue_latency_ms"
	MetricOrdersLive           = "trade_gateway_orders_live"
	MetricSessionState         = "trade_gateway_session_state"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersSubmittedTotal metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersCancelledTotal metric.Int64Counter
	TradedVolumeTotal    metric.Float64Counter
	TransportErrorsTotal metric.Int64Counter
	ClampedTotal         metric.Int64Counter
	OutboundDropped      metric.Int64Counter
	VenueLatency         metric.Float64Histogram
	OrdersLive           metric.Int64ObservableGauge
	SessionState         metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	liveOrdersMap   map[string]int64
	sessionStateMap map[string]int64
	initialized     bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			liveOrdersMap:   make(map[string]int64),
			sessionStateMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Orders sent to a venue"))
	if err != nil {
		return err
	}
	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Orders ending in a rejection status"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Orders fully filled"))
	if err != nil {
		return err
	}
	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Orders cancelled with or without fills"))
	if err != nil {
		return err
	}
	m.TradedVolumeTotal, err = meter.Float64Counter(MetricTradedVolumeTotal, metric.WithDescription("Traded quantity"))
	if err != nil {
		return err
	}
	m.TransportErrorsTotal, err = meter.Int64Counter(MetricTransportErrorsTotal, metric.WithDescription("Venue requests failed at the transport layer"))
	if err != nil {
		return err
	}
	m.ClampedTotal, err = meter.Int64Counter(MetricClampedTotal, metric.WithDescription("Position counter decrements floored at zero"))
	if err != nil {
		return err
	}
	m.OutboundDropped, err = meter.Int64Counter(MetricOutboundDropped, metric.WithDescription("Outbound events dropped for slow subscribers"))
	if err != nil {
		return err
	}
	m.VenueLatency, err = meter.Float64Histogram(MetricVenueLatency, metric.WithDescription("Latency of venue requests"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersLive, err = meter.Int64ObservableGauge(MetricOrdersLive, metric.WithDescription("Orders currently in the live table"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.liveOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SessionState, err = meter.Int64ObservableGauge(MetricSessionState, metric.WithDescription("Gateway session state (0=prepared 1=connected 2=handshaking 3=ready 4=failed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.sessionStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Ready reports whether instruments were created. Recording helpers are no-ops before that.
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *MetricsHolder) SetLiveOrders(venue string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveOrdersMap[venue] = count
}

func (m *MetricsHolder) SetSessionState(venue string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionStateMap[venue] = state
}

func (m *MetricsHolder) GetLiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.liveOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetSessionState() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.sessionStateMap {
		res[k] = v
	}
	return res
}

// AddCounter increments an integer counter if metrics are initialized.
func (m *MetricsHolder) AddCounter(ctx context.Context, c metric.Int64Counter, venue string, attrs ...attribute.KeyValue) {
	if !m.Ready() || c == nil {
		return
	}
	attrs = append(attrs, attribute.String("venue", venue))
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// AddVolume records traded quantity if metrics are initialized.
func (m *MetricsHolder) AddVolume(ctx context.Context, venue, ticker string, qty float64) {
	if !m.Ready() || m.TradedVolumeTotal == nil {
		return
	}
	m.TradedVolumeTotal.Add(ctx, qty, metric.WithAttributes(
		attribute.String("venue", venue),
		attribute.String("ticker", ticker),
	))
}

// RecordLatency records a venue request latency if metrics are initialized.
func (m *MetricsHolder) RecordLatency(ctx context.Context, venue, op string, ms float64) {
	if !m.Ready() || m.VenueLatency == nil {
		return
	}
	m.VenueLatency.Record(ctx, ms, metric.WithAttributes(
		attribute.String("venue", venue),
		attribute.String("op", op),
	))
}
