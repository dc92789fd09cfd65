package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricDiscoveryCyclesTotal = "sniper_discovery_cycles_total"
	MetricNewListingsTotal     = "sniper_new_listings_total"
	MetricTargetsCreatedTotal  = "sniper_targets_created_total"
	MetricTargetsMissedTotal   = "sniper_targets_missed_total"
	MetricDiscoveryErrorsTotal = "sniper_discovery_errors_total"
	MetricUpstreamLatency      = "sniper_upstream_latency_ms"
	MetricAdvanceNoticeHours   = "sniper_advance_notice_hours"
	MetricListingsMonitored    = "sniper_listings_monitored"
	MetricTargetsPending       = "sniper_targets_pending"
	MetricCacheHitsTotal       = "sniper_cache_hits_total"
	MetricCacheMissesTotal     = "sniper_cache_misses_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	DiscoveryCyclesTotal metric.Int64Counter
	NewListingsTotal     metric.Int64Counter
	TargetsCreatedTotal  metric.Int64Counter
	TargetsMissedTotal   metric.Int64Counter
	DiscoveryErrorsTotal metric.Int64Counter
	UpstreamLatency      metric.Float64Histogram
	AdvanceNoticeHours   metric.Float64Histogram
	ListingsMonitored    metric.Int64ObservableGauge
	TargetsPending       metric.Int64ObservableGauge
	CacheHitsTotal       metric.Int64Counter
	CacheMissesTotal     metric.Int64Counter

	// State for observable gauges
	mu                   sync.RWMutex
	listingsMonitoredVal int64
	targetsPendingVal    int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.DiscoveryCyclesTotal, err = meter.Int64Counter(MetricDiscoveryCyclesTotal, metric.WithDescription("Total discovery cycles executed"))
	if err != nil {
		return err
	}

	m.NewListingsTotal, err = meter.Int64Counter(MetricNewListingsTotal, metric.WithDescription("Total new calendar listings discovered"))
	if err != nil {
		return err
	}

	m.TargetsCreatedTotal, err = meter.Int64Counter(MetricTargetsCreatedTotal, metric.WithDescription("Total snipe targets created from ready symbols"))
	if err != nil {
		return err
	}

	m.TargetsMissedTotal, err = meter.Int64Counter(MetricTargetsMissedTotal, metric.WithDescription("Total symbols that became ready with insufficient advance notice"))
	if err != nil {
		return err
	}

	m.DiscoveryErrorsTotal, err = meter.Int64Counter(MetricDiscoveryErrorsTotal, metric.WithDescription("Total discovery cycle errors"))
	if err != nil {
		return err
	}

	m.UpstreamLatency, err = meter.Float64Histogram(MetricUpstreamLatency, metric.WithDescription("Latency of upstream exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.AdvanceNoticeHours, err = meter.Float64Histogram(MetricAdvanceNoticeHours, metric.WithDescription("Hours between readiness detection and scheduled launch"), metric.WithUnit("h"))
	if err != nil {
		return err
	}

	m.CacheHitsTotal, err = meter.Int64Counter(MetricCacheHitsTotal, metric.WithDescription("Total cache hits"))
	if err != nil {
		return err
	}

	m.CacheMissesTotal, err = meter.Int64Counter(MetricCacheMissesTotal, metric.WithDescription("Total cache misses"))
	if err != nil {
		return err
	}

	// Observables
	m.ListingsMonitored, err = meter.Int64ObservableGauge(MetricListingsMonitored, metric.WithDescription("Number of listings currently monitored for readiness"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.listingsMonitoredVal)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TargetsPending, err = meter.Int64ObservableGauge(MetricTargetsPending, metric.WithDescription("Number of snipe targets awaiting execution"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.targetsPendingVal)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetListingsMonitored(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listingsMonitoredVal = count
}

func (m *MetricsHolder) SetTargetsPending(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targetsPendingVal = count
}

func (m *MetricsHolder) GetListingsMonitored() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listingsMonitoredVal
}

func (m *MetricsHolder) GetTargetsPending() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targetsPendingVal
}

// RecordAdvanceNotice records the advance notice histogram with a symbol attribute.
func (m *MetricsHolder) RecordAdvanceNotice(ctx context.Context, symbol string, hours float64) {
	if m.AdvanceNoticeHours == nil {
		return
	}
	m.AdvanceNoticeHours.Record(ctx, hours, metric.WithAttributes(attribute.String("symbol", symbol)))
}
