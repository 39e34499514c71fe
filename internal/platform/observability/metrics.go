package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all gateway cache metrics
type Metrics struct {
	meter metric.Meter

	// Cache tier metrics
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	CacheEvictions metric.Int64Counter

	// Smart cache metrics
	BackgroundRefreshes metric.Int64Counter
	RefreshFailures     metric.Int64Counter
	StaleServed         metric.Int64Counter
	FetchDuration       metric.Float64Histogram

	// Symbol transform metrics
	TransformDuration metric.Float64Histogram
	TransformBatch    metric.Int64Counter
	RuleSourceCalls   metric.Int64Counter

	// Stream cache metrics
	StreamCompressions metric.Int64Counter

	// Memory pressure metrics
	MemoryUsageRatio metric.Float64Gauge
	PressureEvicted  metric.Int64Counter

	exporter *prometheus.Exporter
}

// NewMetrics creates a new Metrics instance. When disabled, all record
// helpers are no-ops.
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

func (m *Metrics) initMetrics() error {
	var err error

	if m.CacheHits, err = m.meter.Int64Counter("cache_hits_total",
		metric.WithDescription("Cache hits by tier")); err != nil {
		return err
	}
	if m.CacheMisses, err = m.meter.Int64Counter("cache_misses_total",
		metric.WithDescription("Cache misses by tier")); err != nil {
		return err
	}
	if m.CacheEvictions, err = m.meter.Int64Counter("cache_evictions_total",
		metric.WithDescription("Entries evicted by tier")); err != nil {
		return err
	}
	if m.BackgroundRefreshes, err = m.meter.Int64Counter("smart_cache_background_refreshes_total",
		metric.WithDescription("Background refreshes scheduled")); err != nil {
		return err
	}
	if m.RefreshFailures, err = m.meter.Int64Counter("smart_cache_refresh_failures_total",
		metric.WithDescription("Failed upstream fetches")); err != nil {
		return err
	}
	if m.StaleServed, err = m.meter.Int64Counter("smart_cache_stale_served_total",
		metric.WithDescription("Responses served from stale entries")); err != nil {
		return err
	}
	if m.FetchDuration, err = m.meter.Float64Histogram("smart_cache_fetch_duration_seconds",
		metric.WithDescription("Upstream fetch duration")); err != nil {
		return err
	}
	if m.TransformDuration, err = m.meter.Float64Histogram("symbol_transform_duration_seconds",
		metric.WithDescription("Symbol batch transform duration")); err != nil {
		return err
	}
	if m.TransformBatch, err = m.meter.Int64Counter("symbol_transform_symbols_total",
		metric.WithDescription("Symbols processed by transform batches")); err != nil {
		return err
	}
	if m.RuleSourceCalls, err = m.meter.Int64Counter("symbol_rule_source_calls_total",
		metric.WithDescription("Round trips to the mapping rule source")); err != nil {
		return err
	}
	if m.StreamCompressions, err = m.meter.Int64Counter("stream_cache_compressions_total",
		metric.WithDescription("Stream payloads stored compressed")); err != nil {
		return err
	}
	if m.MemoryUsageRatio, err = m.meter.Float64Gauge("cache_memory_usage_ratio",
		metric.WithDescription("Sampled memory usage ratio")); err != nil {
		return err
	}
	if m.PressureEvicted, err = m.meter.Int64Counter("cache_pressure_evicted_total",
		metric.WithDescription("Entries evicted under memory pressure")); err != nil {
		return err
	}

	return nil
}

// RecordCacheHit records a hit on the named tier
func (m *Metrics) RecordCacheHit(ctx context.Context, tier string) {
	if m.CacheHits == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordCacheMiss records a miss on the named tier
func (m *Metrics) RecordCacheMiss(ctx context.Context, tier string) {
	if m.CacheMisses == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// Handler returns the Prometheus scrape handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
