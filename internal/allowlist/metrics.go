package allowlist

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/geyserpub/internal/infra/telemetry"
)

type refreshMetrics struct {
	refreshes     metric.Int64Counter
	fetchDuration metric.Float64Histogram
	size          metric.Registration
}

func newRefreshMetrics(meter metric.Meter, cache *Cache) *refreshMetrics {
	m := new(refreshMetrics)
	m.refreshes, _ = meter.Int64Counter("allowlist.refresh",
		metric.WithDescription("Remote allowlist refresh attempts by result"),
		metric.WithUnit("{attempt}"))
	m.fetchDuration, _ = meter.Float64Histogram("allowlist.fetch.duration",
		metric.WithDescription("Latency of remote allowlist fetches"),
		metric.WithUnit("ms"))
	gauge, err := meter.Int64ObservableGauge("allowlist.size",
		metric.WithDescription("Programs in the combined static and remote allowlist"),
		metric.WithUnit("{program}"))
	if err != nil {
		return m
	}
	m.size, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(len(cache.Load().Combined)), metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrAllowlistSource.String(cache.Source())))
		return nil
	}, gauge)
	return m
}

// unregister detaches the size gauge so a stopped refresher no longer reports its cache.
func (m *refreshMetrics) unregister() {
	if m == nil || m.size == nil {
		return
	}
	_ = m.size.Unregister()
	m.size = nil
}

func (m *refreshMetrics) recordRefresh(ctx context.Context, source string, ok bool, reason string) {
	if m == nil || m.refreshes == nil {
		return
	}
	result := telemetry.ResultSuccess
	if !ok {
		result = telemetry.ResultFailure
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		telemetry.RefreshAttributes(telemetry.Environment(), source, result, reason)...))
}

func (m *refreshMetrics) recordFetchDuration(ctx context.Context, d time.Duration, source string) {
	if m == nil || m.fetchDuration == nil {
		return
	}
	m.fetchDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrAllowlistSource.String(source)))
}
