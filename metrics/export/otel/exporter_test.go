package otel

import (
	"context"
	"testing"

	goMFA "github.com/MrEthical07/goMFA"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	snapshot goMFA.MetricsSnapshot
	dropped  uint64
	failed   uint64
}

func (f *fakeSource) MetricsSnapshot() goMFA.MetricsSnapshot { return f.snapshot }
func (f *fakeSource) AuditDropped() uint64                   { return f.dropped }
func (f *fakeSource) AuditFailed() uint64                    { return f.failed }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("%s: unexpected data %T", m.Name, m.Data)
	}
	return sum.DataPoints[0].Value
}

func TestExporterCollects(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	src := &fakeSource{
		snapshot: goMFA.MetricsSnapshot{
			Counters: map[goMFA.MetricID]uint64{goMFA.MetricVerifySuccess: 3},
			Histograms: map[goMFA.MetricID][]uint64{
				goMFA.MetricVerifyLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 2,
		failed:  1,
	}
	exp, err := New(provider.Meter("gomfa-test"), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = exp.Close() }()

	got := collect(t, reader)
	if v := sumValue(t, got["gomfa_verify_success_total"]); v != 3 {
		t.Fatalf("verify_success = %d, want 3", v)
	}
	if v := sumValue(t, got["gomfa_audit_dropped_total"]); v != 2 {
		t.Fatalf("audit_dropped = %d, want 2", v)
	}
	if v := sumValue(t, got["gomfa_audit_failed_total"]); v != 1 {
		t.Fatalf("audit_failed = %d, want 1", v)
	}

	gauge, ok := got["gomfa_verify_latency_seconds_bucket"].Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("bucket gauge missing: %#v", got["gomfa_verify_latency_seconds_bucket"])
	}
	if len(gauge.DataPoints) != 8 {
		t.Fatalf("expected 8 bucket points, got %d", len(gauge.DataPoints))
	}
	for _, dp := range gauge.DataPoints {
		if le, _ := dp.Attributes.Value(attribute.Key("le")); le.AsString() == "+Inf" && dp.Value != 8 {
			t.Fatalf("+Inf bucket = %d, want 8", dp.Value)
		}
	}
}

func TestExporterUpdatesBetweenCollections(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	src := &fakeSource{snapshot: goMFA.MetricsSnapshot{Counters: map[goMFA.MetricID]uint64{goMFA.MetricReset: 1}}}
	exp, err := New(provider.Meter("gomfa-test"), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = exp.Close() }()

	if v := sumValue(t, collect(t, reader)["gomfa_reset_total"]); v != 1 {
		t.Fatalf("first collection = %d", v)
	}
	src.snapshot.Counters[goMFA.MetricReset] = 4
	if v := sumValue(t, collect(t, reader)["gomfa_reset_total"]); v != 4 {
		t.Fatalf("second collection = %d", v)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
	provider := sdkmetric.NewMeterProvider()
	if _, err := New(provider.Meter("x"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
}
