package goMFA

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricVerifySuccess)

	if got := m.Value(MetricVerifySuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if s := m.Snapshot(); len(s.Counters) != 0 {
		t.Fatalf("expected empty snapshot, got %v", s.Counters)
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricReplayDetected)
	m.Inc(MetricReplayDetected)
	m.Inc(MetricReplayDetected)

	if got := m.Value(MetricReplayDetected); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers = 32
	const perWorker = 1000
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricVerifyFailure)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricVerifyFailure); got != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricReset)
	m.Observe(MetricVerifyLatency, time.Millisecond)
	if m.Enabled() || m.Value(MetricReset) != 0 {
		t.Fatal("nil metrics should record nothing")
	}
	if s := m.Snapshot(); s.Counters == nil || s.Histograms == nil {
		t.Fatal("nil metrics snapshot should have empty maps")
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	for _, d := range []time.Duration{
		time.Millisecond,
		7 * time.Millisecond,
		40 * time.Millisecond,
		300 * time.Millisecond,
		2 * time.Second,
	} {
		m.Observe(MetricVerifyLatency, d)
	}
	m.Observe(MetricVerifySuccess, time.Millisecond)

	s := m.Snapshot()
	got := s.Histograms[MetricVerifyLatency]
	want := []uint64{1, 1, 0, 1, 0, 0, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("expected %d buckets, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bucket %d: expected %d, got %d (%v)", i, want[i], got[i], got)
		}
	}
	if _, ok := s.Counters[MetricVerifyLatency]; ok {
		t.Fatal("latency id should not appear as a counter")
	}
}

func TestMetricsLatencyDisabledOmitsHistogram(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricVerifyLatency, time.Millisecond)
	if _, ok := m.Snapshot().Histograms[MetricVerifyLatency]; ok {
		t.Fatal("histogram should be absent when latency is disabled")
	}
}

func TestMetricsLatencyRequiresEnabledCounters(t *testing.T) {
	m := &Metrics{enableLatency: true}
	m.Observe(MetricVerifyLatency, time.Millisecond)
	for i, n := range m.histograms[MetricVerifyLatency].buckets {
		if n != 0 {
			t.Fatalf("bucket %d recorded %d with metrics disabled", i, n)
		}
	}
}
