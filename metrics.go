package goMFA

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or histogram.
type MetricID uint16

const (
	// MetricVerifySuccess counts successful factor verifications.
	MetricVerifySuccess MetricID = iota
	// MetricVerifyFailure counts failed factor verifications.
	MetricVerifyFailure
	// MetricReplayDetected counts rejected TOTP step reuse or non-increasing passkey counters.
	MetricReplayDetected
	// MetricRateLimited counts requests rejected by a rate-limit window.
	MetricRateLimited
	// MetricChallengeSent counts delivered email and WhatsApp challenges.
	MetricChallengeSent
	// MetricDeliveryFailed counts failed challenge deliveries.
	MetricDeliveryFailed
	// MetricBackupCodeUsed counts consumed backup codes.
	MetricBackupCodeUsed
	// MetricBackupCodesRegenerated counts backup-code regenerations.
	MetricBackupCodesRegenerated
	// MetricEnrollment counts completed factor enrollments.
	MetricEnrollment
	// MetricLockoutSuggested counts failures at or above the lockout threshold.
	MetricLockoutSuggested
	// MetricTrustedDeviceIssued counts issued trusted-device tokens.
	MetricTrustedDeviceIssued
	// MetricTrustedDeviceAccepted counts accepted trusted-device tokens.
	MetricTrustedDeviceAccepted
	// MetricTrustedDeviceRejected counts rejected trusted-device tokens.
	MetricTrustedDeviceRejected
	// MetricTrustedDeviceRevoked counts revoked trusted devices.
	MetricTrustedDeviceRevoked
	// MetricReset counts administrative MFA resets.
	MetricReset
	// MetricDisabled counts users who turned MFA off themselves.
	MetricDisabled
	// MetricVerifyLatency is the latency histogram of VerifyFactor.
	MetricVerifyLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters record.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram for id. Only MetricVerifyLatency has buckets.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricVerifyLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value returns the current count for id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricVerifyLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricVerifyLatency].buckets[i])
		}
		s.Histograms[MetricVerifyLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
