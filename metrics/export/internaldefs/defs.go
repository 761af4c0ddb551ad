package internaldefs

import (
	goMFA "github.com/MrEthical07/goMFA"
)

// CounterDef maps an engine counter to its exported name.
type CounterDef struct {
	ID   goMFA.MetricID
	Name string
	Help string
}

// HistogramDef maps an engine histogram to its exported name.
type HistogramDef struct {
	ID   goMFA.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goMFA.MetricVerifySuccess, Name: "gomfa_verify_success_total", Help: "Successful factor verifications."},
	{ID: goMFA.MetricVerifyFailure, Name: "gomfa_verify_failure_total", Help: "Failed factor verifications."},
	{ID: goMFA.MetricReplayDetected, Name: "gomfa_replay_detected_total", Help: "Rejected replays of consumed codes, steps or sign counts."},
	{ID: goMFA.MetricRateLimited, Name: "gomfa_rate_limited_total", Help: "Requests rejected by the rate limiter."},
	{ID: goMFA.MetricChallengeSent, Name: "gomfa_challenge_sent_total", Help: "Codes delivered over email or WhatsApp."},
	{ID: goMFA.MetricDeliveryFailed, Name: "gomfa_delivery_failed_total", Help: "Code deliveries the channel rejected or timed out."},
	{ID: goMFA.MetricBackupCodeUsed, Name: "gomfa_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: goMFA.MetricBackupCodesRegenerated, Name: "gomfa_backup_codes_regenerated_total", Help: "Backup code set replacements."},
	{ID: goMFA.MetricEnrollment, Name: "gomfa_enrollment_total", Help: "Completed factor enrollments."},
	{ID: goMFA.MetricLockoutSuggested, Name: "gomfa_lockout_suggested_total", Help: "Failures that crossed the lockout threshold."},
	{ID: goMFA.MetricTrustedDeviceIssued, Name: "gomfa_trusted_device_issued_total", Help: "Trusted-device tokens issued."},
	{ID: goMFA.MetricTrustedDeviceAccepted, Name: "gomfa_trusted_device_accepted_total", Help: "Trusted-device tokens accepted."},
	{ID: goMFA.MetricTrustedDeviceRejected, Name: "gomfa_trusted_device_rejected_total", Help: "Trusted-device tokens rejected."},
	{ID: goMFA.MetricTrustedDeviceRevoked, Name: "gomfa_trusted_device_revoked_total", Help: "Trusted devices revoked."},
	{ID: goMFA.MetricReset, Name: "gomfa_reset_total", Help: "Administrative MFA resets."},
	{ID: goMFA.MetricDisabled, Name: "gomfa_disabled_total", Help: "Users who turned MFA off."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goMFA.MetricVerifyLatency, Name: "gomfa_verify_latency_seconds", Help: "VerifyFactor latency."},
}

// Audit pipeline counters read from the engine rather than the snapshot.
const (
	AuditDroppedName = "gomfa_audit_dropped_total"
	AuditDroppedHelp = "Audit entries dropped because the buffer was full."
	AuditFailedName  = "gomfa_audit_failed_total"
	AuditFailedHelp  = "Audit entries the audit log rejected."
)

// HistogramUpperBounds are the finite bucket bounds in seconds. The engine
// keeps one extra overflow bucket.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket, overflow last, for exporters that
// publish buckets as separate gauges.
var HistogramBoundSuffix = []string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}

// BucketCount is the number of engine buckets including overflow.
const BucketCount = 8

// Cumulative converts raw per-bucket counts into running totals. Short or
// nil input is zero-padded.
func Cumulative(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < BucketCount; i++ {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
