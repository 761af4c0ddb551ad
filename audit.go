package goMFA

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

const (
	auditChallengeSent          = "mfa.challenge_sent"
	auditDeliveryFailed         = "mfa.delivery_failed"
	auditSuccess                = "mfa.success"
	auditBackupSuccess          = "mfa.backup_success"
	auditFailed                 = "mfa.failed"
	auditReplayDetected         = "mfa.replay_detected"
	auditRateLimited            = "mfa.rate_limited"
	auditDeviceTrusted          = "mfa.device_trusted"
	auditDeviceRevoked          = "mfa.device_revoked"
	auditReset                  = "mfa.reset"
	auditDisabled               = "mfa.disabled"
	auditDisableFailed          = "mfa.disable_failed"
	auditTOTPEnrollmentStarted  = "mfa.totp_enrollment_started"
	auditTOTPEnrolled           = "mfa.totp_enrolled"
	auditBackupCodesRegenerated = "mfa.backup_codes_regenerated"
	auditPasskeyRegistered      = "mfa.passkey_registered"
	auditContactEnrolled        = "mfa.contact_enrolled"
)

// NopAuditLog discards entries.
type NopAuditLog struct{}

// Append implements [AuditLog].
func (NopAuditLog) Append(context.Context, AuditEntry) error { return nil }

// ChannelAuditLog forwards entries to a buffered channel. Useful in tests
// and for fan-out to in-process consumers.
type ChannelAuditLog struct {
	entries chan AuditEntry
}

// NewChannelAuditLog returns a log with the given buffer.
func NewChannelAuditLog(buffer int) *ChannelAuditLog {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelAuditLog{
		entries: make(chan AuditEntry, buffer),
	}
}

// Append implements [AuditLog]. It blocks until there is room or ctx ends.
func (l *ChannelAuditLog) Append(ctx context.Context, entry AuditEntry) error {
	select {
	case l.entries <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries exposes the receive side.
func (l *ChannelAuditLog) Entries() <-chan AuditEntry {
	return l.entries
}

// JSONWriterAuditLog writes one JSON object per line.
type JSONWriterAuditLog struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterAuditLog wraps w.
func NewJSONWriterAuditLog(w io.Writer) *JSONWriterAuditLog {
	return &JSONWriterAuditLog{
		writer: w,
	}
}

// Append implements [AuditLog].
func (l *JSONWriterAuditLog) Append(_ context.Context, entry AuditEntry) error {
	if l == nil || l.writer == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(data)
	return err
}
