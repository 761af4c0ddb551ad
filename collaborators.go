package goMFA

import (
	"context"
	"encoding/json"
	"time"
)

// ProfileStore persists MFA profiles, passkeys and trusted devices.
//
// Methods returning (bool, error) are compare-and-set operations and must be
// atomic with respect to concurrent callers: exactly one caller observes true
// for a given transition.
type ProfileStore interface {
	// GetProfile returns ErrProfileNotFound for users without MFA state.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// SetTOTPSecret stores the sealed secret, enables TOTP and sets the step watermark.
	SetTOTPSecret(ctx context.Context, userID string, sealed []byte, step int64) error
	// AdvanceTOTPStep sets LastTOTPStep to step only if step is greater.
	AdvanceTOTPStep(ctx context.Context, userID string, step int64) (bool, error)

	// ReplaceBackupCodes swaps the full hash list and enables the backup factor.
	ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error
	// ConsumeBackupCode removes exactly the stored hash if it is still present.
	ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error)

	// SetContact records a verified email address or WhatsApp number and enables the factor.
	SetContact(ctx context.Context, userID string, factor Factor, destination string) error

	// RecordFailure increments the consecutive failure counter and returns the new value.
	RecordFailure(ctx context.Context, userID string) (int, error)
	// RecordSuccess resets the failure counter and sets LastSuccessAt.
	RecordSuccess(ctx context.Context, userID string, at time.Time) error

	ListPasskeys(ctx context.Context, userID string) ([]PasskeyCredential, error)
	// AddPasskey stores a credential and enables the passkey factor.
	AddPasskey(ctx context.Context, cred PasskeyCredential) error
	// UpdatePasskeyUsage stores signCount and at only if signCount is greater
	// than the stored count, or both are zero.
	UpdatePasskeyUsage(ctx context.Context, userID string, credentialID []byte, signCount uint32, at time.Time) (bool, error)

	PutTrustedDevice(ctx context.Context, device TrustedDevice) error
	// GetTrustedDevice returns ErrDeviceNotFound for unknown or revoked devices.
	GetTrustedDevice(ctx context.Context, userID, deviceID string) (*TrustedDevice, error)
	TouchTrustedDevice(ctx context.Context, userID, deviceID string, at time.Time) error
	DeleteTrustedDevice(ctx context.Context, userID, deviceID string) (bool, error)
	CountTrustedDevices(ctx context.Context, userID string, now time.Time) (int, error)

	// ResetProfile removes every factor, passkey and trusted device of the user.
	ResetProfile(ctx context.Context, userID string) error
}

// SecretStore seals and opens factor secrets at rest. userID binds the
// ciphertext to its owner.
type SecretStore interface {
	Seal(ctx context.Context, userID string, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, userID string, ciphertext []byte) ([]byte, error)
}

// ChannelSender delivers a templated message to one destination.
type ChannelSender interface {
	Send(ctx context.Context, msg Message) error
}

// WebAuthn runs the WebAuthn ceremonies. Options and responses are the JSON
// exchanged with the browser; session is opaque state the engine stores
// between the two halves of a ceremony.
type WebAuthn interface {
	BeginLogin(ctx context.Context, user PasskeyUser) (options json.RawMessage, session []byte, err error)
	FinishLogin(ctx context.Context, user PasskeyUser, session []byte, response json.RawMessage) (*PasskeyAssertion, error)
	BeginRegistration(ctx context.Context, user PasskeyUser) (options json.RawMessage, session []byte, err error)
	FinishRegistration(ctx context.Context, user PasskeyUser, session []byte, response json.RawMessage) (*PasskeyCredential, error)
}

// AuditLog appends audit entries. Implementations must never update or
// delete prior entries.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}
