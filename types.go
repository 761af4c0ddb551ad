package goMFA

import (
	"encoding/json"
	"strings"
	"time"
)

// Profile is the per-user MFA state held by a [ProfileStore].
//
// TOTPSecret is ciphertext produced by the configured [SecretStore]; the
// engine decrypts it only for the duration of one verification.
// BackupCodeHashes only shrink between regenerations. LastTOTPStep only grows.
type Profile struct {
	UserID             string
	Enabled            bool
	Methods            FactorSet
	TOTPSecret         []byte
	BackupCodeHashes   []string
	FailedAttemptCount int
	LastSuccessAt      time.Time
	LastTOTPStep       int64

	Email            string
	EmailVerified    bool
	WhatsApp         string
	WhatsAppVerified bool
}

// Destination returns the verified destination on file for a delivery factor.
func (p *Profile) Destination(f Factor) (string, bool) {
	if p == nil {
		return "", false
	}
	switch f {
	case FactorEmail:
		return p.Email, p.Email != "" && p.EmailVerified
	case FactorWhatsApp:
		return p.WhatsApp, p.WhatsApp != "" && p.WhatsAppVerified
	default:
		return "", false
	}
}

// TrustedDevice is a device that may skip MFA until ExpiresAt. Deleting the
// row revokes every token issued for it.
type TrustedDevice struct {
	DeviceID        string
	UserID          string
	FingerprintHash string
	CreatedAt       time.Time
	LastSeenAt      time.Time
	ExpiresAt       time.Time
}

// PasskeyCredential is a registered WebAuthn credential.
type PasskeyCredential struct {
	ID              []byte
	UserID          string
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
	DeviceType      string
	Transports      []string
	FriendlyName    string
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// Passkey device types. A backup-eligible credential can sync across
// devices; any other credential is bound to one authenticator.
const (
	PasskeySingleDevice = "single_device"
	PasskeyMultiDevice  = "multi_device"
)

// PasskeyDeviceType derives the device type from the backup-eligible flag.
func PasskeyDeviceType(backupEligible bool) string {
	if backupEligible {
		return PasskeyMultiDevice
	}
	return PasskeySingleDevice
}

// PasskeyUser is the user view handed to the [WebAuthn] collaborator.
type PasskeyUser struct {
	UserID      string
	Name        string
	DisplayName string
	Credentials []PasskeyCredential
}

// PasskeyAssertion is the verified result of a WebAuthn login ceremony.
type PasskeyAssertion struct {
	CredentialID []byte
	SignCount    uint32
	UserVerified bool
	BackupState  bool
}

// AuditEntry is one append-only audit record. Diff never carries secrets,
// codes, or raw client addresses.
type AuditEntry struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	ActorID   string            `json:"actor_id,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Diff      map[string]string `json:"diff,omitempty"`
}

// Message is what a [ChannelSender] delivers. Params carries the code; a
// sender must not log it.
type Message struct {
	UserID      string
	Factor      Factor
	Destination string
	Template    string
	Params      map[string]string
}

// InitiateRequest starts a factor challenge for UserID.
type InitiateRequest struct {
	UserID string
	Factor Factor
	// DestinationHint, when set, must match the verified destination on file.
	DestinationHint string
	RememberDevice  bool
}

// InitiateResult describes the issued challenge. It never contains a code.
type InitiateResult struct {
	Factor Factor
	// Status is "sent" for delivered codes, "ready" for TOTP and backup codes,
	// and "challenge" for passkeys.
	Status      string
	ChallengeID string
	// Destination is masked ("j***@example.com", "*******4821").
	Destination    string
	ExpiresAt      time.Time
	PasskeyOptions json.RawMessage
	StateToken     string
}

// VerifyRequest submits proof for Factor. Token is the code, backup code, or
// the JSON assertion for passkeys (with StateToken from initiation).
type VerifyRequest struct {
	UserID         string
	Factor         Factor
	Token          string
	StateToken     string
	RememberDevice bool
	ClientIP       string
	UserAgent      string
}

// VerifyResult is returned on success.
type VerifyResult struct {
	UserID             string
	Factor             Factor
	RememberDevice     bool
	ElevationToken     string
	ElevationExpiresAt time.Time
	TrustedDevice      *TrustedDeviceGrant
	// AuditDiff is the diff recorded in the success audit entry.
	AuditDiff map[string]string
	// BackupCodesRemaining is set when Factor is FactorBackup.
	BackupCodesRemaining int
}

// TrustedDeviceGrant carries a freshly issued trusted-device token.
type TrustedDeviceGrant struct {
	DeviceID  string
	Token     string
	ExpiresAt time.Time
}

// FactorList summarizes a user's enrollment.
type FactorList struct {
	UserID               string
	Enabled              bool
	Factors              []Factor
	BackupCodesRemaining int
	PasskeyCount         int
	TrustedDeviceCount   int
	EmailDestination     string
	WhatsAppDestination  string
}

// Elevation is a validated elevation token.
type Elevation struct {
	UserID    string
	Factor    Factor
	TokenID   string
	ExpiresAt time.Time
}

// TOTPEnrollment is returned by BeginTOTPEnrollment. Secret and URI are shown
// to the user once.
type TOTPEnrollment struct {
	Secret    string
	URI       string
	ExpiresAt time.Time
}

// PasskeyRegistration is returned by BeginPasskeyRegistration.
type PasskeyRegistration struct {
	Options    json.RawMessage
	StateToken string
	ExpiresAt  time.Time
}

func maskDestination(f Factor, dest string) string {
	switch f {
	case FactorEmail:
		at := strings.LastIndexByte(dest, '@')
		if at <= 0 {
			return "***"
		}
		return dest[:1] + "***" + dest[at:]
	case FactorWhatsApp:
		if len(dest) <= 4 {
			return strings.Repeat("*", len(dest))
		}
		return strings.Repeat("*", len(dest)-4) + dest[len(dest)-4:]
	default:
		return ""
	}
}

func sameDestination(f Factor, a, b string) bool {
	switch f {
	case FactorEmail:
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	case FactorWhatsApp:
		return normalizeMSISDN(a) == normalizeMSISDN(b)
	default:
		return false
	}
}

func normalizeMSISDN(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
