package goMFA

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config defines the tunables of the MFA engine.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	TOTP          TOTPConfig
	OTP           OTPConfig
	Backup        BackupConfig
	Passkey       PasskeyConfig
	RateLimit     RateLimitConfig
	Elevation     ElevationConfig
	TrustedDevice TrustedDeviceConfig
	Security      SecurityConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls authenticator-app codes.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
	// Skew is the number of steps accepted on either side of the current step.
	Skew int
	// EnrollmentTTL bounds how long a generated secret waits for confirmation.
	EnrollmentTTL time.Duration
}

/*
====================================
OTP CONFIG
====================================
*/

// OTPConfig controls email and WhatsApp one-time codes.
type OTPConfig struct {
	Digits int
	TTL    time.Duration
	// MaxAttempts wrong codes burn the challenge.
	MaxAttempts      int
	DeliveryTimeout  time.Duration
	EmailTemplate    string
	WhatsAppTemplate string
}

/*
====================================
BACKUP CODE CONFIG
====================================
*/

// BackupConfig controls recovery codes.
type BackupConfig struct {
	Count       int
	Length      int
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
PASSKEY CONFIG
====================================
*/

// PasskeyConfig controls WebAuthn ceremony state.
type PasskeyConfig struct {
	StateTTL time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RatePolicy is a fixed-window budget.
type RatePolicy struct {
	MaxHits int
	Window  time.Duration
}

// RateLimitConfig holds the policies enforced by the engine.
type RateLimitConfig struct {
	VerifyPerUser RatePolicy
	VerifyPerIP   RatePolicy
	SendPerUser   RatePolicy
}

/*
====================================
ELEVATION CONFIG
====================================
*/

// ElevationConfig controls the elevation and trusted-device tokens.
type ElevationConfig struct {
	TTL           time.Duration
	SigningMethod string // "ed25519" (default), "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	VerifyKeys    map[string][]byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
TRUSTED DEVICE CONFIG
====================================
*/

// TrustedDeviceConfig controls "remember this device".
type TrustedDeviceConfig struct {
	Enabled bool
	TTL     time.Duration
	// BindFingerprint rejects a device token presented from a different
	// user agent or network prefix than the one it was issued to.
	BindFingerprint bool
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig holds server-side secrets and abuse thresholds.
type SecurityConfig struct {
	// OTPPepper keys the HMAC over email and WhatsApp codes.
	OTPPepper []byte
	// BackupPepper is mixed into backup-code argon2id input.
	BackupPepper []byte
	// KeyingSecret derives opaque Redis keys and device fingerprints.
	KeyingSecret []byte
	// LockoutThreshold is the failure count at which errors report LockoutSuggested.
	LockoutThreshold int
	// ReplayGuard selects "redis" (default) or "memory".
	ReplayGuard         string
	MemoryGuardCapacity int
	RedisPrefix         string
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled      bool
	BufferSize   int
	DropIfFull   bool
	WriteTimeout time.Duration
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. Secrets are left empty and
// must be supplied.
func DefaultConfig() Config {
	return Config{
		TOTP: TOTPConfig{
			Issuer:        "goMFA",
			Digits:        6,
			Period:        30,
			Algorithm:     "SHA1",
			Skew:          1,
			EnrollmentTTL: 10 * time.Minute,
		},
		OTP: OTPConfig{
			Digits:           6,
			TTL:              10 * time.Minute,
			MaxAttempts:      5,
			DeliveryTimeout:  10 * time.Second,
			EmailTemplate:    "mfa_email_otp",
			WhatsAppTemplate: "mfa_whatsapp_otp",
		},
		Backup: BackupConfig{
			Count:       10,
			Length:      10,
			Memory:      19 * 1024,
			Time:        2,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
		Passkey: PasskeyConfig{
			StateTTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			VerifyPerUser: RatePolicy{MaxHits: 5, Window: 5 * time.Minute},
			VerifyPerIP:   RatePolicy{MaxHits: 10, Window: 5 * time.Minute},
			SendPerUser:   RatePolicy{MaxHits: 3, Window: 10 * time.Minute},
		},
		Elevation: ElevationConfig{
			TTL:           10 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "goMFA",
			Leeway:        5 * time.Second,
		},
		TrustedDevice: TrustedDeviceConfig{
			Enabled:         true,
			TTL:             30 * 24 * time.Hour,
			BindFingerprint: true,
		},
		Security: SecurityConfig{
			LockoutThreshold:    5,
			ReplayGuard:         "redis",
			MemoryGuardCapacity: 100000,
			RedisPrefix:         "mfa",
		},
		Audit: AuditConfig{
			Enabled:      true,
			BufferSize:   1024,
			DropIfFull:   true,
			WriteTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Elevation.PrivateKey = cloneBytes(cfg.Elevation.PrivateKey)
	out.Elevation.PublicKey = cloneBytes(cfg.Elevation.PublicKey)
	if cfg.Elevation.VerifyKeys != nil {
		out.Elevation.VerifyKeys = make(map[string][]byte, len(cfg.Elevation.VerifyKeys))
		for k, v := range cfg.Elevation.VerifyKeys {
			out.Elevation.VerifyKeys[k] = cloneBytes(v)
		}
	}
	out.Security.OTPPepper = cloneBytes(cfg.Security.OTPPepper)
	out.Security.BackupPepper = cloneBytes(cfg.Security.BackupPepper)
	out.Security.KeyingSecret = cloneBytes(cfg.Security.KeyingSecret)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// TOTP
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 5 {
		return errors.New("TOTP Skew must be between 0 and 5")
	}
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer must be set")
	}
	if c.TOTP.EnrollmentTTL <= 0 {
		return errors.New("TOTP EnrollmentTTL must be > 0")
	}

	// OTP
	if c.OTP.Digits < 6 || c.OTP.Digits > 10 {
		return errors.New("OTP Digits must be between 6 and 10")
	}
	if c.OTP.TTL <= 0 {
		return errors.New("OTP TTL must be > 0")
	}
	if c.OTP.MaxAttempts < 1 {
		return errors.New("OTP MaxAttempts must be >= 1")
	}
	if c.OTP.DeliveryTimeout <= 0 {
		return errors.New("OTP DeliveryTimeout must be > 0")
	}

	// Backup
	if c.Backup.Count < 1 || c.Backup.Count > 50 {
		return errors.New("Backup Count must be between 1 and 50")
	}
	if c.Backup.Length < 8 {
		return errors.New("Backup Length must be >= 8")
	}
	if c.Backup.Memory < 8*1024 {
		return errors.New("Backup Memory must be >= 8192 KB")
	}
	if c.Backup.Time < 1 || c.Backup.Parallelism < 1 {
		return errors.New("Backup Time and Parallelism must be >= 1")
	}
	if c.Backup.SaltLength < 16 || c.Backup.KeyLength < 16 {
		return errors.New("Backup SaltLength and KeyLength must be >= 16")
	}

	// Passkey
	if c.Passkey.StateTTL <= 0 {
		return errors.New("Passkey StateTTL must be > 0")
	}

	// Rate limits
	for name, p := range map[string]RatePolicy{
		"VerifyPerUser": c.RateLimit.VerifyPerUser,
		"VerifyPerIP":   c.RateLimit.VerifyPerIP,
		"SendPerUser":   c.RateLimit.SendPerUser,
	} {
		if p.MaxHits < 1 || p.Window <= 0 {
			return fmt.Errorf("RateLimit %s requires MaxHits >= 1 and Window > 0", name)
		}
	}

	// Elevation
	if c.Elevation.TTL <= 0 {
		return errors.New("Elevation TTL must be > 0")
	}
	switch c.Elevation.SigningMethod {
	case "ed25519":
		if len(c.Elevation.PrivateKey) == 0 || (len(c.Elevation.PublicKey) == 0 && len(c.Elevation.VerifyKeys) == 0) {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.Elevation.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported Elevation signing method")
	}

	// Trusted devices
	if c.TrustedDevice.Enabled && c.TrustedDevice.TTL <= 0 {
		return errors.New("TrustedDevice TTL must be > 0 when enabled")
	}

	// Security
	if len(c.Security.OTPPepper) < 16 {
		return errors.New("Security OTPPepper must be at least 16 bytes")
	}
	if len(c.Security.BackupPepper) < 16 {
		return errors.New("Security BackupPepper must be at least 16 bytes")
	}
	if len(c.Security.KeyingSecret) < 16 {
		return errors.New("Security KeyingSecret must be at least 16 bytes")
	}
	if c.Security.LockoutThreshold < 1 {
		return errors.New("Security LockoutThreshold must be >= 1")
	}
	switch c.Security.ReplayGuard {
	case "redis":
	case "memory":
		if c.Security.MemoryGuardCapacity < 1 {
			return errors.New("Security MemoryGuardCapacity must be >= 1")
		}
	default:
		return errors.New("Security ReplayGuard must be 'redis' or 'memory'")
	}

	// Audit
	if c.Audit.Enabled {
		if c.Audit.BufferSize < 1 {
			return errors.New("Audit BufferSize must be >= 1")
		}
		if c.Audit.WriteTimeout <= 0 {
			return errors.New("Audit WriteTimeout must be > 0")
		}
	}

	return nil
}
