// Package config loads process configuration for the mfactl binary from
// the environment and an optional .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/spf13/viper"
)

// Config is the flat environment view. Secrets are base64 unless noted.
type Config struct {
	Env string `mapstructure:"MFA_ENV"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"MFA_REDIS_PREFIX"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`

	SigningMethod string `mapstructure:"MFA_SIGNING_METHOD"`
	// SigningKey and VerifyKey may also be PEM.
	SigningKey    string `mapstructure:"MFA_SIGNING_KEY"`
	VerifyKey     string `mapstructure:"MFA_VERIFY_KEY"`
	SigningKeyID  string `mapstructure:"MFA_SIGNING_KEY_ID"`
	TokenIssuer   string `mapstructure:"MFA_TOKEN_ISSUER"`
	TokenAudience string `mapstructure:"MFA_TOKEN_AUDIENCE"`
	ElevationTTL  string `mapstructure:"MFA_ELEVATION_TTL"`
	DeviceTTL     string `mapstructure:"MFA_TRUSTED_DEVICE_TTL"`

	OTPPepper    string `mapstructure:"MFA_OTP_PEPPER"`
	BackupPepper string `mapstructure:"MFA_BACKUP_PEPPER"`
	KeyingSecret string `mapstructure:"MFA_KEYING_SECRET"`

	// SecretKey seals TOTP secrets locally unless VaultTransitKey is set.
	SecretKey        string `mapstructure:"MFA_SECRET_KEY"`
	SecretKeyVersion int    `mapstructure:"MFA_SECRET_KEY_VERSION"`
	VaultAddr        string `mapstructure:"VAULT_ADDR"`
	VaultToken       string `mapstructure:"VAULT_TOKEN"`
	VaultMount       string `mapstructure:"VAULT_TRANSIT_MOUNT"`
	VaultTransitKey  string `mapstructure:"VAULT_TRANSIT_KEY"`
	VaultDerived     bool   `mapstructure:"VAULT_TRANSIT_DERIVED"`

	// AuditSink is "postgres", "kafka" or "none".
	AuditSink    string `mapstructure:"MFA_AUDIT_SINK"`
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	AuditTopic   string `mapstructure:"MFA_AUDIT_TOPIC"`

	SMTPAddr     string `mapstructure:"SMTP_ADDR"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPTLS      bool   `mapstructure:"SMTP_IMPLICIT_TLS"`

	TwilioAccountSID string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `mapstructure:"TWILIO_WHATSAPP_FROM"`

	WebAuthnRPID      string `mapstructure:"WEBAUTHN_RP_ID"`
	WebAuthnRPName    string `mapstructure:"WEBAUTHN_RP_NAME"`
	WebAuthnRPOrigins string `mapstructure:"WEBAUTHN_RP_ORIGINS"`

	TOTPIssuer string `mapstructure:"MFA_TOTP_ISSUER"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
}

// Load reads .env (if present) then the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is ignored.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()

	v.SetDefault("MFA_ENV", "development")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MFA_REDIS_PREFIX", "mfa")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MFA_SIGNING_METHOD", "ed25519")
	v.SetDefault("MFA_SIGNING_KEY", "")
	v.SetDefault("MFA_VERIFY_KEY", "")
	v.SetDefault("MFA_SIGNING_KEY_ID", "")
	v.SetDefault("MFA_TOKEN_ISSUER", "goMFA")
	v.SetDefault("MFA_TOKEN_AUDIENCE", "")
	v.SetDefault("MFA_ELEVATION_TTL", "10m")
	v.SetDefault("MFA_TRUSTED_DEVICE_TTL", "720h")
	v.SetDefault("MFA_OTP_PEPPER", "")
	v.SetDefault("MFA_BACKUP_PEPPER", "")
	v.SetDefault("MFA_KEYING_SECRET", "")
	v.SetDefault("MFA_SECRET_KEY", "")
	v.SetDefault("MFA_SECRET_KEY_VERSION", 1)
	v.SetDefault("VAULT_ADDR", "")
	v.SetDefault("VAULT_TOKEN", "")
	v.SetDefault("VAULT_TRANSIT_MOUNT", "transit")
	v.SetDefault("VAULT_TRANSIT_KEY", "")
	v.SetDefault("VAULT_TRANSIT_DERIVED", false)
	v.SetDefault("MFA_AUDIT_SINK", "postgres")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("MFA_AUDIT_TOPIC", "mfa-audit")
	v.SetDefault("SMTP_ADDR", "")
	v.SetDefault("SMTP_FROM", "")
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_IMPLICIT_TLS", false)
	v.SetDefault("TWILIO_ACCOUNT_SID", "")
	v.SetDefault("TWILIO_AUTH_TOKEN", "")
	v.SetDefault("TWILIO_WHATSAPP_FROM", "")
	v.SetDefault("WEBAUTHN_RP_ID", "")
	v.SetDefault("WEBAUTHN_RP_NAME", "")
	v.SetDefault("WEBAUTHN_RP_ORIGINS", "")
	v.SetDefault("MFA_TOTP_ISSUER", "goMFA")
	v.SetDefault("LOG_LEVEL", "info")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch cfg.AuditSink {
	case "postgres", "kafka", "none":
	default:
		return nil, fmt.Errorf("config: MFA_AUDIT_SINK %q must be postgres, kafka or none", cfg.AuditSink)
	}
	if cfg.AuditSink == "kafka" && len(cfg.KafkaBrokersList()) == 0 {
		return nil, errors.New("config: KAFKA_BROKERS must be set when MFA_AUDIT_SINK=kafka")
	}
	if cfg.AuditSink == "none" && cfg.IsProduction() {
		return nil, errors.New("config: MFA_AUDIT_SINK=none is not allowed when MFA_ENV=production")
	}
	if cfg.SecretKeyVersion < 0 || cfg.SecretKeyVersion > 255 {
		return nil, errors.New("config: MFA_SECRET_KEY_VERSION must be between 0 and 255")
	}
	return &cfg, nil
}

// IsProduction reports MFA_ENV=production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// KafkaBrokersList splits KAFKA_BROKERS on commas.
func (c *Config) KafkaBrokersList() []string {
	return splitList(c.KafkaBrokers)
}

// WebAuthnOrigins splits WEBAUTHN_RP_ORIGINS on commas.
func (c *Config) WebAuthnOrigins() []string {
	return splitList(c.WebAuthnRPOrigins)
}

// EngineConfig maps the environment onto goMFA.DefaultConfig. The result
// still has to pass goMFA.Config.Validate.
func (c *Config) EngineConfig() (goMFA.Config, error) {
	cfg := goMFA.DefaultConfig()
	cfg.TOTP.Issuer = c.TOTPIssuer
	cfg.Security.RedisPrefix = c.RedisPrefix
	cfg.Elevation.SigningMethod = c.SigningMethod
	cfg.Elevation.KeyID = c.SigningKeyID
	cfg.Elevation.Issuer = c.TokenIssuer
	cfg.Elevation.Audience = c.TokenAudience
	cfg.Elevation.TTL = duration(c.ElevationTTL, cfg.Elevation.TTL)
	cfg.TrustedDevice.TTL = duration(c.DeviceTTL, cfg.TrustedDevice.TTL)

	var err error
	if cfg.Elevation.PrivateKey, err = keyMaterial("MFA_SIGNING_KEY", c.SigningKey); err != nil {
		return cfg, err
	}
	if cfg.Elevation.PublicKey, err = keyMaterial("MFA_VERIFY_KEY", c.VerifyKey); err != nil {
		return cfg, err
	}
	if cfg.Security.OTPPepper, err = decode("MFA_OTP_PEPPER", c.OTPPepper); err != nil {
		return cfg, err
	}
	if cfg.Security.BackupPepper, err = decode("MFA_BACKUP_PEPPER", c.BackupPepper); err != nil {
		return cfg, err
	}
	if cfg.Security.KeyingSecret, err = decode("MFA_KEYING_SECRET", c.KeyingSecret); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SecretKeyBytes decodes MFA_SECRET_KEY.
func (c *Config) SecretKeyBytes() ([]byte, error) {
	return decode("MFA_SECRET_KEY", c.SecretKey)
}

func keyMaterial(name, value string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(value), "-----BEGIN") {
		return []byte(value), nil
	}
	return decode(name, value)
}

func decode(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	out, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("config: %s is not valid base64: %w", name, err)
	}
	return out, nil
}

func duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
