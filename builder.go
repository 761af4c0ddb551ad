package goMFA

import (
	"errors"
	"time"

	"github.com/MrEthical07/goMFA/internal/primitives"
	"github.com/MrEthical07/goMFA/internal/rate"
	"github.com/MrEthical07/goMFA/internal/replay"
	"github.com/MrEthical07/goMFA/internal/stores"
	"github.com/MrEthical07/goMFA/jwt"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const tracerName = "github.com/MrEthical07/goMFA"

// Builder assembles an [Engine]. Every collaborator is passed explicitly;
// nothing is read from package-level state.
//
// A Builder is single-use: the second Build call fails.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	profiles ProfileStore
	secrets  SecretStore
	channels map[Factor]ChannelSender
	webauthn WebAuthn
	auditLog AuditLog

	logger         *zap.Logger
	tracerProvider trace.TracerProvider
	now            func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config:   DefaultConfig(),
		channels: make(map[Factor]ChannelSender, 2),
	}
}

// WithConfig replaces the configuration. The value is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing challenges, rate limits, ceremony state
// and the default replay guard. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithProfileStore sets the durable profile store. Required.
func (b *Builder) WithProfileStore(store ProfileStore) *Builder {
	b.profiles = store
	return b
}

// WithSecretStore sets the TOTP seed sealer. Required.
func (b *Builder) WithSecretStore(store SecretStore) *Builder {
	b.secrets = store
	return b
}

// WithChannel registers the sender for FactorEmail or FactorWhatsApp.
func (b *Builder) WithChannel(f Factor, sender ChannelSender) *Builder {
	if b.channels == nil {
		b.channels = make(map[Factor]ChannelSender, 2)
	}
	b.channels[f] = sender
	return b
}

// WithWebAuthn enables the passkey factor.
func (b *Builder) WithWebAuthn(w WebAuthn) *Builder {
	b.webauthn = w
	return b
}

// WithAuditLog sets the append-only audit destination.
func (b *Builder) WithAuditLog(log AuditLog) *Builder {
	b.auditLog = log
	return b
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to no-op.
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracerProvider = tp
	return b
}

// WithClock overrides time.Now for every time-dependent decision.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the VerifyFactor latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.profiles == nil {
		return nil, errors.New("profile store required")
	}
	if b.secrets == nil {
		return nil, errors.New("secret store required")
	}
	for f := range b.channels {
		if f != FactorEmail && f != FactorWhatsApp {
			return nil, errors.New("channels can only be registered for email and whatsapp")
		}
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := b.tracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- PRIMITIVES --------
	codes, err := primitives.NewCodeHasher(cfg.Security.OTPPepper)
	if err != nil {
		return nil, err
	}
	backup, err := primitives.NewBackupHasher(primitives.Argon2Params{
		Memory:      cfg.Backup.Memory,
		Time:        cfg.Backup.Time,
		Parallelism: cfg.Backup.Parallelism,
		SaltLength:  cfg.Backup.SaltLength,
		KeyLength:   cfg.Backup.KeyLength,
	}, cfg.Security.BackupPepper)
	if err != nil {
		return nil, err
	}
	keyer, err := primitives.NewKeyer(cfg.Security.KeyingSecret)
	if err != nil {
		return nil, err
	}

	// -------- REPLAY GUARD --------
	var guard replay.Guard
	switch cfg.Security.ReplayGuard {
	case "memory":
		guard = replay.NewMemoryGuard(cfg.Security.MemoryGuardCapacity)
	default:
		window := time.Duration(cfg.TOTP.Period*(2*cfg.TOTP.Skew+2)) * time.Second
		guard = replay.NewRedisGuard(b.redis, window)
	}

	// -------- TOKENS --------
	deviceTTL := cfg.TrustedDevice.TTL
	if deviceTTL <= 0 {
		deviceTTL = cfg.Elevation.TTL
	}
	tokens, err := jwt.NewManager(jwt.Config{
		ElevationTTL:  cfg.Elevation.TTL,
		DeviceTTL:     deviceTTL,
		SigningMethod: jwt.SigningMethod(cfg.Elevation.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Elevation.PrivateKey),
		PublicKey:     cloneBytes(cfg.Elevation.PublicKey),
		Issuer:        cfg.Elevation.Issuer,
		Audience:      cfg.Elevation.Audience,
		Leeway:        cfg.Elevation.Leeway,
		KeyID:         cfg.Elevation.KeyID,
		VerifyKeys:    cfg.Elevation.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	channels := make(map[Factor]ChannelSender, len(b.channels))
	for f, s := range b.channels {
		if s != nil {
			channels[f] = s
		}
	}

	prefix := cfg.Security.RedisPrefix
	engine := &Engine{
		config:     cfg,
		profiles:   b.profiles,
		secrets:    b.secrets,
		channels:   channels,
		webauthn:   b.webauthn,
		limiter:    rate.New(b.redis, now),
		guard:      guard,
		challenges: stores.NewChallengeStore(b.redis, prefix+":otp", time.Minute),
		ephemeral:  stores.NewEphemeralStore(b.redis, prefix+":eph"),
		codes:      codes,
		backup:     backup,
		keyer:      keyer,
		totp: primitives.TOTP{
			Digits:    cfg.TOTP.Digits,
			Period:    cfg.TOTP.Period,
			Algorithm: cfg.TOTP.Algorithm,
		},
		tokens:  tokens,
		audit:   newAuditDispatcher(cfg.Audit, b.auditLog, logger),
		metrics: NewMetrics(cfg.Metrics),
		logger:  logger,
		tracer:  tp.Tracer(tracerName),
		now:     now,
	}

	b.built = true

	return engine, nil
}
