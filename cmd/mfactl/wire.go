package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	auditkafka "github.com/MrEthical07/goMFA/auditlog/kafka"
	auditpg "github.com/MrEthical07/goMFA/auditlog/postgres"
	"github.com/MrEthical07/goMFA/channels"
	"github.com/MrEthical07/goMFA/internal/config"
	"github.com/MrEthical07/goMFA/secrets"
	"github.com/MrEthical07/goMFA/store/postgres"
	"github.com/MrEthical07/goMFA/webauthn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// runtime owns every resource opened for one command invocation.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *postgres.Store
	engine  *goMFA.Engine
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// openStore connects to Postgres only, for commands that bypass the engine.
func openStore(ctx context.Context, envFile string) (*runtime, error) {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL must be set")
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func() { _ = logger.Sync() })

	rt.store, err = postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, rt.store.Close)
	return rt, nil
}

// openRuntime builds a full engine from the environment.
func openRuntime(ctx context.Context, envFile string) (*runtime, error) {
	rt, err := openStore(ctx, envFile)
	if err != nil {
		return nil, err
	}
	if err := rt.wireEngine(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (r *runtime) wireEngine(ctx context.Context) error {
	cfg := r.cfg
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	r.closers = append(r.closers, func() { _ = rdb.Close() })
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	sealer, err := r.secretStore()
	if err != nil {
		return err
	}

	var auditLog goMFA.AuditLog
	switch cfg.AuditSink {
	case "postgres":
		auditLog = auditpg.New(r.store.Pool())
	case "kafka":
		kl, err := auditkafka.New(cfg.KafkaBrokersList(), cfg.AuditTopic)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, func() { _ = kl.Close() })
		auditLog = kl
	case "none":
		engineCfg.Audit.Enabled = false
	}

	b := goMFA.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithProfileStore(r.store).
		WithSecretStore(sealer).
		WithAuditLog(auditLog).
		WithLogger(r.logger)

	if cfg.SMTPAddr != "" {
		smtpSender, err := channels.NewSMTPSender(channels.SMTPConfig{
			Addr:        cfg.SMTPAddr,
			From:        cfg.SMTPFrom,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			ImplicitTLS: cfg.SMTPTLS,
		}, nil)
		if err != nil {
			return err
		}
		b.WithChannel(goMFA.FactorEmail, channels.NewBreaker(smtpSender, channels.BreakerConfig{Name: "email", Logger: r.logger}))
	}
	if cfg.TwilioAccountSID != "" {
		wa, err := channels.NewTwilioWhatsApp(channels.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFrom,
		}, nil)
		if err != nil {
			return err
		}
		b.WithChannel(goMFA.FactorWhatsApp, channels.NewBreaker(wa, channels.BreakerConfig{Name: "whatsapp", Logger: r.logger}))
	}
	if cfg.WebAuthnRPID != "" {
		wa, err := webauthn.New(webauthn.Config{
			RPID:          cfg.WebAuthnRPID,
			RPDisplayName: cfg.WebAuthnRPName,
			RPOrigins:     cfg.WebAuthnOrigins(),
		})
		if err != nil {
			return err
		}
		b.WithWebAuthn(wa)
	}

	engine, err := b.Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	r.engine = engine
	r.closers = append(r.closers, engine.Close)
	return nil
}

func (r *runtime) secretStore() (goMFA.SecretStore, error) {
	cfg := r.cfg
	if cfg.VaultTransitKey != "" {
		return secrets.NewVaultTransit(secrets.VaultConfig{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Mount:   cfg.VaultMount,
			KeyName: cfg.VaultTransitKey,
			Derived: cfg.VaultDerived,
		})
	}
	key, err := cfg.SecretKeyBytes()
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("either VAULT_TRANSIT_KEY or MFA_SECRET_KEY must be set")
	}
	version := byte(cfg.SecretKeyVersion)
	return secrets.NewAESGCM(map[byte][]byte{version: key}, version)
}
