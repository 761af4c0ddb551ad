package goMFA

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goMFA/internal/primitives"
	"github.com/MrEthical07/goMFA/internal/rate"
	"github.com/MrEthical07/goMFA/internal/replay"
	"github.com/MrEthical07/goMFA/internal/stores"
	"github.com/MrEthical07/goMFA/jwt"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Engine issues and verifies MFA factors. It is safe for concurrent use;
// every cross-request mutation is an atomic check-and-set in Redis or the
// [ProfileStore].
type Engine struct {
	config     Config
	profiles   ProfileStore
	secrets    SecretStore
	channels   map[Factor]ChannelSender
	webauthn   WebAuthn
	limiter    *rate.Limiter
	guard      replay.Guard
	challenges *stores.ChallengeStore
	ephemeral  *stores.EphemeralStore
	codes      *primitives.CodeHasher
	backup     *primitives.BackupHasher
	keyer      *primitives.Keyer
	totp       primitives.TOTP
	tokens     *jwt.Manager
	audit      *auditDispatcher
	metrics    *Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Close drains the audit queue. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports entries dropped because the audit buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditFailed reports entries the audit log rejected or timed out on.
func (e *Engine) AuditFailed() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Failed()
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) ready() error {
	if e == nil || e.profiles == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// subject is the opaque per-user key used in Redis.
func (e *Engine) subject(userID string) string {
	return e.keyer.Key("user", userID)
}

func (e *Engine) emitAudit(ctx context.Context, action, actorID, subjectID string, diff map[string]string) {
	if e.audit == nil {
		return
	}
	e.audit.Emit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		ActorID:   actorID,
		SubjectID: subjectID,
		Timestamp: e.now().UTC(),
		Diff:      diff,
	})
}

// enforce charges one hit against policy for (namespace, id).
func (e *Engine) enforce(ctx context.Context, f Factor, userID, namespace, id string, policy RatePolicy) error {
	key := e.config.Security.RedisPrefix + ":" + e.keyer.Key(namespace, id)
	d, err := e.limiter.Enforce(ctx, key, policy.MaxHits, policy.Window)
	if err == nil {
		return nil
	}
	if errors.Is(err, rate.ErrRateLimited) {
		e.metricInc(MetricRateLimited)
		e.emitAudit(ctx, auditRateLimited, userID, userID, map[string]string{
			"factor": f.String(),
			"scope":  namespace,
		})
		fe := newFactorError(ErrRateLimitExceeded, f, namespace, nil)
		fe.RetryAt = d.RetryAt
		return fe
	}
	e.logger.Error("rate limiter unavailable", zap.String("scope", namespace), zap.Error(err))
	return newFactorError(ErrBackendUnavailable, f, "rate_limiter", err)
}

func (e *Engine) startSpan(ctx context.Context, name string, f Factor) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("mfa.factor", f.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reasonFor(err))
	}
	span.End()
}

// loadProfile treats a missing profile as an empty one.
func (e *Engine) loadProfile(ctx context.Context, userID string) (*Profile, error) {
	p, err := e.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return &Profile{UserID: userID}, nil
		}
		return nil, err
	}
	return p, nil
}

// preferredFactor picks a factor when the caller names none: email when a
// verified address is on file, then TOTP.
func (e *Engine) preferredFactor(ctx context.Context, userID string) (Factor, error) {
	p, err := e.loadProfile(ctx, userID)
	if err != nil {
		return 0, newFactorError(ErrBackendUnavailable, 0, "profile_store", err)
	}
	if _, ok := p.Destination(FactorEmail); ok {
		return FactorEmail, nil
	}
	if p.Methods.Has(FactorTOTP) && len(p.TOTPSecret) > 0 {
		return FactorTOTP, nil
	}
	return 0, newFactorError(ErrNoCredentials, 0, "no_preferred_factor", nil)
}
