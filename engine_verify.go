package goMFA

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/goMFA/internal/primitives"
	"github.com/MrEthical07/goMFA/internal/stores"
	"go.uber.org/zap"
)

type verifyOutcome struct {
	rememberDevice  bool
	backupRemaining int
	diff            map[string]string
}

type verifier func(ctx context.Context, p *Profile, req VerifyRequest) (verifyOutcome, error)

// factorVerifiers routes a factor to its check.
type factorVerifiers struct{ e *Engine }

func (v factorVerifiers) TOTP() verifier     { return v.e.verifyTOTP }
func (v factorVerifiers) Email() verifier    { return v.e.challengeVerifier(FactorEmail) }
func (v factorVerifiers) WhatsApp() verifier { return v.e.challengeVerifier(FactorWhatsApp) }
func (v factorVerifiers) Backup() verifier   { return v.e.verifyBackup }
func (v factorVerifiers) Passkey() verifier  { return v.e.verifyPasskey }

// VerifyFactor checks proof for one factor and, on success, mints an
// elevation token and optionally a trusted-device token.
//
// Failures are returned as *FactorError. Wrong codes, expired or consumed
// challenges and replays all map to the same [PublicCode]; the distinct
// reason is kept for audit and logs. The per-user verify budget and, when
// ClientIP is set, the per-IP budget are charged before any check runs.
func (e *Engine) VerifyFactor(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := e.startSpan(ctx, "mfa.VerifyFactor", req.Factor)
	res, err := e.verifyFactor(ctx, req)
	endSpan(span, err)
	e.metrics.Observe(MetricVerifyLatency, time.Since(start))

	return res, err
}

func (e *Engine) verifyFactor(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, newFactorError(ErrUnauthenticated, req.Factor, "", nil)
	}
	if req.Factor == 0 {
		f, err := e.preferredFactor(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		req.Factor = f
	}
	verify, err := MatchFactor[verifier](req.Factor, factorVerifiers{e: e})
	if err != nil {
		return nil, newFactorError(ErrUnsupportedFactor, req.Factor, "", nil)
	}
	if strings.TrimSpace(req.Token) == "" {
		return nil, newFactorError(ErrInvalidPayload, req.Factor, "empty_token", nil)
	}

	if err := e.enforce(ctx, req.Factor, req.UserID, "verify", req.UserID, e.config.RateLimit.VerifyPerUser); err != nil {
		return nil, err
	}
	if ip := strings.TrimSpace(req.ClientIP); ip != "" {
		if err := e.enforce(ctx, req.Factor, req.UserID, "verify-ip", ip, e.config.RateLimit.VerifyPerIP); err != nil {
			return nil, err
		}
	}

	profile, err := e.loadProfile(ctx, req.UserID)
	if err != nil {
		return nil, e.verifyFailed(ctx, req, newFactorError(ErrBackendUnavailable, req.Factor, "profile_store", err))
	}

	outcome, err := verify(ctx, profile, req)
	if err != nil {
		return nil, e.verifyFailed(ctx, req, err)
	}

	return e.verifySucceeded(ctx, req, outcome)
}

// countsAsFailure reports whether err is charged to the user's consecutive
// failure count. Server-side failures are not.
func countsAsFailure(err error) bool {
	return StatusCode(err) < http.StatusInternalServerError
}

func asFactorError(err error, f Factor) *FactorError {
	var fe *FactorError
	if !errors.As(err, &fe) {
		fe = newFactorError(ErrBackendUnavailable, f, "", err)
	}
	return fe
}

// recordFailure bumps the failure count and fills in the lockout fields of fe.
func (e *Engine) recordFailure(ctx context.Context, userID string, fe *FactorError) {
	if !countsAsFailure(fe) {
		return
	}
	count, err := e.profiles.RecordFailure(ctx, userID)
	if err != nil {
		e.logger.Warn("record mfa failure", zap.String("factor", fe.Factor.String()), zap.Error(err))
		return
	}
	fe.FailedAttempts = count
	if count >= e.config.Security.LockoutThreshold {
		fe.LockoutSuggested = true
		e.metricInc(MetricLockoutSuggested)
	}
}

func (e *Engine) verifyFailed(ctx context.Context, req VerifyRequest, err error) error {
	fe := asFactorError(err, req.Factor)
	e.recordFailure(ctx, req.UserID, fe)

	action := auditFailed
	if errors.Is(fe, ErrReplayDetected) {
		action = auditReplayDetected
		e.metricInc(MetricReplayDetected)
	}
	e.metricInc(MetricVerifyFailure)

	diff := map[string]string{
		"factor": req.Factor.String(),
		"reason": reasonFor(fe),
	}
	if fe.Reason != "" {
		diff["detail"] = fe.Reason
	}
	if fe.FailedAttempts > 0 {
		diff["failed_attempts"] = strconv.Itoa(fe.FailedAttempts)
	}
	e.emitAudit(ctx, action, req.UserID, req.UserID, diff)

	if errors.Is(fe, ErrBackendUnavailable) {
		e.logger.Error("mfa verification backend failure",
			zap.String("factor", req.Factor.String()),
			zap.String("detail", fe.Reason),
			zap.Error(fe.Err),
		)
	} else {
		e.logger.Info("mfa verification failed",
			zap.String("factor", req.Factor.String()),
			zap.String("reason", reasonFor(fe)),
			zap.String("detail", fe.Reason),
		)
	}

	return fe
}

func (e *Engine) verifySucceeded(ctx context.Context, req VerifyRequest, outcome verifyOutcome) (*VerifyResult, error) {
	now := e.now()

	if err := e.profiles.RecordSuccess(ctx, req.UserID, now); err != nil {
		e.logger.Warn("record mfa success", zap.String("factor", req.Factor.String()), zap.Error(err))
	}

	token, exp, err := e.tokens.CreateElevation(req.UserID, req.Factor.String(), now)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, req.Factor, "sign_elevation", err)
	}

	result := &VerifyResult{
		UserID:             req.UserID,
		Factor:             req.Factor,
		RememberDevice:     req.RememberDevice || outcome.rememberDevice,
		ElevationToken:     token,
		ElevationExpiresAt: exp,
	}

	diff := map[string]string{"factor": req.Factor.String()}
	for k, v := range outcome.diff {
		diff[k] = v
	}

	action := auditSuccess
	if req.Factor == FactorBackup {
		action = auditBackupSuccess
		result.BackupCodesRemaining = outcome.backupRemaining
		e.metricInc(MetricBackupCodeUsed)
	}

	if result.RememberDevice && e.config.TrustedDevice.Enabled {
		grant, err := e.trustDevice(ctx, req, now)
		if err != nil {
			e.logger.Warn("issue trusted device", zap.Error(err))
		} else {
			result.TrustedDevice = grant
			diff["device_id"] = grant.DeviceID
		}
	}

	result.AuditDiff = diff
	e.metricInc(MetricVerifySuccess)
	e.emitAudit(ctx, action, req.UserID, req.UserID, diff)

	return result, nil
}

func (e *Engine) verifyTOTP(ctx context.Context, p *Profile, req VerifyRequest) (verifyOutcome, error) {
	if !p.Methods.Has(FactorTOTP) || len(p.TOTPSecret) == 0 {
		return verifyOutcome{}, newFactorError(ErrNoCredentials, FactorTOTP, "", nil)
	}

	secret, err := e.secrets.Open(ctx, p.UserID, p.TOTPSecret)
	if err != nil {
		return verifyOutcome{}, newFactorError(ErrBackendUnavailable, FactorTOTP, "secret_store", err)
	}
	step, ok, err := e.totp.Verify(string(secret), req.Token, e.now(), e.config.TOTP.Skew)
	clear(secret)
	switch {
	case errors.Is(err, primitives.ErrInvalidFormat):
		return verifyOutcome{}, newFactorError(ErrInvalidCredential, FactorTOTP, "malformed", nil)
	case err != nil:
		return verifyOutcome{}, newFactorError(ErrBackendUnavailable, FactorTOTP, "stored_secret", err)
	case !ok:
		return verifyOutcome{}, newFactorError(ErrInvalidCredential, FactorTOTP, "mismatch", nil)
	}

	if step <= p.LastTOTPStep {
		return verifyOutcome{}, newFactorError(ErrReplayDetected, FactorTOTP, "step", nil)
	}
	accepted, err := e.guard.MarkStepConsumed(ctx, e.subject(p.UserID), FactorTOTP.String(), step)
	if err != nil {
		return verifyOutcome{}, newFactorError(ErrBackendUnavailable, FactorTOTP, "replay_guard", err)
	}
	if !accepted {
		return verifyOutcome{}, newFactorError(ErrReplayDetected, FactorTOTP, "step", nil)
	}
	advanced, err := e.profiles.AdvanceTOTPStep(ctx, p.UserID, step)
	if err != nil {
		return verifyOutcome{}, newFactorError(ErrBackendUnavailable, FactorTOTP, "profile_store", err)
	}
	if !advanced {
		return verifyOutcome{}, newFactorError(ErrReplayDetected, FactorTOTP, "step", nil)
	}

	return verifyOutcome{}, nil
}

func (e *Engine) challengeVerifier(f Factor) verifier {
	return func(ctx context.Context, p *Profile, req VerifyRequest) (verifyOutcome, error) {
		code := primitives.NormalizeDigits(req.Token)
		_, err := e.challenges.Consume(ctx, f.String(), e.subject(p.UserID), e.codes.Hash(code), e.now(), e.config.OTP.MaxAttempts)
		switch {
		case err == nil:
			return verifyOutcome{}, nil
		case errors.Is(err, stores.ErrChallengeMismatch):
			return verifyOutcome{}, newFactorError(ErrInvalidCredential, f, "mismatch", nil)
		case errors.Is(err, stores.ErrChallengeNotFound):
			return verifyOutcome{}, newFactorError(ErrInvalidOrExpired, f, "not_found", nil)
		case errors.Is(err, stores.ErrChallengeExpired):
			return verifyOutcome{}, newFactorError(ErrInvalidOrExpired, f, "expired", nil)
		case errors.Is(err, stores.ErrChallengeConsumed):
			return verifyOutcome{}, newFactorError(ErrInvalidOrExpired, f, "consumed", nil)
		case errors.Is(err, stores.ErrChallengeAttemptsExceeded):
			return verifyOutcome{}, newFactorError(ErrInvalidOrExpired, f, "attempts_exceeded", nil)
		default:
			return verifyOutcome{}, newFactorError(ErrBackendUnavailable, f, "challenge_store", err)
		}
	}
}

func (e *Engine) verifyBackup(ctx context.Context, p *Profile, req VerifyRequest) (verifyOutcome, error) {
	if len(p.BackupCodeHashes) == 0 {
		return verifyOutcome{}, newFactorError(ErrNoCredentials, FactorBackup, "", nil)
	}

	hash, ok := e.backup.Match(primitives.CanonicalizeBackupCode(req.Token), p.BackupCodeHashes)
	if !ok {
		return verifyOutcome{}, newFactorError(ErrInvalidCredential, FactorBackup, "mismatch", nil)
	}
	consumed, err := e.profiles.ConsumeBackupCode(ctx, p.UserID, hash)
	if err != nil {
		return verifyOutcome{}, newFactorError(ErrBackendUnavailable, FactorBackup, "profile_store", err)
	}
	if !consumed {
		return verifyOutcome{}, newFactorError(ErrInvalidCredential, FactorBackup, "already_used", nil)
	}

	remaining := len(p.BackupCodeHashes) - 1
	return verifyOutcome{
		backupRemaining: remaining,
		diff:            map[string]string{"remaining": strconv.Itoa(remaining)},
	}, nil
}

func (e *Engine) verifyPasskey(ctx context.Context, p *Profile, req VerifyRequest) (verifyOutcome, error) {
	if e.webauthn == nil {
		return verifyOutcome{}, newFactorError(ErrChannelUnavailable, FactorPasskey, "webauthn", nil)
	}
	if strings.TrimSpace(req.StateToken) == "" {
		return verifyOutcome{}, newFactorError(ErrInvalidPayload, FactorPasskey, "state_token", nil)
	}

	state, err := e.takePasskeyState(ctx, kindPasskeyLogin, req.StateToken, p.UserID)
	if err != nil {
		return verifyOutcome{}, err
	}

	creds, err := e.profiles.ListPasskeys(ctx, p.UserID)
	if err != nil {
		return verifyOutcome{}, newFactorError(ErrBackendUnavailable, FactorPasskey, "profile_store", err)
	}
	if len(creds) == 0 {
		return verifyOutcome{}, newFactorError(ErrNoCredentials, FactorPasskey, "", nil)
	}

	assertion, err := e.webauthn.FinishLogin(ctx, passkeyUser(p.UserID, creds), state.Session, json.RawMessage(req.Token))
	if err != nil {
		return verifyOutcome{}, newFactorError(ErrInvalidCredential, FactorPasskey, "assertion", err)
	}

	var stored *PasskeyCredential
	for i := range creds {
		if bytes.Equal(creds[i].ID, assertion.CredentialID) {
			stored = &creds[i]
			break
		}
	}
	if stored == nil {
		return verifyOutcome{}, newFactorError(ErrInvalidCredential, FactorPasskey, "unknown_credential", nil)
	}
	if !signCountAdvances(stored.SignCount, assertion.SignCount) {
		return verifyOutcome{}, newFactorError(ErrReplayDetected, FactorPasskey, "sign_count", nil)
	}
	updated, err := e.profiles.UpdatePasskeyUsage(ctx, p.UserID, stored.ID, assertion.SignCount, e.now())
	if err != nil {
		return verifyOutcome{}, newFactorError(ErrBackendUnavailable, FactorPasskey, "profile_store", err)
	}
	if !updated {
		return verifyOutcome{}, newFactorError(ErrReplayDetected, FactorPasskey, "sign_count", nil)
	}

	return verifyOutcome{rememberDevice: state.Remember}, nil
}

// signCountAdvances accepts a strictly greater counter. Authenticators that
// never count report zero forever.
func signCountAdvances(stored, presented uint32) bool {
	return presented > stored || (presented == 0 && stored == 0)
}
