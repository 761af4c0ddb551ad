package goMFA

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ListFactors summarizes what userID can verify with.
func (e *Engine) ListFactors(ctx context.Context, userID string) (*FactorList, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthenticated
	}

	p, err := e.loadProfile(ctx, userID)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, 0, "profile_store", err)
	}
	passkeys, err := e.profiles.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorPasskey, "profile_store", err)
	}
	devices, err := e.profiles.CountTrustedDevices(ctx, userID, e.now())
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, 0, "profile_store", err)
	}

	out := &FactorList{
		UserID:               userID,
		Enabled:              p.Enabled,
		Factors:              []Factor{},
		BackupCodesRemaining: len(p.BackupCodeHashes),
		PasskeyCount:         len(passkeys),
		TrustedDeviceCount:   devices,
	}
	for _, f := range AllFactors() {
		if factorUsable(p, f, len(passkeys)) {
			out.Factors = append(out.Factors, f)
		}
	}
	if dest, ok := p.Destination(FactorEmail); ok {
		out.EmailDestination = maskDestination(FactorEmail, dest)
	}
	if dest, ok := p.Destination(FactorWhatsApp); ok {
		out.WhatsAppDestination = maskDestination(FactorWhatsApp, dest)
	}
	return out, nil
}

func factorUsable(p *Profile, f Factor, passkeys int) bool {
	switch f {
	case FactorTOTP:
		return p.Methods.Has(FactorTOTP) && len(p.TOTPSecret) > 0
	case FactorEmail, FactorWhatsApp:
		_, ok := p.Destination(f)
		return ok
	case FactorBackup:
		return len(p.BackupCodeHashes) > 0
	case FactorPasskey:
		return passkeys > 0
	default:
		return false
	}
}

// RevokeTrustedDevice deletes one device. Its tokens stop validating at once.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, userID, deviceID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}
	if strings.TrimSpace(deviceID) == "" {
		return ErrInvalidPayload
	}

	deleted, err := e.profiles.DeleteTrustedDevice(ctx, userID, deviceID)
	if err != nil {
		return newFactorError(ErrBackendUnavailable, 0, "profile_store", err)
	}
	if !deleted {
		return ErrDeviceNotFound
	}

	e.metricInc(MetricTrustedDeviceRevoked)
	e.emitAudit(ctx, auditDeviceRevoked, userID, userID, map[string]string{"device_id": deviceID})
	return nil
}

// ResetMFA removes every factor, passkey and trusted device of targetUserID
// and discards outstanding challenges. It is meant for administrators;
// authorizing actorID is the caller's job.
func (e *Engine) ResetMFA(ctx context.Context, actorID, targetUserID, reason string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(actorID) == "" {
		return ErrUnauthenticated
	}
	if strings.TrimSpace(targetUserID) == "" {
		return ErrInvalidPayload
	}

	if err := e.clearMFA(ctx, targetUserID); err != nil {
		return err
	}

	e.metricInc(MetricReset)
	e.emitAudit(ctx, auditReset, actorID, targetUserID, map[string]string{"reason": reason})
	e.logger.Info("mfa reset", zap.String("actor_id", actorID), zap.String("target_user_id", targetUserID))
	return nil
}

// DisableMFA turns MFA off at the user's own request. code must be a current
// TOTP code or an unused backup code, named by f. Everything ResetMFA
// removes is removed here too.
func (e *Engine) DisableMFA(ctx context.Context, userID string, f Factor, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return newFactorError(ErrUnauthenticated, f, "", nil)
	}
	var verify verifier
	switch f {
	case FactorTOTP:
		verify = e.verifyTOTP
	case FactorBackup:
		verify = e.verifyBackup
	default:
		return newFactorError(ErrUnsupportedFactor, f, "disable", nil)
	}
	if strings.TrimSpace(code) == "" {
		return newFactorError(ErrInvalidPayload, f, "empty_token", nil)
	}
	if err := e.enforce(ctx, f, userID, "verify", userID, e.config.RateLimit.VerifyPerUser); err != nil {
		return err
	}

	p, err := e.loadProfile(ctx, userID)
	if err != nil {
		return newFactorError(ErrBackendUnavailable, f, "profile_store", err)
	}
	if !p.Enabled {
		return newFactorError(ErrNoCredentials, f, "not_enabled", nil)
	}

	if _, err := verify(ctx, p, VerifyRequest{UserID: userID, Factor: f, Token: code}); err != nil {
		fe := asFactorError(err, f)
		e.recordFailure(ctx, userID, fe)
		e.metricInc(MetricVerifyFailure)
		e.emitAudit(ctx, auditDisableFailed, userID, userID, map[string]string{
			"factor": f.String(),
			"reason": reasonFor(fe),
		})
		return fe
	}

	if err := e.clearMFA(ctx, userID); err != nil {
		return err
	}

	e.metricInc(MetricDisabled)
	e.emitAudit(ctx, auditDisabled, userID, userID, map[string]string{"factor": f.String()})
	e.logger.Info("mfa disabled", zap.String("user_id", userID), zap.String("factor", f.String()))
	return nil
}

// clearMFA drops the stored profile, passkeys and trusted devices of userID
// along with its outstanding Redis state.
func (e *Engine) clearMFA(ctx context.Context, userID string) error {
	if err := e.profiles.ResetProfile(ctx, userID); err != nil {
		return newFactorError(ErrBackendUnavailable, 0, "profile_store", err)
	}

	subject := e.subject(userID)
	for _, f := range []Factor{FactorEmail, FactorWhatsApp} {
		if err := e.challenges.Delete(ctx, f.String(), subject); err != nil {
			e.logger.Warn("clear mfa: drop challenge", zap.String("factor", f.String()), zap.Error(err))
		}
	}
	if err := e.ephemeral.Delete(ctx, kindTOTPEnroll, subject); err != nil {
		e.logger.Warn("clear mfa: drop pending enrollment", zap.Error(err))
	}
	if err := e.guard.Forget(ctx, subject, FactorTOTP.String()); err != nil {
		e.logger.Warn("clear mfa: drop totp watermark", zap.Error(err))
	}
	return nil
}

// ValidateElevation parses an elevation token and returns its claims.
func (e *Engine) ValidateElevation(_ context.Context, token string) (*Elevation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	claims, err := e.tokens.ParseElevation(token, e.now())
	if err != nil {
		return nil, newFactorError(ErrUnauthenticated, 0, "elevation", err)
	}
	f, err := ParseFactor(claims.Factor)
	if err != nil {
		return nil, newFactorError(ErrUnauthenticated, 0, "elevation_factor", err)
	}

	out := &Elevation{
		UserID:  claims.UID,
		Factor:  f,
		TokenID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// CheckTrustedDevice reports whether token names a live trusted device. When
// fingerprint binding is on, the user agent and network prefix must match
// those seen at issuance.
func (e *Engine) CheckTrustedDevice(ctx context.Context, token, userAgent, clientIP string) (*TrustedDevice, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	now := e.now()
	claims, err := e.tokens.ParseDevice(token, now)
	if err != nil {
		return nil, e.deviceRejected("token", err)
	}

	dev, err := e.profiles.GetTrustedDevice(ctx, claims.UID, claims.DeviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, e.deviceRejected("revoked", nil)
		}
		return nil, newFactorError(ErrBackendUnavailable, 0, "profile_store", err)
	}
	if !now.Before(dev.ExpiresAt) {
		return nil, e.deviceRejected("expired", nil)
	}
	if dev.FingerprintHash != "" {
		fp := e.keyer.Fingerprint(claims.UID, userAgent, clientIP)
		if subtle.ConstantTimeCompare([]byte(fp), []byte(dev.FingerprintHash)) != 1 {
			return nil, e.deviceRejected("fingerprint", nil)
		}
	}

	if err := e.profiles.TouchTrustedDevice(ctx, claims.UID, claims.DeviceID, now); err != nil {
		e.logger.Warn("touch trusted device", zap.Error(err))
	}
	dev.LastSeenAt = now
	e.metricInc(MetricTrustedDeviceAccepted)
	return dev, nil
}

func (e *Engine) deviceRejected(reason string, cause error) error {
	e.metricInc(MetricTrustedDeviceRejected)
	return newFactorError(ErrUnauthenticated, 0, "device_"+reason, cause)
}

func (e *Engine) trustDevice(ctx context.Context, req VerifyRequest, now time.Time) (*TrustedDeviceGrant, error) {
	deviceID := uuid.NewString()
	token, exp, err := e.tokens.CreateDevice(req.UserID, deviceID, now)
	if err != nil {
		return nil, err
	}

	dev := TrustedDevice{
		DeviceID:   deviceID,
		UserID:     req.UserID,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  exp,
	}
	if e.config.TrustedDevice.BindFingerprint {
		dev.FingerprintHash = e.keyer.Fingerprint(req.UserID, req.UserAgent, req.ClientIP)
	}
	if err := e.profiles.PutTrustedDevice(ctx, dev); err != nil {
		return nil, err
	}

	e.metricInc(MetricTrustedDeviceIssued)
	e.emitAudit(ctx, auditDeviceTrusted, req.UserID, req.UserID, map[string]string{
		"device_id": deviceID,
		"factor":    req.Factor.String(),
	})
	return &TrustedDeviceGrant{
		DeviceID:  deviceID,
		Token:     token,
		ExpiresAt: exp,
	}, nil
}
