package goMFA

import (
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strconv"
	"strings"

	"github.com/MrEthical07/goMFA/internal/primitives"
	"github.com/MrEthical07/goMFA/internal/stores"
	"go.uber.org/zap"
)

// pendingTOTP is the sealed secret awaiting ConfirmTOTPEnrollment.
type pendingTOTP struct {
	Sealed   []byte `json:"sealed"`
	Elevated bool   `json:"elevated,omitempty"`
}

// BeginTOTPEnrollment generates a new authenticator secret. The secret is
// held sealed in Redis until ConfirmTOTPEnrollment proves the user's app
// produces valid codes; a repeated call replaces the pending secret.
//
// A user who already has an authenticator must pass an elevation token
// minted for them, otherwise the call fails with [ErrAlreadyEnrolled].
func (e *Engine) BeginTOTPEnrollment(ctx context.Context, userID, accountName, elevationToken string) (*TOTPEnrollment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, newFactorError(ErrUnauthenticated, FactorTOTP, "", nil)
	}
	if strings.TrimSpace(accountName) == "" {
		accountName = userID
	}
	elevated, err := e.authorizeEnrollment(ctx, FactorTOTP, userID, elevationToken)
	if err != nil {
		return nil, err
	}

	key, err := e.totp.NewKey(e.config.TOTP.Issuer, accountName)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "keygen", err)
	}
	sealed, err := e.secrets.Seal(ctx, userID, []byte(key.Secret))
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "secret_store", err)
	}
	pending, err := json.Marshal(pendingTOTP{Sealed: sealed, Elevated: elevated})
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "state_encode", err)
	}
	if err := e.ephemeral.Put(ctx, kindTOTPEnroll, e.subject(userID), pending, e.config.TOTP.EnrollmentTTL); err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "state_store", err)
	}

	e.emitAudit(ctx, auditTOTPEnrollmentStarted, userID, userID, map[string]string{"factor": FactorTOTP.String()})

	return &TOTPEnrollment{
		Secret:    key.Secret,
		URI:       key.URI,
		ExpiresAt: e.now().Add(e.config.TOTP.EnrollmentTTL),
	}, nil
}

// ConfirmTOTPEnrollment activates the pending secret if code is valid for
// it. On a user's first MFA enrollment it also returns fresh backup codes,
// which are shown once and never stored in plaintext.
func (e *Engine) ConfirmTOTPEnrollment(ctx context.Context, userID, code string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, newFactorError(ErrUnauthenticated, FactorTOTP, "", nil)
	}
	if err := e.enforce(ctx, FactorTOTP, userID, "verify", userID, e.config.RateLimit.VerifyPerUser); err != nil {
		return nil, err
	}

	subject := e.subject(userID)
	raw, err := e.ephemeral.Get(ctx, kindTOTPEnroll, subject)
	if err != nil {
		if errors.Is(err, stores.ErrStateNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "state_store", err)
	}
	var pending pendingTOTP
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, ErrEnrollmentNotFound
	}
	if !pending.Elevated {
		enrolled, err := e.hasAuthenticator(ctx, FactorTOTP, userID)
		if err != nil {
			return nil, err
		}
		if enrolled {
			return nil, newFactorError(ErrAlreadyEnrolled, FactorTOTP, "elevation_required", nil)
		}
	}
	sealed := pending.Sealed

	secret, err := e.secrets.Open(ctx, userID, sealed)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "secret_store", err)
	}
	step, ok, err := e.totp.Verify(string(secret), code, e.now(), e.config.TOTP.Skew)
	clear(secret)
	if err != nil || !ok {
		e.emitAudit(ctx, auditFailed, userID, userID, map[string]string{
			"factor": FactorTOTP.String(),
			"reason": "invalid_credential",
			"detail": "enrollment",
		})
		return nil, newFactorError(ErrInvalidCredential, FactorTOTP, "enrollment", nil)
	}

	// Take after verifying so a typo does not discard the pending secret.
	if _, err := e.ephemeral.Take(ctx, kindTOTPEnroll, subject); err != nil {
		if errors.Is(err, stores.ErrStateNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "state_store", err)
	}

	profile, err := e.loadProfile(ctx, userID)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "profile_store", err)
	}
	if err := e.profiles.SetTOTPSecret(ctx, userID, sealed, step); err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorTOTP, "profile_store", err)
	}
	if err := e.guard.Forget(ctx, subject, FactorTOTP.String()); err != nil {
		e.logger.Warn("reset totp watermark", zap.Error(err))
	}
	if _, err := e.guard.MarkStepConsumed(ctx, subject, FactorTOTP.String(), step); err != nil {
		e.logger.Warn("mark enrollment step", zap.Error(err))
	}

	e.metricInc(MetricEnrollment)
	e.emitAudit(ctx, auditTOTPEnrolled, userID, userID, map[string]string{"factor": FactorTOTP.String()})

	if len(profile.BackupCodeHashes) > 0 {
		return nil, nil
	}
	return e.issueBackupCodes(ctx, userID, userID)
}

// RegenerateBackupCodes replaces every backup code. It requires an elevation
// token for userID so a stolen session alone cannot mint recovery codes.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, elevationToken string) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireElevation(ctx, FactorBackup, userID, elevationToken); err != nil {
		return nil, err
	}
	return e.issueBackupCodes(ctx, userID, userID)
}

func (e *Engine) requireElevation(ctx context.Context, f Factor, userID, token string) error {
	elev, err := e.ValidateElevation(ctx, token)
	if err != nil {
		return err
	}
	if elev.UserID != userID {
		return newFactorError(ErrUnauthenticated, f, "elevation_user", nil)
	}
	return nil
}

// hasAuthenticator reports whether userID holds a TOTP secret or a passkey.
func (e *Engine) hasAuthenticator(ctx context.Context, f Factor, userID string) (bool, error) {
	p, err := e.loadProfile(ctx, userID)
	if err != nil {
		return false, newFactorError(ErrBackendUnavailable, f, "profile_store", err)
	}
	if len(p.TOTPSecret) > 0 {
		return true, nil
	}
	creds, err := e.profiles.ListPasskeys(ctx, userID)
	if err != nil {
		return false, newFactorError(ErrBackendUnavailable, f, "profile_store", err)
	}
	return len(creds) > 0, nil
}

// authorizeEnrollment lets a first authenticator through unproven. Any
// later one needs a valid elevation token for userID. It reports whether
// the enrollment was elevated.
func (e *Engine) authorizeEnrollment(ctx context.Context, f Factor, userID, token string) (bool, error) {
	if strings.TrimSpace(token) != "" {
		if err := e.requireElevation(ctx, f, userID, token); err != nil {
			return false, err
		}
		return true, nil
	}
	enrolled, err := e.hasAuthenticator(ctx, f, userID)
	if err != nil {
		return false, err
	}
	if enrolled {
		return false, newFactorError(ErrAlreadyEnrolled, f, "elevation_required", nil)
	}
	return false, nil
}

func (e *Engine) issueBackupCodes(ctx context.Context, actorID, userID string) ([]string, error) {
	codes, err := primitives.NewBackupCodes(e.config.Backup.Count, e.config.Backup.Length)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorBackup, "random", err)
	}
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		h, err := e.backup.Hash(primitives.CanonicalizeBackupCode(code))
		if err != nil {
			return nil, newFactorError(ErrBackendUnavailable, FactorBackup, "hash", err)
		}
		hashes = append(hashes, h)
	}
	if err := e.profiles.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorBackup, "profile_store", err)
	}

	e.metricInc(MetricBackupCodesRegenerated)
	e.emitAudit(ctx, auditBackupCodesRegenerated, actorID, userID, map[string]string{
		"count": strconv.Itoa(len(codes)),
	})
	return codes, nil
}

// BeginPasskeyRegistration starts a WebAuthn registration ceremony. Existing
// credentials are passed along so the authenticator can refuse duplicates.
// Like BeginTOTPEnrollment it needs an elevation token once the user has
// any authenticator.
func (e *Engine) BeginPasskeyRegistration(ctx context.Context, userID, friendlyName, elevationToken string) (*PasskeyRegistration, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, newFactorError(ErrUnauthenticated, FactorPasskey, "", nil)
	}
	if e.webauthn == nil {
		return nil, newFactorError(ErrChannelUnavailable, FactorPasskey, "webauthn", nil)
	}
	elevated, err := e.authorizeEnrollment(ctx, FactorPasskey, userID, elevationToken)
	if err != nil {
		return nil, err
	}

	creds, err := e.profiles.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorPasskey, "profile_store", err)
	}
	options, session, err := e.webauthn.BeginRegistration(ctx, passkeyUser(userID, creds))
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorPasskey, "webauthn", err)
	}
	token, expires, err := e.putPasskeyState(ctx, kindPasskeyRegister, passkeyState{
		UserID:   userID,
		Session:  session,
		Name:     strings.TrimSpace(friendlyName),
		Elevated: elevated,
	})
	if err != nil {
		return nil, err
	}

	return &PasskeyRegistration{
		Options:    options,
		StateToken: token,
		ExpiresAt:  expires,
	}, nil
}

// FinishPasskeyRegistration verifies the attestation and stores the credential.
func (e *Engine) FinishPasskeyRegistration(ctx context.Context, userID, stateToken string, response json.RawMessage) (*PasskeyCredential, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, newFactorError(ErrUnauthenticated, FactorPasskey, "", nil)
	}
	if e.webauthn == nil {
		return nil, newFactorError(ErrChannelUnavailable, FactorPasskey, "webauthn", nil)
	}
	if strings.TrimSpace(stateToken) == "" || len(response) == 0 {
		return nil, newFactorError(ErrInvalidPayload, FactorPasskey, "registration", nil)
	}

	state, err := e.takePasskeyState(ctx, kindPasskeyRegister, stateToken, userID)
	if err != nil {
		return nil, err
	}
	if !state.Elevated {
		enrolled, err := e.hasAuthenticator(ctx, FactorPasskey, userID)
		if err != nil {
			return nil, err
		}
		if enrolled {
			return nil, newFactorError(ErrAlreadyEnrolled, FactorPasskey, "elevation_required", nil)
		}
	}
	creds, err := e.profiles.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorPasskey, "profile_store", err)
	}

	cred, err := e.webauthn.FinishRegistration(ctx, passkeyUser(userID, creds), state.Session, response)
	if err != nil {
		return nil, newFactorError(ErrInvalidCredential, FactorPasskey, "attestation", err)
	}
	now := e.now()
	cred.UserID = userID
	cred.FriendlyName = state.Name
	cred.CreatedAt = now
	cred.LastUsedAt = now
	if cred.DeviceType == "" {
		cred.DeviceType = PasskeyDeviceType(cred.BackupEligible)
	}
	if err := e.profiles.AddPasskey(ctx, *cred); err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorPasskey, "profile_store", err)
	}

	e.metricInc(MetricEnrollment)
	e.emitAudit(ctx, auditPasskeyRegistered, userID, userID, map[string]string{
		"factor":      FactorPasskey.String(),
		"attestation": cred.AttestationType,
	})
	return cred, nil
}

// SetContact records a verified email address or WhatsApp number. Proving
// ownership of the destination is the caller's responsibility.
func (e *Engine) SetContact(ctx context.Context, actorID, userID string, f Factor, destination string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return newFactorError(ErrUnauthenticated, f, "", nil)
	}

	var normalized string
	switch f {
	case FactorEmail:
		addr, err := mail.ParseAddress(strings.TrimSpace(destination))
		if err != nil || addr.Name != "" {
			return newFactorError(ErrInvalidPayload, f, "email", err)
		}
		normalized = strings.ToLower(addr.Address)
	case FactorWhatsApp:
		digits := normalizeMSISDN(destination)
		if len(digits) < 8 || len(digits) > 15 {
			return newFactorError(ErrInvalidPayload, f, "msisdn", nil)
		}
		normalized = "+" + digits
	default:
		return newFactorError(ErrUnsupportedFactor, f, "contact", nil)
	}

	if err := e.profiles.SetContact(ctx, userID, f, normalized); err != nil {
		return newFactorError(ErrBackendUnavailable, f, "profile_store", err)
	}

	e.metricInc(MetricEnrollment)
	e.emitAudit(ctx, auditContactEnrolled, actorID, userID, map[string]string{
		"factor":      f.String(),
		"destination": maskDestination(f, normalized),
	})
	return nil
}
