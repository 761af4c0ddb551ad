package goMFA

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/goMFA/internal/primitives"
	"github.com/MrEthical07/goMFA/internal/stores"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	kindPasskeyLogin    = "passkey-login"
	kindPasskeyRegister = "passkey-register"
	kindTOTPEnroll      = "totp-enroll"
)

// passkeyState binds a WebAuthn ceremony to its user between the two halves.
type passkeyState struct {
	UserID   string `json:"user_id"`
	Session  []byte `json:"session"`
	Remember bool   `json:"remember,omitempty"`
	Name     string `json:"name,omitempty"`
	Elevated bool   `json:"elevated,omitempty"`
}

type initiator func(ctx context.Context, p *Profile, req InitiateRequest) (*InitiateResult, error)

type factorInitiators struct{ e *Engine }

func (v factorInitiators) TOTP() initiator     { return v.e.initiateReady(FactorTOTP) }
func (v factorInitiators) Email() initiator    { return v.e.channelInitiator(FactorEmail) }
func (v factorInitiators) WhatsApp() initiator { return v.e.channelInitiator(FactorWhatsApp) }
func (v factorInitiators) Backup() initiator   { return v.e.initiateReady(FactorBackup) }
func (v factorInitiators) Passkey() initiator  { return v.e.initiatePasskey }

// InitiateFactor prepares a factor for verification. Email and WhatsApp
// receive a fresh code, replacing any outstanding one; passkeys receive
// WebAuthn request options and a state token; TOTP and backup codes only
// confirm enrollment.
func (e *Engine) InitiateFactor(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	ctx, span := e.startSpan(ctx, "mfa.InitiateFactor", req.Factor)
	res, err := e.initiateFactor(ctx, req)
	endSpan(span, err)

	return res, err
}

func (e *Engine) initiateFactor(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
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
	initiate, err := MatchFactor[initiator](req.Factor, factorInitiators{e: e})
	if err != nil {
		return nil, newFactorError(ErrUnsupportedFactor, req.Factor, "", nil)
	}

	profile, err := e.loadProfile(ctx, req.UserID)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, req.Factor, "profile_store", err)
	}

	return initiate(ctx, profile, req)
}

func (e *Engine) initiateReady(f Factor) initiator {
	return func(_ context.Context, p *Profile, _ InitiateRequest) (*InitiateResult, error) {
		enrolled := false
		switch f {
		case FactorTOTP:
			enrolled = p.Methods.Has(FactorTOTP) && len(p.TOTPSecret) > 0
		case FactorBackup:
			enrolled = len(p.BackupCodeHashes) > 0
		}
		if !enrolled {
			return nil, newFactorError(ErrNoCredentials, f, "", nil)
		}
		return &InitiateResult{Factor: f, Status: "ready"}, nil
	}
}

func (e *Engine) channelInitiator(f Factor) initiator {
	return func(ctx context.Context, p *Profile, req InitiateRequest) (*InitiateResult, error) {
		dest, verified := p.Destination(f)
		if !verified {
			return nil, newFactorError(ErrChannelUnavailable, f, "no_verified_destination", nil)
		}
		if hint := strings.TrimSpace(req.DestinationHint); hint != "" && !sameDestination(f, hint, dest) {
			return nil, newFactorError(ErrInvalidPayload, f, "destination_mismatch", nil)
		}
		sender, ok := e.channels[f]
		if !ok {
			return nil, newFactorError(ErrChannelUnavailable, f, "no_sender", nil)
		}

		if err := e.enforce(ctx, f, p.UserID, "send", p.UserID, e.config.RateLimit.SendPerUser); err != nil {
			return nil, err
		}

		code, err := primitives.RandomDigits(e.config.OTP.Digits)
		if err != nil {
			return nil, newFactorError(ErrBackendUnavailable, f, "random", err)
		}

		now := e.now()
		subject := e.subject(p.UserID)
		challenge := &stores.Challenge{
			ID:          uuid.NewString(),
			Subject:     subject,
			Factor:      f.String(),
			CodeHash:    e.codes.Hash(code),
			Destination: e.keyer.Key("dest", dest),
			CreatedAt:   now,
			ExpiresAt:   now.Add(e.config.OTP.TTL),
		}
		if err := e.challenges.Save(ctx, challenge); err != nil {
			return nil, newFactorError(ErrBackendUnavailable, f, "challenge_store", err)
		}

		template := e.config.OTP.EmailTemplate
		if f == FactorWhatsApp {
			template = e.config.OTP.WhatsAppTemplate
		}
		sendCtx, cancel := context.WithTimeout(ctx, e.config.OTP.DeliveryTimeout)
		err = sender.Send(sendCtx, Message{
			UserID:      p.UserID,
			Factor:      f,
			Destination: dest,
			Template:    template,
			Params: map[string]string{
				"code":            code,
				"expires_minutes": strconv.Itoa(int(e.config.OTP.TTL.Minutes())),
			},
		})
		cancel()
		masked := maskDestination(f, dest)
		if err != nil {
			if _, derr := e.challenges.DeleteIfCurrent(ctx, f.String(), subject, challenge.ID); derr != nil {
				e.logger.Warn("discard undelivered challenge", zap.String("factor", f.String()), zap.Error(derr))
			}
			e.metricInc(MetricDeliveryFailed)
			e.emitAudit(ctx, auditDeliveryFailed, p.UserID, p.UserID, map[string]string{
				"factor":      f.String(),
				"destination": masked,
			})
			e.logger.Warn("challenge delivery failed", zap.String("factor", f.String()), zap.Error(err))
			return nil, newFactorError(ErrDeliveryFailed, f, "", err)
		}

		e.metricInc(MetricChallengeSent)
		e.emitAudit(ctx, auditChallengeSent, p.UserID, p.UserID, map[string]string{
			"factor":       f.String(),
			"destination":  masked,
			"challenge_id": challenge.ID,
		})

		return &InitiateResult{
			Factor:      f,
			Status:      "sent",
			ChallengeID: challenge.ID,
			Destination: masked,
			ExpiresAt:   challenge.ExpiresAt,
		}, nil
	}
}

func (e *Engine) initiatePasskey(ctx context.Context, p *Profile, req InitiateRequest) (*InitiateResult, error) {
	if e.webauthn == nil {
		return nil, newFactorError(ErrChannelUnavailable, FactorPasskey, "webauthn", nil)
	}
	creds, err := e.profiles.ListPasskeys(ctx, p.UserID)
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorPasskey, "profile_store", err)
	}
	if len(creds) == 0 {
		return nil, newFactorError(ErrNoCredentials, FactorPasskey, "", nil)
	}

	options, session, err := e.webauthn.BeginLogin(ctx, passkeyUser(p.UserID, creds))
	if err != nil {
		return nil, newFactorError(ErrBackendUnavailable, FactorPasskey, "webauthn", err)
	}

	token, expires, err := e.putPasskeyState(ctx, kindPasskeyLogin, passkeyState{
		UserID:   p.UserID,
		Session:  session,
		Remember: req.RememberDevice,
	})
	if err != nil {
		return nil, err
	}

	return &InitiateResult{
		Factor:         FactorPasskey,
		Status:         "challenge",
		PasskeyOptions: options,
		StateToken:     token,
		ExpiresAt:      expires,
	}, nil
}

func (e *Engine) putPasskeyState(ctx context.Context, kind string, st passkeyState) (string, time.Time, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return "", time.Time{}, newFactorError(ErrBackendUnavailable, FactorPasskey, "state_encode", err)
	}
	token := uuid.NewString()
	if err := e.ephemeral.Put(ctx, kind, token, payload, e.config.Passkey.StateTTL); err != nil {
		return "", time.Time{}, newFactorError(ErrBackendUnavailable, FactorPasskey, "state_store", err)
	}
	return token, e.now().Add(e.config.Passkey.StateTTL), nil
}

// takePasskeyState consumes the state so a ceremony completes at most once.
func (e *Engine) takePasskeyState(ctx context.Context, kind, token, userID string) (*passkeyState, error) {
	raw, err := e.ephemeral.Take(ctx, kind, token)
	if err != nil {
		if errors.Is(err, stores.ErrStateNotFound) {
			return nil, newFactorError(ErrInvalidOrExpired, FactorPasskey, "state", nil)
		}
		return nil, newFactorError(ErrBackendUnavailable, FactorPasskey, "state_store", err)
	}
	var st passkeyState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, newFactorError(ErrInvalidOrExpired, FactorPasskey, "state", err)
	}
	if st.UserID != userID {
		return nil, newFactorError(ErrInvalidOrExpired, FactorPasskey, "state_user", nil)
	}
	return &st, nil
}

func passkeyUser(userID string, creds []PasskeyCredential) PasskeyUser {
	return PasskeyUser{
		UserID:      userID,
		Name:        userID,
		DisplayName: userID,
		Credentials: creds,
	}
}
