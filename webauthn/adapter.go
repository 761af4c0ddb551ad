// Package webauthn adapts github.com/go-webauthn/webauthn to the
// goMFA.WebAuthn contract. Sessions are the library's SessionData encoded
// as JSON; the engine stores them between the two halves of a ceremony.
package webauthn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/go-webauthn/webauthn/protocol"
	gowebauthn "github.com/go-webauthn/webauthn/webauthn"
)

// Config names the relying party.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	// RequireUserVerification asks authenticators for a PIN or biometric.
	RequireUserVerification bool
	// ResidentKey requests discoverable credentials at registration.
	ResidentKey bool
}

// Adapter implements goMFA.WebAuthn.
type Adapter struct {
	wa          *gowebauthn.WebAuthn
	requireUV   bool
	residentKey bool
}

var _ goMFA.WebAuthn = (*Adapter)(nil)

// New validates cfg and builds the relying party.
func New(cfg Config) (*Adapter, error) {
	if cfg.RPID == "" || len(cfg.RPOrigins) == 0 {
		return nil, errors.New("webauthn: RPID and RPOrigins are required")
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = cfg.RPID
	}

	uv := protocol.VerificationPreferred
	if cfg.RequireUserVerification {
		uv = protocol.VerificationRequired
	}
	wa, err := gowebauthn.New(&gowebauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: uv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn: %w", err)
	}
	return &Adapter{wa: wa, requireUV: cfg.RequireUserVerification, residentKey: cfg.ResidentKey}, nil
}

// BeginLogin implements goMFA.WebAuthn.
func (a *Adapter) BeginLogin(_ context.Context, user goMFA.PasskeyUser) (json.RawMessage, []byte, error) {
	u := newUser(user)
	if len(u.creds) == 0 {
		return nil, nil, errors.New("webauthn: user has no credentials")
	}
	var opts []gowebauthn.LoginOption
	if a.requireUV {
		opts = append(opts, gowebauthn.WithUserVerification(protocol.VerificationRequired))
	}

	assertion, session, err := a.wa.BeginLogin(u, opts...)
	if err != nil {
		return nil, nil, err
	}
	return encodeCeremony(assertion, session)
}

// FinishLogin implements goMFA.WebAuthn.
func (a *Adapter) FinishLogin(_ context.Context, user goMFA.PasskeyUser, session []byte, response json.RawMessage) (*goMFA.PasskeyAssertion, error) {
	sd, err := decodeSession(session)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("webauthn: parse assertion: %w", err)
	}

	cred, err := a.wa.ValidateLogin(newUser(user), *sd, parsed)
	if err != nil {
		return nil, fmt.Errorf("webauthn: validate assertion: %w", err)
	}
	return &goMFA.PasskeyAssertion{
		CredentialID: cred.ID,
		SignCount:    cred.Authenticator.SignCount,
		UserVerified: cred.Flags.UserVerified,
		BackupState:  cred.Flags.BackupState,
	}, nil
}

// BeginRegistration implements goMFA.WebAuthn. Existing credentials are
// excluded so an authenticator cannot register twice.
func (a *Adapter) BeginRegistration(_ context.Context, user goMFA.PasskeyUser) (json.RawMessage, []byte, error) {
	u := newUser(user)
	exclusions := make([]protocol.CredentialDescriptor, 0, len(u.creds))
	for _, c := range u.creds {
		exclusions = append(exclusions, c.Descriptor())
	}

	selection := protocol.AuthenticatorSelection{
		ResidentKey:      protocol.ResidentKeyRequirementDiscouraged,
		UserVerification: protocol.VerificationPreferred,
	}
	if a.residentKey {
		selection.ResidentKey = protocol.ResidentKeyRequirementRequired
		selection.RequireResidentKey = protocol.ResidentKeyRequired()
	}
	if a.requireUV {
		selection.UserVerification = protocol.VerificationRequired
	}

	creation, session, err := a.wa.BeginRegistration(u,
		gowebauthn.WithExclusions(exclusions),
		gowebauthn.WithAuthenticatorSelection(selection),
	)
	if err != nil {
		return nil, nil, err
	}
	return encodeCeremony(creation, session)
}

// FinishRegistration implements goMFA.WebAuthn.
func (a *Adapter) FinishRegistration(_ context.Context, user goMFA.PasskeyUser, session []byte, response json.RawMessage) (*goMFA.PasskeyCredential, error) {
	sd, err := decodeSession(session)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("webauthn: parse attestation: %w", err)
	}

	cred, err := a.wa.CreateCredential(newUser(user), *sd, parsed)
	if err != nil {
		return nil, fmt.Errorf("webauthn: verify attestation: %w", err)
	}
	return fromCredential(user.UserID, cred), nil
}

func encodeCeremony(options any, session *gowebauthn.SessionData) (json.RawMessage, []byte, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, nil, err
	}
	return opts, raw, nil
}

func decodeSession(raw []byte) (*gowebauthn.SessionData, error) {
	var sd gowebauthn.SessionData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("webauthn: decode session: %w", err)
	}
	return &sd, nil
}
