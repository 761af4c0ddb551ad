package webauthn

import (
	goMFA "github.com/MrEthical07/goMFA"
	"github.com/go-webauthn/webauthn/protocol"
	gowebauthn "github.com/go-webauthn/webauthn/webauthn"
)

// user implements gowebauthn.User over a goMFA.PasskeyUser.
type user struct {
	id          []byte
	name        string
	displayName string
	creds       []gowebauthn.Credential
}

func newUser(u goMFA.PasskeyUser) *user {
	out := &user{
		id:          []byte(u.UserID),
		name:        u.Name,
		displayName: u.DisplayName,
		creds:       make([]gowebauthn.Credential, 0, len(u.Credentials)),
	}
	if out.name == "" {
		out.name = u.UserID
	}
	if out.displayName == "" {
		out.displayName = out.name
	}
	for _, c := range u.Credentials {
		out.creds = append(out.creds, toCredential(c))
	}
	return out
}

func (u *user) WebAuthnID() []byte                           { return u.id }
func (u *user) WebAuthnName() string                         { return u.name }
func (u *user) WebAuthnDisplayName() string                  { return u.displayName }
func (u *user) WebAuthnCredentials() []gowebauthn.Credential { return u.creds }

func toCredential(c goMFA.PasskeyCredential) gowebauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return gowebauthn.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: gowebauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: gowebauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

func fromCredential(userID string, c *gowebauthn.Credential) *goMFA.PasskeyCredential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return &goMFA.PasskeyCredential{
		ID:              c.ID,
		UserID:          userID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		AAGUID:          c.Authenticator.AAGUID,
		SignCount:       c.Authenticator.SignCount,
		BackupEligible:  c.Flags.BackupEligible,
		BackupState:     c.Flags.BackupState,
		DeviceType:      goMFA.PasskeyDeviceType(c.Flags.BackupEligible),
		Transports:      transports,
	}
}
