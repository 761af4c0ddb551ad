package goMFA

import (
	"strings"
)

// Factor identifies one authentication factor. The set is closed: every
// dispatch goes through [MatchFactor], whose handler interface has one method
// per factor, so adding a factor fails to compile until every handler covers it.
type Factor uint8

const (
	// FactorTOTP is an authenticator-app time-based code.
	FactorTOTP Factor = iota + 1
	// FactorEmail is a one-time code delivered by email.
	FactorEmail
	// FactorWhatsApp is a one-time code delivered over WhatsApp.
	FactorWhatsApp
	// FactorBackup is a single-use recovery code.
	FactorBackup
	// FactorPasskey is a WebAuthn assertion.
	FactorPasskey
)

var factorNames = [...]string{
	FactorTOTP:     "totp",
	FactorEmail:    "email",
	FactorWhatsApp: "whatsapp",
	FactorBackup:   "backup_code",
	FactorPasskey:  "passkey",
}

// AllFactors lists every factor in canonical order.
func AllFactors() []Factor {
	return []Factor{FactorTOTP, FactorEmail, FactorWhatsApp, FactorBackup, FactorPasskey}
}

// Valid reports whether f is one of the defined factors.
func (f Factor) Valid() bool {
	return f >= FactorTOTP && f <= FactorPasskey
}

func (f Factor) String() string {
	if !f.Valid() {
		return "unknown"
	}
	return factorNames[f]
}

// ParseFactor maps a wire name to a Factor.
func ParseFactor(s string) (Factor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "totp":
		return FactorTOTP, nil
	case "email":
		return FactorEmail, nil
	case "whatsapp":
		return FactorWhatsApp, nil
	case "backup_code", "backup":
		return FactorBackup, nil
	case "passkey", "webauthn":
		return FactorPasskey, nil
	default:
		return 0, ErrUnsupportedFactor
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Factor) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, ErrUnsupportedFactor
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Factor) UnmarshalText(b []byte) error {
	parsed, err := ParseFactor(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// FactorHandler has one method per factor.
type FactorHandler[R any] interface {
	TOTP() R
	Email() R
	WhatsApp() R
	Backup() R
	Passkey() R
}

// MatchFactor calls the handler method for f.
func MatchFactor[R any](f Factor, h FactorHandler[R]) (R, error) {
	switch f {
	case FactorTOTP:
		return h.TOTP(), nil
	case FactorEmail:
		return h.Email(), nil
	case FactorWhatsApp:
		return h.WhatsApp(), nil
	case FactorBackup:
		return h.Backup(), nil
	case FactorPasskey:
		return h.Passkey(), nil
	default:
		var zero R
		return zero, ErrUnsupportedFactor
	}
}

// FactorSet is a bitmask of enrolled factors.
type FactorSet uint8

// NewFactorSet builds a set from factors; invalid values are ignored.
func NewFactorSet(factors ...Factor) FactorSet {
	var s FactorSet
	for _, f := range factors {
		s = s.With(f)
	}
	return s
}

// Has reports whether f is in the set.
func (s FactorSet) Has(f Factor) bool {
	return f.Valid() && s&(1<<f) != 0
}

// With returns the set plus f.
func (s FactorSet) With(f Factor) FactorSet {
	if !f.Valid() {
		return s
	}
	return s | 1<<f
}

// Without returns the set minus f.
func (s FactorSet) Without(f Factor) FactorSet {
	if !f.Valid() {
		return s
	}
	return s &^ (1 << f)
}

// List returns members in canonical order.
func (s FactorSet) List() []Factor {
	out := make([]Factor, 0, 5)
	for _, f := range AllFactors() {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Empty reports whether no factor is enrolled.
func (s FactorSet) Empty() bool {
	return s == 0
}
