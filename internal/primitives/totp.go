package primitives

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// TOTP verifies RFC 6238 codes and reports which time step matched.
type TOTP struct {
	Digits    int
	Period    int
	Algorithm string
}

// Step returns the time step containing t.
func (c TOTP) Step(t time.Time) int64 {
	return t.Unix() / int64(c.Period)
}

// Generate returns the code for the step containing t.
func (c TOTP) Generate(secret string, t time.Time) (string, error) {
	return c.GenerateAt(secret, c.Step(t))
}

// GenerateAt returns the code for an explicit step.
func (c TOTP) GenerateAt(secret string, step int64) (string, error) {
	if step < 0 {
		return "", fmt.Errorf("negative step %d", step)
	}
	algo, err := c.algorithm()
	if err != nil {
		return "", err
	}
	code, err := hotp.GenerateCodeCustom(normalizeSecret(secret), uint64(step), hotp.ValidateOpts{
		Digits:    otp.Digits(c.Digits),
		Algorithm: algo,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return code, nil
}

// Verify checks code against the current step and skew steps on either side.
// It returns the matched step. Every candidate step is computed so timing
// does not reveal which offset matched.
func (c TOTP) Verify(secret, code string, t time.Time, skew int) (int64, bool, error) {
	code = NormalizeDigits(code)
	if len(code) != c.Digits {
		return 0, false, ErrInvalidFormat
	}
	if skew < 0 {
		skew = 0
	}

	current := c.Step(t)
	var (
		matched int64
		found   bool
	)
	for offset := -skew; offset <= skew; offset++ {
		step := current + int64(offset)
		if step < 0 {
			continue
		}
		candidate, err := c.GenerateAt(secret, step)
		if err != nil {
			return 0, false, err
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 && !found {
			matched = step
			found = true
		}
	}
	return matched, found, nil
}

// TOTPKey is a freshly generated enrollment secret.
type TOTPKey struct {
	Secret string
	URI    string
}

// NewKey generates a random secret and its otpauth:// provisioning URI.
func (c TOTP) NewKey(issuer, account string) (TOTPKey, error) {
	algo, err := c.algorithm()
	if err != nil {
		return TOTPKey{}, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(c.Period),
		SecretSize:  20,
		Digits:      otp.Digits(c.Digits),
		Algorithm:   algo,
	})
	if err != nil {
		return TOTPKey{}, err
	}
	return TOTPKey{Secret: key.Secret(), URI: key.URL()}, nil
}

func (c TOTP) algorithm() (otp.Algorithm, error) {
	switch strings.ToUpper(c.Algorithm) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return 0, errors.New("unsupported totp algorithm")
	}
}

func normalizeSecret(secret string) string {
	s := strings.ToUpper(strings.TrimSpace(secret))
	return strings.ReplaceAll(s, " ", "")
}
