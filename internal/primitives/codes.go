package primitives

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"math/big"
	"net/netip"
	"strings"
)

const (
	minOTPDigits = 4
	maxOTPDigits = 10
	minKeyBytes  = 16
)

// NormalizeDigits drops everything but ASCII digits, so "123 456" and
// "123-456" are read as "123456".
func NormalizeDigits(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for i := 0; i < len(code); i++ {
		if code[i] >= '0' && code[i] <= '9' {
			b.WriteByte(code[i])
		}
	}
	return b.String()
}

// RandomDigits returns n decimal digits drawn uniformly from crypto/rand.
func RandomDigits(n int) (string, error) {
	if n < minOTPDigits || n > maxOTPDigits {
		return "", errors.New("otp digits must be between 4 and 10")
	}

	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

// CodeHasher hashes one-time codes with a server-side pepper so that a
// leaked challenge store does not reveal codes.
type CodeHasher struct {
	pepper []byte
}

// NewCodeHasher validates the pepper and returns a hasher.
func NewCodeHasher(pepper []byte) (*CodeHasher, error) {
	if len(pepper) < minKeyBytes {
		return nil, errors.New("otp pepper must be at least 16 bytes")
	}
	p := make([]byte, len(pepper))
	copy(p, pepper)
	return &CodeHasher{pepper: p}, nil
}

// Hash returns hex(HMAC-SHA256(pepper, code)).
func (h *CodeHasher) Hash(code string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether code hashes to storedHash. Comparison is constant time.
func (h *CodeHasher) Verify(code, storedHash string) bool {
	computed := h.Hash(code)
	if len(computed) != len(storedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// Keyer derives opaque keys from identifiers (user IDs, client IPs, device
// fingerprints) so raw values never reach Redis keys or logs.
type Keyer struct {
	secret []byte
}

// NewKeyer validates the secret and returns a keyer.
func NewKeyer(secret []byte) (*Keyer, error) {
	if len(secret) < minKeyBytes {
		return nil, errors.New("key derivation secret must be at least 16 bytes")
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Keyer{secret: s}, nil
}

// Key returns namespace + ":" + hex(HMAC-SHA256(secret, namespace\x00subject)).
func (k *Keyer) Key(namespace, subject string) string {
	return namespace + ":" + k.digest(namespace, subject)
}

// Fingerprint binds a trusted device to the user, the user agent and the
// network prefix the device was registered from.
func (k *Keyer) Fingerprint(userID, userAgent, clientIP string) string {
	ua := sha256.Sum256([]byte(userAgent))
	return k.digest("fp", userID+"\x00"+hex.EncodeToString(ua[:])+"\x00"+IPPrefix(clientIP))
}

func (k *Keyer) digest(namespace, subject string) string {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write([]byte(namespace))
	mac.Write([]byte{0})
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}

// IPPrefix truncates an address to its /24 (IPv4) or /48 (IPv6) network.
// Unparseable input yields an empty string.
func IPPrefix(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.String()
}
