package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	goMFA "github.com/MrEthical07/goMFA"
)

var (
	// ErrUnknownKeyVersion is returned when a ciphertext names a key the ring lacks.
	ErrUnknownKeyVersion = errors.New("secrets: unknown key version")
	// ErrMalformedCiphertext is returned for truncated or tampered input.
	ErrMalformedCiphertext = errors.New("secrets: malformed ciphertext")
)

// AESGCM seals with AES-256-GCM. Output layout: version | nonce | ciphertext.
type AESGCM struct {
	active byte
	aeads  map[byte]cipher.AEAD
}

var _ goMFA.SecretStore = (*AESGCM)(nil)

// NewAESGCM builds a keyring. Every key must be 32 bytes; active selects
// the key used for new seals.
func NewAESGCM(keys map[byte][]byte, active byte) (*AESGCM, error) {
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("secrets: active key version %d not in keyring", active)
	}
	ring := &AESGCM{active: active, aeads: make(map[byte]cipher.AEAD, len(keys))}
	for v, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("secrets: key version %d must be 32 bytes", v)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		ring.aeads[v] = aead
	}
	return ring, nil
}

// Seal implements goMFA.SecretStore.
func (a *AESGCM) Seal(_ context.Context, userID string, plaintext []byte) ([]byte, error) {
	aead := a.aeads[a.active]
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = a.active
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[1:], plaintext, additionalData(userID)), nil
}

// Open implements goMFA.SecretStore.
func (a *AESGCM) Open(_ context.Context, userID string, sealed []byte) ([]byte, error) {
	if len(sealed) < 1 {
		return nil, ErrMalformedCiphertext
	}
	aead, ok := a.aeads[sealed[0]]
	if !ok {
		return nil, ErrUnknownKeyVersion
	}
	ns := aead.NonceSize()
	if len(sealed) < 1+ns+aead.Overhead() {
		return nil, ErrMalformedCiphertext
	}
	pt, err := aead.Open(nil, sealed[1:1+ns], sealed[1+ns:], additionalData(userID))
	if err != nil {
		return nil, ErrMalformedCiphertext
	}
	return pt, nil
}

// NeedsRotation reports whether sealed was produced by a non-active key.
func (a *AESGCM) NeedsRotation(sealed []byte) bool {
	return len(sealed) == 0 || sealed[0] != a.active
}

func additionalData(userID string) []byte {
	return []byte("gomfa/v1/" + userID)
}
