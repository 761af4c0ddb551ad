package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestAESGCMRoundTrip(t *testing.T) {
	ring, err := NewAESGCM(map[byte][]byte{1: testKey(1)}, 1)
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	ctx := context.Background()
	sealed, err := ring.Seal(ctx, "u1", []byte("JBSWY3DPEHPK3PXP"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("JBSWY3DPEHPK3PXP")) {
		t.Fatal("ciphertext contains plaintext")
	}
	pt, err := ring.Open(ctx, "u1", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("unexpected plaintext %q", pt)
	}
}

func TestAESGCMBindsUser(t *testing.T) {
	ring, _ := NewAESGCM(map[byte][]byte{1: testKey(1)}, 1)
	sealed, _ := ring.Seal(context.Background(), "u1", []byte("secret"))
	if _, err := ring.Open(context.Background(), "u2", sealed); !errors.Is(err, ErrMalformedCiphertext) {
		t.Fatalf("expected ErrMalformedCiphertext, got %v", err)
	}
}

func TestAESGCMRotation(t *testing.T) {
	old, _ := NewAESGCM(map[byte][]byte{1: testKey(1)}, 1)
	sealed, _ := old.Seal(context.Background(), "u1", []byte("secret"))

	rotated, err := NewAESGCM(map[byte][]byte{1: testKey(1), 2: testKey(2)}, 2)
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	if !rotated.NeedsRotation(sealed) {
		t.Fatal("expected old ciphertext to need rotation")
	}
	pt, err := rotated.Open(context.Background(), "u1", sealed)
	if err != nil || string(pt) != "secret" {
		t.Fatalf("open with rotated ring: %q %v", pt, err)
	}

	retired, _ := NewAESGCM(map[byte][]byte{2: testKey(2)}, 2)
	if _, err := retired.Open(context.Background(), "u1", sealed); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Fatalf("expected ErrUnknownKeyVersion, got %v", err)
	}
}

func TestAESGCMRejectsTampering(t *testing.T) {
	ring, _ := NewAESGCM(map[byte][]byte{1: testKey(1)}, 1)
	sealed, _ := ring.Seal(context.Background(), "u1", []byte("secret"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := ring.Open(context.Background(), "u1", sealed); !errors.Is(err, ErrMalformedCiphertext) {
		t.Fatalf("expected ErrMalformedCiphertext, got %v", err)
	}
	if _, err := ring.Open(context.Background(), "u1", []byte{1, 2}); !errors.Is(err, ErrMalformedCiphertext) {
		t.Fatalf("expected ErrMalformedCiphertext for short input, got %v", err)
	}
}

func TestNewAESGCMValidates(t *testing.T) {
	if _, err := NewAESGCM(map[byte][]byte{1: testKey(1)}, 2); err == nil {
		t.Fatal("expected error for missing active key")
	}
	if _, err := NewAESGCM(map[byte][]byte{1: []byte("short")}, 1); err == nil {
		t.Fatal("expected error for short key")
	}
}
