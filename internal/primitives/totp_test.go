package primitives

import (
	"errors"
	"testing"
	"time"
)

const (
	rfcSHA1Secret   = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	rfcSHA256Secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZA"
)

func TestTOTPRFC6238Vectors(t *testing.T) {
	cases := []struct {
		name   string
		algo   string
		secret string
		unix   int64
		want   string
	}{
		{"sha1_59", "SHA1", rfcSHA1Secret, 59, "94287082"},
		{"sha1_1111111109", "SHA1", rfcSHA1Secret, 1111111109, "07081804"},
		{"sha1_1111111111", "SHA1", rfcSHA1Secret, 1111111111, "14050471"},
		{"sha1_1234567890", "SHA1", rfcSHA1Secret, 1234567890, "89005924"},
		{"sha1_2000000000", "SHA1", rfcSHA1Secret, 2000000000, "69279037"},
		{"sha1_20000000000", "SHA1", rfcSHA1Secret, 20000000000, "65353130"},
		{"sha256_59", "SHA256", rfcSHA256Secret, 59, "46119246"},
		{"sha256_1111111109", "SHA256", rfcSHA256Secret, 1111111109, "68084774"},
		{"sha256_20000000000", "SHA256", rfcSHA256Secret, 20000000000, "77737706"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := TOTP{Digits: 8, Period: 30, Algorithm: tc.algo}
			got, err := c.Generate(tc.secret, time.Unix(tc.unix, 0))
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTOTPVerifyReturnsMatchedStep(t *testing.T) {
	c := TOTP{Digits: 6, Period: 30, Algorithm: "SHA1"}
	now := time.Unix(100*30+7, 0)

	for _, offset := range []int64{-1, 0, 1} {
		code, err := c.GenerateAt(rfcSHA1Secret, 100+offset)
		if err != nil {
			t.Fatalf("GenerateAt: %v", err)
		}
		step, ok, err := c.Verify(rfcSHA1Secret, code, now, 1)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !ok || step != 100+offset {
			t.Fatalf("offset %d: expected step %d ok, got step=%d ok=%v", offset, 100+offset, step, ok)
		}
	}
}

func TestTOTPVerifyAcceptsGroupedCode(t *testing.T) {
	c := TOTP{Digits: 6, Period: 30, Algorithm: "SHA1"}
	now := time.Unix(100*30, 0)
	code, err := c.GenerateAt(rfcSHA1Secret, 100)
	if err != nil {
		t.Fatalf("GenerateAt: %v", err)
	}

	for _, typed := range []string{code[:3] + " " + code[3:], code[:3] + "-" + code[3:], " " + code + "\n"} {
		step, ok, err := c.Verify(rfcSHA1Secret, typed, now, 0)
		if err != nil || !ok || step != 100 {
			t.Fatalf("%q: expected step 100, got step=%d ok=%v err=%v", typed, step, ok, err)
		}
	}
}

func TestTOTPVerifyRejectsOutsideSkew(t *testing.T) {
	c := TOTP{Digits: 6, Period: 30}
	now := time.Unix(100*30, 0)

	code, err := c.GenerateAt(rfcSHA1Secret, 102)
	if err != nil {
		t.Fatalf("GenerateAt: %v", err)
	}
	if _, ok, err := c.Verify(rfcSHA1Secret, code, now, 1); err != nil || ok {
		t.Fatalf("expected rejection outside skew, got ok=%v err=%v", ok, err)
	}
	if step, ok, err := c.Verify(rfcSHA1Secret, code, now, 2); err != nil || !ok || step != 102 {
		t.Fatalf("expected acceptance with skew 2, got step=%d ok=%v err=%v", step, ok, err)
	}
}

func TestTOTPVerifyRejectsMalformedCode(t *testing.T) {
	c := TOTP{Digits: 6, Period: 30}
	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		if _, _, err := c.Verify(rfcSHA1Secret, code, time.Now(), 1); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("code %q: expected ErrInvalidFormat, got %v", code, err)
		}
	}
}

func TestTOTPVerifyRejectsMalformedSecret(t *testing.T) {
	c := TOTP{Digits: 6, Period: 30}
	if _, _, err := c.Verify("not base32 !!", "123456", time.Now(), 1); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestTOTPNewKeyRoundTrip(t *testing.T) {
	c := TOTP{Digits: 6, Period: 30}
	key, err := c.NewKey("Ledger", "ops@example.com")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if key.Secret == "" || key.URI == "" {
		t.Fatalf("expected secret and uri, got %+v", key)
	}

	now := time.Now()
	code, err := c.Generate(key.Secret, now)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, ok, err := c.Verify(key.Secret, code, now, 0); err != nil || !ok {
		t.Fatalf("expected generated code to verify, ok=%v err=%v", ok, err)
	}
}
