package primitives

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// BackupCodeAlphabet omits characters that are easy to misread (0/O, 1/I).
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	minMemoryKB   uint32 = 8 * 1024
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16
	algorithmID          = "argon2id"
)

// Argon2Params are the argon2id cost parameters for backup-code hashes.
type Argon2Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// BackupHasher hashes backup codes with argon2id and a server-side pepper.
// Output is a PHC string; the pepper is never part of it.
type BackupHasher struct {
	params Argon2Params
	pepper []byte
}

// NewBackupHasher validates params and pepper.
func NewBackupHasher(params Argon2Params, pepper []byte) (*BackupHasher, error) {
	if params.Memory < minMemoryKB {
		return nil, errors.New("backup code argon2 memory must be >= 8192 KB")
	}
	if params.Time < 1 {
		return nil, errors.New("backup code argon2 time must be >= 1")
	}
	if params.Parallelism < 1 {
		return nil, errors.New("backup code argon2 parallelism must be >= 1")
	}
	if params.SaltLength < minSaltLength {
		return nil, errors.New("backup code salt length must be >= 16")
	}
	if params.KeyLength < minKeyLength {
		return nil, errors.New("backup code key length must be >= 16")
	}
	if len(pepper) < minKeyBytes {
		return nil, errors.New("backup code pepper must be at least 16 bytes")
	}
	p := make([]byte, len(pepper))
	copy(p, pepper)
	return &BackupHasher{params: params, pepper: p}, nil
}

// Hash returns the PHC-encoded argon2id hash of a canonical code.
func (h *BackupHasher) Hash(code string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey(h.input(code), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether code matches encoded.
func (h *BackupHasher) Verify(code, encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey(h.input(code), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.hash)))
	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// Match returns the stored hash that code matches, if any. All hashes are
// evaluated regardless of an earlier match.
func (h *BackupHasher) Match(code string, stored []string) (string, bool) {
	var (
		match string
		found bool
	)
	for _, encoded := range stored {
		ok, err := h.Verify(code, encoded)
		if err != nil {
			continue
		}
		if ok && !found {
			match = encoded
			found = true
		}
	}
	return match, found
}

func (h *BackupHasher) input(code string) []byte {
	in := make([]byte, 0, len(h.pepper)+1+len(code))
	in = append(in, h.pepper...)
	in = append(in, 0)
	in = append(in, code...)
	return in
}

// NewBackupCodes returns count fresh plaintext codes of length characters,
// formatted for display.
func NewBackupCodes(count, length int) ([]string, error) {
	if count < 1 {
		return nil, errors.New("backup code count must be >= 1")
	}
	if length < 8 {
		return nil, errors.New("backup code length must be >= 8")
	}
	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		code, err := newBackupCode(length)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, FormatBackupCode(code))
	}
	return codes, nil
}

// FormatBackupCode splits a canonical code in two halves joined by '-'.
func FormatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeBackupCode upper-cases and strips separators.
func CanonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

func newBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	size := big.NewInt(int64(len(BackupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(encoded string) (*parsedPHC, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, ErrInvalidHash
	}

	var out parsedPHC
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, ErrInvalidHash
		}
		v, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, ErrInvalidHash
		}
		switch kv[0] {
		case "m":
			out.memory = uint32(v)
		case "t":
			out.time = uint32(v)
		case "p":
			if v > 255 {
				return nil, ErrInvalidHash
			}
			out.parallelism = uint8(v)
		default:
			return nil, ErrInvalidHash
		}
	}
	if out.memory < minMemoryKB || out.time < 1 || out.parallelism < 1 {
		return nil, ErrInvalidHash
	}

	var err error
	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(out.salt) < int(minSaltLength) {
		return nil, ErrInvalidHash
	}
	if out.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(out.hash) < int(minKeyLength) {
		return nil, ErrInvalidHash
	}
	return &out, nil
}
