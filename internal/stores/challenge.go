package stores

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrChallengeNotFound         = errors.New("challenge not found")
	ErrChallengeExpired          = errors.New("challenge expired")
	ErrChallengeConsumed         = errors.New("challenge already consumed")
	ErrChallengeAttemptsExceeded = errors.New("challenge attempts exceeded")
	ErrChallengeMismatch         = errors.New("challenge code mismatch")
	ErrRedisUnavailable          = errors.New("redis unavailable")
)

// consumeChallengeLua atomically validates and consumes a challenge.
// KEYS[1] = challenge key
// ARGV[1] = provided code hash
// ARGV[2] = now (unix millis)
// ARGV[3] = max attempts
//
// Returns {id, hash, destination, createdAt} on success, or an error string:
// "not_found", "consumed", "expired", "attempts_exceeded", "mismatch".
var consumeChallengeLua = redis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'id', 'hash', 'dest', 'created', 'expires', 'consumed', 'attempts')
if not rec[1] then
  return {err='not_found'}
end

local now = tonumber(ARGV[2])
local maxAttempts = tonumber(ARGV[3])

if rec[6] and rec[6] ~= '0' then
  return {err='consumed'}
end
if now >= tonumber(rec[5]) then
  return {err='expired'}
end

local attempts = tonumber(rec[7] or '0')
if attempts >= maxAttempts then
  return {err='attempts_exceeded'}
end

if rec[2] ~= ARGV[1] then
  redis.call('HINCRBY', KEYS[1], 'attempts', 1)
  return {err='mismatch'}
end

redis.call('HSET', KEYS[1], 'consumed', ARGV[2])
return {rec[1], rec[2], rec[3], rec[4]}
`)

// deleteIfIDLua removes the challenge only while it is still the one the
// caller issued.
// KEYS[1] = challenge key
// ARGV[1] = challenge id
var deleteIfIDLua = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Challenge is one issued one-time code. Only the code hash is stored.
type Challenge struct {
	ID          string
	Subject     string
	Factor      string
	CodeHash    string
	Destination string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  time.Time
	Attempts    int
}

// ChallengeStore persists challenges in Redis hashes, one per (factor, subject).
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	grace  time.Duration
}

// NewChallengeStore returns a store. Records stay readable for grace after
// expiry so late submissions see an expired challenge rather than none.
func NewChallengeStore(redisClient redis.UniversalClient, prefix string, grace time.Duration) *ChallengeStore {
	if prefix == "" {
		prefix = "otp"
	}
	if grace <= 0 {
		grace = time.Minute
	}
	return &ChallengeStore{
		redis:  redisClient,
		prefix: prefix,
		grace:  grace,
	}
}

func (s *ChallengeStore) key(factor, subject string) string {
	return s.prefix + ":" + factor + ":" + subject
}

// Save replaces any existing challenge for (c.Factor, c.Subject).
func (s *ChallengeStore) Save(ctx context.Context, c *Challenge) error {
	if c == nil || c.ID == "" || c.Subject == "" || c.Factor == "" || c.CodeHash == "" {
		return errors.New("challenge: missing fields")
	}
	key := s.key(c.Factor, c.Subject)
	ttl := c.ExpiresAt.Sub(c.CreatedAt) + s.grace
	if ttl <= s.grace {
		ttl = s.grace
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"id", c.ID,
			"hash", c.CodeHash,
			"dest", c.Destination,
			"created", strconv.FormatInt(c.CreatedAt.UnixMilli(), 10),
			"expires", strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10),
			"consumed", "0",
			"attempts", "0",
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the stored challenge without consuming it.
func (s *ChallengeStore) Get(ctx context.Context, factor, subject string) (*Challenge, error) {
	vals, err := s.redis.HGetAll(ctx, s.key(factor, subject)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(vals) == 0 || vals["id"] == "" {
		return nil, ErrChallengeNotFound
	}

	c := &Challenge{
		ID:          vals["id"],
		Subject:     subject,
		Factor:      factor,
		CodeHash:    vals["hash"],
		Destination: vals["dest"],
		CreatedAt:   parseMillis(vals["created"]),
		ExpiresAt:   parseMillis(vals["expires"]),
	}
	if vals["consumed"] != "0" {
		c.ConsumedAt = parseMillis(vals["consumed"])
	}
	c.Attempts, _ = strconv.Atoi(vals["attempts"])
	return c, nil
}

// Consume validates codeHash against the active challenge and marks it
// consumed. Exactly one concurrent caller with the right code succeeds.
func (s *ChallengeStore) Consume(ctx context.Context, factor, subject, codeHash string, now time.Time, maxAttempts int) (*Challenge, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	res, err := consumeChallengeLua.Run(ctx, s.redis,
		[]string{s.key(factor, subject)},
		codeHash,
		strconv.FormatInt(now.UnixMilli(), 10),
		maxAttempts,
	).Result()
	if err != nil {
		return nil, mapChallengeError(err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 4 {
		return nil, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	id, _ := fields[0].(string)
	stored, _ := fields[1].(string)
	dest, _ := fields[2].(string)
	created, _ := fields[3].(string)

	if subtle.ConstantTimeCompare([]byte(stored), []byte(codeHash)) != 1 {
		return nil, ErrChallengeMismatch
	}

	return &Challenge{
		ID:          id,
		Subject:     subject,
		Factor:      factor,
		CodeHash:    stored,
		Destination: dest,
		CreatedAt:   parseMillis(created),
		ConsumedAt:  now,
	}, nil
}

// Delete removes the challenge for (factor, subject), if any.
func (s *ChallengeStore) Delete(ctx context.Context, factor, subject string) error {
	if err := s.redis.Del(ctx, s.key(factor, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteIfCurrent removes the challenge for (factor, subject) only if its id
// is still id. A newer challenge saved in the meantime is left alone. It
// reports whether a record was removed.
func (s *ChallengeStore) DeleteIfCurrent(ctx context.Context, factor, subject, id string) (bool, error) {
	n, err := deleteIfIDLua.Run(ctx, s.redis, []string{s.key(factor, subject)}, id).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 1, nil
}

func mapChallengeError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not_found"):
		return ErrChallengeNotFound
	case strings.Contains(msg, "consumed"):
		return ErrChallengeConsumed
	case strings.Contains(msg, "expired"):
		return ErrChallengeExpired
	case strings.Contains(msg, "attempts_exceeded"):
		return ErrChallengeAttemptsExceeded
	case strings.Contains(msg, "mismatch"):
		return ErrChallengeMismatch
	default:
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
