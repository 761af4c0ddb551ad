package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned when an ephemeral record is missing or expired.
var ErrStateNotFound = errors.New("state not found")

// EphemeralStore holds opaque single-use blobs with a TTL: passkey ceremony
// state keyed by a random token, pending enrollments keyed by subject.
type EphemeralStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewEphemeralStore returns a store that namespaces keys under prefix.
func NewEphemeralStore(redisClient redis.UniversalClient, prefix string) *EphemeralStore {
	if prefix == "" {
		prefix = "eph"
	}
	return &EphemeralStore{redis: redisClient, prefix: prefix}
}

func (s *EphemeralStore) key(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

// Put stores payload under (kind, id), replacing any previous value.
func (s *EphemeralStore) Put(ctx context.Context, kind, id string, payload []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(kind, id), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the payload without removing it.
func (s *EphemeralStore) Get(ctx context.Context, kind, id string) ([]byte, error) {
	b, err := s.redis.Get(ctx, s.key(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return b, nil
}

// Take returns and removes the payload in one step; concurrent callers for
// the same id see it at most once.
func (s *EphemeralStore) Take(ctx context.Context, kind, id string) ([]byte, error) {
	b, err := s.redis.GetDel(ctx, s.key(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return b, nil
}

// Delete removes the payload, if any.
func (s *EphemeralStore) Delete(ctx context.Context, kind, id string) error {
	if err := s.redis.Del(ctx, s.key(kind, id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
