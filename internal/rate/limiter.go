package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] = window key
// ARGV[1] = max hits
// ARGV[2] = ttl millis
var enforceLua = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local max = tonumber(ARGV[1])
if current >= max then
  return {0, current}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, current}
`)

// Decision is the outcome of one Enforce call.
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int
	RetryAt time.Time
}

// Limiter enforces fixed-window hit budgets using Redis counters.
type Limiter struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// New creates a [Limiter]. now is the clock used to place hits in windows;
// nil means time.Now.
func New(redisClient redis.UniversalClient, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		redis: redisClient,
		now:   now,
	}
}

// Enforce records one hit against key if the current window still has budget.
// A rejected hit does not increment the counter. On rejection it returns the
// decision together with ErrRateLimited; RetryAt is the end of the window.
func (l *Limiter) Enforce(ctx context.Context, key string, maxHits int, window time.Duration) (Decision, error) {
	if maxHits <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate policy: max=%d window=%s", maxHits, window)
	}

	now := l.now()
	index := now.UnixNano() / int64(window)
	windowEnd := time.Unix(0, (index+1)*int64(window))
	ttl := windowEnd.Sub(now) + time.Second

	res, err := enforceLua.Run(ctx, l.redis, []string{windowKey(key, index)}, maxHits, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Decision{}, err
		}
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}

	d := Decision{
		Allowed: res[0] == 1,
		Count:   res[1],
		Limit:   maxHits,
		RetryAt: windowEnd,
	}
	if !d.Allowed {
		return d, ErrRateLimited
	}
	return d, nil
}

// Clear removes the counter for key in the current window.
func (l *Limiter) Clear(ctx context.Context, key string, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	index := l.now().UnixNano() / int64(window)
	if err := l.redis.Del(ctx, windowKey(key, index)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func windowKey(key string, index int64) string {
	return "rl:" + key + ":" + strconv.FormatInt(index, 10)
}
