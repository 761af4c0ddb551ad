package replay

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps guard store failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

// Guard accepts a step for (subject, factor) at most once and only in
// increasing order.
type Guard interface {
	MarkStepConsumed(ctx context.Context, subject, factor string, step int64) (bool, error)
	// Forget drops the watermark so a re-enrolled secret starts fresh.
	Forget(ctx context.Context, subject, factor string) error
}

// KEYS[1] = watermark key
// ARGV[1] = step
// ARGV[2] = ttl millis
var markLua = redis.NewScript(`
local last = redis.call("GET", KEYS[1])
local step = tonumber(ARGV[1])
if last and step <= tonumber(last) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisGuard keeps the watermark in Redis and compares-and-sets it atomically.
type RedisGuard struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

// NewRedisGuard returns a guard whose watermarks expire after ttl of
// inactivity. ttl must cover the verification window (2*skew+1 periods).
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisGuard{redis: client, ttl: ttl}
}

// MarkStepConsumed implements [Guard].
func (g *RedisGuard) MarkStepConsumed(ctx context.Context, subject, factor string, step int64) (bool, error) {
	res, err := markLua.Run(ctx, g.redis, []string{guardKey(subject, factor)}, strconv.FormatInt(step, 10), g.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return res == 1, nil
}

// Forget implements [Guard].
func (g *RedisGuard) Forget(ctx context.Context, subject, factor string) error {
	if err := g.redis.Del(ctx, guardKey(subject, factor)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func guardKey(subject, factor string) string {
	return "rp:" + factor + ":" + subject
}

type memoryEntry struct {
	subject string
	steps   map[string]int64
}

// MemoryGuard is an in-process guard bounded to capacity subjects.
type MemoryGuard struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

// NewMemoryGuard returns a guard holding at most capacity subjects.
func NewMemoryGuard(capacity int) *MemoryGuard {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryGuard{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// MarkStepConsumed implements [Guard].
func (g *MemoryGuard) MarkStepConsumed(_ context.Context, subject, factor string, step int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.entries[subject]; ok {
		g.order.MoveToFront(el)
		entry := el.Value.(*memoryEntry)
		if last, seen := entry.steps[factor]; seen && step <= last {
			return false, nil
		}
		entry.steps[factor] = step
		return true, nil
	}

	el := g.order.PushFront(&memoryEntry{
		subject: subject,
		steps:   map[string]int64{factor: step},
	})
	g.entries[subject] = el

	for g.order.Len() > g.capacity {
		oldest := g.order.Back()
		g.order.Remove(oldest)
		delete(g.entries, oldest.Value.(*memoryEntry).subject)
	}
	return true, nil
}

// Forget implements [Guard]. The subject is evicted once it has no factors left.
func (g *MemoryGuard) Forget(_ context.Context, subject, factor string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.entries[subject]
	if !ok {
		return nil
	}
	entry := el.Value.(*memoryEntry)
	delete(entry.steps, factor)
	if len(entry.steps) == 0 {
		g.order.Remove(el)
		delete(g.entries, subject)
	}
	return nil
}

// Len reports the number of tracked subjects.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}
