package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Result is the outcome of one Allow call. RetryAfter is set when blocked.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter counts hits per key.
type Limiter interface {
	Allow(ctx context.Context, key string) Result
}

// FixedWindowLimiter is a Redis-backed limiter shared by every replica.
// Redis failures block the request.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisFixedWindowLimiter builds a limiter allowing limit hits per window.
func NewRedisFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookclub:ratelimit"
	}
	return &FixedWindowLimiter{client: client, prefix: prefix, limit: limit, window: window}, nil
}

func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) Result {
	if l == nil {
		return Result{}
	}
	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, normalizeKey(key), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		return Result{RetryAfter: time.Second}
	}
	if res[0] <= int64(l.limit) {
		return Result{Allowed: true}
	}
	retry := time.Duration(res[1]) * time.Millisecond
	if retry <= 0 {
		retry = l.window
	}
	return Result{RetryAfter: retry}
}

// MemoryLimiter is a process-local fixed window, used when no Redis is configured.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]memoryWindow
}

type memoryWindow struct {
	start time.Time
	count int
}

func NewMemoryLimiter(limit int, window time.Duration) (*MemoryLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, windows: make(map[string]memoryWindow)}, nil
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) Result {
	key = normalizeKey(key)
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if now.Sub(w.start) >= l.window {
		w = memoryWindow{start: now.Truncate(l.window)}
		l.gc(now)
	}
	w.count++
	l.windows[key] = w
	if w.count <= l.limit {
		return Result{Allowed: true}
	}
	return Result{RetryAfter: w.start.Add(l.window).Sub(now)}
}

// gc drops expired windows so idle keys do not accumulate. Caller holds mu.
func (l *MemoryLimiter) gc(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
		}
	}
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
