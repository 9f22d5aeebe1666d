package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker tracks revoked token ids (jti) until they expire.
type TokenRevoker interface {
	Revoke(jti string, ttl time.Duration) error
	IsRevoked(jti string) (bool, error)
}

// UserTokenRevoker additionally records a per-user cutoff: every token
// issued at or before the cutoff is treated as revoked. Cutoffs only move forward.
type UserTokenRevoker interface {
	TokenRevoker
	RevokeUser(userID string, cutoff time.Time) error
	RevokedAfter(userID string) (time.Time, error)
}

// MemoryTokenRevoker is a single-instance revoker.
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
	}
}

func (r *MemoryTokenRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[jti] = time.Now().Add(ttl)
	r.mu.Unlock()
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[jti]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, jti)
		return false, nil
	}
	return true, nil
}

func (r *MemoryTokenRevoker) RevokeUser(userID string, cutoff time.Time) error {
	cutoff = cutoff.UTC()
	r.mu.Lock()
	if cutoff.After(r.cutoffs[userID]) {
		r.cutoffs[userID] = cutoff
	}
	r.mu.Unlock()
	return nil
}

func (r *MemoryTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[userID], nil
}

const (
	revokedTokenPrefix = "bookclub:revoked:jti:"
	revokedUserPrefix  = "bookclub:revoked:user:"
)

// raiseCutoffScript stores ARGV[1] (unix micros) only if it is newer.
// Micros stay inside Lua number precision.
var raiseCutoffScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local next = tonumber(ARGV[1])
if next > current then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
return 1
`)

// RedisTokenRevoker shares revocations across replicas. User cutoffs are
// kept for cutoffTTL, which must exceed the access token lifetime.
type RedisTokenRevoker struct {
	client    *redis.Client
	cutoffTTL time.Duration
}

func NewRedisTokenRevoker(client *redis.Client, cutoffTTL time.Duration) *RedisTokenRevoker {
	if cutoffTTL <= 0 {
		cutoffTTL = 24 * time.Hour
	}
	return &RedisTokenRevoker{client: client, cutoffTTL: cutoffTTL}
}

func (r *RedisTokenRevoker) Revoke(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Set(ctx, revokedTokenPrefix+jti, "1", ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	n, err := r.client.Exists(ctx, revokedTokenPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisTokenRevoker) RevokeUser(userID string, cutoff time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return raiseCutoffScript.Run(ctx, r.client,
		[]string{revokedUserPrefix + userID},
		strconv.FormatInt(cutoff.UTC().UnixMicro(), 10), r.cutoffTTL.Milliseconds(),
	).Err()
}

func (r *RedisTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	raw, err := r.client.Get(ctx, revokedUserPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(micros).UTC(), nil
}
