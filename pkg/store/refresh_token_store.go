package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates an unknown, malformed or expired token.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates an already rotated token was presented
	// again. The whole family is revoked when this happens.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

// RefreshTokenStore issues rotating refresh tokens grouped in families.
// Tokens have the form "<familyID>.<secret>"; only the hash of the current
// token is kept per family.
type RefreshTokenStore interface {
	NewToken(userID string, ttl time.Duration) (string, error)
	RotateToken(token string, ttl time.Duration) (userID string, newToken string, err error)
	DeleteToken(token string) error
	RevokeUserRefreshTokens(userID string) error
}

func newRefreshToken(familyID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return familyID + "." + hex.EncodeToString(buf), nil
}

func newFamilyID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func splitRefreshToken(token string) (familyID string, ok bool) {
	familyID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || familyID == "" || secret == "" {
		return "", false
	}
	return familyID, true
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

type memoryFamily struct {
	userID string
	hash   string
	expiry time.Time
}

// MemoryRefreshTokenStore keeps families in process memory (single instance only).
type MemoryRefreshTokenStore struct {
	mu       sync.Mutex
	families map[string]memoryFamily
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{families: make(map[string]memoryFamily)}
}

func (s *MemoryRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	familyID, err := newFamilyID()
	if err != nil {
		return "", err
	}
	token, err := newRefreshToken(familyID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.families[familyID] = memoryFamily{userID: userID, hash: hashRefreshToken(token), expiry: time.Now().Add(ttl)}
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	familyID, ok := splitRefreshToken(token)
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	family, ok := s.families[familyID]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	if time.Now().After(family.expiry) {
		delete(s.families, familyID)
		return "", "", ErrInvalidRefreshToken
	}
	if subtle.ConstantTimeCompare([]byte(family.hash), []byte(hashRefreshToken(token))) != 1 {
		delete(s.families, familyID)
		return "", "", ErrRefreshTokenReplay
	}
	next, err := newRefreshToken(familyID)
	if err != nil {
		return "", "", err
	}
	family.hash = hashRefreshToken(next)
	family.expiry = time.Now().Add(ttl)
	s.families[familyID] = family
	return family.userID, next, nil
}

func (s *MemoryRefreshTokenStore) DeleteToken(token string) error {
	familyID, ok := splitRefreshToken(token)
	if !ok {
		return nil
	}
	s.mu.Lock()
	delete(s.families, familyID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeUserRefreshTokens(userID string) error {
	s.mu.Lock()
	for id, family := range s.families {
		if family.userID == userID {
			delete(s.families, id)
		}
	}
	s.mu.Unlock()
	return nil
}

// rotateRefreshScript atomically compares and swaps the family hash.
// Returns {1, userID} on success, {0, ""} when the family is gone and
// {-1, ""} on replay, after deleting the family.
var rotateRefreshScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "hash")
if not current then
  return {0, ""}
end
if current ~= ARGV[1] then
  local user = redis.call("HGET", KEYS[1], "user")
  redis.call("DEL", KEYS[1])
  if user then
    redis.call("SREM", KEYS[2] .. user, ARGV[4])
  end
  return {-1, ""}
end
redis.call("HSET", KEYS[1], "hash", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {1, redis.call("HGET", KEYS[1], "user")}
`)

const (
	refreshFamilyPrefix = "bookclub:refresh:family:"
	refreshUserPrefix   = "bookclub:refresh:user:"
	redisOpTimeout      = 3 * time.Second
)

// RedisRefreshTokenStore keeps families in Redis so every auth replica
// sees the same rotation state.
type RedisRefreshTokenStore struct {
	client *redis.Client
}

func NewRedisRefreshTokenStore(client *redis.Client) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{client: client}
}

func (s *RedisRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	familyID, err := newFamilyID()
	if err != nil {
		return "", err
	}
	token, err := newRefreshToken(familyID)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, refreshFamilyPrefix+familyID, "user", userID, "hash", hashRefreshToken(token))
	pipe.PExpire(ctx, refreshFamilyPrefix+familyID, ttl)
	pipe.SAdd(ctx, refreshUserPrefix+userID, familyID)
	pipe.PExpire(ctx, refreshUserPrefix+userID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return token, nil
}

func (s *RedisRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	familyID, ok := splitRefreshToken(token)
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	next, err := newRefreshToken(familyID)
	if err != nil {
		return "", "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	res, err := rotateRefreshScript.Run(ctx, s.client,
		[]string{refreshFamilyPrefix + familyID, refreshUserPrefix},
		hashRefreshToken(token), hashRefreshToken(next), ttl.Milliseconds(), familyID,
	).Slice()
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", errors.New("unexpected refresh rotate result")
	}
	status, _ := res[0].(int64)
	userID, _ := res[1].(string)
	switch status {
	case 1:
		if userID == "" {
			return "", "", ErrInvalidRefreshToken
		}
		return userID, next, nil
	case -1:
		return "", "", ErrRefreshTokenReplay
	default:
		return "", "", ErrInvalidRefreshToken
	}
}

func (s *RedisRefreshTokenStore) DeleteToken(token string) error {
	familyID, ok := splitRefreshToken(token)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	userID, err := s.client.HGet(ctx, refreshFamilyPrefix+familyID, "user").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, refreshFamilyPrefix+familyID)
	pipe.SRem(ctx, refreshUserPrefix+userID, familyID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRefreshTokenStore) RevokeUserRefreshTokens(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	families, err := s.client.SMembers(ctx, refreshUserPrefix+userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, familyID := range families {
		pipe.Del(ctx, refreshFamilyPrefix+familyID)
	}
	pipe.Del(ctx, refreshUserPrefix+userID)
	_, err = pipe.Exec(ctx)
	return err
}
