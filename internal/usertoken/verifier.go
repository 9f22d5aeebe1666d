package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"bookclub/pkg/store"
)

const (
	defaultLeeway        = 30 * time.Second
	defaultJWKSCacheTTL  = 5 * time.Minute
	minUnknownKidRefresh = 10 * time.Second
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrRevoked      = errors.New("access token revoked")
	errUnknownKey   = errors.New("unknown token key")
)

// Config configures access-token verification for services other than auth.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
	// Revoker, when set, is the same revoker the auth service writes to.
	Revoker store.TokenRevoker
}

// Verifier checks RS256 access tokens against the auth service JWKS.
// Keys are fetched lazily, cached per Cache-Control max-age and refetched
// when an unknown kid shows up.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	jwksURL    string
	httpClient *http.Client
	revoker    store.TokenRevoker
	// unknownKidFloor rate-limits refetches triggered by unknown kids.
	unknownKidFloor time.Duration

	refresh singleflight.Group

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	keysExpire  time.Time
	lastRefresh time.Time
}

func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	v := &Verifier{
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		leeway:     cfg.Leeway,
		jwksURL:    jwksURL,
		httpClient: cfg.HTTPClient,
		revoker:    cfg.Revoker,

		unknownKidFloor: minUnknownKidRefresh,
	}
	if v.issuer == "" {
		v.issuer = store.DefaultJWTIssuer
	}
	if v.audience == "" {
		v.audience = store.DefaultJWTAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return v, nil
}

// Warm fetches the key set ahead of the first request.
func (v *Verifier) Warm(ctx context.Context) error {
	return v.refreshKeys(ctx)
}

// VerifySubject validates the token and returns the user id it was issued for.
func (v *Verifier) VerifySubject(ctx context.Context, token string) (string, error) {
	claims, err := v.verify(ctx, token)
	if err != nil {
		return "", err
	}
	if err := v.checkRevoked(claims); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (*jwt.RegisteredClaims, error) {
	if v.keysExpired() {
		if err := v.refreshKeys(ctx); err != nil {
			return nil, err
		}
	}
	claims, err := v.parse(token)
	if errors.Is(err, errUnknownKey) && v.mayRefresh() {
		if err := v.refreshKeys(ctx); err != nil {
			return nil, err
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (v *Verifier) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		v.mu.RLock()
		key, ok := v.keys[strings.TrimSpace(kid)]
		v.mu.RUnlock()
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token subject missing")
	}
	return claims, nil
}

func (v *Verifier) checkRevoked(claims *jwt.RegisteredClaims) error {
	if v.revoker == nil {
		return nil
	}
	if claims.ID != "" {
		revoked, err := v.revoker.IsRevoked(claims.ID)
		if err != nil {
			return err
		}
		if revoked {
			return ErrRevoked
		}
	}
	users, ok := v.revoker.(store.UserTokenRevoker)
	if !ok || claims.IssuedAt == nil {
		return nil
	}
	cutoff, err := users.RevokedAfter(claims.Subject)
	if err != nil {
		return err
	}
	if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff) {
		return ErrRevoked
	}
	return nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys) == 0 || time.Now().After(v.keysExpire)
}

func (v *Verifier) mayRefresh() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Since(v.lastRefresh) >= v.unknownKidFloor
}

// refreshKeys collapses concurrent refreshes into one HTTP call.
func (v *Verifier) refreshKeys(ctx context.Context) error {
	_, err, _ := v.refresh.Do("jwks", func() (any, error) {
		keys, ttl, err := v.fetch(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		v.mu.Lock()
		v.keys = keys
		v.keysExpire = now.Add(ttl)
		v.lastRefresh = now
		v.mu.Unlock()
		return nil, nil
	})
	return err
}

func (v *Verifier) fetch(ctx context.Context) (map[string]*rsa.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var payload struct {
		Keys []store.JWK `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		kid := strings.TrimSpace(k.Kid)
		if !strings.EqualFold(k.Kty, "RSA") || kid == "" {
			continue
		}
		if pub, err := rsaPublicKey(k.N, k.E); err == nil {
			keys[kid] = pub
		}
	}
	if len(keys) == 0 {
		return nil, 0, errors.New("jwks contains no usable rsa keys")
	}
	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	return keys, ttl, nil
}

func rsaPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func maxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
