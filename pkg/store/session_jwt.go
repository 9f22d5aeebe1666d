package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultJWTIssuer   = "bookclub-auth"
	DefaultJWTAudience = "bookclub-api"
	defaultJWTLeeway   = 30 * time.Second
	defaultKeyID       = "jwt-active"
)

// User cutoffs are compared against iat, so issue times keep microseconds
// instead of whole seconds.
func init() {
	jwt.TimePrecision = time.Microsecond
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// JWTOptions configures claim validation.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (o JWTOptions) normalized() JWTOptions {
	o.Issuer = strings.TrimSpace(o.Issuer)
	o.Audience = strings.TrimSpace(o.Audience)
	if o.Issuer == "" {
		o.Issuer = DefaultJWTIssuer
	}
	if o.Audience == "" {
		o.Audience = DefaultJWTAudience
	}
	if o.Leeway <= 0 {
		o.Leeway = defaultJWTLeeway
	}
	return o
}

// SessionKeys holds the active signing key and every public key that is
// still accepted, keyed by kid. Old kids stay in Verifiers during rotation.
type SessionKeys struct {
	Signer    *rsa.PrivateKey
	KeyID     string
	Verifiers map[string]*rsa.PublicKey
}

// LoadSessionKeys reads PEM files. publicPath may be empty, in which case
// the signer's public half is used. previous maps kid -> public key path.
func LoadSessionKeys(privatePath, publicPath, keyID string, previous map[string]string) (SessionKeys, error) {
	signer, err := readRSAPrivateKey(privatePath)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("load jwt private key: %w", err)
	}
	keys := SessionKeys{Signer: signer, KeyID: keyID, Verifiers: map[string]*rsa.PublicKey{}}
	if strings.TrimSpace(publicPath) != "" {
		pub, err := readRSAPublicKey(publicPath)
		if err != nil {
			return SessionKeys{}, fmt.Errorf("load jwt public key: %w", err)
		}
		keys.Verifiers[keys.kid()] = pub
	}
	for kid, path := range previous {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := readRSAPublicKey(path)
		if err != nil {
			return SessionKeys{}, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		keys.Verifiers[kid] = pub
	}
	return keys, nil
}

// GenerateSessionKeys creates an ephemeral 2048-bit key pair. Tokens signed
// with it do not survive a restart.
func GenerateSessionKeys(keyID string) (SessionKeys, error) {
	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("generate rsa key: %w", err)
	}
	return SessionKeys{Signer: signer, KeyID: keyID}, nil
}

func (k SessionKeys) kid() string {
	if kid := strings.TrimSpace(k.KeyID); kid != "" {
		return kid
	}
	return defaultKeyID
}

// JWTSessionStore issues RS256 access tokens with kid headers and checks
// them against the revoker.
type JWTSessionStore struct {
	signer    *rsa.PrivateKey
	kid       string
	verifiers map[string]*rsa.PublicKey
	ttl       time.Duration
	revoker   TokenRevoker
	opts      JWTOptions
}

// NewJWTSessionStore validates keys and builds the store. revoker may be nil.
func NewJWTSessionStore(keys SessionKeys, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	if keys.Signer == nil {
		return nil, errors.New("jwt signing key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("jwt ttl must be positive")
	}
	kid := keys.kid()
	verifiers := make(map[string]*rsa.PublicKey, len(keys.Verifiers)+1)
	for k, v := range keys.Verifiers {
		verifiers[k] = v
	}
	if _, ok := verifiers[kid]; !ok {
		verifiers[kid] = &keys.Signer.PublicKey
	}
	return &JWTSessionStore{
		signer:    keys.Signer,
		kid:       kid,
		verifiers: verifiers,
		ttl:       ttl,
		revoker:   revoker,
		opts:      opts.normalized(),
	}, nil
}

// TTL is the access token lifetime.
func (s *JWTSessionStore) TTL() time.Duration { return s.ttl }

// NewSession signs a token whose subject is userID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	jti := make([]byte, 12)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.opts.Issuer,
		Audience:  jwt.ClaimStrings{s.opts.Audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        hex.EncodeToString(jti),
	})
	token.Header["kid"] = s.kid
	return token.SignedString(s.signer)
}

// GetUserIDByToken verifies the token and returns its subject.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, err := s.verify(token)
	if err != nil {
		return "", false, err
	}
	if err := s.checkRevoked(claims); err != nil {
		return "", false, err
	}
	return claims.Subject, true, nil
}

func (s *JWTSessionStore) checkRevoked(claims *jwt.RegisteredClaims) error {
	if s.revoker == nil {
		return nil
	}
	revoked, err := s.revoker.IsRevoked(claims.ID)
	if err != nil {
		return err
	}
	if revoked {
		return ErrTokenRevoked
	}
	users, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return nil
	}
	cutoff, err := users.RevokedAfter(claims.Subject)
	if err != nil {
		return err
	}
	if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff) {
		return ErrTokenRevoked
	}
	return nil
}

// DeleteSession revokes the token's jti until it would have expired.
// Invalid tokens are ignored.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.verify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeUserSessions invalidates every token for userID issued at or before since.
func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	users, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return errors.New("session revoker does not support user revocation")
	}
	return users.RevokeUser(userID, since)
}

// JWKS publishes every accepted verification key, sorted by kid.
func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.verifiers))
	for kid := range s.verifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.verifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: jwt.SigningMethodRS256.Alg(),
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) verify(raw string) (*jwt.RegisteredClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := s.verifiers[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.opts.Issuer),
		jwt.WithAudience(s.opts.Audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.opts.Leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	switch {
	case strings.TrimSpace(claims.ID) == "":
		return nil, fmt.Errorf("%w: jti missing", ErrInvalidToken)
	case strings.TrimSpace(claims.Subject) == "":
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	case claims.IssuedAt == nil:
		return nil, fmt.Errorf("%w: iat missing", ErrInvalidToken)
	}
	return claims, nil
}

func readPEMBlock(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	return block, nil
}

func readRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return key, nil
}

func readRSAPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}
	var candidate any
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		candidate = pub
	} else if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		candidate = cert.PublicKey
	} else if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		candidate = pub
	} else {
		return nil, errors.New("failed to parse rsa public key")
	}
	pub, ok := candidate.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	return pub, nil
}
