package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestJWTSessionStoreRoundTripAndJWKS(t *testing.T) {
	s := newTestSessionStore(t, NewMemoryTokenRevoker(), JWTOptions{})

	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok || userID != "user-1" {
		t.Fatalf("unexpected verify result: ok=%v userID=%q err=%v", ok, userID, err)
	}

	keys := s.JWKS()
	if len(keys) != 1 {
		t.Fatalf("expected 1 jwk, got %d", len(keys))
	}
	if keys[0].Kid != "kid-test" || keys[0].Kty != "RSA" || keys[0].Use != "sig" || keys[0].Alg != "RS256" {
		t.Fatalf("unexpected jwk fields: %+v", keys[0])
	}
	if keys[0].N == "" || keys[0].E == "" {
		t.Fatalf("expected RSA modulus/exponent in jwks")
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	keys := mustGenerateKeys(t, "kid-test")
	signing, err := NewJWTSessionStore(keys, time.Minute, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("signing store: %v", err)
	}
	verify, err := NewJWTSessionStore(keys, time.Minute, nil, JWTOptions{Issuer: "issuer-a", Audience: "aud-b"})
	if err != nil {
		t.Fatalf("verify store: %v", err)
	}

	token, err := signing.NewSession("user-claim")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
}

func TestJWTSessionStoreRevocation(t *testing.T) {
	revoker := NewMemoryTokenRevoker()
	s := newTestSessionStore(t, revoker, JWTOptions{})

	byJTI, _ := s.NewSession("user-jti")
	if err := s.DeleteSession(byJTI); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(byJTI); !errors.Is(err, ErrTokenRevoked) || ok {
		t.Fatalf("expected revoked token to fail, ok=%v err=%v", ok, err)
	}

	byUser, _ := s.NewSession("user-cutoff")
	if err := s.RevokeUserSessions("user-cutoff", time.Now().UTC().Add(time.Second)); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(byUser); !errors.Is(err, ErrTokenRevoked) || ok {
		t.Fatalf("expected user-revoked token to fail, ok=%v err=%v", ok, err)
	}

	if err := s.DeleteSession("garbage"); err != nil {
		t.Fatalf("deleting an invalid token should be a no-op, got %v", err)
	}
}

func TestJWTSessionStoreVerifiesPreviousKeyDuringRotation(t *testing.T) {
	oldPrivate, oldPublic := writeRSAKeyPairFiles(t, "old")
	newPrivate, newPublic := writeRSAKeyPairFiles(t, "new")

	oldKeys, err := LoadSessionKeys(oldPrivate, oldPublic, "kid-old", nil)
	if err != nil {
		t.Fatalf("load old keys: %v", err)
	}
	oldStore, err := NewJWTSessionStore(oldKeys, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("old store: %v", err)
	}
	oldToken, err := oldStore.NewSession("user-rotated")
	if err != nil {
		t.Fatalf("old session: %v", err)
	}

	rotated, err := LoadSessionKeys(newPrivate, newPublic, "kid-new", map[string]string{"kid-old": oldPublic})
	if err != nil {
		t.Fatalf("load rotated keys: %v", err)
	}
	newStore, err := NewJWTSessionStore(rotated, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if userID, _, err := newStore.GetUserIDByToken(oldToken); err != nil || userID != "user-rotated" {
		t.Fatalf("expected old token accepted during rotation, got %q %v", userID, err)
	}
	if n := len(newStore.JWKS()); n != 2 {
		t.Fatalf("expected both keys published, got %d", n)
	}

	unrelated := newTestSessionStore(t, nil, JWTOptions{})
	if _, _, err := unrelated.GetUserIDByToken(oldToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unknown kid to fail, got %v", err)
	}
}

func TestJWTSessionStoreRejectsMalformedClaims(t *testing.T) {
	keys := mustGenerateKeys(t, "kid-test")
	s, err := NewJWTSessionStore(keys, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	now := time.Now().UTC()
	base := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   "user-x",
			Issuer:    DefaultJWTIssuer,
			Audience:  jwt.ClaimStrings{DefaultJWTAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			ID:        "jti-x",
		}
	}

	tests := []struct {
		name   string
		mutate func(*jwt.RegisteredClaims)
		kid    string
	}{
		{name: "future issued at", kid: "kid-test", mutate: func(c *jwt.RegisteredClaims) {
			c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute))
		}},
		{name: "missing kid", mutate: func(*jwt.RegisteredClaims) {}},
		{name: "missing jti", kid: "kid-test", mutate: func(c *jwt.RegisteredClaims) { c.ID = "" }},
		{name: "missing subject", kid: "kid-test", mutate: func(c *jwt.RegisteredClaims) { c.Subject = "" }},
		{name: "missing expiry", kid: "kid-test", mutate: func(c *jwt.RegisteredClaims) { c.ExpiresAt = nil }},
		{name: "wrong issuer", kid: "kid-test", mutate: func(c *jwt.RegisteredClaims) { c.Issuer = "someone-else" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := base()
			tc.mutate(&claims)
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
			if tc.kid != "" {
				token.Header["kid"] = tc.kid
			}
			signed, err := token.SignedString(keys.Signer)
			if err != nil {
				t.Fatalf("sign token: %v", err)
			}
			if _, _, err := s.GetUserIDByToken(signed); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewJWTSessionStoreValidatesInput(t *testing.T) {
	if _, err := NewJWTSessionStore(SessionKeys{}, time.Minute, nil, JWTOptions{}); err == nil {
		t.Fatal("expected missing signer to fail")
	}
	if _, err := NewJWTSessionStore(mustGenerateKeys(t, ""), 0, nil, JWTOptions{}); err == nil {
		t.Fatal("expected zero ttl to fail")
	}
}

func mustGenerateKeys(t *testing.T, kid string) SessionKeys {
	t.Helper()
	keys, err := GenerateSessionKeys(kid)
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	return keys
}

func newTestSessionStore(t *testing.T, revoker TokenRevoker, opts JWTOptions) *JWTSessionStore {
	t.Helper()
	s, err := NewJWTSessionStore(mustGenerateKeys(t, "kid-test"), time.Minute, revoker, opts)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return s
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
