package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bookclub/pkg/store"
)

// jwksServer serves the JWKS of whichever session store is current.
type jwksServer struct {
	*httptest.Server
	current atomic.Pointer[store.JWTSessionStore]
	hits    atomic.Int32
}

func newJWKSServer(t *testing.T, s *store.JWTSessionStore) *jwksServer {
	t.Helper()
	srv := &jwksServer{}
	srv.current.Store(s)
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		srv.hits.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": srv.current.Load().JWKS()})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSessionStore(t *testing.T, kid string, revoker store.TokenRevoker) *store.JWTSessionStore {
	t.Helper()
	keys, err := store.GenerateSessionKeys(kid)
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	s, err := store.NewJWTSessionStore(keys, time.Minute, revoker, store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	return s
}

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifySubjectAndRefreshOnUnknownKid(t *testing.T) {
	ctx := context.Background()
	first := newSessionStore(t, "kid-1", nil)
	srv := newJWKSServer(t, first)

	v, err := NewVerifier(Config{JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v.unknownKidFloor = 0
	if err := v.Warm(ctx); err != nil {
		t.Fatalf("warm: %v", err)
	}

	token1, _ := first.NewSession("user-a")
	if sub, err := v.VerifySubject(ctx, token1); err != nil || sub != "user-a" {
		t.Fatalf("verify token1 failed: sub=%s err=%v", sub, err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected cached jwks, got %d fetches", got)
	}

	second := newSessionStore(t, "kid-2", nil)
	srv.current.Store(second)
	token2, _ := second.NewSession("user-b")
	if sub, err := v.VerifySubject(ctx, token2); err != nil || sub != "user-b" {
		t.Fatalf("verify token2 failed: sub=%s err=%v", sub, err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Fatalf("expected one refetch on unknown kid, got %d fetches", got)
	}
}

func TestVerifierThrottlesUnknownKidRefetch(t *testing.T) {
	ctx := context.Background()
	srv := newJWKSServer(t, newSessionStore(t, "kid-1", nil))
	v, err := NewVerifier(Config{JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if err := v.Warm(ctx); err != nil {
		t.Fatalf("warm: %v", err)
	}

	stranger, _ := newSessionStore(t, "kid-x", nil).NewSession("user-x")
	for i := 0; i < 3; i++ {
		if _, err := v.VerifySubject(ctx, stranger); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected unknown kids not to hammer jwks, got %d fetches", got)
	}
}

func TestVerifierHonorsSharedRevoker(t *testing.T) {
	ctx := context.Background()
	revoker := store.NewMemoryTokenRevoker()
	issuer := newSessionStore(t, "kid-1", revoker)
	srv := newJWKSServer(t, issuer)
	v, err := NewVerifier(Config{JWKSURL: srv.URL, Revoker: revoker})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	loggedOut, _ := issuer.NewSession("user-a")
	if err := issuer.DeleteSession(loggedOut); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := v.VerifySubject(ctx, loggedOut); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected revoked token, got %v", err)
	}

	stale, _ := issuer.NewSession("user-b")
	if err := issuer.RevokeUserSessions("user-b", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, err := v.VerifySubject(ctx, stale); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected user cutoff to apply, got %v", err)
	}
}

func TestVerifierRejectsFutureIssuedAtAndWrongAudience(t *testing.T) {
	ctx := context.Background()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys := store.SessionKeys{Signer: key, KeyID: "kid-1"}
	issuer, err := store.NewJWTSessionStore(keys, time.Minute, nil, store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	srv := newJWKSServer(t, issuer)
	v, err := NewVerifier(Config{JWKSURL: srv.URL, Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	sign := func(claims jwt.RegisteredClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "kid-1"
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}
	now := time.Now()
	future := sign(jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    store.DefaultJWTIssuer,
		Audience:  jwt.ClaimStrings{store.DefaultJWTAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now.Add(2 * time.Minute)),
	})
	if _, err := v.VerifySubject(ctx, future); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected future iat token to fail, got %v", err)
	}
	otherAudience := sign(jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    store.DefaultJWTIssuer,
		Audience:  jwt.ClaimStrings{"someone-else"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
	})
	if _, err := v.VerifySubject(ctx, otherAudience); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
}

func TestMaxAge(t *testing.T) {
	tests := map[string]time.Duration{
		"":                           0,
		"public, max-age=60":         time.Minute,
		"MAX-AGE=5, must-revalidate": 5 * time.Second,
		"max-age=abc":                0,
		"no-store":                   0,
	}
	for header, want := range tests {
		if got := maxAge(header); got != want {
			t.Fatalf("maxAge(%q) = %v, want %v", header, got, want)
		}
	}
}
