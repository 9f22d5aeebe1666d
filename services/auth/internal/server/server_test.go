package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bookclub/internal/ratelimit"
	"bookclub/pkg/storage"
	"bookclub/pkg/store"
	"bookclub/services/auth/internal/app"
	"bookclub/services/auth/internal/security"
)

const password = "Sup3r-secret!"

type testEnv struct {
	srv   *httptest.Server
	redis *miniredis.Miniredis
}

func newTestEnv(t *testing.T, limiters func(*redis.Client) Limiters) testEnv {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	keys, err := store.GenerateSessionKeys("k1")
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(keys, 15*time.Minute, store.NewRedisTokenRevoker(client, time.Hour), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	core, err := app.New(app.Config{
		Store:         db,
		Sessions:      sessions,
		RefreshTokens: store.NewRedisRefreshTokenStore(client),
		Objects:       storage.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: core, Alerter: security.NewAuditAlerter(client, "test:alerts")}
	if limiters != nil {
		cfg.Limiters = limiters(client)
	}
	srv := httptest.NewServer(New(cfg).Router())
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, redis: mr}
}

func (e testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func (e testEnv) signUp(t *testing.T, username string) (token, refresh string) {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": password,
	})
	if status != http.StatusCreated {
		t.Fatalf("signup %s: expected 201, got %d %v", username, status, body)
	}
	return body["token"].(string), body["refreshToken"].(string)
}

func TestSignupLoginAndMe(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signUp(t, "ada")

	status, body := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "ada", "password": password})
	if status != http.StatusOK {
		t.Fatalf("login: expected 200, got %d %v", status, body)
	}
	if body["landing"] != "/api/roles/admin" {
		t.Fatalf("expected admin landing, got %v", body["landing"])
	}
	token := body["token"].(string)

	status, me := env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	if status != http.StatusOK || me["username"] != "ada" {
		t.Fatalf("me: got %d %v", status, me)
	}
	if _, leaked := me["passwordHash"]; leaked {
		t.Fatalf("password hash must not be serialized")
	}
}

func TestLoginFailuresUseGenericMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signUp(t, "ada")

	for _, creds := range []map[string]string{
		{"username": "ada", "password": "Wrong-pass1!"},
		{"username": "ghost", "password": password},
	} {
		status, body := env.do(t, http.MethodPost, "/api/auth/login", "", creds)
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		if body["error"] != "invalid credentials" || body["code"] != "INVALID_CREDENTIALS" {
			t.Fatalf("unexpected body %v", body)
		}
		if body["requestId"] == "" {
			t.Fatalf("expected request id in error body")
		}
	}
}

func TestSignupValidationReturnsFieldErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	status, body := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"username": "ada", "email": "bad", "password": "weak"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	fields, _ := body["fields"].(map[string]any)
	if fields["email"] == nil || fields["password"] == nil {
		t.Fatalf("expected email and password field errors, got %v", body)
	}

	env.signUp(t, "ada")
	status, body = env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"username": "ada", "email": "other@example.com", "password": password})
	if status != http.StatusConflict || body["code"] != "USERNAME_TAKEN" {
		t.Fatalf("expected 409 USERNAME_TAKEN, got %d %v", status, body)
	}
	if fields, _ := body["fields"].(map[string]any); fields["username"] == nil || fields["email"] != nil {
		t.Fatalf("expected only a username field error, got %v", body)
	}

	status, body = env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"username": "grace", "email": "ada@example.com", "password": password})
	if status != http.StatusConflict || body["code"] != "EMAIL_TAKEN" {
		t.Fatalf("expected 409 EMAIL_TAKEN, got %d %v", status, body)
	}
	if fields, _ := body["fields"].(map[string]any); fields["email"] == nil {
		t.Fatalf("expected an email field error, got %v", body)
	}
}

func TestMalformedJSONIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/auth/login", bytes.NewBufferString("{nope"))
	status, body := send(t, req)
	if status != http.StatusBadRequest || body["code"] != "INVALID_JSON" {
		t.Fatalf("expected 400 INVALID_JSON, got %d %v", status, body)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/auth/me"},
		{http.MethodGet, "/api/auth/me/profile"},
		{http.MethodPost, "/api/auth/logout"},
		{http.MethodGet, "/api/admin/users"},
	} {
		status, _ := env.do(t, tc.method, tc.path, "", nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, status)
		}
		status, _ = env.do(t, tc.method, tc.path, "not-a-jwt", nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("%s %s with bad token: expected 401, got %d", tc.method, tc.path, status)
		}
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	token, refresh := env.signUp(t, "ada")

	status, _ := env.do(t, http.MethodPost, "/api/auth/logout", token, map[string]string{"refreshToken": refresh})
	if status != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", status)
	}
	if status, _ = env.do(t, http.MethodGet, "/api/auth/me", token, nil); status != http.StatusUnauthorized {
		t.Fatalf("revoked token: expected 401, got %d", status)
	}
	status, body := env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if status != http.StatusUnauthorized || body["code"] != "INVALID_REFRESH_TOKEN" {
		t.Fatalf("revoked refresh token: got %d %v", status, body)
	}
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, refresh := env.signUp(t, "ada")

	status, body := env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if status != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d %v", status, body)
	}
	if body["refreshToken"] == refresh {
		t.Fatalf("refresh token was not rotated")
	}
	status, _ = env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if status != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", status)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	adminToken, _ := env.signUp(t, "ada")
	memberToken, _ := env.signUp(t, "grace")

	if status, _ := env.do(t, http.MethodGet, "/api/admin/users", memberToken, nil); status != http.StatusForbidden {
		t.Fatalf("member listing users: expected 403, got %d", status)
	}
	status, body := env.do(t, http.MethodGet, "/api/admin/users", adminToken, nil)
	if status != http.StatusOK || body["count"].(float64) != 2 {
		t.Fatalf("admin listing users: got %d %v", status, body)
	}
	items := body["items"].([]any)
	memberID := items[1].(map[string]any)["id"].(string)

	status, body = env.do(t, http.MethodPatch, "/api/admin/users/"+memberID, adminToken, map[string]string{"status": "disabled"})
	if status != http.StatusOK || body["status"] != "disabled" {
		t.Fatalf("disable: got %d %v", status, body)
	}
	if status, _ = env.do(t, http.MethodGet, "/api/auth/me", memberToken, nil); status != http.StatusUnauthorized {
		t.Fatalf("disabled user token: expected 401, got %d", status)
	}
	status, body = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "grace", "password": password})
	if status != http.StatusForbidden || body["code"] != "USER_DISABLED" {
		t.Fatalf("disabled login: got %d %v", status, body)
	}

	status, body = env.do(t, http.MethodPatch, "/api/admin/users/missing", adminToken, map[string]string{"role": "member"})
	if status != http.StatusNotFound {
		t.Fatalf("unknown user: expected 404, got %d %v", status, body)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.signUp(t, "ada")

	status, _ := env.do(t, http.MethodPost, "/api/auth/me/password", token, map[string]string{
		"currentPassword": password,
		"newPassword":     "An0ther-secret?",
	})
	if status != http.StatusNoContent {
		t.Fatalf("change password: expected 204, got %d", status)
	}
	if status, _ = env.do(t, http.MethodGet, "/api/auth/me", token, nil); status != http.StatusUnauthorized {
		t.Fatalf("old token: expected 401, got %d", status)
	}
}

func TestProfileAndAvatar(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _ := env.signUp(t, "ada")

	status, body := env.do(t, http.MethodPatch, "/api/auth/me/profile", token, map[string]string{"bio": "<b>Analyst</b>", "dateOfBirth": "1815-12-10"})
	if status != http.StatusOK || body["bio"] != "Analyst" {
		t.Fatalf("update profile: got %d %v", status, body)
	}

	var img bytes.Buffer
	if err := png.Encode(&img, image.NewGray(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, _ := mw.CreateFormFile("file", "me.png")
	_, _ = part.Write(img.Bytes())
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/auth/me/avatar", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	status, body = send(t, req)
	if status != http.StatusOK || body["avatarUrl"] == nil {
		t.Fatalf("upload avatar: got %d %v", status, body)
	}

	req, _ = http.NewRequest(http.MethodPost, env.srv.URL+"/api/auth/me/avatar", bytes.NewBufferString("nothing"))
	req.Header.Set("Authorization", "Bearer "+token)
	if status, body = send(t, req); status != http.StatusBadRequest || body["code"] != "AVATAR_REQUIRED" {
		t.Fatalf("missing file: got %d %v", status, body)
	}
}

func TestJWKSIsPublished(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/auth/jwks", "/.well-known/jwks.json"} {
		status, body := env.do(t, http.MethodGet, path, "", nil)
		keys, _ := body["keys"].([]any)
		if status != http.StatusOK || len(keys) != 1 {
			t.Fatalf("%s: got %d %v", path, status, body)
		}
	}
}

func TestLoginRateLimitPerIdentifier(t *testing.T) {
	env := newTestEnv(t, func(client *redis.Client) Limiters {
		ident, err := ratelimit.NewRedisFixedWindowLimiter(client, "test:rl:login-id", 2, time.Minute)
		if err != nil {
			t.Fatalf("limiter: %v", err)
		}
		return Limiters{LoginIdent: ident}
	})
	creds := map[string]string{"username": "ghost", "password": password}
	for i := 0; i < 2; i++ {
		if status, _ := env.do(t, http.MethodPost, "/api/auth/login", "", creds); status != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, status)
		}
	}
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/auth/login", bytes.NewBufferString(`{"username":"GHOST","password":"x"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	creds["username"] = "someone-else"
	if status, _ := env.do(t, http.MethodPost, "/api/auth/login", "", creds); status != http.StatusUnauthorized {
		t.Fatalf("other identifier: expected 401, got %d", status)
	}
}

func TestFailedLoginsAreCountedPerIdentifier(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signUp(t, "ada")
	for _, creds := range []map[string]string{
		{"username": "ada", "password": "wrong"},
		{"username": "ADA", "password": "wrong"},
		{"email": "ada@example.com", "password": "wrong"},
	} {
		if status, _ := env.do(t, http.MethodPost, "/api/auth/login", "", creds); status != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %v, got %d", creds, status)
		}
	}

	var byUsername, byEmail []string
	for _, key := range env.redis.Keys() {
		switch {
		case strings.HasPrefix(key, "test:alerts:session.login.username:fail:subject:ada:"):
			byUsername = append(byUsername, key)
		case strings.HasPrefix(key, "test:alerts:session.login.email:fail:subject:ada@example.com:"):
			byEmail = append(byEmail, key)
		}
	}
	if len(byUsername) != 1 || len(byEmail) != 1 {
		t.Fatalf("unexpected alert counters: %v", env.redis.Keys())
	}
	if v, _ := env.redis.Get(byUsername[0]); v != "2" {
		t.Fatalf("username counter = %q, want 2", v)
	}
}

func TestSignupRateLimitPerIP(t *testing.T) {
	env := newTestEnv(t, func(*redis.Client) Limiters {
		limiter, err := ratelimit.NewMemoryLimiter(1, time.Minute)
		if err != nil {
			t.Fatalf("limiter: %v", err)
		}
		return Limiters{Signup: limiter}
	})
	env.signUp(t, "ada")
	status, body := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{"username": "grace", "email": "grace@example.com", "password": password})
	if status != http.StatusTooManyRequests || body["code"] != "RATE_LIMITED" {
		t.Fatalf("expected 429, got %d %v", status, body)
	}
}

func TestResponsesCarryRequestIDAndSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected nosniff header")
	}
}
