package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookclub/internal/ratelimit"
	"bookclub/internal/usertoken"
	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
	"bookclub/services/social/internal/app"
)

// tokenAuth treats the bearer token as a user id.
type tokenAuth struct {
	db *store.GormStore
}

func (a tokenAuth) Authenticate(r *http.Request) (domain.User, error) {
	token, ok := util.BearerToken(r)
	if !ok {
		return domain.User{}, usertoken.ErrNoCredentials
	}
	user, found, err := a.db.GetUserByID(token)
	if err != nil {
		return domain.User{}, err
	}
	if !found {
		return domain.User{}, usertoken.ErrInvalidToken
	}
	return user, nil
}

type env struct {
	srv *httptest.Server
	db  *store.GormStore
}

func newEnv(t *testing.T, limiter ratelimit.Limiter) env {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, name := range []string{"alice", "bob"} {
		now := time.Now().UTC()
		require.NoError(t, db.CreateUser(domain.User{
			ID: name, Username: name, Email: name + "@example.com", PasswordHash: "x",
			Role: domain.RoleMember, Status: domain.StatusActive, CreatedAt: now, UpdatedAt: now,
		}, domain.Profile{UserID: name, UpdatedAt: now}))
	}
	core, err := app.New(app.Config{Store: db})
	require.NoError(t, err)
	s, err := New(Config{App: core, Auth: tokenAuth{db: db}, WriteLimiter: limiter})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return env{srv: srv, db: db}
}

func (e env) call(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func (e env) createPost(t *testing.T, token, title string, tags ...string) domain.Post {
	t.Helper()
	status, raw := e.call(t, http.MethodPost, "/api/posts", token, map[string]any{
		"title": title, "content": "about " + title, "tags": tags,
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
	return decode[domain.Post](t, raw)
}

func TestAuthRequirements(t *testing.T) {
	e := newEnv(t, nil)

	status, raw := e.call(t, http.MethodPost, "/api/posts", "", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "NOT_AUTHENTICATED", decode[map[string]any](t, raw)["code"])

	status, _ = e.call(t, http.MethodGet, "/api/feed", "", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, raw = e.call(t, http.MethodGet, "/api/posts", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", decode[map[string]any](t, raw)["code"])

	status, _ = e.call(t, http.MethodGet, "/api/posts", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestPostEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	post := e.createPost(t, "alice", "First", "Go", "Books")

	status, raw := e.call(t, http.MethodGet, "/api/posts?tag=go&perPage=5", "", nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[app.PostPage](t, raw)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 5, page.Meta.PerPage)

	status, _ = e.call(t, http.MethodPatch, "/api/posts/"+post.ID, "bob", map[string]string{"title": "Mine now"})
	assert.Equal(t, http.StatusForbidden, status)

	status, raw = e.call(t, http.MethodGet, "/api/tags", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]domain.Tag](t, raw), 2)

	status, raw = e.call(t, http.MethodGet, "/api/tags/books/posts", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[app.PostPage](t, raw).Items, 1)

	status, raw = e.call(t, http.MethodPost, "/api/posts", "alice", map[string]any{"title": ""})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", decode[map[string]any](t, raw)["code"])

	status, _ = e.call(t, http.MethodDelete, "/api/posts/"+post.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, raw = e.call(t, http.MethodGet, "/api/posts/"+post.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "POST_NOT_FOUND", decode[map[string]any](t, raw)["code"])
}

func TestLikeMessages(t *testing.T) {
	e := newEnv(t, nil)
	post := e.createPost(t, "alice", "Likeable")
	path := "/api/posts/" + post.ID

	status, _ := e.call(t, http.MethodPost, path+"/like", "bob", nil)
	assert.Equal(t, http.StatusCreated, status)

	status, raw := e.call(t, http.MethodPost, path+"/like", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "You have already liked this post.", decode[map[string]any](t, raw)["error"])

	status, _ = e.call(t, http.MethodPost, path+"/unlike", "bob", nil)
	assert.Equal(t, http.StatusOK, status)
	status, raw = e.call(t, http.MethodPost, path+"/unlike", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "You have not liked this post.", decode[map[string]any](t, raw)["error"])
}

func TestCommentEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	post := e.createPost(t, "alice", "Discuss")

	status, raw := e.call(t, http.MethodPost, "/api/posts/"+post.ID+"/comments", "bob", map[string]string{"content": "Great read"})
	require.Equal(t, http.StatusCreated, status, string(raw))
	comment := decode[domain.Comment](t, raw)

	status, _ = e.call(t, http.MethodPatch, "/api/comments/"+comment.ID, "alice", map[string]string{"content": "edited"})
	assert.Equal(t, http.StatusForbidden, status)

	status, raw = e.call(t, http.MethodPatch, "/api/comments/"+comment.ID, "bob", map[string]string{"content": "Great read!"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Great read!", decode[domain.Comment](t, raw).Content)

	status, raw = e.call(t, http.MethodGet, "/api/posts/"+post.ID+"/comments", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]domain.Comment](t, raw), 1)

	status, _ = e.call(t, http.MethodDelete, "/api/comments/"+comment.ID, "bob", nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestFollowAndNotifications(t *testing.T) {
	e := newEnv(t, nil)

	status, raw := e.call(t, http.MethodPost, "/api/accounts/follow/alice", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "SELF_FOLLOW", decode[map[string]any](t, raw)["code"])

	status, _ = e.call(t, http.MethodPost, "/api/accounts/follow/nobody", "bob", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.call(t, http.MethodPost, "/api/accounts/follow/alice", "bob", nil)
	assert.Equal(t, http.StatusCreated, status)
	status, _ = e.call(t, http.MethodPost, "/api/accounts/follow/alice", "bob", nil)
	assert.Equal(t, http.StatusOK, status)

	status, raw = e.call(t, http.MethodGet, "/api/accounts/users/alice", "", nil)
	require.Equal(t, http.StatusOK, status)
	summary := decode[domain.UserSummary](t, raw)
	assert.Equal(t, int64(1), summary.Followers)

	status, raw = e.call(t, http.MethodGet, "/api/accounts/users/alice/followers", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []app.UserRef{{ID: "bob", Username: "bob"}}, decode[[]app.UserRef](t, raw))

	status, raw = e.call(t, http.MethodGet, "/api/notifications/unread_count", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"unread_count": float64(1)}, decode[map[string]any](t, raw))

	status, raw = e.call(t, http.MethodGet, "/api/notifications", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	items := decode[[]domain.Notification](t, raw)
	require.Len(t, items, 1)
	assert.Equal(t, domain.VerbFollowed, items[0].Verb)

	status, _ = e.call(t, http.MethodPost, "/api/notifications/"+items[0].ID+"/mark_read", "bob", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, raw = e.call(t, http.MethodPost, "/api/notifications/"+items[0].ID+"/mark_read", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Notification marked as read.", decode[map[string]any](t, raw)["detail"])

	status, raw = e.call(t, http.MethodGet, "/api/notifications/unread", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]domain.Notification](t, raw))

	status, _ = e.call(t, http.MethodPost, "/api/notifications/mark_all_read", "alice", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = e.call(t, http.MethodDelete, "/api/notifications/"+items[0].ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = e.call(t, http.MethodPost, "/api/accounts/unfollow/alice", "bob", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = e.call(t, http.MethodPost, "/api/accounts/unfollow/alice", "bob", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestFeedEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.createPost(t, "alice", "Alice writes")
	e.createPost(t, "bob", "Bob writes")

	status, _ := e.call(t, http.MethodPost, "/api/accounts/follow/alice", "bob", nil)
	require.Equal(t, http.StatusCreated, status)

	status, raw := e.call(t, http.MethodGet, "/api/feed", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[app.PostPage](t, raw)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Alice writes", page.Items[0].Title)
}

func TestWriteRateLimit(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(1, time.Minute)
	require.NoError(t, err)
	e := newEnv(t, limiter)

	e.createPost(t, "alice", "One")
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/posts", bytes.NewReader([]byte(`{"title":"Two","content":"x"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	status, _ := e.call(t, http.MethodPost, "/api/posts", "bob", map[string]string{"title": "Bob", "content": "x"})
	assert.Equal(t, http.StatusCreated, status)
}
