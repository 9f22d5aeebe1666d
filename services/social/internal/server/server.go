package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"bookclub/internal/metrics"
	"bookclub/internal/ratelimit"
	"bookclub/internal/usertoken"
	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/services/social/internal/app"
)

// Authenticator resolves the caller from the request.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.User, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App  *app.App
	Auth Authenticator
	// WriteLimiter throttles post, comment and like writes per user. Nil disables it.
	WriteLimiter ratelimit.Limiter
	CORSOrigins  []string
	Ready        func(context.Context) error
}

// Server exposes the blog and social JSON API.
type Server struct {
	app          *app.App
	auth         Authenticator
	writeLimiter ratelimit.Limiter
	corsOrigins  []string
	ready        func(context.Context) error
	mux          *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.App == nil || cfg.Auth == nil {
		return nil, errors.New("social server requires app and authenticator")
	}
	s := &Server{
		app:          cfg.App,
		auth:         cfg.Auth,
		writeLimiter: cfg.WriteLimiter,
		corsOrigins:  cfg.CORSOrigins,
		ready:        cfg.Ready,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Router() http.Handler {
	var h http.Handler = metrics.Instrument("social", s.mux)
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(nil, h)
	h = util.WithRequestLog(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.Handle("GET /api/posts", s.optionalUser(s.handleListPosts))
	s.mux.Handle("POST /api/posts", s.authenticated(s.throttled(s.handleCreatePost)))
	s.mux.Handle("GET /api/posts/{id}", s.optionalUser(s.handleGetPost))
	s.mux.Handle("PATCH /api/posts/{id}", s.authenticated(s.handleUpdatePost))
	s.mux.Handle("DELETE /api/posts/{id}", s.authenticated(s.handleDeletePost))
	s.mux.Handle("POST /api/posts/{id}/like", s.authenticated(s.throttled(s.handleLike)))
	s.mux.Handle("POST /api/posts/{id}/unlike", s.authenticated(s.handleUnlike))
	s.mux.Handle("GET /api/posts/{id}/comments", s.optionalUser(s.handleListComments))
	s.mux.Handle("POST /api/posts/{id}/comments", s.authenticated(s.throttled(s.handleCreateComment)))
	s.mux.Handle("GET /api/comments/{id}", s.optionalUser(s.handleGetComment))
	s.mux.Handle("PATCH /api/comments/{id}", s.authenticated(s.handleUpdateComment))
	s.mux.Handle("DELETE /api/comments/{id}", s.authenticated(s.handleDeleteComment))
	s.mux.Handle("GET /api/tags", s.optionalUser(s.handleListTags))
	s.mux.Handle("GET /api/tags/{slug}/posts", s.optionalUser(s.handleTagPosts))

	s.mux.Handle("POST /api/accounts/follow/{userId}", s.authenticated(s.handleFollow))
	s.mux.Handle("POST /api/accounts/unfollow/{userId}", s.authenticated(s.handleUnfollow))
	s.mux.Handle("GET /api/accounts/users/{id}", s.optionalUser(s.handleUserSummary))
	s.mux.Handle("GET /api/accounts/users/{id}/followers", s.optionalUser(s.handleFollowers))
	s.mux.Handle("GET /api/accounts/users/{id}/following", s.optionalUser(s.handleFollowing))

	s.mux.Handle("GET /api/feed", s.authenticated(s.handleFeed))

	s.mux.Handle("GET /api/notifications", s.authenticated(s.handleListNotifications))
	s.mux.Handle("GET /api/notifications/unread", s.authenticated(s.handleUnreadNotifications))
	s.mux.Handle("GET /api/notifications/unread_count", s.authenticated(s.handleUnreadCount))
	s.mux.Handle("POST /api/notifications/mark_all_read", s.authenticated(s.handleMarkAllRead))
	s.mux.Handle("POST /api/notifications/{id}/mark_read", s.authenticated(s.handleMarkRead))
	s.mux.Handle("DELETE /api/notifications/{id}", s.authenticated(s.handleDeleteNotification))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			util.LoggerFromContext(r.Context()).Error("healthz_failed", "err", err)
			util.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// optionalUser serves public reads. Anonymous callers pass; a presented but
// rejected token is still a 401.
func (s *Server) optionalUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Authenticate(r); err != nil && !errors.Is(err, usertoken.ErrNoCredentials) {
			writeError(w, r, err)
			return
		}
		next(w, r)
	})
}

func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r)
		if errors.Is(err, usertoken.ErrNoCredentials) {
			err = app.ErrAuthRequired
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

// throttled applies the per-user write limiter.
func (s *Server) throttled(next userHandler) userHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if s.writeLimiter == nil {
			next(w, r, user)
			return
		}
		res := s.writeLimiter.Allow(r.Context(), "write:"+user.ID)
		if !res.Allowed {
			util.LoggerFromContext(r.Context()).Warn("write_rate_limited", "user_id", user.ID, "path", r.URL.Path)
			retry := res.RetryAfter
			if retry <= 0 {
				retry = time.Minute
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			writeStatus(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next(w, r, user)
	}
}
