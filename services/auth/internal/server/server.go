package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"bookclub/internal/metrics"
	"bookclub/internal/ratelimit"
	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/services/auth/internal/app"
	"bookclub/services/auth/internal/security"
)

// Limiters groups the per-endpoint rate limiters. Nil entries disable limiting.
type Limiters struct {
	Signup     ratelimit.Limiter
	LoginIP    ratelimit.Limiter
	LoginIdent ratelimit.Limiter
	Refresh    ratelimit.Limiter
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Limiters       Limiters
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	// Ready backs /healthz. Nil always reports ok.
	Ready func(context.Context) error
}

// Server exposes HTTP endpoints for the auth service.
type Server struct {
	app            *app.App
	limiters       Limiters
	alerter        *security.AuditAlerter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	ready          func(context.Context) error
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		limiters:       cfg.Limiters,
		alerter:        cfg.Alerter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		ready:          cfg.Ready,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the mux wrapped in the shared middleware chain.
func (s *Server) Router() http.Handler {
	var h http.Handler = metrics.Instrument("auth", s.mux)
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(nil, h)
	h = util.WithRequestLog(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /api/auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)

	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	s.mux.Handle("POST /api/auth/logout", s.authenticated(s.handleLogout))

	s.mux.Handle("GET /api/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("PATCH /api/auth/me", s.authenticated(s.handleUpdateMe))
	s.mux.Handle("POST /api/auth/me/password", s.authenticated(s.handleChangePassword))
	s.mux.Handle("GET /api/auth/me/profile", s.authenticated(s.handleProfile))
	s.mux.Handle("PATCH /api/auth/me/profile", s.authenticated(s.handleUpdateProfile))
	s.mux.Handle("POST /api/auth/me/avatar", s.authenticated(s.handleUploadAvatar))

	s.mux.Handle("GET /api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("PATCH /api/admin/users/{id}", s.adminOnly(s.handleAdminUpdateUser))
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

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := util.BearerToken(r)
		if !ok {
			s.audit(r, security.EventAuthorize, security.OutcomeFail, "", "reason", "missing_token")
			writeStatus(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication credentials were not provided")
			return
		}
		user, err := s.app.UserFromToken(token)
		if err != nil {
			s.audit(r, security.EventAuthorize, security.OutcomeFail, "", "reason", "invalid_token")
			writeError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != domain.RoleAdmin {
			s.audit(r, security.EventAdminAuthorize, security.OutcomeFail, user.ID, "user_id", user.ID)
			writeStatus(w, r, http.StatusForbidden, "FORBIDDEN", "admin role required")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

// audit logs a security event and feeds the burst alerter. subject is the
// account the action targeted; it may be empty.
func (s *Server) audit(r *http.Request, ev security.Event, outcome security.Outcome, subject string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := append([]any{
		"event", string(ev),
		"outcome", string(outcome),
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == security.OutcomeSuccess {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), security.Observation{Event: ev, Outcome: outcome, IP: ip, Subject: subject})
	if err != nil {
		logger.Error("security_alert_observe_failed", "event", string(ev), "err", err)
		return
	}
	if result.Triggered {
		logger.Warn("security_alert",
			"event", string(ev),
			"outcome", string(outcome),
			"ip", ip,
			"counted_by", result.CountedBy,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// allowRate writes a 429 and returns false once key is over its limit.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, key string, ev security.Event) bool {
	if limiter == nil {
		return true
	}
	res := limiter.Allow(r.Context(), key)
	if res.Allowed {
		return true
	}
	s.audit(r, ev, security.OutcomeRateLimited, "")
	retry := int(math.Ceil(res.RetryAfter.Seconds()))
	if retry < 1 {
		retry = int(time.Minute.Seconds())
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeStatus(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
	return false
}
