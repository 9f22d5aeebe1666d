package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bookclub/internal/metrics"
	"bookclub/internal/ratelimit"
	"bookclub/internal/util"
)

// Upstreams are the service base URLs behind the gateway.
type Upstreams struct {
	Auth    *url.URL
	Catalog *url.URL
	Social  *url.URL
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Upstreams      Upstreams
	Limiter        ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	// Transport is used for proxying and health checks; nil means the default.
	Transport http.RoundTripper
	Timeout   time.Duration
}

// Server is the public entrypoint. It routes by path prefix to the auth,
// catalog and social services.
type Server struct {
	upstreams      map[string]*url.URL
	limiter        ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	client         *http.Client
	timeout        time.Duration
	mux            *http.ServeMux
}

// routeTable maps mux patterns to upstream names.
var routeTable = map[string][]string{
	"auth": {
		"/api/auth/", "/api/admin/", "/.well-known/jwks.json",
	},
	"catalog": {
		"/api/authors", "/api/authors/", "/api/books", "/api/books/",
		"/api/libraries", "/api/libraries/", "/api/roles/",
		"/books", "/libraries/",
	},
	"social": {
		"/api/posts", "/api/posts/", "/api/comments/", "/api/tags", "/api/tags/",
		"/api/accounts/", "/api/feed", "/api/notifications", "/api/notifications/",
	},
}

func New(cfg Config) (*Server, error) {
	ups := map[string]*url.URL{
		"auth":    cfg.Upstreams.Auth,
		"catalog": cfg.Upstreams.Catalog,
		"social":  cfg.Upstreams.Social,
	}
	for name, u := range ups {
		if u == nil {
			return nil, fmt.Errorf("gateway requires %s upstream", name)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	s := &Server{
		upstreams:      ups,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		client:         &http.Client{Transport: transport, Timeout: 5 * time.Second},
		timeout:        timeout,
		mux:            http.NewServeMux(),
	}
	s.routes(transport)
	return s, nil
}

// Router wraps the mux in the edge middleware. CORS is answered here so
// preflights never reach the services.
func (s *Server) Router() http.Handler {
	var h http.Handler = metrics.Instrument("gateway", s.mux)
	h = s.withRateLimit(h)
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithRequestLog(h)
	return util.WithRequestID(h)
}

func (s *Server) routes(transport http.RoundTripper) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	for name, patterns := range routeTable {
		proxy := s.proxy(name, transport)
		for _, pattern := range patterns {
			s.mux.Handle(pattern, proxy)
		}
	}
}

func (s *Server) proxy(name string, transport http.RoundTripper) http.Handler {
	target := s.upstreams[name]
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if id := util.RequestIDFromRequest(pr.In); id != "" {
				pr.Out.Header.Set("X-Request-Id", id)
			}
		},
		Transport: transport,
		ModifyResponse: func(resp *http.Response) error {
			stripEdgeHeaders(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			util.LoggerFromContext(r.Context()).Error("upstream_failed", "upstream", name, "path", r.URL.Path, "err", err)
			writeStatus(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", name+" service unavailable")
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		rp.ServeHTTP(w, r.WithContext(ctx))
	})
}

// stripEdgeHeaders drops upstream headers the gateway sets itself, so the
// client never sees them twice.
func stripEdgeHeaders(h http.Header) {
	for key := range h {
		if strings.HasPrefix(key, "Access-Control-") {
			h.Del(key)
		}
	}
	h.Del("Vary")
	h.Del("X-Request-Id")
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		ip := util.ClientIP(r, s.trustedProxies)
		res := s.limiter.Allow(r.Context(), "api:"+ip)
		if !res.Allowed {
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			if retry < 1 {
				retry = int(time.Minute.Seconds())
			}
			util.LoggerFromContext(r.Context()).Warn("gateway_rate_limited", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeStatus(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// handleHealth checks every upstream /healthz in parallel.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(s.upstreams))
	errs := make(map[string]error, len(s.upstreams))
	type check struct {
		name string
		err  error
	}
	out := make(chan check, len(s.upstreams))
	g, ctx := errgroup.WithContext(r.Context())
	for name, u := range s.upstreams {
		g.Go(func() error {
			out <- check{name: name, err: s.checkUpstream(ctx, u)}
			return nil
		})
	}
	_ = g.Wait()
	close(out)
	status := http.StatusOK
	for p := range out {
		if p.err != nil {
			errs[p.name] = p.err
			results[p.name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[p.name] = "ok"
	}
	if len(errs) > 0 {
		util.LoggerFromContext(r.Context()).Warn("healthz_degraded", "errors", fmt.Sprint(errs))
	}
	resp := healthResponse{Status: "ok", Services: results}
	if status != http.StatusOK {
		resp.Status = "degraded"
	}
	util.WriteJSON(w, status, resp)
}

func (s *Server) checkUpstream(ctx context.Context, base *url.URL) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("/healthz").String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	return nil
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	util.WriteJSON(w, status, errorResponse{Error: msg, Code: code, RequestID: util.RequestIDFromRequest(r)})
}
