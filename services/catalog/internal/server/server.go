package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"

	"bookclub/internal/metrics"
	"bookclub/internal/usertoken"
	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/services/catalog/internal/app"
)

// Authenticator resolves the caller from the request.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.User, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App         *app.App
	Auth        Authenticator
	CORSOrigins []string
	Ready       func(context.Context) error
}

// Server exposes the catalog JSON API and its HTML pages.
type Server struct {
	app         *app.App
	auth        Authenticator
	corsOrigins []string
	ready       func(context.Context) error
	pages       *template.Template
	mux         *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.App == nil || cfg.Auth == nil {
		return nil, errors.New("catalog server requires app and authenticator")
	}
	pages, err := parsePages()
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:         cfg.App,
		auth:        cfg.Auth,
		corsOrigins: cfg.CORSOrigins,
		ready:       cfg.Ready,
		pages:       pages,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the mux wrapped in the shared middleware chain.
func (s *Server) Router() http.Handler {
	var h http.Handler = metrics.Instrument("catalog", s.mux)
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders([]string{"/books", "/libraries/"}, h)
	h = util.WithRequestLog(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.Handle("GET /api/authors", s.withUser(s.handleListAuthors))
	s.mux.Handle("POST /api/authors", s.withUser(s.handleCreateAuthor))
	s.mux.Handle("GET /api/authors/{id}", s.withUser(s.handleGetAuthor))
	s.mux.Handle("PATCH /api/authors/{id}", s.withUser(s.handleUpdateAuthor))
	s.mux.Handle("DELETE /api/authors/{id}", s.withUser(s.handleDeleteAuthor))

	s.mux.Handle("GET /api/books", s.withUser(s.handleListBooks))
	s.mux.Handle("POST /api/books", s.withUser(s.handleCreateBook))
	s.mux.Handle("GET /api/books/{id}", s.withUser(s.handleGetBook))
	s.mux.Handle("PATCH /api/books/{id}", s.withUser(s.handleUpdateBook))
	s.mux.Handle("DELETE /api/books/{id}", s.withUser(s.handleDeleteBook))

	s.mux.Handle("GET /api/libraries", s.withUser(s.handleListLibraries))
	s.mux.Handle("POST /api/libraries", s.withUser(s.handleCreateLibrary))
	s.mux.Handle("GET /api/libraries/{id}", s.withUser(s.handleGetLibrary))
	s.mux.Handle("PATCH /api/libraries/{id}", s.withUser(s.handleUpdateLibrary))
	s.mux.Handle("DELETE /api/libraries/{id}", s.withUser(s.handleDeleteLibrary))
	s.mux.Handle("PUT /api/libraries/{id}/books/{bookId}", s.withUser(s.handleShelveBook))
	s.mux.Handle("DELETE /api/libraries/{id}/books/{bookId}", s.withUser(s.handleUnshelveBook))
	s.mux.Handle("PUT /api/libraries/{id}/librarian", s.withUser(s.handleSetLibrarian))

	s.mux.Handle("GET /api/roles/{role}", s.withUser(s.handleRoleDashboard))

	s.mux.HandleFunc("GET /books", s.handleBooksPage)
	s.mux.HandleFunc("GET /libraries/{id}", s.handleLibraryPage)
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

// userHandler receives nil for anonymous callers.
type userHandler func(http.ResponseWriter, *http.Request, *domain.User)

// withUser resolves the caller when a bearer token is present. Anonymous
// requests pass through; a presented but rejected token is a 401.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r)
		switch {
		case err == nil:
			next(w, r, &user)
		case errors.Is(err, usertoken.ErrNoCredentials):
			next(w, r, nil)
		default:
			writeError(w, r, err)
		}
	})
}
