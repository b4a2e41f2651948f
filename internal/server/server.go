// Package server exposes feeds to UI clients over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ephemera/internal/feed"
	"ephemera/internal/model"
	"ephemera/internal/policy"
)

// ViewerHeader carries the caller's identity.
const ViewerHeader = "X-Viewer-ID"

// Creator stores newly composed items.
type Creator interface {
	CreateItem(ctx context.Context, item *model.ContentItem) error
}

// Server is the ephemera HTTP API server.
type Server struct {
	store    Creator
	feeds    *feed.Manager
	resolver *policy.Resolver
	log      *slog.Logger
	router   chi.Router
	version  string
	started  time.Time
	now      func() time.Time
}

// New creates a Server.
func New(store Creator, feeds *feed.Manager, resolver *policy.Resolver, log *slog.Logger, version string) *Server {
	s := &Server{
		store:    store,
		feeds:    feeds,
		resolver: resolver,
		log:      log,
		version:  version,
		started:  time.Now(),
		now:      time.Now,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(requireViewer)

			r.Route("/feeds/{feedID}", func(r chi.Router) {
				r.Post("/session", s.handleOpenSession)
				r.Delete("/session", s.handleCloseSession)

				r.Get("/items", s.handleListItems)
				r.Post("/items", s.handleCompose)
				r.Delete("/items/{itemID}", s.handleDeleteItem)
				r.Post("/items/{itemID}/view", s.handleView)
				r.Post("/items/{itemID}/like", s.handleLike)
			})
		})
	})

	s.router = r
}

type viewerKey struct{}

func requireViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewer := r.Header.Get(ViewerHeader)
		if viewer == "" {
			writeError(w, http.StatusUnauthorized, ViewerHeader+" header required")
			return
		}
		ctx := context.WithValue(r.Context(), viewerKey{}, viewer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func viewerFrom(r *http.Request) string {
	v, _ := r.Context().Value(viewerKey{}).(string)
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     time.Since(s.started).Seconds(),
		"open_feeds": s.feeds.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
