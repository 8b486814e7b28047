// Package server exposes the engram store over HTTP for CLIs and bindings.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	engram "github.com/engramdb/engram"
)

// Server is the engram HTTP API server.
type Server struct {
	store   *engram.Engram
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server over an open store.
func New(store *engram.Engram, version string) *Server {
	s := &Server{
		store:   store,
		version: version,
		started: time.Now(),
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
		r.Get("/status", s.handleStatus)

		r.Post("/memories", s.handleRemember)
		r.Get("/memories/{id}", s.handleRecall)
		r.Post("/memories/recall", s.handleRecallMany)
		r.Put("/memories/{id}/score", s.handleSetScore)
		r.Post("/memories/{id}/promote", s.handlePromote)

		r.Get("/paths", s.handleListPaths)
		r.Get("/paths/{name}", s.handlePathHead)
		r.Post("/paths", s.handleBranch)
		r.Post("/paths/{name}/append", s.handleAppend)
		r.Post("/paths/consolidate", s.handleConsolidate)
		r.Post("/paths/reconcile", s.handleReconcile)

		r.Get("/nodes/{hash}", s.handleNode)
		r.Post("/prune", s.handlePrune)
		r.Get("/audit", s.handleAudit)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	})
}
