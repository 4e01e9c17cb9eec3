package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/zeusync/keeper/internal/core/observability/log"
	"github.com/zeusync/keeper/internal/game"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /v1/stores", s.requireReady(s.handleStores))
	mux.HandleFunc("GET /v1/stores/{kind}/{key}", s.requireReady(s.handleLookup))
	mux.HandleFunc("GET /v1/migration", s.requireReady(s.handleMigration))
	mux.HandleFunc("POST /v1/save", s.requireReady(s.handleSave))
	return mux
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		s.writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
		return
	}
	if msg := s.LoadError(); msg != "" {
		s.writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "failed", Error: msg})
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "loading"})
}

func (s *Server) requireReady(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			s.writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "loading", Error: s.LoadError()})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStores(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Stores())
}

// handleLookup serves one entity. ?match=true resolves key as a prefix.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	match, _ := strconv.ParseBool(r.URL.Query().Get("match"))
	kind, key := r.PathValue("kind"), r.PathValue("key")

	entry, err := s.registry.Lookup(kind, key, match)
	switch {
	case errors.Is(err, game.ErrUnknownKind), errors.Is(err, game.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, statusResponse{Status: "not_found", Error: err.Error()})
		return
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleMigration(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.registry.MigrationReport()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, statusResponse{Status: "not_found", Error: "no migration has run"})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.SaveAll(r.Context()); err != nil {
		s.logger.Error("Save requested over HTTP failed", log.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "saved"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", log.Error(err))
	}
}
