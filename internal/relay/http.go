package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/1ureka/syncwatch/internal/registry"
)

// Handler returns the relay's HTTP surface: the WebSocket endpoint plus the
// read-only diagnostics routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ws", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Get("/rooms/{roomId}", s.handleRoom)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"rooms":     s.reg.Len(),
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// GET /rooms/{roomId}
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	snap, err := s.reg.Lookup(roomID)
	if err == nil {
		writeJSON(w, http.StatusOK, viewOf(snap))
		return
	}

	if s.backup != nil {
		ctx, cancel := context.WithTimeout(r.Context(), mirrorTimeout)
		defer cancel()

		v, merr := s.backup.Load(ctx, roomID)
		if merr == nil {
			writeJSON(w, http.StatusOK, v)
			return
		}
		if !errors.Is(merr, registry.ErrRoomNotFound) {
			s.log.Warn("mirror lookup failed", slog.String("room", roomID), slog.Any("err", merr))
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
}
