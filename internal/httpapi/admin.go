package httpapi

import (
	"context"
	"net/http"

	"github.com/ent0n29/stoicguide/internal/generation"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "ingest", s.generation.Ingest)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "cleanup", s.generation.Cleanup)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "stats", s.generation.Stats)
}

// forward relays the generation service reply as-is, error statuses
// included. Only transport failures are mapped.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, op string, call func(context.Context) (generation.Forwarded, error)) {
	fwd, err := call(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "admin call forwarded", "op", op, "status", fwd.StatusCode)
	if fwd.ContentType != "" {
		w.Header().Set("Content-Type", fwd.ContentType)
	}
	w.WriteHeader(fwd.StatusCode)
	_, _ = w.Write(fwd.Body)
}
