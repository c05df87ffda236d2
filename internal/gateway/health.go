package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/haasonsaas/callbridge/internal/bridge"
)

const readyTimeout = 2 * time.Second

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// handleReadyz reports whether the store answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := s.stores.Ping(ctx); err != nil {
		s.setServing(false)
		s.logger.Warn("readiness check failed", "store", s.stores.Kind, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"store":  s.stores.Kind,
			"error":  err.Error(),
		})
		return
	}
	s.setServing(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "store": s.stores.Kind})
}

// Diagnostics is the operator view of a running bridge.
type Diagnostics struct {
	Version        string               `json:"version"`
	Uptime         string               `json:"uptime"`
	Gemini         string               `json:"gemini"`
	Twilio         string               `json:"twilio"`
	Store          string               `json:"store"`
	StreamTokens   bool                 `json:"stream_tokens"`
	ActiveSessions int                  `json:"active_sessions"`
	ActiveCalls    int                  `json:"active_calls"`
	Sessions       []bridge.SessionInfo `json:"sessions"`
	Functions      []string             `json:"functions"`
}

// Diagnostics snapshots the current state.
func (s *Server) Diagnostics() Diagnostics {
	d := Diagnostics{
		Version:        s.version,
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		Gemini:         configured(s.config.GeminiConfigured()),
		Twilio:         configured(s.twilio.Configured()),
		Store:          s.stores.Kind,
		StreamTokens:   s.tokens.Enabled(),
		ActiveSessions: s.sessions.Len(),
		ActiveCalls:    len(s.tracker.Active()),
		Sessions:       s.sessions.Snapshot(),
	}
	for _, def := range s.dispatcher.Registry().Definitions() {
		d.Functions = append(d.Functions, def.Name)
	}
	return d
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Diagnostics())
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}
