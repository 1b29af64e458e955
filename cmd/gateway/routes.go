package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiosklabs/voice-gateway/internal/orchestrator"
)

type deps struct {
	orc       *orchestrator.Orchestrator
	wsHandler http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/session", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/upstream", d.handleUpstream)
	mux.HandleFunc("POST /api/upstream/reset", d.handleUpstreamReset)
	mux.Handle("/metrics", promhttp.Handler())
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := d.orc.Sessions()
	out := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]interface{}{
			"session_id":    s.ID,
			"customer_id":   s.CustomerID,
			"created_at":    s.CreatedAt.Format(time.RFC3339),
			"last_activity": s.LastActivity.Format(time.RFC3339),
			"status":        s.Status,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": out, "total": len(out)})
}

func (d deps) handleUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"state":    d.orc.UpstreamState().String(),
		"attempts": d.orc.UpstreamAttempts(),
	})
}

func (d deps) handleUpstreamReset(w http.ResponseWriter, r *http.Request) {
	slog.Info("upstream reset requested", "remote", r.RemoteAddr)
	if err := d.orc.ResetUpstream(r.Context()); err != nil {
		slog.Error("upstream reset failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reconnecting"})
}
