// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper-darkly/beadboard/config"
	"github.com/whisper-darkly/beadboard/registry"
	"github.com/whisper-darkly/beadboard/server"
	"github.com/whisper-darkly/beadboard/store"
)

// New builds and returns the daemon HTTP handler: the WebSocket endpoint,
// health and activity diagnostics, and (when configured) the static UI.
func New(hub *server.Hub, reg *registry.Registry, st store.Store, cfg config.Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", hub.HandleWS)
	mux.HandleFunc("GET /api/health", health(hub, reg))
	mux.HandleFunc("GET /api/activity", activity(st))

	if cfg.UIDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.UIDir)))
	}

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- handlers ----

func health(hub *server.Hub, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := reg.Keys()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"connections":   hub.ConnCount(),
			"subscriptions": len(keys),
			"keys":          keys,
		})
	}
}

func activity(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "activity journal disabled")
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		entries, err := st.Recent(ctx, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entries == nil {
			entries = []store.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
	}
}
