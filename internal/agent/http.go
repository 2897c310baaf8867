package agent

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Handler returns the loopback control surface used by the editor
// extension. relayPublicURL is echoed to callers so they can build pairing
// links.
func (m *Manager) Handler(relayPublicURL string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(localCORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": m.List()})
	})
	r.Post("/sessions/share", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectPath string `json:"projectPath"`
			ProjectName string `json:"projectName"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectPath == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "projectPath is required"})
			return
		}

		info, existing, err := m.Share(req.ProjectPath, req.ProjectName)
		if err != nil {
			log.Error().Err(err).Str("path", req.ProjectPath).Msg("share session")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		resp := map[string]any{"session": info, "relayPublicUrl": relayPublicURL}
		if existing {
			resp["alreadyShared"] = true
		}
		writeJSON(w, http.StatusOK, resp)
	})
	r.Delete("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !m.Remove(chi.URLParam(r, "id")) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
	r.Get("/ws", m.mirror.ServeHTTP)
	return r
}

func localCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}
