package relay

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"remote-clauding/internal/auth"
	"remote-clauding/internal/push"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireBearer checks the Authorization header, which REST calls must use.
func (s *Server) requireBearer(w http.ResponseWriter, r *http.Request) bool {
	token := auth.FromHeader(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header")
		return false
	}
	if s.opts.Auth == nil {
		writeError(w, http.StatusForbidden, "Invalid token")
		return false
	}
	if _, err := s.opts.Auth.Validate(token); err != nil {
		s.opts.Metrics.AuthFailed("rest")
		writeError(w, http.StatusForbidden, "Invalid token")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireBearer(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.router.Sessions("")})
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.opts.VAPIDPublicKey == "" {
		writeError(w, http.StatusServiceUnavailable, "Push not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vapidPublicKey": s.opts.VAPIDPublicKey})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.requireBearer(w, r) {
		return
	}
	if s.opts.Push == nil {
		writeError(w, http.StatusServiceUnavailable, "Push not configured")
		return
	}

	var sub push.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Validate() != nil {
		writeError(w, http.StatusBadRequest, "Invalid subscription")
		return
	}
	if err := s.opts.Push.Add(r.Context(), sub); err != nil {
		log.Warn().Err(err).Msg("store push subscription")
		writeError(w, http.StatusInternalServerError, "Failed to store subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleStatic serves the web app, falling back to index.html for client
// side routes.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.opts.StaticDir == "" || strings.HasPrefix(r.URL.Path, "/api") || strings.HasPrefix(r.URL.Path, "/ws") {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	clean := filepath.Clean("/" + r.URL.Path)
	path := filepath.Join(s.opts.StaticDir, filepath.FromSlash(clean))
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		http.ServeFile(w, r, path)
		return
	}

	index := filepath.Join(s.opts.StaticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	http.ServeFile(w, r, index)
}
