package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anatolykoptev/xgate/internal/upstream"
)

const adminCookieName = "admin_password"

// requireToken validates the downstream bearer token against the issued-token
// store. Both "Authorization: Bearer" and "x-api-key" are accepted.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.Header.Get("x-api-key")
		}
		if token == "" || !s.tokens.Validate(token) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid token"})
			return
		}
		s.tokens.Touch(token)
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates operator endpoints behind the admin password cookie.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(adminCookieName)
		if err != nil || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(s.cfg.AdminPassword)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAdminLogin checks the password and sets the admin cookie.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPassword)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "wrong password"})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    req.Password,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

// writeError maps domain errors to downstream statuses. Internal rate-limit
// and session states never reach the caller; only exhaustion does.
func writeError(w http.ResponseWriter, err error) {
	var exhausted *upstream.ExhaustedAccountsError
	var parseErr *upstream.ParseError
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, upstream.ErrInvalidHandle):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid handle or id"})
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "all accounts exhausted",
			"url":      exhausted.URL,
			"attempts": exhausted.Attempts,
		})
	case errors.Is(err, upstream.ErrPoolEmpty):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no accounts available"})
	case errors.As(err, &parseErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": parseErr.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
