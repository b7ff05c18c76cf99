package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/anatolykoptev/xgate/internal/credstore"
)

const defaultImportFormat = "username:password:email:emailPassword:authToken:twoFactorSecret"

// handleImportAccounts bulk-loads credentials from newline-separated records.
// The format string names the fields in separator order, ANY skips one.
func (s *Server) handleImportAccounts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format   string `json:"format"`
		Accounts string `json:"accounts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Format == "" {
		req.Format = defaultImportFormat
	}

	format, err := credstore.NewLineFormat(req.Format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	creds, err := format.Parse(req.Accounts)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	added, err := s.creds.Add(creds)
	if err != nil {
		writeError(w, err)
		return
	}

	s.pool.Replenish()
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("imported %d accounts (%d new)", len(creds), added),
		"count":   added,
	})
}

// handleRelogin clears failure state on every account and forces a fresh
// warm-up pass.
func (s *Server) handleRelogin(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.ResetFailed(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "relogin started"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	type accountView struct {
		Username         string `json:"username"`
		TokenState       string `json:"tokenState"`
		FailedLogin      bool   `json:"failedLogin"`
		LastUsed         int64  `json:"lastUsed,omitempty"`
		RateLimitedUntil int64  `json:"rateLimitedUntil,omitempty"`
		AssignedProxy    bool   `json:"assignedProxy"`
	}
	accounts := s.creds.Snapshot()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			Username:         a.Username,
			TokenState:       string(a.TokenState),
			FailedLogin:      a.FailedLogin,
			LastUsed:         a.LastUsed,
			RateLimitedUntil: a.RateLimitedUntil,
			AssignedProxy:    a.AssignedProxy != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views, "active": s.pool.ActiveCount()})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	removed, err := s.pool.Delete(username)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// --- issued tokens ---

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	token, err := s.tokens.Issue(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tokens": s.tokens.List()})
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	removed, err := s.tokens.Delete(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}
