package api

import (
	"net/http"
	"strings"

	"github.com/autoremediate/autoremediate/internal/apperr"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/principal"
)

func parseProvider(raw string) (models.Provider, bool) {
	switch strings.ToLower(raw) {
	case "github":
		return models.ProviderGitHub, true
	case "gitlab":
		return models.ProviderGitLab, true
	default:
		return "", false
	}
}

// handleOAuthBegin starts the authorization-code flow for the path's
// provider and returns the URL the caller's browser should visit.
func (s *Server) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	prov, ok := parseProvider(r.PathValue("provider"))
	if !ok {
		jsonError(w, "unknown provider", http.StatusBadRequest)
		return
	}
	principalID, _ := principal.Require(r.Context())

	url, err := s.coordinator.Begin(principalID, prov)
	if err != nil {
		jsonError(w, "failed to begin authorization", http.StatusBadRequest)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"authorize_url": url})
}

// handleOAuthCallback completes the authorization-code flow. The
// provider redirects the browser here directly, so this endpoint does
// not sit behind requirePrincipal: the signed state parameter is the
// authentication, per oauthcoord.Coordinator.Complete.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	prov, ok := parseProvider(r.PathValue("provider"))
	if !ok {
		jsonError(w, "unknown provider", http.StatusBadRequest)
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		jsonError(w, "missing state or code", http.StatusBadRequest)
		return
	}

	conn, err := s.coordinator.Complete(r.Context(), prov, state, code)
	if err != nil {
		if apperr.Is(err, apperr.KindAuthFailed) {
			jsonError(w, "authorization failed", http.StatusUnauthorized)
			return
		}
		jsonError(w, "authorization failed", http.StatusBadRequest)
		return
	}
	jsonResponse(w, http.StatusOK, conn)
}

func (s *Server) handleOAuthDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathPositiveInt(w, r, "id", "connection id")
	if !ok {
		return
	}
	principalID, _ := principal.Require(r.Context())

	conn, err := s.db.GetOAuthConnectionByID(r.Context(), int64(id))
	if err != nil {
		jsonError(w, "connection not found", http.StatusNotFound)
		return
	}
	if conn.PrincipalID != principalID {
		jsonError(w, "connection not found", http.StatusNotFound)
		return
	}

	if err := s.coordinator.Disconnect(r.Context(), int64(id)); err != nil {
		jsonError(w, "failed to disconnect", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOAuthListConnections(w http.ResponseWriter, r *http.Request) {
	principalID, _ := principal.Require(r.Context())
	conns, err := s.db.ListOAuthConnections(r.Context(), principalID)
	if err != nil {
		jsonError(w, "failed to list connections", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, conns)
}
