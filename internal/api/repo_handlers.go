package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/principal"
	"github.com/autoremediate/autoremediate/internal/repoconn"
)

func (s *Server) handleListAvailableRepos(w http.ResponseWriter, r *http.Request) {
	principalID, _ := principal.Require(r.Context())
	prov, ok := parseProvider(r.URL.Query().Get("provider"))
	if !ok {
		jsonError(w, "provider query parameter is required", http.StatusBadRequest)
		return
	}
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 {
			page = p
		}
	}

	repos, err := s.repoconn.ListAvailable(r.Context(), principalID, prov, page)
	if err != nil {
		jsonErrorFromProvider(w, err, http.StatusBadGateway)
		return
	}
	jsonResponse(w, http.StatusOK, repos)
}

type connectRepoRequest struct {
	OAuthConnectionID int64  `json:"oauth_connection_id"`
	Provider          string `json:"provider"`
	ExternalRepoID    string `json:"external_repo_id"`
	FullName          string `json:"full_name"`
	DefaultBranch     string `json:"default_branch"`
	AutoRemediate     bool   `json:"auto_pr_enabled"`
	SetupWebhook      bool   `json:"setup_webhook"`
}

func (s *Server) handleConnectRepo(w http.ResponseWriter, r *http.Request) {
	principalID, _ := principal.Require(r.Context())

	var req connectRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	prov, ok := parseProvider(req.Provider)
	if !ok || req.FullName == "" || req.OAuthConnectionID == 0 {
		jsonError(w, "provider, oauth_connection_id, and full_name are required", http.StatusBadRequest)
		return
	}

	repoConn, err := s.repoconn.Connect(r.Context(), principalID, req.OAuthConnectionID, prov, req.ExternalRepoID, req.FullName, repoconn.ConnectOptions{
		AutoRemediate: req.AutoRemediate,
		SetupWebhook:  req.SetupWebhook,
		DefaultBranch: req.DefaultBranch,
	})
	if err != nil {
		jsonErrorFromProvider(w, err, http.StatusBadRequest)
		return
	}
	jsonResponse(w, http.StatusCreated, repoConn)
}

func (s *Server) handleListRepoConnections(w http.ResponseWriter, r *http.Request) {
	principalID, _ := principal.Require(r.Context())
	conns, err := s.db.ListRepositoryConnections(r.Context(), principalID)
	if err != nil {
		jsonError(w, "failed to list repository connections", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, conns)
}

func (s *Server) loadOwnedRepoConnection(w http.ResponseWriter, r *http.Request) (*models.RepositoryConnection, bool) {
	id, ok := parsePathPositiveInt(w, r, "id", "connection id")
	if !ok {
		return nil, false
	}
	principalID, _ := principal.Require(r.Context())

	repoConn, err := s.db.GetRepositoryConnection(r.Context(), int64(id))
	if err != nil || repoConn.PrincipalID != principalID {
		jsonError(w, "repository connection not found", http.StatusNotFound)
		return nil, false
	}
	return repoConn, true
}

func (s *Server) handleGetRepoConnection(w http.ResponseWriter, r *http.Request) {
	repoConn, ok := s.loadOwnedRepoConnection(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, repoConn)
}

type updateRepoConnectionRequest struct {
	AutoRemediate *bool   `json:"auto_pr_enabled,omitempty"`
	DefaultBranch *string `json:"default_branch,omitempty"`
}

func (s *Server) handleUpdateRepoConnection(w http.ResponseWriter, r *http.Request) {
	repoConn, ok := s.loadOwnedRepoConnection(w, r)
	if !ok {
		return
	}
	var req updateRepoConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AutoRemediate != nil {
		repoConn.AutoRemediate = *req.AutoRemediate
	}
	if req.DefaultBranch != nil {
		repoConn.DefaultBranch = *req.DefaultBranch
	}
	if err := s.db.UpdateRepositoryConnection(r.Context(), repoConn); err != nil {
		jsonError(w, "failed to update repository connection", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, repoConn)
}

func (s *Server) handleDisconnectRepo(w http.ResponseWriter, r *http.Request) {
	repoConn, ok := s.loadOwnedRepoConnection(w, r)
	if !ok {
		return
	}
	deleteWebhook := r.URL.Query().Get("delete_webhook") != "false"

	result, err := s.repoconn.Disconnect(r.Context(), repoConn.ID, repoconn.DisconnectOptions{DeleteWebhook: deleteWebhook})
	if err != nil {
		jsonError(w, "failed to disconnect repository", http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"webhook_deleted": result.WebhookDeleted}
	if result.WebhookError != nil {
		resp["webhook_error"] = result.WebhookError.Error()
	}
	jsonResponse(w, http.StatusOK, resp)
}

type rerunRequest struct {
	ExternalRunID string `json:"external_run_id"`
	FailedOnly    bool   `json:"failed_only"`
}

func (s *Server) handleRerunWorkflow(w http.ResponseWriter, r *http.Request) {
	repoConn, ok := s.loadOwnedRepoConnection(w, r)
	if !ok {
		return
	}
	var req rerunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalRunID == "" {
		jsonError(w, "external_run_id is required", http.StatusBadRequest)
		return
	}
	if err := s.repoconn.Rerun(r.Context(), repoConn.ID, req.ExternalRunID, req.FailedOnly); err != nil {
		jsonErrorFromProvider(w, err, http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWorkflowRunStats(w http.ResponseWriter, r *http.Request) {
	repoConn, ok := s.loadOwnedRepoConnection(w, r)
	if !ok {
		return
	}
	stats, err := s.tracker.Stats(r.Context(), repoConn.ID)
	if err != nil {
		jsonError(w, "failed to load workflow run stats", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, stats)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		jsonError(w, "incident id is required", http.StatusBadRequest)
		return
	}
	incident, err := s.db.GetIncident(r.Context(), id)
	if err != nil {
		jsonError(w, "incident not found", http.StatusNotFound)
		return
	}
	principalID, _ := principal.Require(r.Context())
	repoConn, err := s.db.GetRepositoryConnection(r.Context(), incident.RepositoryConnectionID)
	if err != nil || repoConn.PrincipalID != principalID {
		jsonError(w, "incident not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, http.StatusOK, incident)
}
