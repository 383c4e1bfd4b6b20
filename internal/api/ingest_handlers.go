package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/autoremediate/autoremediate/internal/apperr"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/tracker"
)

// Provider-specific delivery headers. Both providers' native schemes are
// preserved: GitHub signs the raw body (X-Hub-Signature-256); GitLab has
// no body-signing mode and instead echoes its hook token verbatim
// (X-Gitlab-Token), checked in internal/webhook accordingly.
const (
	headerGitHubEvent     = "X-GitHub-Event"
	headerGitHubSignature = "X-Hub-Signature-256"
	headerGitHubDelivery  = "X-GitHub-Delivery"

	headerGitLabEvent = "X-Gitlab-Event"
	headerGitLabToken = "X-Gitlab-Token"
)

type githubWebhookPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	WorkflowRun struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HTMLURL    string `json:"html_url"`
		Actor      struct {
			Login string `json:"login"`
		} `json:"actor"`
		HeadCommit struct {
			Message string `json:"message"`
		} `json:"head_commit"`
		RunStartedAt time.Time `json:"run_started_at"`
		UpdatedAt    time.Time `json:"updated_at"`
	} `json:"workflow_run"`
}

func (p *githubWebhookPayload) toRunEvent() tracker.RunEvent {
	wr := p.WorkflowRun
	externalRunID := ""
	if wr.ID != 0 {
		externalRunID = strconv.FormatInt(wr.ID, 10)
	}
	return tracker.RunEvent{
		Action:        p.Action,
		ExternalRunID: externalRunID,
		WorkflowName:  wr.Name,
		HeadBranch:    wr.HeadBranch,
		HeadSHA:       wr.HeadSHA,
		Status:        wr.Status,
		Conclusion:    wr.Conclusion,
		HTMLURL:       wr.HTMLURL,
		ActorLogin:    wr.Actor.Login,
		CommitMessage: wr.HeadCommit.Message,
		StartedAt:     wr.RunStartedAt,
		UpdatedAt:     wr.UpdatedAt,
	}
}

type gitlabWebhookPayload struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		ID         int64  `json:"id"`
		Ref        string `json:"ref"`
		SHA        string `json:"sha"`
		Status     string `json:"status"`
		FinishedAt string `json:"finished_at"`
	} `json:"object_attributes"`
	Commit struct {
		Message string `json:"message"`
	} `json:"commit"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

func (p *gitlabWebhookPayload) toRunEvent() tracker.RunEvent {
	oa := p.ObjectAttributes
	status, conclusion := splitGitLabPipelineStatus(oa.Status)
	return tracker.RunEvent{
		Action:        oa.Status,
		ExternalRunID: strconv.FormatInt(oa.ID, 10),
		WorkflowName:  "pipeline",
		HeadBranch:    oa.Ref,
		HeadSHA:       oa.SHA,
		Status:        status,
		Conclusion:    conclusion,
		ActorLogin:    p.User.Username,
		CommitMessage: p.Commit.Message,
	}
}

// splitGitLabPipelineStatus maps GitLab's single pipeline status field
// onto the tracker's status/conclusion pair, mirroring
// internal/provider/gitlab's handling of the same vocabulary.
func splitGitLabPipelineStatus(status string) (trackerStatus, conclusion string) {
	switch status {
	case "success", "failed", "canceled", "skipped":
		return "completed", status
	case "running":
		return "in_progress", ""
	default:
		return "queued", ""
	}
}

// handleGitHubWebhook receives GitHub's workflow_run/pull_request/push
// deliveries. Responses are 2xx on accepted or knowingly ignored
// events, 401 only on signature failure, 400 only for a payload that
// doesn't even carry a repository identifier.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var payload githubWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Repository.FullName == "" {
		jsonError(w, "malformed payload: missing repository identifier", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	repoConn, err := s.db.GetRepositoryConnectionByFullName(ctx, models.ProviderGitHub, payload.Repository.FullName)
	if err != nil {
		// Unconnected repository: not an error from the sender's
		// perspective, just nothing for this service to do.
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	event := r.Header.Get(headerGitHubEvent)
	if verifyErr := s.webhooks.Verify(repoConn, r.Header.Get(headerGitHubSignature), body); verifyErr != nil {
		s.recordDelivery(ctx, repoConn, event, r.Header.Get(headerGitHubDelivery), false)
		jsonError(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	if s.isDuplicateDelivery(ctx, repoConn, event, r.Header.Get(headerGitHubDelivery)) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	s.dispatchRunEvent(ctx, repoConn, event, payload.toRunEvent())
	jsonResponse(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleGitLabWebhook receives GitLab's Pipeline/Merge Request/Push hook
// deliveries under the same response contract as handleGitHubWebhook.
func (s *Server) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var payload gitlabWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Project.PathWithNamespace == "" {
		jsonError(w, "malformed payload: missing repository identifier", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	repoConn, err := s.db.GetRepositoryConnectionByFullName(ctx, models.ProviderGitLab, payload.Project.PathWithNamespace)
	if err != nil {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	event := r.Header.Get(headerGitLabEvent)
	if verifyErr := s.webhooks.Verify(repoConn, r.Header.Get(headerGitLabToken), body); verifyErr != nil {
		s.recordDelivery(ctx, repoConn, event, gitlabDeliveryUID(payload), false)
		jsonError(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	deliveryUID := gitlabDeliveryUID(payload)
	if s.isDuplicateDelivery(ctx, repoConn, event, deliveryUID) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if payload.ObjectKind == "pipeline" {
		s.dispatchRunEvent(ctx, repoConn, event, payload.toRunEvent())
	} else {
		if err := s.tracker.HandleBreadcrumb(ctx, repoConn, "", tracker.BreadcrumbEvent{Event: payload.ObjectKind}); err != nil {
			s.logger.Warn("ingest: gitlab breadcrumb failed", "error", err, "repo", repoConn.FullName)
		}
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// gitlabDeliveryUID synthesizes a stable delivery identity since GitLab,
// unlike GitHub, sends no per-delivery UID header.
func gitlabDeliveryUID(p gitlabWebhookPayload) string {
	return p.ObjectKind + ":" + strconv.FormatInt(p.ObjectAttributes.ID, 10) + ":" + p.ObjectAttributes.Status
}

func (s *Server) dispatchRunEvent(ctx context.Context, repoConn *models.RepositoryConnection, event string, ev tracker.RunEvent) {
	if ev.WorkflowName != "" || event == "workflow_run" || event == "Pipeline Hook" {
		if _, err := s.tracker.HandleWorkflowRun(ctx, repoConn, ev); err != nil {
			s.logger.Error("ingest: handle workflow run failed", "error", err, "repo", repoConn.FullName, "run_id", ev.ExternalRunID)
		}
		return
	}
	if err := s.tracker.HandleBreadcrumb(ctx, repoConn, ev.ExternalRunID, tracker.BreadcrumbEvent{Event: event}); err != nil {
		s.logger.Warn("ingest: breadcrumb failed", "error", err, "repo", repoConn.FullName)
	}
}

func (s *Server) isDuplicateDelivery(ctx context.Context, repoConn *models.RepositoryConnection, event, deliveryUID string) bool {
	return s.recordDelivery(ctx, repoConn, event, deliveryUID, true)
}

func (s *Server) recordDelivery(ctx context.Context, repoConn *models.RepositoryConnection, event, deliveryUID string, verified bool) (isDuplicate bool) {
	wh, err := s.db.GetWebhookByRepositoryConnection(ctx, repoConn.ID)
	if err != nil {
		return false
	}
	statusCode := http.StatusOK
	deliveryErr := ""
	if !verified {
		statusCode = http.StatusUnauthorized
		deliveryErr = apperr.New(apperr.KindAuthFailed, "webhook_signature_mismatch", "", nil).Error()
	}
	dup, err := s.webhooks.RecordDelivery(ctx, wh.ID, event, deliveryUID, verified, statusCode, deliveryErr)
	if err != nil {
		s.logger.Warn("ingest: record delivery failed", "error", err)
		return false
	}
	return dup
}
