package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/webhook"
)

func githubWorkflowRunBody(fullName, runID, status, conclusion string) string {
	return `{
		"action": "completed",
		"repository": {"full_name": "` + fullName + `"},
		"workflow_run": {
			"id": ` + runID + `,
			"name": "CI",
			"head_branch": "main",
			"head_sha": "abc123",
			"status": "` + status + `",
			"conclusion": "` + conclusion + `",
			"html_url": "https://github.com/octo/repo/actions/runs/1",
			"actor": {"login": "octo"},
			"head_commit": {"message": "broke the build"}
		}
	}`
}

func TestHandleGitHubWebhookOpensIncidentOnFailure(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)
	repoConn, secret := seedGitHubRepoConn(t, db, v, models.ProviderGitHub, "octo/repo")

	body := githubWorkflowRunBody(repoConn.FullName, "555", "completed", "failure")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", strings.NewReader(body))
	req.Header.Set(headerGitHubEvent, "workflow_run")
	req.Header.Set(headerGitHubDelivery, "delivery-1")
	req.Header.Set(headerGitHubSignature, webhook.Sign(secret, []byte(body)))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := db.GetWorkflowRun(req.Context(), repoConn.ID, "555")
	require.NoError(t, err)
	require.NotNil(t, run.IncidentID)
}

func TestHandleGitHubWebhookRejectsBadSignature(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)
	repoConn, _ := seedGitHubRepoConn(t, db, v, models.ProviderGitHub, "octo/repo")

	body := githubWorkflowRunBody(repoConn.FullName, "556", "completed", "failure")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", strings.NewReader(body))
	req.Header.Set(headerGitHubEvent, "workflow_run")
	req.Header.Set(headerGitHubDelivery, "delivery-2")
	req.Header.Set(headerGitHubSignature, "sha256=0000000000000000000000000000000000000000000000000000000000000000")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGitHubWebhookIgnoresUnconnectedRepository(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	body := githubWorkflowRunBody("someone/unconnected", "557", "completed", "failure")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", strings.NewReader(body))
	req.Header.Set(headerGitHubEvent, "workflow_run")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGitHubWebhookRejectsMissingRepositoryIdentifier(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", strings.NewReader(`{"action":"completed"}`))
	req.Header.Set(headerGitHubEvent, "workflow_run")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGitHubWebhookDeduplicatesByDeliveryUID(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)
	repoConn, secret := seedGitHubRepoConn(t, db, v, models.ProviderGitHub, "octo/repo")

	body := githubWorkflowRunBody(repoConn.FullName, "558", "completed", "failure")
	sig := webhook.Sign(secret, []byte(body))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", strings.NewReader(body))
		req.Header.Set(headerGitHubEvent, "workflow_run")
		req.Header.Set(headerGitHubDelivery, "delivery-dup")
		req.Header.Set(headerGitHubSignature, sig)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	run, err := db.GetWorkflowRun(ctx, repoConn.ID, "558")
	require.NoError(t, err)
	require.NotNil(t, run.IncidentID)

	incident, err := db.GetIncident(ctx, *run.IncidentID)
	require.NoError(t, err)
	require.NotNil(t, incident)
}

func gitlabPipelineBody(fullName, id, status string) string {
	return `{
		"object_kind": "pipeline",
		"project": {"path_with_namespace": "` + fullName + `"},
		"object_attributes": {
			"id": ` + id + `,
			"ref": "main",
			"sha": "def456",
			"status": "` + status + `"
		},
		"commit": {"message": "broke it"},
		"user": {"username": "glu"}
	}`
}

func TestHandleGitLabWebhookUsesPlainTokenAndOpensIncident(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)
	repoConn, secret := seedGitHubRepoConn(t, db, v, models.ProviderGitLab, "group/repo")

	body := gitlabPipelineBody(repoConn.FullName, "999", "failed")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gitlab", strings.NewReader(body))
	req.Header.Set(headerGitLabEvent, "Pipeline Hook")
	req.Header.Set(headerGitLabToken, string(secret))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := db.GetWorkflowRun(req.Context(), repoConn.ID, "999")
	require.NoError(t, err)
	require.NotNil(t, run.IncidentID)
}

func TestHandleGitLabWebhookRejectsWrongToken(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)
	repoConn, _ := seedGitHubRepoConn(t, db, v, models.ProviderGitLab, "group/repo")

	body := gitlabPipelineBody(repoConn.FullName, "1000", "failed")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gitlab", strings.NewReader(body))
	req.Header.Set(headerGitLabEvent, "Pipeline Hook")
	req.Header.Set(headerGitLabToken, "wrong-token")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
