package remediate

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autoremediate/autoremediate/internal/config"
	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/llmclient"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/oauthcoord"
	"github.com/autoremediate/autoremediate/internal/provider"
	"github.com/autoremediate/autoremediate/internal/vault"
)

const sampleLog = "build.log\nsrc/app.go:12:5: error: undefined: foo\nFAIL\n"

func testDB(t *testing.T) database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { db.Close() })
	return db
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	v, err := vault.New("k1", base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	return v
}

// seedIncident creates a full chain (oauth connection, repository
// connection, workflow run, incident) and returns the incident ID.
func seedIncident(t *testing.T, db database.DB, v *vault.Vault) string {
	t.Helper()
	ctx := context.Background()

	sealed, err := v.Seal([]byte("gh-token"))
	require.NoError(t, err)
	oc := &models.OAuthConnection{
		PrincipalID: "p1", Provider: models.ProviderGitHub,
		ExternalAccountID: "1", ExternalAccountLogin: "octo",
		AccessTokenCiphertext: sealed, EncryptionKeyID: v.KeyID(),
	}
	require.NoError(t, db.CreateOAuthConnection(ctx, oc))

	rc := &models.RepositoryConnection{
		PrincipalID: "p1", OAuthConnectionID: oc.ID, Provider: models.ProviderGitHub,
		ExternalRepoID: "1", FullName: "octo/repo", DefaultBranch: "main", AutoRemediate: true,
	}
	require.NoError(t, db.CreateRepositoryConnection(ctx, rc))

	run := &models.WorkflowRun{
		RepositoryConnectionID: rc.ID, ProviderRunID: "42", WorkflowName: "CI",
		HeadBranch: "main", HeadSHA: "abc123",
		Status: models.WorkflowRunCompleted, Conclusion: models.WorkflowRunFailure,
	}
	_, err = db.UpsertWorkflowRun(ctx, run)
	require.NoError(t, err)

	inc := &models.Incident{
		ID: "inc_test1", RepositoryConnectionID: rc.ID, WorkflowRunID: run.ID,
		Severity: "high", Status: models.IncidentOpen, FailureSummary: "build failed",
	}
	require.NoError(t, db.CreateIncident(ctx, inc))
	return inc.ID
}

type fakeProviderClient struct {
	provider.Client
	fileContent     string
	createdBranch   string
	committedPaths  []string
	createPRErr     error
}

func (f *fakeProviderClient) DownloadRunLogs(ctx context.Context, repoFullName, externalRunID string) ([]byte, error) {
	return []byte(sampleLog), nil
}

func (f *fakeProviderClient) GetFile(ctx context.Context, repoFullName, path, ref string) (*provider.File, error) {
	return &provider.File{Path: path, Content: []byte(f.fileContent), SHA: "filesha"}, nil
}

func (f *fakeProviderClient) CreateBranch(ctx context.Context, repoFullName, branch, fromSHA string) error {
	f.createdBranch = branch
	return nil
}

func (f *fakeProviderClient) CreateOrUpdateFile(ctx context.Context, repoFullName, path, branch string, content []byte, sha, message string) error {
	f.committedPaths = append(f.committedPaths, path)
	return nil
}

func (f *fakeProviderClient) CreatePullRequest(ctx context.Context, repoFullName, head, base, title, body string) (*provider.CreatedPullRequest, error) {
	if f.createPRErr != nil {
		return nil, f.createPRErr
	}
	return &provider.CreatedPullRequest{ExternalID: "pr-1", Number: 7, HTMLURL: "https://example.test/pr/7"}, nil
}

type fakeLLM struct {
	patch *llmclient.Patch
	err   error
}

func (f *fakeLLM) GenerateSolution(ctx context.Context, req llmclient.Request) (*llmclient.Patch, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.patch, nil
}

func testOrchestrator(t *testing.T, db database.DB, v *vault.Vault, client provider.Client, llm llmclient.Capability) *Orchestrator {
	t.Helper()
	coord := oauthcoord.New(db, v, []byte("state-secret-key-0123456789abcd"), 10*time.Minute)
	factory := func(p models.Provider, accessToken string) (provider.Client, error) {
		return client, nil
	}
	cfg := config.RemediationConfig{MaxCandidateFiles: 5, MaxPatchesPerFile: 20, Deadline: time.Minute}
	return New(db, coord, factory, llm, cfg, nil)
}

func TestRemediateOpensPullRequestOnValidPatch(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	v := testVault(t)
	incidentID := seedIncident(t, db, v)

	client := &fakeProviderClient{fileContent: "package main\n\nfunc main() {}\n"}
	llm := &fakeLLM{patch: &llmclient.Patch{
		Rationale: "define foo",
		Changes:   []llmclient.LineChange{{LineNumber: 1, FixedLine: "package main // fixed", Explanation: "fix"}},
	}}
	orch := testOrchestrator(t, db, v, client, llm)

	require.NoError(t, orch.Remediate(ctx, incidentID))

	require.Equal(t, "remediation/inc_test1", client.createdBranch)
	require.Contains(t, client.committedPaths, "src/app.go")

	inc, err := db.GetIncident(ctx, incidentID)
	require.NoError(t, err)
	require.Equal(t, models.IncidentInvestigating, inc.Status)
	require.NotNil(t, inc.PullRequestRecordID)
}

func TestRemediateFailsNoSignalWhenLogsHaveNoErrorBlocks(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	v := testVault(t)
	incidentID := seedIncident(t, db, v)

	cleanClient := &cleanLogsClient{fakeProviderClient: fakeProviderClient{}}
	llm := &fakeLLM{}
	orch := testOrchestrator(t, db, v, cleanClient, llm)

	err := orch.Remediate(ctx, incidentID)
	require.Error(t, err)

	inc, err2 := db.GetIncident(ctx, incidentID)
	require.NoError(t, err2)
	require.Equal(t, models.IncidentFailed, inc.Status)
	require.Equal(t, models.FailureNoSignal, inc.FailureReason)
}

func TestRemediateFailsRemediationWhenLLMReturnsInvalidPatch(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	v := testVault(t)
	incidentID := seedIncident(t, db, v)

	client := &fakeProviderClient{fileContent: "line one\n"}
	llm := &fakeLLM{patch: &llmclient.Patch{Changes: []llmclient.LineChange{{LineNumber: 999, FixedLine: "x"}}}}
	orch := testOrchestrator(t, db, v, client, llm)

	err := orch.Remediate(ctx, incidentID)
	require.Error(t, err)

	inc, err2 := db.GetIncident(ctx, incidentID)
	require.NoError(t, err2)
	require.Equal(t, models.IncidentFailed, inc.Status)
	require.Equal(t, models.FailureRemediation, inc.FailureReason)
}

func TestRemediateIsNoopOnAlreadyTerminalIncident(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	v := testVault(t)
	incidentID := seedIncident(t, db, v)
	require.NoError(t, db.UpdateIncidentStatus(ctx, incidentID, models.IncidentResolved, "", ""))

	client := &fakeProviderClient{}
	llm := &fakeLLM{}
	orch := testOrchestrator(t, db, v, client, llm)

	require.NoError(t, orch.Remediate(ctx, incidentID))
}

// cleanLogsClient overrides DownloadRunLogs to return a log with no
// recognizable error signal, exercising the failed_no_signal path.
type cleanLogsClient struct {
	fakeProviderClient
}

func (c *cleanLogsClient) DownloadRunLogs(ctx context.Context, repoFullName, externalRunID string) ([]byte, error) {
	return []byte("everything is fine\n"), nil
}
