// Package provider defines the narrow code-host capability the rest of
// the service depends on, and a GitHub implementation on top of
// go-github. internal/provider/gitlab provides the GitLab family.
package provider

import (
	"context"
	"time"
)

// File is a fetched repository file: its decoded content and the blob
// sha needed to fail fast on concurrent modification when writing back.
type File struct {
	Path    string
	Content []byte
	SHA     string
}

// WorkflowRun is the provider's view of one CI run, normalized across
// provider families.
type WorkflowRun struct {
	ExternalID   string
	Name         string
	HeadBranch   string
	HeadSHA      string
	Status       string
	Conclusion   string
	HTMLURL      string
	WorkflowID   string
	Event        string
	ActorLogin   string
	StartedAt    time.Time
	UpdatedAt    time.Time
}

// WorkflowRunJob is one job within a run, used for incident detail views.
type WorkflowRunJob struct {
	ExternalID string
	Name       string
	Status     string
	Conclusion string
}

// Hook is a provisioned webhook.
type Hook struct {
	ExternalID string
	URL        string
	Events     []string
	Active     bool
}

// CreatedPullRequest is the result of opening a PR.
type CreatedPullRequest struct {
	ExternalID string
	Number     int
	HTMLURL    string
}

// AvailableRepository is one repository the authorizing account can
// grant for remediation, surfaced by list_available before a
// RepositoryConnection exists.
type AvailableRepository struct {
	ExternalID    string
	FullName      string
	DefaultBranch string
	Private       bool
}

// Client is the capability surface every orchestration step calls
// through. Implementations retry transient network and 5xx failures
// internally, as well as GitLab 429s and GitHub secondary rate limits (a
// GitHub primary rate-limit error is not retried), and return the typed
// errors in internal/apperr for everything else.
type Client interface {
	GetFile(ctx context.Context, repoFullName, path, ref string) (*File, error)
	CreateOrUpdateFile(ctx context.Context, repoFullName, path, branch string, content []byte, sha, message string) error
	CreateBranch(ctx context.Context, repoFullName, branch, fromSHA string) error
	CreatePullRequest(ctx context.Context, repoFullName, head, base, title, body string) (*CreatedPullRequest, error)

	CreateWebhook(ctx context.Context, repoFullName, callbackURL string, secret []byte, events []string) (*Hook, error)
	DeleteWebhook(ctx context.Context, repoFullName, externalHookID string) error

	GetWorkflowRun(ctx context.Context, repoFullName, externalRunID string) (*WorkflowRun, error)
	GetWorkflowRunJobs(ctx context.Context, repoFullName, externalRunID string) ([]WorkflowRunJob, error)
	DownloadRunLogs(ctx context.Context, repoFullName, externalRunID string) ([]byte, error)
	RerunWorkflow(ctx context.Context, repoFullName, externalRunID string, failedOnly bool) error

	DefaultBranch(ctx context.Context, repoFullName string) (string, error)
	RevokeToken(ctx context.Context, accessToken string) error

	ListRepositories(ctx context.Context, page int) ([]AvailableRepository, error)
}
