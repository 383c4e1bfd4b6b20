// Package database defines the persistence abstraction and its SQLite
// and PostgreSQL implementations.
package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/autoremediate/autoremediate/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and
// PostgreSQL backends so the service can run embedded (SQLite) or
// against a managed cluster (Postgres) on the same code path.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	DBStats() sql.DBStats
	RemediationQueueStats(ctx context.Context) (RemediationQueueStats, error)

	// OAuth connections
	CreateOAuthConnection(ctx context.Context, c *models.OAuthConnection) error
	GetOAuthConnection(ctx context.Context, principalID string, provider models.Provider) (*models.OAuthConnection, error)
	GetOAuthConnectionByID(ctx context.Context, id int64) (*models.OAuthConnection, error)
	ListOAuthConnections(ctx context.Context, principalID string) ([]models.OAuthConnection, error)
	UpdateOAuthConnectionTokens(ctx context.Context, id int64, accessCiphertext, refreshCiphertext []byte, keyID string, expiresAt *time.Time) error
	DeleteOAuthConnection(ctx context.Context, id int64) error

	// Repository connections
	CreateRepositoryConnection(ctx context.Context, c *models.RepositoryConnection) error
	GetRepositoryConnection(ctx context.Context, id int64) (*models.RepositoryConnection, error)
	GetRepositoryConnectionByFullName(ctx context.Context, provider models.Provider, fullName string) (*models.RepositoryConnection, error)
	ListRepositoryConnections(ctx context.Context, principalID string) ([]models.RepositoryConnection, error)
	UpdateRepositoryConnectionWebhook(ctx context.Context, id int64, webhookID string, secretCiphertext []byte, keyID string) error
	UpdateRepositoryConnection(ctx context.Context, c *models.RepositoryConnection) error
	DeleteRepositoryConnection(ctx context.Context, id int64) error

	// Workflow runs
	UpsertWorkflowRun(ctx context.Context, run *models.WorkflowRun) (created bool, err error)
	GetWorkflowRun(ctx context.Context, repositoryConnectionID int64, providerRunID string) (*models.WorkflowRun, error)
	GetWorkflowRunByID(ctx context.Context, id int64) (*models.WorkflowRun, error)
	TouchWorkflowRunDelivery(ctx context.Context, repositoryConnectionID int64, providerRunID string, at time.Time) error
	ListWorkflowRuns(ctx context.Context, repositoryConnectionID int64, limit int) ([]models.WorkflowRun, error)
	WorkflowRunStats(ctx context.Context, repositoryConnectionID int64) (WorkflowRunStats, error)

	// Incidents
	CreateIncident(ctx context.Context, inc *models.Incident) error
	GetOpenIncidentForRun(ctx context.Context, workflowRunID int64) (*models.Incident, error)
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	// ClaimIncidentForRemediation atomically sets remediation_attempted_at
	// if and only if it is currently unset, returning claimed=false when a
	// concurrent caller already won the race.
	ClaimIncidentForRemediation(ctx context.Context, id string, at time.Time) (claimed bool, err error)
	UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, reason models.IncidentFailureReason, detail string) error
	AttachPullRequestRecord(ctx context.Context, incidentID string, prRecordID int64) error

	// Pull request records
	CreatePullRequestRecord(ctx context.Context, pr *models.PullRequestRecord) error

	// Webhooks and deliveries
	CreateWebhook(ctx context.Context, w *models.Webhook) error
	GetWebhookByRepositoryConnection(ctx context.Context, repositoryConnectionID int64) (*models.Webhook, error)
	DeleteWebhook(ctx context.Context, id int64) error
	RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) (isDuplicate bool, err error)

	// Remediation job queue (internal/jobs)
	EnqueueRemediationJob(ctx context.Context, job *models.RemediationJobRow) error
	ClaimRemediationJob(ctx context.Context) (*models.RemediationJobRow, error)
	CompleteRemediationJob(ctx context.Context, jobID int64, status, lastError string) error
	RequeueRemediationJob(ctx context.Context, jobID int64, lastError string, nextAttemptAt time.Time) error
	GetRemediationJobByIncident(ctx context.Context, incidentID string) (*models.RemediationJobRow, error)
}

// WorkflowRunStats aggregates run outcomes for one repository connection,
// supplementing the tracker's state machine with the original system's
// run-statistics view.
type WorkflowRunStats struct {
	Total        int
	Failed       int
	Succeeded    int
	InProgress   int
	FailureRate  float64
	AvgDuration  time.Duration
}
