// Package models defines the persisted entities of the remediation
// service's data model.
package models

import "time"

// Principal identifies the authenticated actor on whose behalf a request
// is made. It is never persisted by this service; the identity system
// that issues it lives outside the core.
type Principal struct {
	ID string
}

// Provider distinguishes the code-hosting providers a RepositoryConnection
// or OAuthConnection can target.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// OAuthConnection represents one principal's authorized link to a code
// host. AccessTokenCiphertext and RefreshTokenCiphertext are sealed by the
// credential vault and never leave this struct in plaintext.
type OAuthConnection struct {
	ID                      int64      `json:"id"`
	PrincipalID             string     `json:"principal_id"`
	Provider                Provider   `json:"provider"`
	ExternalAccountID       string     `json:"external_account_id"`
	ExternalAccountLogin    string     `json:"external_account_login"`
	AccessTokenCiphertext   []byte     `json:"-"`
	RefreshTokenCiphertext  []byte     `json:"-"`
	EncryptionKeyID         string     `json:"-"`
	Scopes                  []string   `json:"scopes,omitempty"`
	ExpiresAt               *time.Time `json:"expires_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// RepositoryConnection represents one repository on a provider that a
// principal has opted into automatic remediation for.
type RepositoryConnection struct {
	ID                int64     `json:"id"`
	PrincipalID       string    `json:"principal_id"`
	OAuthConnectionID int64     `json:"oauth_connection_id"`
	Provider          Provider  `json:"provider"`
	ExternalRepoID    string    `json:"external_repo_id"`
	FullName          string    `json:"full_name"` // "owner/repo"
	DefaultBranch     string    `json:"default_branch"`
	WebhookID         string    `json:"-"`
	WebhookSecret     []byte    `json:"-"` // sealed by the vault
	EncryptionKeyID   string    `json:"-"`
	AutoRemediate     bool      `json:"auto_remediate"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WorkflowRunStatus mirrors the provider's run lifecycle.
type WorkflowRunStatus string

const (
	WorkflowRunQueued     WorkflowRunStatus = "queued"
	WorkflowRunInProgress WorkflowRunStatus = "in_progress"
	WorkflowRunCompleted  WorkflowRunStatus = "completed"
)

// WorkflowRunConclusion mirrors the provider's terminal conclusion.
type WorkflowRunConclusion string

const (
	WorkflowRunSuccess   WorkflowRunConclusion = "success"
	WorkflowRunFailure   WorkflowRunConclusion = "failure"
	WorkflowRunCancelled WorkflowRunConclusion = "cancelled"
	WorkflowRunTimedOut  WorkflowRunConclusion = "timed_out"
)

// WorkflowRun tracks one observed run of a CI workflow, upserted by
// (RepositoryConnectionID, ProviderRunID).
type WorkflowRun struct {
	ID                     int64                 `json:"id"`
	RepositoryConnectionID int64                 `json:"repository_connection_id"`
	ProviderRunID          string                `json:"provider_run_id"`
	WorkflowName           string                `json:"workflow_name"`
	HeadBranch             string                `json:"head_branch"`
	HeadSHA                string                `json:"head_sha"`
	Status                 WorkflowRunStatus     `json:"status"`
	Conclusion             WorkflowRunConclusion `json:"conclusion,omitempty"`
	IncidentID             *string               `json:"incident_id,omitempty"`
	WebhookLastDeliveryAt  time.Time             `json:"webhook_last_delivery_at"`
	CreatedAt              time.Time             `json:"created_at"`
	UpdatedAt              time.Time             `json:"updated_at"`
}

// IncidentStatus is the coarse lifecycle state of an Incident.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentFailed        IncidentStatus = "failed"
)

// IncidentFailureReason narrows an IncidentFailed status to the step that
// terminated remediation; empty unless Status == IncidentFailed.
type IncidentFailureReason string

const (
	FailureNoCredentials IncidentFailureReason = "failed_no_credentials"
	FailureNoLogs        IncidentFailureReason = "failed_no_logs"
	FailureNoSignal      IncidentFailureReason = "failed_no_signal"
	FailureBudget        IncidentFailureReason = "failed_budget"
	FailureTimeout       IncidentFailureReason = "failed_timeout"
	FailureRemediation   IncidentFailureReason = "failed_remediation"
	FailureProvider      IncidentFailureReason = "failed_provider"
	FailureConflict      IncidentFailureReason = "failed_conflict"
)

// Incident is created the first time a WorkflowRun transitions to a
// failing conclusion and tracks the remediation attempt end to end. At
// most one open incident exists per failed workflow run; an identical
// subsequent failure reopens the same logical incident rather than
// creating a new one.
type Incident struct {
	ID                     string                `json:"id"` // "inc_<uuid hex>"
	RepositoryConnectionID int64                 `json:"repository_connection_id"`
	WorkflowRunID          int64                 `json:"workflow_run_id"`
	Severity               string                `json:"severity"`
	Status                 IncidentStatus        `json:"status"`
	FailureReason          IncidentFailureReason `json:"failure_reason,omitempty"`
	FailureSummary         string                `json:"failure_summary,omitempty"`
	PullRequestRecordID    *int64                `json:"pull_request_record_id,omitempty"`
	ErrorDetail            string                `json:"error_detail,omitempty"`
	RemediationAttemptedAt *time.Time            `json:"remediation_attempted_at,omitempty"`
	CreatedAt              time.Time             `json:"created_at"`
	UpdatedAt              time.Time             `json:"updated_at"`
}

// PullRequestRecord captures the outcome of a successful remediation.
type PullRequestRecord struct {
	ID             int64     `json:"id"`
	IncidentID     string    `json:"incident_id"`
	ExternalPRID   string    `json:"external_pr_id"`
	Number         int       `json:"number"`
	BranchName     string    `json:"branch_name"`
	HTMLURL        string    `json:"html_url"`
	FilesChanged   int       `json:"files_changed"`
	PatchesApplied int       `json:"patches_applied"`
	CreatedAt      time.Time `json:"created_at"`
}

// Webhook represents a provisioned delivery endpoint on the provider side
// for one RepositoryConnection.
type Webhook struct {
	ID                     int64     `json:"id"`
	RepositoryConnectionID int64     `json:"repository_connection_id"`
	ExternalWebhookID      string    `json:"external_webhook_id"`
	URL                    string    `json:"url"`
	EventsCSV              string    `json:"-"`
	Events                 []string  `json:"events,omitempty"`
	Active                 bool      `json:"active"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// WebhookDelivery records one inbound delivery attempt for audit and
// idempotency purposes.
type WebhookDelivery struct {
	ID          int64     `json:"id"`
	WebhookID   int64     `json:"webhook_id"`
	Event       string    `json:"event"`
	DeliveryUID string    `json:"delivery_uid"`
	Verified    bool      `json:"verified"`
	StatusCode  int       `json:"status_code"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RemediationJobRow is the persisted row backing internal/jobs.Queue.
type RemediationJobRow struct {
	ID            int64     `json:"id"`
	IncidentID    string    `json:"incident_id"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
