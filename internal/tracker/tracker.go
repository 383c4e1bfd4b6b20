// Package tracker implements the Workflow Tracker: it consumes verified
// webhook events, upserts the WorkflowRun state machine, mints an
// Incident on a failing terminal transition, and guarantees
// at-most-once auto-remediation dispatch per incident.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/jobs"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/provider"
)

// RunEvent is a normalized webhook event for one CI run, independent of
// which provider family sent it. internal/api translates GitHub's
// workflow_run payload and GitLab's pipeline payload into this shape
// before calling the tracker.
type RunEvent struct {
	Action        string // "requested", "queued", "in_progress", "completed"
	ExternalRunID string
	WorkflowName  string
	HeadBranch    string
	HeadSHA       string
	Status        string // provider's raw status/conclusion vocabulary
	Conclusion    string
	HTMLURL       string
	ActorLogin    string
	CommitMessage string
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// BreadcrumbEvent is a non-run event (pull_request, push, and the
// merge-request analogues) that only updates observability state.
type BreadcrumbEvent struct {
	Event string
}

// Outcome reports what HandleWorkflowRun did, for logging and for the
// ingest handler's response.
type Outcome struct {
	Run                 *models.WorkflowRun
	Incident            *models.Incident
	IncidentOpened      bool
	RemediationEnqueued bool
}

// Tracker drives the run state machine and incident lifecycle.
type Tracker struct {
	db     database.DB
	queue  *jobs.Queue
	logger *slog.Logger
}

func New(db database.DB, queue *jobs.Queue, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{db: db, queue: queue, logger: logger}
}

// HandleWorkflowRun upserts the run for repoConn and, on a failing
// terminal transition, opens or reuses an incident and enqueues exactly
// one remediation attempt per incident (the actual dedup guarantee comes
// from database.DB.ClaimIncidentForRemediation's conditional update;
// concurrent duplicate deliveries all reach this method but only one
// wins the claim).
func (t *Tracker) HandleWorkflowRun(ctx context.Context, repoConn *models.RepositoryConnection, ev RunEvent) (*Outcome, error) {
	run := &models.WorkflowRun{
		RepositoryConnectionID: repoConn.ID,
		ProviderRunID:          ev.ExternalRunID,
		WorkflowName:           ev.WorkflowName,
		HeadBranch:             ev.HeadBranch,
		HeadSHA:                ev.HeadSHA,
		Status:                 mapStatus(ev.Status, ev.Action),
		Conclusion:             mapConclusion(ev.Conclusion),
	}
	if _, err := t.db.UpsertWorkflowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("tracker: upsert workflow run: %w", err)
	}
	now := time.Now().UTC()
	if err := t.db.TouchWorkflowRunDelivery(ctx, repoConn.ID, ev.ExternalRunID, now); err != nil {
		t.logger.Warn("tracker: touch delivery failed", "error", err, "run_id", ev.ExternalRunID)
	}

	out := &Outcome{Run: run}
	if run.Status != models.WorkflowRunCompleted {
		return out, nil
	}
	if !isFailingConclusion(run.Conclusion) {
		return out, nil
	}

	incident, opened, err := t.openOrReuseIncident(ctx, repoConn, run, ev)
	if err != nil {
		return out, fmt.Errorf("tracker: open incident: %w", err)
	}
	out.Incident = incident
	out.IncidentOpened = opened

	if !repoConn.AutoRemediate || incident.PullRequestRecordID != nil {
		return out, nil
	}

	claimed, err := t.db.ClaimIncidentForRemediation(ctx, incident.ID, time.Now().UTC())
	if err != nil {
		return out, fmt.Errorf("tracker: claim incident: %w", err)
	}
	if !claimed {
		// A concurrent delivery already won the at-most-once guard.
		return out, nil
	}
	if t.queue != nil {
		if _, err := t.queue.Enqueue(ctx, incident.ID); err != nil {
			return out, fmt.Errorf("tracker: enqueue remediation: %w", err)
		}
		out.RemediationEnqueued = true
	}
	return out, nil
}

// HandleBreadcrumb updates webhook_last_delivery_at for non-run events.
// It is a no-op, not an error, if the run referenced by the event (if
// any) is not yet tracked.
func (t *Tracker) HandleBreadcrumb(ctx context.Context, repoConn *models.RepositoryConnection, externalRunID string, _ BreadcrumbEvent) error {
	if externalRunID == "" {
		return nil
	}
	if err := t.db.TouchWorkflowRunDelivery(ctx, repoConn.ID, externalRunID, time.Now().UTC()); err != nil {
		return fmt.Errorf("tracker: touch breadcrumb: %w", err)
	}
	return nil
}

// Stats returns aggregate run outcomes for one repository connection,
// supplementing the tracker with the run-statistics view the original
// system exposed (get_workflow_run_stats).
func (t *Tracker) Stats(ctx context.Context, repoConnID int64) (database.WorkflowRunStats, error) {
	return t.db.WorkflowRunStats(ctx, repoConnID)
}

// RunJobs exposes per-job detail for an incident's underlying run,
// supplementing the tracker with get_workflow_run_jobs. The caller
// supplies an already-authenticated provider client (resolved from the
// repository connection's credentials by the caller, not by the
// tracker) since Tracker itself holds no vault or OAuth dependency.
func (t *Tracker) RunJobs(ctx context.Context, client provider.Client, repoConn *models.RepositoryConnection, providerRunID string) ([]provider.WorkflowRunJob, error) {
	jobs, err := client.GetWorkflowRunJobs(ctx, repoConn.FullName, providerRunID)
	if err != nil {
		return nil, fmt.Errorf("tracker: get workflow run jobs: %w", err)
	}
	return jobs, nil
}

func (t *Tracker) openOrReuseIncident(ctx context.Context, repoConn *models.RepositoryConnection, run *models.WorkflowRun, ev RunEvent) (*models.Incident, bool, error) {
	existing, err := t.db.GetOpenIncidentForRun(ctx, run.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	inc := &models.Incident{
		ID:                     "inc_" + uuid.NewString(),
		RepositoryConnectionID: repoConn.ID,
		WorkflowRunID:          run.ID,
		Severity:               severityFor(repoConn, run),
		Status:                 models.IncidentOpen,
		FailureSummary:         failureSummary(ev),
	}
	if err := t.db.CreateIncident(ctx, inc); err != nil {
		// A concurrent delivery may have opened the incident first.
		if existing, gerr := t.db.GetOpenIncidentForRun(ctx, run.ID); gerr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return inc, true, nil
}

func severityFor(repoConn *models.RepositoryConnection, run *models.WorkflowRun) string {
	if repoConn.DefaultBranch != "" && run.HeadBranch == repoConn.DefaultBranch {
		return "high"
	}
	return "medium"
}

func failureSummary(ev RunEvent) string {
	if ev.CommitMessage != "" {
		return ev.CommitMessage
	}
	return fmt.Sprintf("workflow %s failed", ev.WorkflowName)
}

func isFailingConclusion(c models.WorkflowRunConclusion) bool {
	return c == models.WorkflowRunFailure || c == models.WorkflowRunTimedOut
}

func mapStatus(status, action string) models.WorkflowRunStatus {
	switch status {
	case "completed":
		return models.WorkflowRunCompleted
	case "in_progress", "running":
		return models.WorkflowRunInProgress
	case "queued", "pending", "created", "waiting_for_resource":
		return models.WorkflowRunQueued
	}
	// GitLab pipelines report status only via the event's "status" field
	// on pipeline hooks (success/failed/canceled are terminal statuses,
	// not separate conclusions), so fall back to treating a terminal
	// status as "completed".
	switch status {
	case "success", "failed", "canceled", "cancelled", "skipped":
		return models.WorkflowRunCompleted
	}
	if action == "completed" {
		return models.WorkflowRunCompleted
	}
	return models.WorkflowRunQueued
}

func mapConclusion(conclusion string) models.WorkflowRunConclusion {
	switch conclusion {
	case "success":
		return models.WorkflowRunSuccess
	case "failure", "failed":
		return models.WorkflowRunFailure
	case "cancelled", "canceled":
		return models.WorkflowRunCancelled
	case "timed_out":
		return models.WorkflowRunTimedOut
	default:
		return models.WorkflowRunConclusion(conclusion)
	}
}
