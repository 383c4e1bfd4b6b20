// Package jobs drives the remediation worker pool: a durable queue of
// per-incident tasks claimed by a bounded set of goroutines so that a
// slow LLM call cannot exhaust inbound webhook-ingest capacity.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/models"
)

const (
	defaultRetryDelay = 5 * time.Second
	defaultMaxRetries = 3
)

// RemediationJob is one queued unit of work: "run the orchestrator for
// this incident."
type RemediationJob struct {
	ID            int64
	IncidentID    string
	Status        string // "queued", "running", "completed", "failed"
	AttemptCount  int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
}

const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Queue persists remediation jobs and their status transitions.
type Queue struct {
	db          database.DB
	retryDelay  time.Duration
	maxAttempts int
}

type QueueOptions struct {
	RetryDelay  time.Duration
	MaxAttempts int
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetries
	}
	return &Queue{db: db, retryDelay: retryDelay, maxAttempts: maxAttempts}
}

// Enqueue schedules a remediation run for incidentID. Callers must have
// already set the incident's remediation_attempted_at guard; Enqueue
// itself performs no deduplication.
func (q *Queue) Enqueue(ctx context.Context, incidentID string) (*RemediationJob, error) {
	if strings.TrimSpace(incidentID) == "" {
		return nil, fmt.Errorf("incident id is required")
	}
	job := &models.RemediationJobRow{
		IncidentID:    incidentID,
		Status:        JobQueued,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := q.db.EnqueueRemediationJob(ctx, job); err != nil {
		return nil, err
	}
	return fromRow(job), nil
}

func (q *Queue) Claim(ctx context.Context) (*RemediationJob, error) {
	row, err := q.db.ClaimRemediationJob(ctx)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return fromRow(row), nil
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	return q.db.CompleteRemediationJob(ctx, jobID, JobCompleted, "")
}

func (q *Queue) Fail(ctx context.Context, jobID int64, runErr error) error {
	return q.db.CompleteRemediationJob(ctx, jobID, JobFailed, failureMessage(runErr))
}

func (q *Queue) RetryOrFail(ctx context.Context, job *RemediationJob, runErr error) error {
	if job == nil {
		return fmt.Errorf("remediation job is nil")
	}
	message := failureMessage(runErr)
	if job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts {
		return q.db.CompleteRemediationJob(ctx, job.ID, JobFailed, message)
	}
	nextAttempt := time.Now().UTC().Add(q.retryDelay)
	return q.db.RequeueRemediationJob(ctx, job.ID, message, nextAttempt)
}

func (q *Queue) StatusByIncident(ctx context.Context, incidentID string) (*RemediationJob, error) {
	row, err := q.db.GetRemediationJobByIncident(ctx, incidentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fromRow(row), nil
}

func fromRow(row *models.RemediationJobRow) *RemediationJob {
	return &RemediationJob{
		ID:            row.ID,
		IncidentID:    row.IncidentID,
		Status:        row.Status,
		AttemptCount:  row.AttemptCount,
		MaxAttempts:   row.MaxAttempts,
		NextAttemptAt: row.NextAttemptAt,
		LastError:     row.LastError,
	}
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
