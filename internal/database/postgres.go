package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/autoremediate/autoremediate/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS oauth_connections (
	id BIGSERIAL PRIMARY KEY,
	principal_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	external_account_id TEXT NOT NULL,
	external_account_login TEXT NOT NULL DEFAULT '',
	access_token_ciphertext BYTEA NOT NULL,
	refresh_token_ciphertext BYTEA,
	encryption_key_id TEXT NOT NULL,
	scopes_csv TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(principal_id, provider)
);

CREATE TABLE IF NOT EXISTS repository_connections (
	id BIGSERIAL PRIMARY KEY,
	principal_id TEXT NOT NULL,
	oauth_connection_id BIGINT NOT NULL REFERENCES oauth_connections(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	external_repo_id TEXT NOT NULL,
	full_name TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	webhook_id TEXT NOT NULL DEFAULT '',
	webhook_secret_ciphertext BYTEA,
	encryption_key_id TEXT NOT NULL DEFAULT '',
	auto_remediate BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(provider, full_name)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id BIGSERIAL PRIMARY KEY,
	repository_connection_id BIGINT NOT NULL REFERENCES repository_connections(id) ON DELETE CASCADE,
	provider_run_id TEXT NOT NULL,
	workflow_name TEXT NOT NULL DEFAULT '',
	head_branch TEXT NOT NULL DEFAULT '',
	head_sha TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	conclusion TEXT NOT NULL DEFAULT '',
	incident_id TEXT,
	webhook_last_delivery_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(repository_connection_id, provider_run_id)
);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	repository_connection_id BIGINT NOT NULL REFERENCES repository_connections(id) ON DELETE CASCADE,
	workflow_run_id BIGINT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	severity TEXT NOT NULL DEFAULT 'medium',
	status TEXT NOT NULL DEFAULT 'open',
	failure_reason TEXT NOT NULL DEFAULT '',
	failure_summary TEXT NOT NULL DEFAULT '',
	pull_request_record_id BIGINT,
	error_detail TEXT NOT NULL DEFAULT '',
	remediation_attempted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open_per_run
	ON incidents(workflow_run_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS pull_request_records (
	id BIGSERIAL PRIMARY KEY,
	incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	external_pr_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	branch_name TEXT NOT NULL,
	html_url TEXT NOT NULL,
	files_changed INTEGER NOT NULL DEFAULT 0,
	patches_applied INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS webhooks (
	id BIGSERIAL PRIMARY KEY,
	repository_connection_id BIGINT NOT NULL REFERENCES repository_connections(id) ON DELETE CASCADE,
	external_webhook_id TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	events_csv TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(repository_connection_id)
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id BIGSERIAL PRIMARY KEY,
	webhook_id BIGINT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
	event TEXT NOT NULL,
	delivery_uid TEXT NOT NULL,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	status_code INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(webhook_id, delivery_uid)
);

CREATE TABLE IF NOT EXISTS remediation_jobs (
	id BIGSERIAL PRIMARY KEY,
	incident_id TEXT NOT NULL UNIQUE REFERENCES incidents(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func (p *PostgresDB) CreateOAuthConnection(ctx context.Context, c *models.OAuthConnection) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO oauth_connections
			(principal_id, provider, external_account_id, external_account_login,
			 access_token_ciphertext, refresh_token_ciphertext, encryption_key_id, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 RETURNING id, created_at, updated_at`,
		c.PrincipalID, c.Provider, c.ExternalAccountID, c.ExternalAccountLogin,
		c.AccessTokenCiphertext, c.RefreshTokenCiphertext, c.EncryptionKeyID, c.ExpiresAt,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (p *PostgresDB) GetOAuthConnection(ctx context.Context, principalID string, provider models.Provider) (*models.OAuthConnection, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, principal_id, provider, external_account_id, external_account_login,
			access_token_ciphertext, refresh_token_ciphertext, encryption_key_id, expires_at, created_at, updated_at
		 FROM oauth_connections WHERE principal_id = $1 AND provider = $2`,
		principalID, provider)
	return scanOAuthConnection(row)
}

func (p *PostgresDB) GetOAuthConnectionByID(ctx context.Context, id int64) (*models.OAuthConnection, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, principal_id, provider, external_account_id, external_account_login,
			access_token_ciphertext, refresh_token_ciphertext, encryption_key_id, expires_at, created_at, updated_at
		 FROM oauth_connections WHERE id = $1`, id)
	return scanOAuthConnection(row)
}

func (p *PostgresDB) ListOAuthConnections(ctx context.Context, principalID string) ([]models.OAuthConnection, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, principal_id, provider, external_account_id, external_account_login,
			access_token_ciphertext, refresh_token_ciphertext, encryption_key_id, expires_at, created_at, updated_at
		 FROM oauth_connections WHERE principal_id = $1 ORDER BY id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OAuthConnection
	for rows.Next() {
		var c models.OAuthConnection
		var expires sql.NullTime
		if err := rows.Scan(&c.ID, &c.PrincipalID, &c.Provider, &c.ExternalAccountID, &c.ExternalAccountLogin,
			&c.AccessTokenCiphertext, &c.RefreshTokenCiphertext, &c.EncryptionKeyID, &expires, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			c.ExpiresAt = &expires.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresDB) UpdateOAuthConnectionTokens(ctx context.Context, id int64, accessCiphertext, refreshCiphertext []byte, keyID string, expiresAt *time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE oauth_connections SET access_token_ciphertext=$1, refresh_token_ciphertext=$2, encryption_key_id=$3, expires_at=$4, updated_at=NOW() WHERE id=$5`,
		accessCiphertext, refreshCiphertext, keyID, expiresAt, id)
	return err
}

func (p *PostgresDB) DeleteOAuthConnection(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM oauth_connections WHERE id=$1`, id)
	return err
}

func scanOAuthConnection(row *sql.Row) (*models.OAuthConnection, error) {
	var c models.OAuthConnection
	var expires sql.NullTime
	err := row.Scan(&c.ID, &c.PrincipalID, &c.Provider, &c.ExternalAccountID, &c.ExternalAccountLogin,
		&c.AccessTokenCiphertext, &c.RefreshTokenCiphertext, &c.EncryptionKeyID, &expires, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		c.ExpiresAt = &expires.Time
	}
	return &c, nil
}

func (p *PostgresDB) CreateRepositoryConnection(ctx context.Context, c *models.RepositoryConnection) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO repository_connections
			(principal_id, oauth_connection_id, provider, external_repo_id, full_name, default_branch, auto_remediate)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING id, created_at, updated_at`,
		c.PrincipalID, c.OAuthConnectionID, c.Provider, c.ExternalRepoID, c.FullName, c.DefaultBranch, c.AutoRemediate,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (p *PostgresDB) GetRepositoryConnection(ctx context.Context, id int64) (*models.RepositoryConnection, error) {
	row := p.db.QueryRowContext(ctx, repoConnSelect+` WHERE id=$1`, id)
	return scanRepoConn(row)
}

func (p *PostgresDB) GetRepositoryConnectionByFullName(ctx context.Context, provider models.Provider, fullName string) (*models.RepositoryConnection, error) {
	row := p.db.QueryRowContext(ctx, repoConnSelect+` WHERE provider=$1 AND full_name=$2`, provider, fullName)
	return scanRepoConn(row)
}

func (p *PostgresDB) ListRepositoryConnections(ctx context.Context, principalID string) ([]models.RepositoryConnection, error) {
	rows, err := p.db.QueryContext(ctx, repoConnSelect+` WHERE principal_id=$1 ORDER BY id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RepositoryConnection
	for rows.Next() {
		c, err := scanRepoConnRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

const repoConnSelect = `SELECT id, principal_id, oauth_connection_id, provider, external_repo_id, full_name,
	default_branch, webhook_id, webhook_secret_ciphertext, encryption_key_id, auto_remediate, created_at, updated_at
	FROM repository_connections`

func scanRepoConn(row *sql.Row) (*models.RepositoryConnection, error) {
	var c models.RepositoryConnection
	err := row.Scan(&c.ID, &c.PrincipalID, &c.OAuthConnectionID, &c.Provider, &c.ExternalRepoID, &c.FullName,
		&c.DefaultBranch, &c.WebhookID, &c.WebhookSecret, &c.EncryptionKeyID, &c.AutoRemediate, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRepoConnRow(rows *sql.Rows) (*models.RepositoryConnection, error) {
	var c models.RepositoryConnection
	err := rows.Scan(&c.ID, &c.PrincipalID, &c.OAuthConnectionID, &c.Provider, &c.ExternalRepoID, &c.FullName,
		&c.DefaultBranch, &c.WebhookID, &c.WebhookSecret, &c.EncryptionKeyID, &c.AutoRemediate, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresDB) UpdateRepositoryConnectionWebhook(ctx context.Context, id int64, webhookID string, secretCiphertext []byte, keyID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE repository_connections SET webhook_id=$1, webhook_secret_ciphertext=$2, encryption_key_id=$3, updated_at=NOW() WHERE id=$4`,
		webhookID, secretCiphertext, keyID, id)
	return err
}

func (p *PostgresDB) UpdateRepositoryConnection(ctx context.Context, c *models.RepositoryConnection) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE repository_connections SET default_branch=$1, auto_remediate=$2, updated_at=NOW() WHERE id=$3`,
		c.DefaultBranch, c.AutoRemediate, c.ID)
	return err
}

func (p *PostgresDB) DeleteRepositoryConnection(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM repository_connections WHERE id=$1`, id)
	return err
}

func (p *PostgresDB) UpsertWorkflowRun(ctx context.Context, run *models.WorkflowRun) (bool, error) {
	var created bool
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO workflow_runs
			(repository_connection_id, provider_run_id, workflow_name, head_branch, head_sha, status, conclusion, webhook_last_delivery_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		 ON CONFLICT (repository_connection_id, provider_run_id) DO UPDATE SET
			workflow_name=EXCLUDED.workflow_name, head_branch=EXCLUDED.head_branch, head_sha=EXCLUDED.head_sha,
			status=EXCLUDED.status, conclusion=EXCLUDED.conclusion, webhook_last_delivery_at=NOW(), updated_at=NOW()
		 RETURNING id, incident_id, created_at, updated_at, (xmax = 0) AS created`,
		run.RepositoryConnectionID, run.ProviderRunID, run.WorkflowName, run.HeadBranch, run.HeadSHA, run.Status, run.Conclusion,
	).Scan(&run.ID, &run.IncidentID, &run.CreatedAt, &run.UpdatedAt, &created)
	if err != nil {
		return false, err
	}
	return created, nil
}

func (p *PostgresDB) GetWorkflowRun(ctx context.Context, repositoryConnectionID int64, providerRunID string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := p.db.QueryRowContext(ctx,
		`SELECT id, repository_connection_id, provider_run_id, workflow_name, head_branch, head_sha, status, conclusion,
			incident_id, webhook_last_delivery_at, created_at, updated_at
		 FROM workflow_runs WHERE repository_connection_id=$1 AND provider_run_id=$2`,
		repositoryConnectionID, providerRunID,
	).Scan(&run.ID, &run.RepositoryConnectionID, &run.ProviderRunID, &run.WorkflowName, &run.HeadBranch, &run.HeadSHA,
		&run.Status, &run.Conclusion, &run.IncidentID, &run.WebhookLastDeliveryAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *PostgresDB) GetWorkflowRunByID(ctx context.Context, id int64) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := p.db.QueryRowContext(ctx,
		`SELECT id, repository_connection_id, provider_run_id, workflow_name, head_branch, head_sha, status, conclusion,
			incident_id, webhook_last_delivery_at, created_at, updated_at
		 FROM workflow_runs WHERE id=$1`,
		id,
	).Scan(&run.ID, &run.RepositoryConnectionID, &run.ProviderRunID, &run.WorkflowName, &run.HeadBranch, &run.HeadSHA,
		&run.Status, &run.Conclusion, &run.IncidentID, &run.WebhookLastDeliveryAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *PostgresDB) TouchWorkflowRunDelivery(ctx context.Context, repositoryConnectionID int64, providerRunID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE workflow_runs SET webhook_last_delivery_at=$1 WHERE repository_connection_id=$2 AND provider_run_id=$3`,
		at, repositoryConnectionID, providerRunID)
	return err
}

func (p *PostgresDB) ListWorkflowRuns(ctx context.Context, repositoryConnectionID int64, limit int) ([]models.WorkflowRun, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, repository_connection_id, provider_run_id, workflow_name, head_branch, head_sha, status, conclusion,
			incident_id, webhook_last_delivery_at, created_at, updated_at
		 FROM workflow_runs WHERE repository_connection_id=$1 ORDER BY id DESC LIMIT $2`,
		repositoryConnectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WorkflowRun
	for rows.Next() {
		var run models.WorkflowRun
		if err := rows.Scan(&run.ID, &run.RepositoryConnectionID, &run.ProviderRunID, &run.WorkflowName, &run.HeadBranch, &run.HeadSHA,
			&run.Status, &run.Conclusion, &run.IncidentID, &run.WebhookLastDeliveryAt, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (p *PostgresDB) WorkflowRunStats(ctx context.Context, repositoryConnectionID int64) (WorkflowRunStats, error) {
	var s WorkflowRunStats
	var avgSeconds sql.NullFloat64
	err := p.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN conclusion='failure' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN conclusion='success' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN status='in_progress' THEN 1 ELSE 0 END),0),
			AVG(EXTRACT(EPOCH FROM (updated_at - created_at)))
		 FROM workflow_runs WHERE repository_connection_id=$1`,
		repositoryConnectionID,
	).Scan(&s.Total, &s.Failed, &s.Succeeded, &s.InProgress, &avgSeconds)
	if err != nil {
		return s, err
	}
	if s.Total > 0 {
		s.FailureRate = float64(s.Failed) / float64(s.Total)
	}
	if avgSeconds.Valid {
		s.AvgDuration = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}
	return s, nil
}

func (p *PostgresDB) CreateIncident(ctx context.Context, inc *models.Incident) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO incidents (id, repository_connection_id, workflow_run_id, severity, status, failure_summary)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 RETURNING created_at, updated_at`,
		inc.ID, inc.RepositoryConnectionID, inc.WorkflowRunID, inc.Severity, inc.Status, inc.FailureSummary,
	).Scan(&inc.CreatedAt, &inc.UpdatedAt)
}

func (p *PostgresDB) GetOpenIncidentForRun(ctx context.Context, workflowRunID int64) (*models.Incident, error) {
	row := p.db.QueryRowContext(ctx, incidentSelect+` WHERE workflow_run_id=$1 AND status='open'`, workflowRunID)
	return scanIncident(row)
}

func (p *PostgresDB) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	row := p.db.QueryRowContext(ctx, incidentSelect+` WHERE id=$1`, id)
	return scanIncident(row)
}

const incidentSelect = `SELECT id, repository_connection_id, workflow_run_id, severity, status, failure_reason,
	failure_summary, pull_request_record_id, error_detail, remediation_attempted_at, created_at, updated_at
	FROM incidents`

func scanIncident(row *sql.Row) (*models.Incident, error) {
	var inc models.Incident
	var prID sql.NullInt64
	var attemptedAt sql.NullTime
	err := row.Scan(&inc.ID, &inc.RepositoryConnectionID, &inc.WorkflowRunID, &inc.Severity, &inc.Status, &inc.FailureReason,
		&inc.FailureSummary, &prID, &inc.ErrorDetail, &attemptedAt, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if prID.Valid {
		inc.PullRequestRecordID = &prID.Int64
	}
	if attemptedAt.Valid {
		inc.RemediationAttemptedAt = &attemptedAt.Time
	}
	return &inc, nil
}

func (p *PostgresDB) ClaimIncidentForRemediation(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE incidents SET remediation_attempted_at=$1, status='investigating', updated_at=NOW()
		 WHERE id=$2 AND remediation_attempted_at IS NULL`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresDB) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, reason models.IncidentFailureReason, detail string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE incidents SET status=$1, failure_reason=$2, error_detail=$3, updated_at=NOW() WHERE id=$4`,
		status, reason, detail, id)
	return err
}

// AttachPullRequestRecord records a successfully opened PR and moves the
// incident to "investigating" (spec §4.7 step 7): a human still needs to
// review and merge the PR, so the incident is not yet resolved.
func (p *PostgresDB) AttachPullRequestRecord(ctx context.Context, incidentID string, prRecordID int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE incidents SET pull_request_record_id=$1, status='investigating', updated_at=NOW() WHERE id=$2`,
		prRecordID, incidentID)
	return err
}

func (p *PostgresDB) CreatePullRequestRecord(ctx context.Context, pr *models.PullRequestRecord) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO pull_request_records (incident_id, external_pr_id, number, branch_name, html_url, files_changed, patches_applied)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at`,
		pr.IncidentID, pr.ExternalPRID, pr.Number, pr.BranchName, pr.HTMLURL, pr.FilesChanged, pr.PatchesApplied,
	).Scan(&pr.ID, &pr.CreatedAt)
}

func (p *PostgresDB) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO webhooks (repository_connection_id, external_webhook_id, url, events_csv, active)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at, updated_at`,
		w.RepositoryConnectionID, w.ExternalWebhookID, w.URL, w.EventsCSV, w.Active,
	).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
}

func (p *PostgresDB) GetWebhookByRepositoryConnection(ctx context.Context, repositoryConnectionID int64) (*models.Webhook, error) {
	var w models.Webhook
	err := p.db.QueryRowContext(ctx,
		`SELECT id, repository_connection_id, external_webhook_id, url, events_csv, active, created_at, updated_at
		 FROM webhooks WHERE repository_connection_id=$1`, repositoryConnectionID,
	).Scan(&w.ID, &w.RepositoryConnectionID, &w.ExternalWebhookID, &w.URL, &w.EventsCSV, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresDB) DeleteWebhook(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id=$1`, id)
	return err
}

func (p *PostgresDB) RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) (bool, error) {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO webhook_deliveries (webhook_id, event, delivery_uid, verified, status_code, error)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (webhook_id, delivery_uid) DO NOTHING
		 RETURNING id, created_at`,
		d.WebhookID, d.Event, d.DeliveryUID, d.Verified, d.StatusCode, d.Error,
	).Scan(&d.ID, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil // conflict: already recorded, caller treats as duplicate
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresDB) EnqueueRemediationJob(ctx context.Context, job *models.RemediationJobRow) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO remediation_jobs (incident_id, status, max_attempts, next_attempt_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (incident_id) DO UPDATE SET status=EXCLUDED.status, next_attempt_at=EXCLUDED.next_attempt_at, updated_at=NOW()
		 RETURNING id, attempt_count, created_at, updated_at`,
		job.IncidentID, job.Status, job.MaxAttempts, job.NextAttemptAt,
	).Scan(&job.ID, &job.AttemptCount, &job.CreatedAt, &job.UpdatedAt)
}

func (p *PostgresDB) ClaimRemediationJob(ctx context.Context) (*models.RemediationJobRow, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE remediation_jobs SET status='running', attempt_count=attempt_count+1, updated_at=NOW()
		 WHERE id = (
			 SELECT id FROM remediation_jobs
			 WHERE status='queued' AND next_attempt_at <= NOW()
			 ORDER BY next_attempt_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, incident_id, status, attempt_count, max_attempts, next_attempt_at, last_error, created_at, updated_at`)
	job, err := scanRemediationJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func scanRemediationJob(row *sql.Row) (*models.RemediationJobRow, error) {
	var j models.RemediationJobRow
	err := row.Scan(&j.ID, &j.IncidentID, &j.Status, &j.AttemptCount, &j.MaxAttempts, &j.NextAttemptAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (p *PostgresDB) CompleteRemediationJob(ctx context.Context, jobID int64, status, lastError string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE remediation_jobs SET status=$1, last_error=$2, updated_at=NOW() WHERE id=$3`, status, lastError, jobID)
	return err
}

func (p *PostgresDB) RequeueRemediationJob(ctx context.Context, jobID int64, lastError string, nextAttemptAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE remediation_jobs SET status='queued', last_error=$1, next_attempt_at=$2, updated_at=NOW() WHERE id=$3`,
		lastError, nextAttemptAt, jobID)
	return err
}

func (p *PostgresDB) GetRemediationJobByIncident(ctx context.Context, incidentID string) (*models.RemediationJobRow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, incident_id, status, attempt_count, max_attempts, next_attempt_at, last_error, created_at, updated_at
		 FROM remediation_jobs WHERE incident_id=$1`, incidentID)
	job, err := scanRemediationJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	return job, err
}

func (p *PostgresDB) DBStats() sql.DBStats {
	return p.db.Stats()
}
