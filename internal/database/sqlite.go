package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteDB is the embedded backend, used for single-node deployments and
// tests where standing up a Postgres cluster is unwarranted.
type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY churn
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS oauth_connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	principal_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	external_account_id TEXT NOT NULL,
	external_account_login TEXT NOT NULL DEFAULT '',
	access_token_ciphertext BLOB NOT NULL,
	refresh_token_ciphertext BLOB,
	encryption_key_id TEXT NOT NULL,
	expires_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(principal_id, provider)
);

CREATE TABLE IF NOT EXISTS repository_connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	principal_id TEXT NOT NULL,
	oauth_connection_id INTEGER NOT NULL REFERENCES oauth_connections(id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	external_repo_id TEXT NOT NULL,
	full_name TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	webhook_id TEXT NOT NULL DEFAULT '',
	webhook_secret_ciphertext BLOB,
	encryption_key_id TEXT NOT NULL DEFAULT '',
	auto_remediate INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(provider, full_name)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_connection_id INTEGER NOT NULL REFERENCES repository_connections(id) ON DELETE CASCADE,
	provider_run_id TEXT NOT NULL,
	workflow_name TEXT NOT NULL DEFAULT '',
	head_branch TEXT NOT NULL DEFAULT '',
	head_sha TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	conclusion TEXT NOT NULL DEFAULT '',
	incident_id TEXT,
	webhook_last_delivery_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(repository_connection_id, provider_run_id)
);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	repository_connection_id INTEGER NOT NULL REFERENCES repository_connections(id) ON DELETE CASCADE,
	workflow_run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	severity TEXT NOT NULL DEFAULT 'medium',
	status TEXT NOT NULL DEFAULT 'open',
	failure_reason TEXT NOT NULL DEFAULT '',
	failure_summary TEXT NOT NULL DEFAULT '',
	pull_request_record_id INTEGER,
	error_detail TEXT NOT NULL DEFAULT '',
	remediation_attempted_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open_per_run
	ON incidents(workflow_run_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS pull_request_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	external_pr_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	branch_name TEXT NOT NULL,
	html_url TEXT NOT NULL,
	files_changed INTEGER NOT NULL DEFAULT 0,
	patches_applied INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS webhooks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_connection_id INTEGER NOT NULL REFERENCES repository_connections(id) ON DELETE CASCADE,
	external_webhook_id TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	events_csv TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(repository_connection_id)
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	webhook_id INTEGER NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
	event TEXT NOT NULL,
	delivery_uid TEXT NOT NULL,
	verified INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(webhook_id, delivery_uid)
);

CREATE TABLE IF NOT EXISTS remediation_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id TEXT NOT NULL UNIQUE REFERENCES incidents(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_repo_conn ON workflow_runs(repository_connection_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_repo_conn ON incidents(repository_connection_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_remediation_jobs_claim ON remediation_jobs(status, next_attempt_at, id);
`

func (s *SQLiteDB) CreateOAuthConnection(ctx context.Context, c *models.OAuthConnection) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_connections
			(principal_id, provider, external_account_id, external_account_login,
			 access_token_ciphertext, refresh_token_ciphertext, encryption_key_id, expires_at, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.PrincipalID, c.Provider, c.ExternalAccountID, c.ExternalAccountLogin,
		c.AccessTokenCiphertext, c.RefreshTokenCiphertext, c.EncryptionKeyID, c.ExpiresAt, now, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID, c.CreatedAt, c.UpdatedAt = id, now, now
	return nil
}

func (s *SQLiteDB) GetOAuthConnection(ctx context.Context, principalID string, provider models.Provider) (*models.OAuthConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, principal_id, provider, external_account_id, external_account_login,
			access_token_ciphertext, refresh_token_ciphertext, encryption_key_id, expires_at, created_at, updated_at
		 FROM oauth_connections WHERE principal_id = ? AND provider = ?`,
		principalID, provider)
	return scanSQLiteOAuthConnection(row)
}

func (s *SQLiteDB) GetOAuthConnectionByID(ctx context.Context, id int64) (*models.OAuthConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, principal_id, provider, external_account_id, external_account_login,
			access_token_ciphertext, refresh_token_ciphertext, encryption_key_id, expires_at, created_at, updated_at
		 FROM oauth_connections WHERE id = ?`, id)
	return scanSQLiteOAuthConnection(row)
}

func (s *SQLiteDB) ListOAuthConnections(ctx context.Context, principalID string) ([]models.OAuthConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal_id, provider, external_account_id, external_account_login,
			access_token_ciphertext, refresh_token_ciphertext, encryption_key_id, expires_at, created_at, updated_at
		 FROM oauth_connections WHERE principal_id = ? ORDER BY id`, principalID)
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

func (s *SQLiteDB) UpdateOAuthConnectionTokens(ctx context.Context, id int64, accessCiphertext, refreshCiphertext []byte, keyID string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth_connections SET access_token_ciphertext=?, refresh_token_ciphertext=?, encryption_key_id=?, expires_at=?, updated_at=? WHERE id=?`,
		accessCiphertext, refreshCiphertext, keyID, expiresAt, time.Now().UTC(), id)
	return err
}

func (s *SQLiteDB) DeleteOAuthConnection(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_connections WHERE id=?`, id)
	return err
}

func scanSQLiteOAuthConnection(row *sql.Row) (*models.OAuthConnection, error) {
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

func (s *SQLiteDB) CreateRepositoryConnection(ctx context.Context, c *models.RepositoryConnection) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repository_connections
			(principal_id, oauth_connection_id, provider, external_repo_id, full_name, default_branch, auto_remediate, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		c.PrincipalID, c.OAuthConnectionID, c.Provider, c.ExternalRepoID, c.FullName, c.DefaultBranch, c.AutoRemediate, now, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID, c.CreatedAt, c.UpdatedAt = id, now, now
	return nil
}

const sqliteRepoConnSelect = `SELECT id, principal_id, oauth_connection_id, provider, external_repo_id, full_name,
	default_branch, webhook_id, webhook_secret_ciphertext, encryption_key_id, auto_remediate, created_at, updated_at
	FROM repository_connections`

func (s *SQLiteDB) GetRepositoryConnection(ctx context.Context, id int64) (*models.RepositoryConnection, error) {
	row := s.db.QueryRowContext(ctx, sqliteRepoConnSelect+` WHERE id=?`, id)
	return scanSQLiteRepoConn(row)
}

func (s *SQLiteDB) GetRepositoryConnectionByFullName(ctx context.Context, provider models.Provider, fullName string) (*models.RepositoryConnection, error) {
	row := s.db.QueryRowContext(ctx, sqliteRepoConnSelect+` WHERE provider=? AND full_name=?`, provider, fullName)
	return scanSQLiteRepoConn(row)
}

func (s *SQLiteDB) ListRepositoryConnections(ctx context.Context, principalID string) ([]models.RepositoryConnection, error) {
	rows, err := s.db.QueryContext(ctx, sqliteRepoConnSelect+` WHERE principal_id=? ORDER BY id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RepositoryConnection
	for rows.Next() {
		var c models.RepositoryConnection
		if err := rows.Scan(&c.ID, &c.PrincipalID, &c.OAuthConnectionID, &c.Provider, &c.ExternalRepoID, &c.FullName,
			&c.DefaultBranch, &c.WebhookID, &c.WebhookSecret, &c.EncryptionKeyID, &c.AutoRemediate, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSQLiteRepoConn(row *sql.Row) (*models.RepositoryConnection, error) {
	var c models.RepositoryConnection
	err := row.Scan(&c.ID, &c.PrincipalID, &c.OAuthConnectionID, &c.Provider, &c.ExternalRepoID, &c.FullName,
		&c.DefaultBranch, &c.WebhookID, &c.WebhookSecret, &c.EncryptionKeyID, &c.AutoRemediate, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteDB) UpdateRepositoryConnectionWebhook(ctx context.Context, id int64, webhookID string, secretCiphertext []byte, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repository_connections SET webhook_id=?, webhook_secret_ciphertext=?, encryption_key_id=?, updated_at=? WHERE id=?`,
		webhookID, secretCiphertext, keyID, time.Now().UTC(), id)
	return err
}

func (s *SQLiteDB) UpdateRepositoryConnection(ctx context.Context, c *models.RepositoryConnection) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repository_connections SET default_branch=?, auto_remediate=?, updated_at=? WHERE id=?`,
		c.DefaultBranch, c.AutoRemediate, time.Now().UTC(), c.ID)
	return err
}

func (s *SQLiteDB) DeleteRepositoryConnection(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repository_connections WHERE id=?`, id)
	return err
}

// UpsertWorkflowRun has no direct SQLite equivalent of Postgres's
// ON CONFLICT...RETURNING (xmax=0), so it probes for an existing row first
// to report created-vs-updated. The insert does nothing on a conflict, so
// when a concurrent delivery inserted the row first this call updates it
// instead of failing.
func (s *SQLiteDB) UpsertWorkflowRun(ctx context.Context, run *models.WorkflowRun) (bool, error) {
	now := time.Now().UTC()
	existing, err := s.GetWorkflowRun(ctx, run.RepositoryConnectionID, run.ProviderRunID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if existing == nil {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO workflow_runs
				(repository_connection_id, provider_run_id, workflow_name, head_branch, head_sha, status, conclusion,
				 webhook_last_delivery_at, created_at, updated_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(repository_connection_id, provider_run_id) DO NOTHING`,
			run.RepositoryConnectionID, run.ProviderRunID, run.WorkflowName, run.HeadBranch, run.HeadSHA,
			run.Status, run.Conclusion, now, now, now)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 1 {
			id, err := res.LastInsertId()
			if err != nil {
				return false, err
			}
			run.ID, run.IncidentID, run.CreatedAt, run.UpdatedAt = id, nil, now, now
			return true, nil
		}
		existing, err = s.GetWorkflowRun(ctx, run.RepositoryConnectionID, run.ProviderRunID)
		if err != nil {
			return false, err
		}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET workflow_name=?, head_branch=?, head_sha=?, status=?, conclusion=?,
			webhook_last_delivery_at=?, updated_at=? WHERE id=?`,
		run.WorkflowName, run.HeadBranch, run.HeadSHA, run.Status, run.Conclusion, now, now, existing.ID)
	if err != nil {
		return false, err
	}
	run.ID, run.IncidentID, run.CreatedAt, run.UpdatedAt = existing.ID, existing.IncidentID, existing.CreatedAt, now
	return false, nil
}

func (s *SQLiteDB) GetWorkflowRun(ctx context.Context, repositoryConnectionID int64, providerRunID string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.QueryRowContext(ctx,
		`SELECT id, repository_connection_id, provider_run_id, workflow_name, head_branch, head_sha, status, conclusion,
			incident_id, webhook_last_delivery_at, created_at, updated_at
		 FROM workflow_runs WHERE repository_connection_id=? AND provider_run_id=?`,
		repositoryConnectionID, providerRunID,
	).Scan(&run.ID, &run.RepositoryConnectionID, &run.ProviderRunID, &run.WorkflowName, &run.HeadBranch, &run.HeadSHA,
		&run.Status, &run.Conclusion, &run.IncidentID, &run.WebhookLastDeliveryAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLiteDB) GetWorkflowRunByID(ctx context.Context, id int64) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.QueryRowContext(ctx,
		`SELECT id, repository_connection_id, provider_run_id, workflow_name, head_branch, head_sha, status, conclusion,
			incident_id, webhook_last_delivery_at, created_at, updated_at
		 FROM workflow_runs WHERE id=?`,
		id,
	).Scan(&run.ID, &run.RepositoryConnectionID, &run.ProviderRunID, &run.WorkflowName, &run.HeadBranch, &run.HeadSHA,
		&run.Status, &run.Conclusion, &run.IncidentID, &run.WebhookLastDeliveryAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLiteDB) TouchWorkflowRunDelivery(ctx context.Context, repositoryConnectionID int64, providerRunID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET webhook_last_delivery_at=? WHERE repository_connection_id=? AND provider_run_id=?`,
		at, repositoryConnectionID, providerRunID)
	return err
}

func (s *SQLiteDB) ListWorkflowRuns(ctx context.Context, repositoryConnectionID int64, limit int) ([]models.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository_connection_id, provider_run_id, workflow_name, head_branch, head_sha, status, conclusion,
			incident_id, webhook_last_delivery_at, created_at, updated_at
		 FROM workflow_runs WHERE repository_connection_id=? ORDER BY id DESC LIMIT ?`,
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

func (s *SQLiteDB) WorkflowRunStats(ctx context.Context, repositoryConnectionID int64) (WorkflowRunStats, error) {
	var st WorkflowRunStats
	var avgSeconds sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN conclusion='failure' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN conclusion='success' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN status='in_progress' THEN 1 ELSE 0 END),0),
			AVG((julianday(updated_at) - julianday(created_at)) * 86400.0)
		 FROM workflow_runs WHERE repository_connection_id=?`,
		repositoryConnectionID,
	).Scan(&st.Total, &st.Failed, &st.Succeeded, &st.InProgress, &avgSeconds)
	if err != nil {
		return st, err
	}
	if st.Total > 0 {
		st.FailureRate = float64(st.Failed) / float64(st.Total)
	}
	if avgSeconds.Valid {
		st.AvgDuration = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}
	return st, nil
}

func (s *SQLiteDB) CreateIncident(ctx context.Context, inc *models.Incident) error {
	if inc.ID == "" {
		inc.ID = "inc_" + uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, repository_connection_id, workflow_run_id, severity, status, failure_summary, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		inc.ID, inc.RepositoryConnectionID, inc.WorkflowRunID, inc.Severity, inc.Status, inc.FailureSummary, now, now)
	if err != nil {
		return err
	}
	inc.CreatedAt, inc.UpdatedAt = now, now
	return nil
}

const sqliteIncidentSelect = `SELECT id, repository_connection_id, workflow_run_id, severity, status, failure_reason,
	failure_summary, pull_request_record_id, error_detail, remediation_attempted_at, created_at, updated_at
	FROM incidents`

func (s *SQLiteDB) GetOpenIncidentForRun(ctx context.Context, workflowRunID int64) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx, sqliteIncidentSelect+` WHERE workflow_run_id=? AND status='open'`, workflowRunID)
	return scanSQLiteIncident(row)
}

func (s *SQLiteDB) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx, sqliteIncidentSelect+` WHERE id=?`, id)
	return scanSQLiteIncident(row)
}

func scanSQLiteIncident(row *sql.Row) (*models.Incident, error) {
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

// ClaimIncidentForRemediation relies on the single writer connection (see
// OpenSQLite) to serialize the guard; the conditional UPDATE is race-free
// under that constraint the same way it is under Postgres row locking.
func (s *SQLiteDB) ClaimIncidentForRemediation(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET remediation_attempted_at=?, status='investigating', updated_at=?
		 WHERE id=? AND remediation_attempted_at IS NULL`, at, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteDB) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, reason models.IncidentFailureReason, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status=?, failure_reason=?, error_detail=?, updated_at=? WHERE id=?`,
		status, reason, detail, time.Now().UTC(), id)
	return err
}

// AttachPullRequestRecord records a successfully opened PR and moves the
// incident to "investigating" (spec §4.7 step 7): a human still needs to
// review and merge the PR, so the incident is not yet resolved.
func (s *SQLiteDB) AttachPullRequestRecord(ctx context.Context, incidentID string, prRecordID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET pull_request_record_id=?, status='investigating', updated_at=? WHERE id=?`,
		prRecordID, time.Now().UTC(), incidentID)
	return err
}

func (s *SQLiteDB) CreatePullRequestRecord(ctx context.Context, pr *models.PullRequestRecord) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pull_request_records (incident_id, external_pr_id, number, branch_name, html_url, files_changed, patches_applied, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		pr.IncidentID, pr.ExternalPRID, pr.Number, pr.BranchName, pr.HTMLURL, pr.FilesChanged, pr.PatchesApplied, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	pr.ID, pr.CreatedAt = id, now
	return nil
}

func (s *SQLiteDB) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (repository_connection_id, external_webhook_id, url, events_csv, active, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)`,
		w.RepositoryConnectionID, w.ExternalWebhookID, w.URL, w.EventsCSV, w.Active, now, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	w.ID, w.CreatedAt, w.UpdatedAt = id, now, now
	return nil
}

func (s *SQLiteDB) GetWebhookByRepositoryConnection(ctx context.Context, repositoryConnectionID int64) (*models.Webhook, error) {
	var w models.Webhook
	err := s.db.QueryRowContext(ctx,
		`SELECT id, repository_connection_id, external_webhook_id, url, events_csv, active, created_at, updated_at
		 FROM webhooks WHERE repository_connection_id=?`, repositoryConnectionID,
	).Scan(&w.ID, &w.RepositoryConnectionID, &w.ExternalWebhookID, &w.URL, &w.EventsCSV, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteDB) DeleteWebhook(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	return err
}

// RecordWebhookDelivery leans on INSERT OR IGNORE against the
// UNIQUE(webhook_id, delivery_uid) constraint rather than Postgres's typed
// ON CONFLICT DO NOTHING; a zero rows-affected count signals the duplicate.
func (s *SQLiteDB) RecordWebhookDelivery(ctx context.Context, d *models.WebhookDelivery) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_deliveries (webhook_id, event, delivery_uid, verified, status_code, error, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		d.WebhookID, d.Event, d.DeliveryUID, d.Verified, d.StatusCode, d.Error, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	d.ID, d.CreatedAt = id, now
	return false, nil
}

func (s *SQLiteDB) EnqueueRemediationJob(ctx context.Context, job *models.RemediationJobRow) error {
	now := time.Now().UTC()
	existing, err := s.GetRemediationJobByIncident(ctx, job.IncidentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if existing != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE remediation_jobs SET status=?, next_attempt_at=?, updated_at=? WHERE id=?`,
			job.Status, job.NextAttemptAt, now, existing.ID)
		if err != nil {
			return err
		}
		job.ID, job.AttemptCount, job.CreatedAt, job.UpdatedAt = existing.ID, existing.AttemptCount, existing.CreatedAt, now
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO remediation_jobs (incident_id, status, max_attempts, next_attempt_at, created_at, updated_at)
		 VALUES (?,?,?,?,?,?)`,
		job.IncidentID, job.Status, job.MaxAttempts, job.NextAttemptAt, now, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	job.ID, job.AttemptCount, job.CreatedAt, job.UpdatedAt = id, 0, now, now
	return nil
}

// ClaimRemediationJob has no SKIP LOCKED equivalent in SQLite; the single
// writer connection already serializes claims, so a select-then-update
// inside one transaction is race-free.
func (s *SQLiteDB) ClaimRemediationJob(ctx context.Context) (*models.RemediationJobRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, incident_id, status, attempt_count, max_attempts, next_attempt_at, last_error, created_at, updated_at
		 FROM remediation_jobs WHERE status='queued' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT 1`,
		time.Now().UTC())
	job, err := scanSQLiteRemediationJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE remediation_jobs SET status='running', attempt_count=attempt_count+1, updated_at=? WHERE id=?`,
		now, job.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	job.Status = "running"
	job.AttemptCount++
	job.UpdatedAt = now
	return job, nil
}

func scanSQLiteRemediationJob(row *sql.Row) (*models.RemediationJobRow, error) {
	var j models.RemediationJobRow
	err := row.Scan(&j.ID, &j.IncidentID, &j.Status, &j.AttemptCount, &j.MaxAttempts, &j.NextAttemptAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteDB) CompleteRemediationJob(ctx context.Context, jobID int64, status, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE remediation_jobs SET status=?, last_error=?, updated_at=? WHERE id=?`, status, lastError, time.Now().UTC(), jobID)
	return err
}

func (s *SQLiteDB) RequeueRemediationJob(ctx context.Context, jobID int64, lastError string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE remediation_jobs SET status='queued', last_error=?, next_attempt_at=?, updated_at=? WHERE id=?`,
		lastError, nextAttemptAt, time.Now().UTC(), jobID)
	return err
}

func (s *SQLiteDB) GetRemediationJobByIncident(ctx context.Context, incidentID string) (*models.RemediationJobRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, incident_id, status, attempt_count, max_attempts, next_attempt_at, last_error, created_at, updated_at
		 FROM remediation_jobs WHERE incident_id=?`, incidentID)
	return scanSQLiteRemediationJob(row)
}

func (s *SQLiteDB) DBStats() sql.DBStats {
	return s.db.Stats()
}
