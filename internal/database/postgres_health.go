package database

import (
	"context"
	"database/sql"
)

func (p *PostgresDB) RemediationQueueStats(ctx context.Context) (RemediationQueueStats, error) {
	var stats RemediationQueueStats
	var oldestQueued sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0) AS running,
			 COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = 'queued' THEN next_attempt_at END) AS oldest_queued_at
		 FROM remediation_jobs`,
	).Scan(&stats.Queued, &stats.Running, &stats.Failed, &oldestQueued)
	if err != nil {
		return RemediationQueueStats{}, err
	}
	if oldestQueued.Valid {
		t := oldestQueued.Time.UTC()
		stats.OldestQueuedAt = &t
	}
	return stats, nil
}
