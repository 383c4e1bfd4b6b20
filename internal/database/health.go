package database

import "time"

// RemediationQueueStats summarizes remediation job queue status for health
// and observability endpoints.
type RemediationQueueStats struct {
	Queued         int64
	Running        int64
	Failed         int64
	OldestQueuedAt *time.Time
}
