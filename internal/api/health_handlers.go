package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
	DB     struct {
		OpenConnections int `json:"open_connections"`
		InUse           int `json:"in_use"`
	} `json:"db"`
	RemediationQueue struct {
		Queued         int64  `json:"queued"`
		Running        int64  `json:"running"`
		Failed         int64  `json:"failed"`
		OldestQueuedAt string `json:"oldest_queued_at,omitempty"`
	} `json:"remediation_queue"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}

	dbStats := s.db.DBStats()
	resp.DB.OpenConnections = dbStats.OpenConnections
	resp.DB.InUse = dbStats.InUse

	qstats, err := s.db.RemediationQueueStats(ctx)
	if err != nil {
		s.logger.Warn("healthz: remediation queue stats unavailable", "error", err)
		jsonResponse(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	resp.RemediationQueue.Queued = qstats.Queued
	resp.RemediationQueue.Running = qstats.Running
	resp.RemediationQueue.Failed = qstats.Failed
	if qstats.OldestQueuedAt != nil {
		resp.RemediationQueue.OldestQueuedAt = qstats.OldestQueuedAt.Format(time.RFC3339)
	}

	jsonResponse(w, http.StatusOK, resp)
}
