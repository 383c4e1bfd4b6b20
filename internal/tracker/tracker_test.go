package tracker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/jobs"
	"github.com/autoremediate/autoremediate/internal/models"
)

func testDB(t *testing.T) database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRepoConn(t *testing.T, db database.DB, autoRemediate bool) *models.RepositoryConnection {
	t.Helper()
	ctx := context.Background()
	oc := &models.OAuthConnection{PrincipalID: "p1", Provider: models.ProviderGitHub, ExternalAccountID: "1", ExternalAccountLogin: "octo"}
	require.NoError(t, db.CreateOAuthConnection(ctx, oc))
	rc := &models.RepositoryConnection{
		PrincipalID:       "p1",
		OAuthConnectionID: oc.ID,
		Provider:          models.ProviderGitHub,
		ExternalRepoID:    "1",
		FullName:          "octo/repo",
		DefaultBranch:     "main",
		AutoRemediate:     autoRemediate,
	}
	require.NoError(t, db.CreateRepositoryConnection(ctx, rc))
	return rc
}

func failureEvent() RunEvent {
	return RunEvent{
		Action:        "completed",
		ExternalRunID: "42",
		WorkflowName:  "CI",
		HeadBranch:    "main",
		HeadSHA:       "abc123",
		Status:        "completed",
		Conclusion:    "failure",
		CommitMessage: "broke the build",
	}
}

func TestHandleWorkflowRunOpensIncidentOnFailure(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	tr := New(db, queue, nil)
	repoConn := seedRepoConn(t, db, true)

	out, err := tr.HandleWorkflowRun(ctx, repoConn, failureEvent())
	require.NoError(t, err)
	require.NotNil(t, out.Incident)
	require.True(t, out.IncidentOpened)
	require.True(t, out.RemediationEnqueued)
	require.Equal(t, models.IncidentOpen, out.Incident.Status)
	require.Equal(t, "high", out.Incident.Severity)

	run, err := db.GetWorkflowRun(ctx, repoConn.ID, "42")
	require.NoError(t, err)
	require.Equal(t, models.WorkflowRunCompleted, run.Status)
	require.Equal(t, models.WorkflowRunFailure, run.Conclusion)
}

func TestHandleWorkflowRunIsIdempotentOnDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	tr := New(db, queue, nil)
	repoConn := seedRepoConn(t, db, true)

	_, err := tr.HandleWorkflowRun(ctx, repoConn, failureEvent())
	require.NoError(t, err)
	out2, err := tr.HandleWorkflowRun(ctx, repoConn, failureEvent())
	require.NoError(t, err)

	require.False(t, out2.IncidentOpened, "a second delivery for the same run must reuse the existing incident")
	require.False(t, out2.RemediationEnqueued, "the at-most-once guard must reject a duplicate enqueue")

	runs, err := db.ListWorkflowRuns(ctx, repoConn.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1, "upsert must not create a second WorkflowRun row")
}

func TestHandleWorkflowRunConcurrentDeliveriesEnqueueExactlyOnce(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	tr := New(db, queue, nil)
	repoConn := seedRepoConn(t, db, true)

	const k = 8
	var wg sync.WaitGroup
	results := make([]*Outcome, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := tr.HandleWorkflowRun(ctx, repoConn, failureEvent())
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	enqueued := 0
	for _, out := range results {
		if out.RemediationEnqueued {
			enqueued++
		}
	}
	require.Equal(t, 1, enqueued, "exactly one of k concurrent deliveries must win the remediation claim")
}

func TestHandleWorkflowRunSkipsEnqueueWhenAutoRemediateDisabled(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	tr := New(db, queue, nil)
	repoConn := seedRepoConn(t, db, false)

	out, err := tr.HandleWorkflowRun(ctx, repoConn, failureEvent())
	require.NoError(t, err)
	require.NotNil(t, out.Incident)
	require.False(t, out.RemediationEnqueued)
}

func TestHandleWorkflowRunIgnoresNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	tr := New(db, jobs.NewQueue(db, jobs.QueueOptions{}), nil)
	repoConn := seedRepoConn(t, db, true)

	ev := failureEvent()
	ev.Action = "in_progress"
	ev.Status = "in_progress"
	ev.Conclusion = ""

	out, err := tr.HandleWorkflowRun(ctx, repoConn, ev)
	require.NoError(t, err)
	require.Nil(t, out.Incident)
}

func TestHandleWorkflowRunFeatureBranchSeverityIsMedium(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	tr := New(db, jobs.NewQueue(db, jobs.QueueOptions{}), nil)
	repoConn := seedRepoConn(t, db, true)

	ev := failureEvent()
	ev.HeadBranch = "feature/x"

	out, err := tr.HandleWorkflowRun(ctx, repoConn, ev)
	require.NoError(t, err)
	require.Equal(t, "medium", out.Incident.Severity)
}

func TestHandleBreadcrumbIsNoopWithoutRunID(t *testing.T) {
	db := testDB(t)
	tr := New(db, nil, nil)
	repoConn := seedRepoConn(t, db, true)
	require.NoError(t, tr.HandleBreadcrumb(context.Background(), repoConn, "", BreadcrumbEvent{Event: "push"}))
}
