// Package remediate implements the Remediation Orchestrator (C7): the
// per-incident pipeline that turns a failed CI run into an opened pull
// request. It resolves the repository's stored credentials, downloads
// and parses the run's logs, asks the configured llmclient.Capability for
// a structured fix per candidate file, validates every response at the
// boundary, and opens a branch/commit/PR through internal/provider.
package remediate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/autoremediate/autoremediate/internal/apperr"
	"github.com/autoremediate/autoremediate/internal/config"
	"github.com/autoremediate/autoremediate/internal/database"
	"github.com/autoremediate/autoremediate/internal/jobs"
	"github.com/autoremediate/autoremediate/internal/llmclient"
	"github.com/autoremediate/autoremediate/internal/logparser"
	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/oauthcoord"
	"github.com/autoremediate/autoremediate/internal/provider"
)

// ClientFactory builds an authenticated provider.Client for one
// repository connection's provider family and plaintext access token.
// internal/provider.NewGitHubClient and internal/provider/gitlab.NewClient
// are the two implementations wired in cmd/autoremediate.
type ClientFactory func(p models.Provider, accessToken string) (provider.Client, error)

// Orchestrator runs the end-to-end remediation pipeline for one incident
// at a time. A single Orchestrator is safe for concurrent use by
// multiple jobs.WorkerPool goroutines; all per-run state lives in the
// run's own patchResult slice and context, not on the Orchestrator.
type Orchestrator struct {
	db          database.DB
	coordinator *oauthcoord.Coordinator
	clients     ClientFactory
	llm         llmclient.Capability
	cfg         config.RemediationConfig
	logger      *slog.Logger
}

func New(db database.DB, coordinator *oauthcoord.Coordinator, clients ClientFactory, llm llmclient.Capability, cfg config.RemediationConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{db: db, coordinator: coordinator, clients: clients, llm: llm, cfg: cfg, logger: logger}
}

// Process adapts Orchestrator to jobs.JobProcessor so a jobs.WorkerPool
// can drive it directly.
func (o *Orchestrator) Process(ctx context.Context, job *jobs.RemediationJob) error {
	return o.Remediate(ctx, job.IncidentID)
}

// patchResult is one successfully generated and validated fix for one
// candidate file, ready to be written back through provider.Client.
type patchResult struct {
	file    provider.File
	patch   *llmclient.Patch
	message string
}

// Remediate runs the full pipeline for incidentID: resolve credentials,
// fetch and parse logs, generate and validate per-file patches, and open
// a pull request. Every terminal failure is recorded on the incident via
// UpdateIncidentStatus with the apperr-derived IncidentFailureReason so a
// human reviewing the incident list can see why remediation stopped
// without reading worker logs.
func (o *Orchestrator) Remediate(ctx context.Context, incidentID string) error {
	if o.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Deadline)
		defer cancel()
	}

	incident, err := o.db.GetIncident(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("remediate: get incident: %w", err)
	}
	if incident.Status == models.IncidentResolved || incident.Status == models.IncidentFailed {
		return nil
	}

	run, err := o.db.GetWorkflowRunByID(ctx, incident.WorkflowRunID)
	if err != nil {
		return o.fail(ctx, incident.ID, models.FailureProvider, "load workflow run", err)
	}
	repoConn, err := o.db.GetRepositoryConnection(ctx, run.RepositoryConnectionID)
	if err != nil {
		return o.fail(ctx, incident.ID, models.FailureProvider, "load repository connection", err)
	}

	client, err := o.resolveClient(ctx, repoConn)
	if err != nil {
		return o.fail(ctx, incident.ID, models.FailureNoCredentials, "resolve provider credentials", err)
	}

	rawLogs, err := client.DownloadRunLogs(ctx, repoConn.FullName, run.ProviderRunID)
	if err != nil {
		return o.fail(ctx, incident.ID, models.FailureNoLogs, "download run logs", err)
	}
	blocks := logparser.Parse(rawLogs)
	if len(blocks) == 0 {
		return o.fail(ctx, incident.ID, models.FailureNoSignal, "no actionable error blocks in run logs", nil)
	}

	candidates := selectCandidates(blocks, o.cfg.MaxCandidateFiles, o.cfg.MaxErrorsPerFile)
	if len(candidates) == 0 {
		return o.fail(ctx, incident.ID, models.FailureNoSignal, "no error block named a file", nil)
	}

	results, genErr := o.generatePatches(ctx, client, repoConn, run, candidates)
	if len(results) == 0 {
		return o.fail(ctx, incident.ID, models.FailureRemediation, "no candidate file produced a valid patch", genErr)
	}

	pr, err := o.openPullRequest(ctx, client, repoConn, run, incident, results)
	if err != nil {
		return o.fail(ctx, incident.ID, models.FailureProvider, "open pull request", err)
	}

	if err := o.db.CreatePullRequestRecord(ctx, pr); err != nil {
		return fmt.Errorf("remediate: record pull request: %w", err)
	}
	if err := o.db.AttachPullRequestRecord(ctx, incident.ID, pr.ID); err != nil {
		return fmt.Errorf("remediate: attach pull request record: %w", err)
	}
	return nil
}

func (o *Orchestrator) resolveClient(ctx context.Context, repoConn *models.RepositoryConnection) (provider.Client, error) {
	oauthConn, err := o.db.GetOAuthConnectionByID(ctx, repoConn.OAuthConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load oauth connection: %w", err)
	}
	token, err := o.coordinator.PlaintextAccessToken(oauthConn)
	if err != nil {
		return nil, fmt.Errorf("unseal access token: %w", err)
	}
	client, err := o.clients(repoConn.Provider, token)
	if err != nil {
		return nil, fmt.Errorf("build provider client: %w", err)
	}
	_ = ctx
	return client, nil
}

// candidateFile groups a candidate path with the blocks that named it,
// ranked so the orchestrator spends its MaxCandidateFiles budget on the
// files most likely to be the actual fix target.
type candidateFile struct {
	path   string
	blocks []logparser.ErrorBlock
}

func selectCandidates(blocks []logparser.ErrorBlock, maxFiles, maxErrorsPerFile int) []candidateFile {
	byFile := map[string][]logparser.ErrorBlock{}
	var order []string
	for _, b := range blocks {
		if strings.TrimSpace(b.File) == "" {
			continue
		}
		if _, ok := byFile[b.File]; !ok {
			order = append(order, b.File)
		}
		byFile[b.File] = append(byFile[b.File], b)
	}

	candidates := make([]candidateFile, 0, len(order))
	for _, path := range order {
		fileBlocks := byFile[path]
		sort.SliceStable(fileBlocks, func(i, j int) bool {
			return severityRank(fileBlocks[i].Severity) > severityRank(fileBlocks[j].Severity)
		})
		if maxErrorsPerFile > 0 && len(fileBlocks) > maxErrorsPerFile {
			fileBlocks = fileBlocks[:maxErrorsPerFile]
		}
		candidates = append(candidates, candidateFile{path: path, blocks: fileBlocks})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		hi, hj := anyBlockHasLine(candidates[i].blocks), anyBlockHasLine(candidates[j].blocks)
		if hi != hj {
			return hi
		}
		si, sj := worstSeverityRank(candidates[i].blocks), worstSeverityRank(candidates[j].blocks)
		if si != sj {
			return si > sj
		}
		return len(candidates[i].blocks) > len(candidates[j].blocks)
	})
	if maxFiles > 0 && len(candidates) > maxFiles {
		candidates = candidates[:maxFiles]
	}
	return candidates
}

func anyBlockHasLine(blocks []logparser.ErrorBlock) bool {
	for _, b := range blocks {
		if b.Line != nil {
			return true
		}
	}
	return false
}

func worstSeverityRank(blocks []logparser.ErrorBlock) int {
	best := 0
	for _, b := range blocks {
		if r := severityRank(b.Severity); r > best {
			best = r
		}
	}
	return best
}

func severityRank(s logparser.Severity) int {
	switch s {
	case logparser.SeverityCritical:
		return 4
	case logparser.SeverityHigh:
		return 3
	case logparser.SeverityMedium:
		return 2
	case logparser.SeverityLow:
		return 1
	default:
		return 0
	}
}

// generatePatches fetches each candidate file's current content,
// requests a patch from the configured llmclient.Capability, validates
// it, and applies it in memory. Files run concurrently bounded by
// MaxCandidateFiles; one file's failure does not abort the others, so a
// partial incident (some files fixed, some not) can still open a PR.
func (o *Orchestrator) generatePatches(ctx context.Context, client provider.Client, repoConn *models.RepositoryConnection, run *models.WorkflowRun, candidates []candidateFile) ([]patchResult, error) {
	results := make([]*patchResult, len(candidates))
	var g errgroup.Group
	g.SetLimit(len(candidates))
	var lastErr error
	for i, cand := range candidates {
		i, cand := i, cand
		g.Go(func() error {
			res, err := o.generateOneFile(ctx, client, repoConn, run, cand)
			if err != nil {
				o.logger.Warn("remediate: candidate file skipped", "file", cand.path, "error", err)
				lastErr = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := make([]patchResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, lastErr
}

func (o *Orchestrator) generateOneFile(ctx context.Context, client provider.Client, repoConn *models.RepositoryConnection, run *models.WorkflowRun, cand candidateFile) (*patchResult, error) {
	file, err := client.GetFile(ctx, repoConn.FullName, cand.path, run.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	lines := strings.Split(string(file.Content), "\n")

	patch, err := o.llm.GenerateSolution(ctx, llmclient.Request{
		Repository:  repoConn.FullName,
		Workflow:    run.WorkflowName,
		FilePath:    cand.path,
		FileContent: string(file.Content),
		FileLines:   len(lines),
		ErrorBlocks: cand.blocks,
	})
	if err != nil {
		return nil, fmt.Errorf("generate solution: %w", err)
	}
	if err := llmclient.Validate(patch, len(lines)); err != nil {
		return nil, fmt.Errorf("validate patch: %w", err)
	}
	if o.cfg.MaxPatchesPerFile > 0 && len(patch.Changes) > o.cfg.MaxPatchesPerFile {
		return nil, apperr.New(apperr.KindInputRejected, "patch_budget_exceeded",
			fmt.Sprintf("patch for %s proposed %d changes, budget is %d", cand.path, len(patch.Changes), o.cfg.MaxPatchesPerFile), nil)
	}

	applyPatch(lines, patch)
	file.Content = []byte(strings.Join(lines, "\n"))

	return &patchResult{file: *file, patch: patch, message: patch.Rationale}, nil
}

// applyPatch rewrites lines in place from the highest line number to the
// lowest so earlier replacements never shift the index of a later one.
func applyPatch(lines []string, patch *llmclient.Patch) {
	changes := make([]llmclient.LineChange, len(patch.Changes))
	copy(changes, patch.Changes)
	sort.Slice(changes, func(i, j int) bool { return changes[i].LineNumber > changes[j].LineNumber })
	for _, c := range changes {
		idx := c.LineNumber - 1
		if idx < 0 || idx >= len(lines) {
			continue
		}
		lines[idx] = c.FixedLine
	}
}

func (o *Orchestrator) openPullRequest(ctx context.Context, client provider.Client, repoConn *models.RepositoryConnection, run *models.WorkflowRun, incident *models.Incident, results []patchResult) (*models.PullRequestRecord, error) {
	branch := fmt.Sprintf("remediation/%s", incident.ID)
	if err := client.CreateBranch(ctx, repoConn.FullName, branch, run.HeadSHA); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}

	var rationales []string
	for _, r := range results {
		commitMsg := fmt.Sprintf("fix: %s", r.message)
		if commitMsg == "fix: " {
			commitMsg = fmt.Sprintf("fix: %s", r.file.Path)
		}
		if err := client.CreateOrUpdateFile(ctx, repoConn.FullName, r.file.Path, branch, r.file.Content, r.file.SHA, commitMsg); err != nil {
			return nil, fmt.Errorf("commit %s: %w", r.file.Path, err)
		}
		if r.message != "" {
			rationales = append(rationales, fmt.Sprintf("- `%s`: %s", r.file.Path, r.message))
		}
	}

	title := fmt.Sprintf("autoremediate: fix %s failure", run.WorkflowName)
	body := buildPRBody(incident, run, rationales)
	created, err := client.CreatePullRequest(ctx, repoConn.FullName, branch, run.HeadBranch, title, body)
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	patchesApplied := 0
	for _, r := range results {
		patchesApplied += len(r.patch.Changes)
	}
	return &models.PullRequestRecord{
		IncidentID:     incident.ID,
		ExternalPRID:   created.ExternalID,
		Number:         created.Number,
		BranchName:     branch,
		HTMLURL:        created.HTMLURL,
		FilesChanged:   len(results),
		PatchesApplied: patchesApplied,
	}, nil
}

func buildPRBody(incident *models.Incident, run *models.WorkflowRun, rationales []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated remediation for incident `%s`.\n\n", incident.ID)
	fmt.Fprintf(&b, "Workflow **%s** failed on `%s` (run `%s`).\n\n", run.WorkflowName, run.HeadBranch, run.ProviderRunID)
	if len(rationales) > 0 {
		b.WriteString("Changes:\n")
		for _, r := range rationales {
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// fail records a terminal failure on the incident and returns the
// original error so the job queue's retry policy still sees it as a
// failure; UpdateIncidentStatus failing itself is returned verbatim
// since there is nothing more this method can do about it.
func (o *Orchestrator) fail(ctx context.Context, incidentID string, reason models.IncidentFailureReason, step string, cause error) error {
	detail := step
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", step, cause)
	}
	if err := o.db.UpdateIncidentStatus(ctx, incidentID, models.IncidentFailed, reason, detail); err != nil {
		o.logger.Error("remediate: failed to record incident failure", "incident_id", incidentID, "error", err)
	}
	if cause == nil {
		return apperr.New(apperr.KindModelFailure, string(reason), step, nil)
	}
	return fmt.Errorf("remediate: %s: %w", step, cause)
}
