package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/autoremediate/autoremediate/internal/apperr"
)

// GitHubClient implements Client against the GitHub REST API via
// go-github, rate-limited per access token and retried with bounded
// backoff on transient failures and secondary rate limits; a primary
// rate-limit error is returned without retry.
type GitHubClient struct {
	gh         *github.Client
	limiter    *rate.Limiter
	maxRetries uint64
	clientID   string
}

// NewGitHubClient builds a client authorized as accessToken. One
// GitHubClient is constructed per request/task since each principal
// carries a distinct token; the underlying http.Client is cheap to
// create and is not reused across tokens. maxRetries bounds how many
// times a single call is retried on a transient failure or secondary
// rate limit; 0 falls back to a conservative default. clientID is the
// GitHub OAuth app's client ID, required by the Authorizations.Revoke
// API to identify the app whose token is revoked.
func NewGitHubClient(ctx context.Context, accessToken string, maxRetries int, clientID string) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	httpClient := oauth2.NewClient(ctx, ts)
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &GitHubClient{
		gh:       github.NewClient(httpClient),
		clientID: clientID,
		// GitHub's secondary rate limit guidance: stay under ~1 req/s
		// sustained per token, bursting briefly during a single
		// remediation run.
		limiter:    rate.NewLimiter(rate.Limit(1), 5),
		maxRetries: uint64(maxRetries),
	}
}

func (c *GitHubClient) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// retry wraps a single GitHub call with bounded exponential backoff,
// retrying only on secondary rate limits, 5xx responses and network
// errors. A primary rate-limit error is not retried: it is returned at
// once as KindProviderUnavailable carrying the time until reset.
func retry[T any](ctx context.Context, maxRetries uint64, fn func() (T, *github.Response, error)) (T, error) {
	var zero T
	var result T

	op := func() error {
		v, resp, err := fn()
		if err == nil {
			result = v
			return nil
		}

		var rle *github.RateLimitError
		if errors.As(err, &rle) {
			retryAfter := time.Until(rle.Rate.Reset.Time)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return backoff.Permanent(apperr.New(apperr.KindProviderUnavailable, "rate_limited",
				fmt.Sprintf("rate limited, reset in %s", retryAfter), err))
		}
		var abrl *github.AbuseRateLimitError
		if errors.As(err, &abrl) {
			return apperr.New(apperr.KindTransient, "secondary_rate_limit", "secondary rate limit hit", err)
		}
		if resp != nil && resp.StatusCode >= 500 {
			return apperr.New(apperr.KindTransient, "provider_5xx", "provider returned 5xx", err)
		}
		if resp == nil {
			return apperr.New(apperr.KindTransient, "network_error", "network error calling provider", err)
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return backoff.Permanent(apperr.New(apperr.KindAuthFailed, "unauthorized", "provider rejected credentials", err))
		case http.StatusForbidden:
			return backoff.Permanent(apperr.New(apperr.KindAuthFailed, "forbidden", "provider forbade the request", err))
		case http.StatusNotFound:
			return backoff.Permanent(apperr.New(apperr.KindInputRejected, "not_found", "resource not found", err))
		case http.StatusConflict:
			return backoff.Permanent(apperr.New(apperr.KindConflict, "conflict", "concurrent modification", err))
		default:
			return backoff.Permanent(apperr.New(apperr.KindProviderUnavailable, "provider_error", "provider call failed", err))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	boCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	if err := backoff.Retry(op, boCtx); err != nil {
		return zero, err
	}
	return result, nil
}

func splitRepo(fullName string) (owner, name string) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:]
		}
	}
	return fullName, ""
}

func (c *GitHubClient) GetFile(ctx context.Context, repoFullName, path, ref string) (*File, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	owner, name := splitRepo(repoFullName)
	opts := &github.RepositoryContentGetOptions{Ref: ref}
	content, err := retry(ctx, c.maxRetries, func() (*github.RepositoryContent, *github.Response, error) {
		fc, _, resp, ferr := c.gh.Repositories.GetContents(ctx, owner, name, path, opts)
		return fc, resp, ferr
	})
	if err != nil {
		return nil, err
	}
	decoded, err := content.GetContent()
	if err != nil {
		return nil, apperr.New(apperr.KindProviderUnavailable, "decode_content", "decode file content", err)
	}
	return &File{Path: path, Content: []byte(decoded), SHA: content.GetSHA()}, nil
}

func (c *GitHubClient) CreateOrUpdateFile(ctx context.Context, repoFullName, path, branch string, content []byte, sha, message string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	owner, name := splitRepo(repoFullName)
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: content,
		Branch:  github.Ptr(branch),
	}
	if sha != "" {
		opts.SHA = github.Ptr(sha)
	}
	_, err := retry(ctx, c.maxRetries, func() (*github.RepositoryContentResponse, *github.Response, error) {
		rc, resp, cerr := c.gh.Repositories.UpdateFile(ctx, owner, name, path, opts)
		return rc, resp, cerr
	})
	return err
}

func (c *GitHubClient) CreateBranch(ctx context.Context, repoFullName, branch, fromSHA string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	owner, name := splitRepo(repoFullName)
	ref := github.CreateRef{
		Ref: "refs/heads/" + branch,
		SHA: fromSHA,
	}
	_, err := retry(ctx, c.maxRetries, func() (*github.Reference, *github.Response, error) {
		r, resp, cerr := c.gh.Git.CreateRef(ctx, owner, name, ref)
		return r, resp, cerr
	})
	return err
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, repoFullName, head, base, title, body string) (*CreatedPullRequest, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	owner, name := splitRepo(repoFullName)
	newPR := &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	}
	pr, err := retry(ctx, c.maxRetries, func() (*github.PullRequest, *github.Response, error) {
		p, resp, cerr := c.gh.PullRequests.Create(ctx, owner, name, newPR)
		return p, resp, cerr
	})
	if err != nil {
		return nil, err
	}
	return &CreatedPullRequest{
		ExternalID: strconv.FormatInt(pr.GetID(), 10),
		Number:     pr.GetNumber(),
		HTMLURL:    pr.GetHTMLURL(),
	}, nil
}

func (c *GitHubClient) CreateWebhook(ctx context.Context, repoFullName, callbackURL string, secret []byte, events []string) (*Hook, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	owner, name := splitRepo(repoFullName)
	hook := &github.Hook{
		Name:   github.Ptr("web"),
		Active: github.Ptr(true),
		Events: events,
		Config: &github.HookConfig{
			URL:         github.Ptr(callbackURL),
			ContentType: github.Ptr("json"),
			Secret:      github.Ptr(string(secret)),
		},
	}
	created, err := retry(ctx, c.maxRetries, func() (*github.Hook, *github.Response, error) {
		h, resp, cerr := c.gh.Repositories.CreateHook(ctx, owner, name, hook)
		return h, resp, cerr
	})
	if err != nil {
		return nil, err
	}
	return &Hook{
		ExternalID: strconv.FormatInt(created.GetID(), 10),
		URL:        callbackURL,
		Events:     created.Events,
		Active:     created.GetActive(),
	}, nil
}

func (c *GitHubClient) DeleteWebhook(ctx context.Context, repoFullName, externalHookID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	owner, name := splitRepo(repoFullName)
	id, err := strconv.ParseInt(externalHookID, 10, 64)
	if err != nil {
		return apperr.New(apperr.KindInputRejected, "bad_hook_id", "invalid webhook id", err)
	}
	_, err = retry(ctx, c.maxRetries, func() (*struct{}, *github.Response, error) {
		resp, derr := c.gh.Repositories.DeleteHook(ctx, owner, name, id)
		return nil, resp, derr
	})
	return err
}

func (c *GitHubClient) GetWorkflowRun(ctx context.Context, repoFullName, externalRunID string) (*WorkflowRun, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	owner, name := splitRepo(repoFullName)
	id, err := strconv.ParseInt(externalRunID, 10, 64)
	if err != nil {
		return nil, apperr.New(apperr.KindInputRejected, "bad_run_id", "invalid run id", err)
	}
	run, err := retry(ctx, c.maxRetries, func() (*github.WorkflowRun, *github.Response, error) {
		r, resp, rerr := c.gh.Actions.GetWorkflowRunByID(ctx, owner, name, id)
		return r, resp, rerr
	})
	if err != nil {
		return nil, err
	}
	return &WorkflowRun{
		ExternalID: strconv.FormatInt(run.GetID(), 10),
		Name:       run.GetName(),
		HeadBranch: run.GetHeadBranch(),
		HeadSHA:    run.GetHeadSHA(),
		Status:     run.GetStatus(),
		Conclusion: run.GetConclusion(),
		HTMLURL:    run.GetHTMLURL(),
		WorkflowID: strconv.FormatInt(run.GetWorkflowID(), 10),
		Event:      run.GetEvent(),
		ActorLogin: run.GetActor().GetLogin(),
		StartedAt:  run.GetRunStartedAt().Time,
		UpdatedAt:  run.GetUpdatedAt().Time,
	}, nil
}

func (c *GitHubClient) GetWorkflowRunJobs(ctx context.Context, repoFullName, externalRunID string) ([]WorkflowRunJob, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	owner, name := splitRepo(repoFullName)
	id, err := strconv.ParseInt(externalRunID, 10, 64)
	if err != nil {
		return nil, apperr.New(apperr.KindInputRejected, "bad_run_id", "invalid run id", err)
	}
	jobs, err := retry(ctx, c.maxRetries, func() (*github.Jobs, *github.Response, error) {
		j, resp, jerr := c.gh.Actions.ListWorkflowJobs(ctx, owner, name, id, nil)
		return j, resp, jerr
	})
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowRunJob, 0, len(jobs.Jobs))
	for _, j := range jobs.Jobs {
		out = append(out, WorkflowRunJob{
			ExternalID: strconv.FormatInt(j.GetID(), 10),
			Name:       j.GetName(),
			Status:     j.GetStatus(),
			Conclusion: j.GetConclusion(),
		})
	}
	return out, nil
}

func (c *GitHubClient) DownloadRunLogs(ctx context.Context, repoFullName, externalRunID string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	owner, name := splitRepo(repoFullName)
	id, err := strconv.ParseInt(externalRunID, 10, 64)
	if err != nil {
		return nil, apperr.New(apperr.KindInputRejected, "bad_run_id", "invalid run id", err)
	}
	logURL, err := retry(ctx, c.maxRetries, func() (*neturl.URL, *github.Response, error) {
		u, resp, derr := c.gh.Actions.GetWorkflowRunLogs(ctx, owner, name, id, 3)
		return u, resp, derr
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return nil, apperr.New(apperr.KindProviderUnavailable, "build_log_request", "build log download request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "download_logs", "download run logs", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "read_log_archive", "read run log archive", err)
	}
	return concatenateZipEntries(body)
}

// concatenateZipEntries reads the ZIP archive GitHub returns for a run's
// logs and concatenates every entry's contents, in archive order, into a
// single blob for the log parser to consume.
func concatenateZipEntries(raw []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, apperr.New(apperr.KindProviderUnavailable, "unzip_logs", "open log archive", err)
	}
	var buf bytes.Buffer
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, apperr.New(apperr.KindProviderUnavailable, "unzip_entry", "open log archive entry", err)
		}
		if _, err := io.Copy(&buf, rc); err != nil {
			rc.Close()
			return nil, apperr.New(apperr.KindProviderUnavailable, "read_entry", "read log archive entry", err)
		}
		rc.Close()
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (c *GitHubClient) RerunWorkflow(ctx context.Context, repoFullName, externalRunID string, failedOnly bool) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	owner, name := splitRepo(repoFullName)
	id, err := strconv.ParseInt(externalRunID, 10, 64)
	if err != nil {
		return apperr.New(apperr.KindInputRejected, "bad_run_id", "invalid run id", err)
	}
	_, err = retry(ctx, c.maxRetries, func() (*struct{}, *github.Response, error) {
		var resp *github.Response
		var rerr error
		if failedOnly {
			resp, rerr = c.gh.Actions.RerunFailedJobsByID(ctx, owner, name, id)
		} else {
			resp, rerr = c.gh.Actions.RerunWorkflowByID(ctx, owner, name, id)
		}
		return nil, resp, rerr
	})
	return err
}

func (c *GitHubClient) DefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	owner, name := splitRepo(repoFullName)
	repo, err := retry(ctx, c.maxRetries, func() (*github.Repository, *github.Response, error) {
		r, resp, rerr := c.gh.Repositories.Get(ctx, owner, name)
		return r, resp, rerr
	})
	if err != nil {
		return "", err
	}
	return repo.GetDefaultBranch(), nil
}

func (c *GitHubClient) RevokeToken(ctx context.Context, accessToken string) error {
	// GitHub revokes OAuth app tokens via DELETE /applications/{client_id}/token;
	// go-github exposes this on the Authorizations service for the
	// authenticated OAuth application, not the user token itself.
	_, err := retry(ctx, c.maxRetries, func() (*struct{}, *github.Response, error) {
		resp, rerr := c.gh.Authorizations.Revoke(ctx, c.clientID, accessToken)
		return nil, resp, rerr
	})
	return err
}

func (c *GitHubClient) ListRepositories(ctx context.Context, page int) ([]AvailableRepository, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: 50},
		Sort:        "pushed",
	}
	repos, err := retry(ctx, c.maxRetries, func() ([]*github.Repository, *github.Response, error) {
		rs, resp, lerr := c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
		return rs, resp, lerr
	})
	if err != nil {
		return nil, err
	}
	out := make([]AvailableRepository, 0, len(repos))
	for _, r := range repos {
		out = append(out, AvailableRepository{
			ExternalID:    strconv.FormatInt(r.GetID(), 10),
			FullName:      r.GetFullName(),
			DefaultBranch: r.GetDefaultBranch(),
			Private:       r.GetPrivate(),
		})
	}
	return out, nil
}
