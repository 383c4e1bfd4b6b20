// Package gitlab implements provider.Client against the GitLab REST API.
// No examples repo in the retrieval pack ships a GitLab SDK, so this
// package talks REST directly over net/http, retried the same way the
// GitHub client is (see internal/provider/github.go), rather than
// hand-rolling the provider.Client plumbing twice.
package gitlab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/autoremediate/autoremediate/internal/apperr"
	"github.com/autoremediate/autoremediate/internal/provider"
)

type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  uint64
}

func NewClient(baseURL, accessToken string, maxRetries int) *Client {
	if baseURL == "" {
		baseURL = "https://gitlab.com/api/v4"
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(1), 5),
		maxRetries:  uint64(maxRetries),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	op := func() error {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(apperr.New(apperr.KindInputRejected, "encode_body", "encode request body", err))
			}
			reader = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(apperr.New(apperr.KindInputRejected, "build_request", "build gitlab request", err))
		}
		req.Header.Set("PRIVATE-TOKEN", c.accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperr.New(apperr.KindTransient, "network_error", "gitlab request failed", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return apperr.New(apperr.KindProviderUnavailable, "rate_limited", "gitlab rate limited", nil)
		case resp.StatusCode >= 500:
			return apperr.New(apperr.KindTransient, "gitlab_5xx", "gitlab returned 5xx", nil)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(apperr.New(apperr.KindAuthFailed, "unauthorized", "gitlab rejected credentials", nil))
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(apperr.New(apperr.KindInputRejected, "not_found", "resource not found", nil))
		case resp.StatusCode == http.StatusConflict:
			return backoff.Permanent(apperr.New(apperr.KindConflict, "conflict", "concurrent modification", nil))
		case resp.StatusCode >= 400:
			return backoff.Permanent(apperr.New(apperr.KindProviderUnavailable, "gitlab_error", fmt.Sprintf("gitlab returned %d", resp.StatusCode), nil))
		}

		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}

func projectPath(fullName string) string {
	return url.PathEscape(fullName)
}

func (c *Client) GetFile(ctx context.Context, repoFullName, path, ref string) (*provider.File, error) {
	var out struct {
		Content string `json:"content"`
		Blobid  string `json:"blob_id"`
	}
	q := fmt.Sprintf("/projects/%s/repository/files/%s?ref=%s", projectPath(repoFullName), url.PathEscape(path), url.QueryEscape(ref))
	if err := c.do(ctx, http.MethodGet, q, nil, &out); err != nil {
		return nil, err
	}
	decoded, err := decodeBase64(out.Content)
	if err != nil {
		return nil, apperr.New(apperr.KindProviderUnavailable, "decode_content", "decode file content", err)
	}
	return &provider.File{Path: path, Content: decoded, SHA: out.Blobid}, nil
}

func (c *Client) CreateOrUpdateFile(ctx context.Context, repoFullName, path, branch string, content []byte, sha, message string) error {
	body := map[string]string{
		"branch":         branch,
		"content":        string(content),
		"commit_message": message,
	}
	q := fmt.Sprintf("/projects/%s/repository/files/%s", projectPath(repoFullName), url.PathEscape(path))
	method := http.MethodPost
	if sha != "" {
		method = http.MethodPut
	}
	return c.do(ctx, method, q, body, nil)
}

func (c *Client) CreateBranch(ctx context.Context, repoFullName, branch, fromSHA string) error {
	q := fmt.Sprintf("/projects/%s/repository/branches?branch=%s&ref=%s", projectPath(repoFullName), url.QueryEscape(branch), url.QueryEscape(fromSHA))
	return c.do(ctx, http.MethodPost, q, nil, nil)
}

func (c *Client) CreatePullRequest(ctx context.Context, repoFullName, head, base, title, body string) (*provider.CreatedPullRequest, error) {
	var out struct {
		IID     int    `json:"iid"`
		WebURL  string `json:"web_url"`
		ID      int    `json:"id"`
	}
	req := map[string]string{
		"source_branch": head,
		"target_branch": base,
		"title":         title,
		"description":   body,
	}
	q := fmt.Sprintf("/projects/%s/merge_requests", projectPath(repoFullName))
	if err := c.do(ctx, http.MethodPost, q, req, &out); err != nil {
		return nil, err
	}
	return &provider.CreatedPullRequest{ExternalID: fmt.Sprintf("%d", out.ID), Number: out.IID, HTMLURL: out.WebURL}, nil
}

func (c *Client) CreateWebhook(ctx context.Context, repoFullName, callbackURL string, secret []byte, events []string) (*provider.Hook, error) {
	var out struct {
		ID int `json:"id"`
	}
	req := map[string]any{
		"url":                    callbackURL,
		"token":                  string(secret),
		"pipeline_events":        contains(events, "pipeline"),
		"merge_requests_events":  contains(events, "merge_request"),
		"push_events":            contains(events, "push"),
	}
	q := fmt.Sprintf("/projects/%s/hooks", projectPath(repoFullName))
	if err := c.do(ctx, http.MethodPost, q, req, &out); err != nil {
		return nil, err
	}
	return &provider.Hook{ExternalID: fmt.Sprintf("%d", out.ID), URL: callbackURL, Events: events, Active: true}, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, repoFullName, externalHookID string) error {
	q := fmt.Sprintf("/projects/%s/hooks/%s", projectPath(repoFullName), externalHookID)
	return c.do(ctx, http.MethodDelete, q, nil, nil)
}

func (c *Client) GetWorkflowRun(ctx context.Context, repoFullName, externalRunID string) (*provider.WorkflowRun, error) {
	var out struct {
		ID         int       `json:"id"`
		Name       string    `json:"name"`
		Ref        string    `json:"ref"`
		SHA        string    `json:"sha"`
		Status     string    `json:"status"`
		WebURL     string    `json:"web_url"`
		UpdatedAt  time.Time `json:"updated_at"`
		CreatedAt  time.Time `json:"created_at"`
		User       struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	q := fmt.Sprintf("/projects/%s/pipelines/%s", projectPath(repoFullName), externalRunID)
	if err := c.do(ctx, http.MethodGet, q, nil, &out); err != nil {
		return nil, err
	}
	status, conclusion := splitGitLabStatus(out.Status)
	return &provider.WorkflowRun{
		ExternalID: fmt.Sprintf("%d", out.ID),
		Name:       out.Name,
		HeadBranch: out.Ref,
		HeadSHA:    out.SHA,
		Status:     status,
		Conclusion: conclusion,
		HTMLURL:    out.WebURL,
		ActorLogin: out.User.Username,
		StartedAt:  out.CreatedAt,
		UpdatedAt:  out.UpdatedAt,
	}, nil
}

func (c *Client) GetWorkflowRunJobs(ctx context.Context, repoFullName, externalRunID string) ([]provider.WorkflowRunJob, error) {
	var out []struct {
		ID     int    `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	q := fmt.Sprintf("/projects/%s/pipelines/%s/jobs", projectPath(repoFullName), externalRunID)
	if err := c.do(ctx, http.MethodGet, q, nil, &out); err != nil {
		return nil, err
	}
	jobs := make([]provider.WorkflowRunJob, 0, len(out))
	for _, j := range out {
		status, conclusion := splitGitLabStatus(j.Status)
		jobs = append(jobs, provider.WorkflowRunJob{ExternalID: fmt.Sprintf("%d", j.ID), Name: j.Name, Status: status, Conclusion: conclusion})
	}
	return jobs, nil
}

func (c *Client) DownloadRunLogs(ctx context.Context, repoFullName, externalRunID string) ([]byte, error) {
	jobs, err := c.GetWorkflowRunJobs(ctx, repoFullName, externalRunID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, j := range jobs {
		trace, err := c.jobTrace(ctx, repoFullName, j.ExternalID)
		if err != nil {
			continue
		}
		buf.Write(trace)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (c *Client) jobTrace(ctx context.Context, repoFullName, externalJobID string) ([]byte, error) {
	q := fmt.Sprintf("/projects/%s/jobs/%s/trace", projectPath(repoFullName), externalJobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+q, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("PRIVATE-TOKEN", c.accessToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "network_error", "fetch job trace", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) RerunWorkflow(ctx context.Context, repoFullName, externalRunID string, failedOnly bool) error {
	q := fmt.Sprintf("/projects/%s/pipelines/%s/retry", projectPath(repoFullName), externalRunID)
	return c.do(ctx, http.MethodPost, q, nil, nil)
}

func (c *Client) DefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	q := fmt.Sprintf("/projects/%s", projectPath(repoFullName))
	if err := c.do(ctx, http.MethodGet, q, nil, &out); err != nil {
		return "", err
	}
	return out.DefaultBranch, nil
}

func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/oauth/revoke?token="+url.QueryEscape(accessToken), nil, nil)
}

func (c *Client) ListRepositories(ctx context.Context, page int) ([]provider.AvailableRepository, error) {
	var out []struct {
		ID                int64  `json:"id"`
		PathWithNamespace string `json:"path_with_namespace"`
		DefaultBranch     string `json:"default_branch"`
		Visibility        string `json:"visibility"`
	}
	q := fmt.Sprintf("/projects?membership=true&order_by=last_activity_at&per_page=50&page=%d", page)
	if err := c.do(ctx, http.MethodGet, q, nil, &out); err != nil {
		return nil, err
	}
	repos := make([]provider.AvailableRepository, 0, len(out))
	for _, p := range out {
		repos = append(repos, provider.AvailableRepository{
			ExternalID:    fmt.Sprintf("%d", p.ID),
			FullName:      p.PathWithNamespace,
			DefaultBranch: p.DefaultBranch,
			Private:       p.Visibility != "public",
		})
	}
	return repos, nil
}

func splitGitLabStatus(s string) (status, conclusion string) {
	switch s {
	case "success", "failed", "canceled", "skipped":
		return "completed", s
	case "pending", "created":
		return "queued", ""
	default:
		return "in_progress", ""
	}
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
