package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const submitPatchTool = "submit_patch"

// Client implements Capability on top of Anthropic's Messages API. It
// forces a single tool call (submit_patch) so the model's output is
// always structured JSON rather than free-form prose, validated at the
// boundary before it reaches the remediation pipeline.
type Client struct {
	anthropic anthropic.Client
	model     string
	maxTokens int64
	// MaxLogCharsPerBlock truncates the tail of each error block's
	// message before it is sent to the model, keeping the head (the
	// part most likely to carry the actual error).
	MaxLogCharsPerBlock int
}

// Options configures a Client.
type Options struct {
	APIKey              string
	Model               string
	MaxTokens           int64
	MaxLogCharsPerBlock int
	// Endpoint overrides the Anthropic API base URL, for routing through
	// a proxy or a regional gateway. Empty keeps the SDK default.
	Endpoint string
	// RequestTimeout bounds a single Messages.New call. Zero keeps the
	// SDK's own default.
	RequestTimeout time.Duration
}

// New constructs a Client backed by the Anthropic API.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("llmclient: api key is required")
	}
	model := opts.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	maxLogChars := opts.MaxLogCharsPerBlock
	if maxLogChars <= 0 {
		maxLogChars = 2000
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.Endpoint))
	}
	if opts.RequestTimeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: opts.RequestTimeout}))
	}

	return &Client{
		anthropic:           anthropic.NewClient(reqOpts...),
		model:               model,
		maxTokens:           maxTokens,
		MaxLogCharsPerBlock: maxLogChars,
	}, nil
}

// patchToolSchema is the structured-output contract the model must fill
// in: a non-empty list of line-level changes plus a short rationale
// summarizing the fix for the PR body.
var patchToolSchema = anthropic.ToolInputSchemaParam{
	Type: "object",
	Properties: map[string]any{
		"rationale": map[string]any{
			"type":        "string",
			"description": "One or two sentences explaining the fix, suitable for a PR description.",
		},
		"changes": map[string]any{
			"type":        "array",
			"description": "Line-level edits to apply. Must be non-empty.",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"line_number": map[string]any{
						"type":        "integer",
						"description": "1-indexed line number in the CURRENT file content to replace.",
					},
					"fixed_line": map[string]any{
						"type":        "string",
						"description": "The full replacement text for this line, without a trailing newline.",
					},
					"explanation": map[string]any{
						"type":        "string",
						"description": "Short explanation of why this line changed.",
					},
				},
				"required": []string{"line_number", "fixed_line", "explanation"},
			},
		},
	},
	Required: []string{"rationale", "changes"},
}

// GenerateSolution asks the model for a structured patch addressing req's
// error blocks within req.FileContent. The returned Patch is NOT yet
// validated against the file's line count; callers must call Validate
// before applying it.
func (c *Client) GenerateSolution(ctx context.Context, req Request) (*Patch, error) {
	prompt := c.buildPrompt(req)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)},
			},
		},
		Tools: []anthropic.ToolUnionParam{
			{
				OfTool: &anthropic.ToolParam{
					Name:        submitPatchTool,
					Description: anthropic.String("Submit the structured patch that fixes the reported CI failure in this file."),
					InputSchema: patchToolSchema,
				},
			},
		},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: submitPatchTool},
		},
	}

	msg, err := c.anthropic.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llmclient: generate solution: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != submitPatchTool {
			continue
		}
		var raw struct {
			Rationale string `json:"rationale"`
			Changes   []struct {
				LineNumber  int    `json:"line_number"`
				FixedLine   string `json:"fixed_line"`
				Explanation string `json:"explanation"`
			} `json:"changes"`
		}
		if err := json.Unmarshal(block.Input, &raw); err != nil {
			return nil, fmt.Errorf("llmclient: unmarshal tool input: %w", err)
		}
		patch := &Patch{Rationale: raw.Rationale}
		for _, c := range raw.Changes {
			patch.Changes = append(patch.Changes, LineChange{
				LineNumber:  c.LineNumber,
				FixedLine:   c.FixedLine,
				Explanation: c.Explanation,
			})
		}
		return patch, nil
	}
	return nil, ErrEmptyPatch
}

func (c *Client) buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\nWorkflow: %s\nFile: %s (%d lines)\n\n", req.Repository, req.Workflow, req.FilePath, req.FileLines)
	b.WriteString("Observed CI failures in this file:\n")
	for _, block := range req.ErrorBlocks {
		msg := block.Message
		if c.MaxLogCharsPerBlock > 0 && len(msg) > c.MaxLogCharsPerBlock {
			msg = msg[:c.MaxLogCharsPerBlock] + " …(truncated)"
		}
		line := "?"
		if block.Line != nil {
			line = fmt.Sprintf("%d", *block.Line)
		}
		fmt.Fprintf(&b, "- [%s] line %s: %s\n", block.ErrorType, line, msg)
	}
	b.WriteString("\nCurrent file content, one line per entry, 1-indexed:\n")
	for i, line := range strings.Split(req.FileContent, "\n") {
		fmt.Fprintf(&b, "%d: %s\n", i+1, line)
	}
	b.WriteString("\nCall submit_patch with the minimal set of line-level changes that fixes the reported failures. Do not change lines unrelated to the reported errors.")
	return b.String()
}
