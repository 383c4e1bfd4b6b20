// Package llmclient wraps the opaque "generate_solution" capability the
// remediation orchestrator calls to turn a set of parsed log errors and a
// file's current content into a structured, validated patch. The request
// and response contract is defined and enforced at the boundary
// independent of which model provider answers it.
package llmclient

import (
	"context"
	"unicode/utf8"

	"github.com/autoremediate/autoremediate/internal/logparser"
)

// LineChange is one line-level edit the model proposes.
type LineChange struct {
	LineNumber  int    `json:"line_number"`
	FixedLine   string `json:"fixed_line"`
	Explanation string `json:"explanation"`
}

// Patch is the structured fix returned for one file.
type Patch struct {
	Changes   []LineChange `json:"changes"`
	Rationale string       `json:"rationale"`
}

// Request bundles everything the model needs to propose a fix for one
// candidate file.
type Request struct {
	Repository  string
	Workflow    string
	FilePath    string
	FileContent string
	FileLines   int
	ErrorBlocks []logparser.ErrorBlock
}

// Capability is the narrow surface the orchestrator depends on. The
// Anthropic-backed implementation lives in Client; tests substitute a
// fake.
type Capability interface {
	GenerateSolution(ctx context.Context, req Request) (*Patch, error)
}

// Validate enforces the structured-patch contract: a non-empty change
// set, every line_number in range, and clean UTF-8 with no NUL bytes.
// The orchestrator calls this on every response before applying it,
// regardless of which Capability produced it.
func Validate(patch *Patch, fileLines int) error {
	if patch == nil || len(patch.Changes) == 0 {
		return ErrEmptyPatch
	}
	for _, c := range patch.Changes {
		if c.LineNumber < 1 || c.LineNumber > fileLines {
			return ErrLineOutOfRange
		}
		if !utf8.ValidString(c.FixedLine) || !utf8.ValidString(c.Explanation) {
			return ErrInvalidUTF8
		}
		if containsNUL(c.FixedLine) || containsNUL(c.Explanation) {
			return ErrNULByte
		}
	}
	return nil
}

func containsNUL(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return true
		}
	}
	return false
}
