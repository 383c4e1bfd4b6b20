package llmclient

import "errors"

var (
	// ErrEmptyPatch is returned when the model produces zero changes.
	// Spec.md §9 forbids ever opening a PR with no real change, so an
	// empty patch is a hard failure, not a fallback placeholder.
	ErrEmptyPatch = errors.New("llmclient: patch has no changes")
	// ErrLineOutOfRange is returned when a proposed change names a
	// line_number outside the fetched file's current line count.
	ErrLineOutOfRange = errors.New("llmclient: line_number out of range")
	// ErrInvalidUTF8 is returned when a proposed line or explanation is
	// not valid UTF-8.
	ErrInvalidUTF8 = errors.New("llmclient: invalid UTF-8 in patch content")
	// ErrNULByte is returned when a proposed line or explanation
	// contains a NUL byte.
	ErrNULByte = errors.New("llmclient: NUL byte in patch content")
	// ErrBudgetExceeded is returned when a request would exceed the
	// orchestrator's configured token/character budget.
	ErrBudgetExceeded = errors.New("llmclient: budget exceeded")
)
