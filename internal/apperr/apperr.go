// Package apperr defines the error taxonomy shared across the
// remediation pipeline, checked with errors.Is/errors.As rather than
// string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and HTTP-mapping decisions.
type Kind string

const (
	KindInputRejected       Kind = "input_rejected"
	KindAuthFailed          Kind = "auth_failed"
	KindTransient           Kind = "transient"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindModelFailure        Kind = "model_failure"
	KindConflict            Kind = "conflict"
	KindFatal               Kind = "fatal"
)

// Error wraps an underlying cause with a Kind and a stable Code used for
// logging and metrics labels.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Retryable reports whether the error's kind is one the provider client
// retries internally (Transient, ProviderUnavailable). Callers above C2
// never retry on these themselves.
func Retryable(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == KindTransient || ae.Kind == KindProviderUnavailable
}
