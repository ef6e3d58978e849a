package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrTimeout is the typed failure for a call that exceeded its deadline.
var ErrTimeout = eris.New("provider request timed out")

// Error is the typed failure for a provider that answered with an error.
type Error struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a provider failure.
func NewError(provider string, statusCode int, err error) *Error {
	return &Error{Provider: provider, StatusCode: statusCode, Err: err}
}

// ContractViolation is raised when an adapter breaks its contract: it
// panicked, returned an untyped error, or returned an invalid response.
type ContractViolation struct {
	Provider string
	Reason   string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("provider %s violated adapter contract: %s", e.Provider, e.Reason)
}

// Failure classifies an error returned from a provider call.
type Failure int

const (
	// FailureNone means the call succeeded.
	FailureNone Failure = iota
	// FailureTimeout is a deadline miss; counts against the provider's health.
	FailureTimeout
	// FailureProvider is a typed provider error; counts against health.
	FailureProvider
	// FailureContract is an adapter bug; fails the job.
	FailureContract
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureProvider:
		return "provider_error"
	case FailureContract:
		return "contract_violation"
	default:
		return "unknown"
	}
}

// Classify maps an adapter error to its failure class. Timeouts are checked
// first so an *Error wrapping a deadline still counts as a timeout.
func Classify(err error) Failure {
	if err == nil {
		return FailureNone
	}
	var cv *ContractViolation
	if errors.As(err, &cv) {
		return FailureContract
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var pe *Error
	if errors.As(err, &pe) {
		return FailureProvider
	}
	return FailureContract
}
