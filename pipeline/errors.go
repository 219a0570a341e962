package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sunrich/adreel/internal/retry"
)

// Common errors for the pipeline.
var (
	// Lookup errors
	ErrJobNotFound     = errors.New("job not found")
	ErrSubjectNotFound = errors.New("subject not found")

	// Job lifecycle errors
	ErrCanceled          = errors.New("pipeline was canceled")
	ErrJobTerminal       = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrFieldAlreadySet   = errors.New("job field already set")

	// Provider errors
	ErrMalformedOutput     = errors.New("malformed provider output")
	ErrProviderUnavailable = errors.New("provider is not available")
	ErrNoFallback          = errors.New("chain has no local fallback")

	// Orchestrator errors
	ErrShutdown = errors.New("orchestrator has been shut down")
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError records that one provider failed after all its attempts.
type ProviderError struct {
	Provider string
	Stage    Stage
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider %q failed after %d attempt(s): %v", e.Stage, e.Provider, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StageExhaustedError means every provider of a stage failed, the local
// fallback included.
type StageExhaustedError struct {
	Stage    Stage
	Failures []*ProviderError
}

func (e *StageExhaustedError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Provider
	}
	msg := fmt.Sprintf("%s stage exhausted every provider [%s]", e.Stage, strings.Join(names, ", "))
	if last := e.Last(); last != nil {
		msg += ": " + last.Err.Error()
	}
	return msg
}

// Last returns the final provider failure, normally the local fallback's.
func (e *StageExhaustedError) Last() *ProviderError {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1]
}

func (e *StageExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// StageError ties a pipeline failure to the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown job or subject.
type NotFoundError struct {
	Kind string // "job" or "subject"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is makes NotFoundError match the sentinel for its kind.
func (e *NotFoundError) Is(target error) bool {
	switch target {
	case ErrJobNotFound:
		return e.Kind == "job"
	case ErrSubjectNotFound:
		return e.Kind == "subject"
	}
	return false
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ve *ValidationError
	switch {
	case errors.As(err, &ve),
		retry.IsPermanent(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrCanceled),
		errors.Is(err, ErrShutdown),
		errors.Is(err, ErrProviderUnavailable):
		return false
	}
	return true
}

// FailedStage extracts the stage from a pipeline error.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	var ee *StageExhaustedError
	if errors.As(err, &ee) {
		return ee.Stage, true
	}
	return 0, false
}
