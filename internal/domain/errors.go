package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrAccess       = errors.New("access not authorized")
	ErrInvalidState = errors.New("invalid state")
)

// ValidationError aggregates spec validation issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "spec validation failed"
	}
	return "spec validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) Addf(format string, args ...any) {
	e.Add(fmt.Sprintf(format, args...))
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a single-issue validation error.
func NewValidationError(format string, args ...any) error {
	e := &ValidationError{}
	e.Addf(format, args...)
	return e
}

// KindNotSupportedError rejects a managed run whose kind or runtime is outside the allow-set.
type KindNotSupportedError struct {
	Kind    RunKind
	Runtime Runtime
}

func (e *KindNotSupportedError) Error() string {
	return fmt.Sprintf("kind not supported: kind=%s runtime=%s", e.Kind, e.Runtime)
}

func (e *KindNotSupportedError) Is(target error) bool { return target == ErrValidation }

// AccessError rejects a reference crossing the caller's scope.
type AccessError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *AccessError) Error() string {
	msg := fmt.Sprintf("access not authorized: %s %s", e.Resource, e.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *AccessError) Is(target error) bool { return target == ErrAccess }

// InvalidStateError rejects an action on a run in the wrong status.
type InvalidStateError struct {
	RunID  string
	Status Status
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: run %s is %s: %s", e.RunID, e.Status, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
