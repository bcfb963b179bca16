package models

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound            = errors.New("run not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrInvalidRunConfig       = errors.New("invalid run config")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrBaselineMissing        = errors.New("baseline missing")
	ErrBaselineCorrupt        = errors.New("baseline corrupt")
	ErrLaunchFailure          = errors.New("browser launch failure")
	ErrBrowserCrash           = errors.New("browser crash")
	ErrBrowserAlreadyAcquired = errors.New("browser already acquired for run")
	ErrBrowserNotAcquired     = errors.New("no browser acquired for run")
	ErrElementNotFound        = errors.New("selector not found")
	ErrAssertionFailed        = errors.New("assertion failed")
	ErrNetworkTimeout         = errors.New("network timeout")
	ErrResourceExhausted      = errors.New("resource exhausted")
	ErrRunCancelled           = errors.New("run cancelled")
	ErrAuthRedirect           = errors.New("auth redirect intercepted")
	ErrNonHTMLResponse        = errors.New("non-html response")
	ErrAuditTimeout           = errors.New("audit timeout")
	ErrTargetUnreachable      = errors.New("target unreachable")
	ErrScriptValidation       = errors.New("script validation failed")
	ErrCrashDumpExists        = errors.New("crash dump already written")
	ErrHealingRecordNotFound  = errors.New("healing record not found")
	ErrUnsupportedTestType    = errors.New("unsupported test type")
)

// TransitionError reports a rejected state machine edge
type TransitionError struct {
	RunID string
	From  RunStatus
	To    RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for run %s: %s -> %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ScriptValidationError reports a load script rejected before any virtual user starts
type ScriptValidationError struct {
	File   string
	Line   int
	Reason string
}

func (e *ScriptValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("script validation failed: %s:%d: %s", e.File, e.Line, e.Reason)
	}
	if e.File != "" {
		return fmt.Sprintf("script validation failed: %s: %s", e.File, e.Reason)
	}
	return "script validation failed: " + e.Reason
}

func (e *ScriptValidationError) Unwrap() error {
	return ErrScriptValidation
}

// Failure classes recorded on failed runs
const (
	FailureEnvironment   = "environment"
	FailureResourceLimit = "resource_limit"
	FailureAssertion     = "assertion"
	FailureValidation    = "validation"
	FailureCancelled     = "cancelled"
	FailureInternal      = "internal"
)
