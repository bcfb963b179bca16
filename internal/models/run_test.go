package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_Matrix(t *testing.T) {
	all := []RunStatus{RunStatusPending, RunStatusRunning, RunStatusPaused, RunStatusCancelled, RunStatusCompleted, RunStatusFailed}
	allowed := map[[2]RunStatus]bool{
		{RunStatusPending, RunStatusRunning}:   true,
		{RunStatusPending, RunStatusCancelled}: true,
		{RunStatusPending, RunStatusFailed}:    true,
		{RunStatusRunning, RunStatusPaused}:    true,
		{RunStatusRunning, RunStatusCompleted}: true,
		{RunStatusRunning, RunStatusFailed}:    true,
		{RunStatusRunning, RunStatusCancelled}: true,
		{RunStatusPaused, RunStatusRunning}:    true,
		{RunStatusPaused, RunStatusCancelled}:  true,
		{RunStatusPaused, RunStatusFailed}:     true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]RunStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestRunStatus_TerminalStatesAbsorb(t *testing.T) {
	for _, s := range []RunStatus{RunStatusCancelled, RunStatusCompleted, RunStatusFailed} {
		assert.True(t, s.IsTerminal())
		for _, to := range []RunStatus{RunStatusPending, RunStatusRunning, RunStatusPaused} {
			assert.False(t, CanTransition(s, to))
		}
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	var err error = &TransitionError{RunID: "r1", From: RunStatusCompleted, To: RunStatusRunning}
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "completed -> running")

	err = &ScriptValidationError{File: "main.yaml", Line: 4, Reason: "bad threshold"}
	assert.True(t, errors.Is(err, ErrScriptValidation))
	assert.Equal(t, "script validation failed: main.yaml:4: bad threshold", err.Error())
}

func TestQuotaUsage_Available(t *testing.T) {
	assert.Equal(t, int64(60), QuotaUsage{Quota: 100, Committed: 30, Reserved: 10}.Available())
	assert.Equal(t, int64(0), QuotaUsage{Quota: 100, Committed: 120}.Available())
	assert.Equal(t, int64(-1), QuotaUsage{Quota: -1, Committed: 120}.Available())
}
