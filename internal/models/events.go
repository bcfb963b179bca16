package models

import "time"

// Event names emitted to the event sink
const (
	EventRunStarted      = "test_run.started"
	EventStepCompleted   = "test_run.step_completed"
	EventRunPaused       = "test_run.paused"
	EventRunResumed      = "test_run.resumed"
	EventRunFinished     = "test_run.finished"
	EventHealingRecorded = "test_run.healing_recorded"
	EventArtifactSkipped = "test_run.artifact_skipped"
	EventBrowserCrashed  = "test_run.browser_crashed"
)

// StepCompletedPayload is emitted once per appended StepResult
type StepCompletedPayload struct {
	RunID    string     `json:"run_id"`
	Index    int        `json:"index"`
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Duration int64      `json:"duration_ms"`
	Error    string     `json:"error,omitempty"`
	Retry    bool       `json:"retry,omitempty"`
}

// RunFinishedPayload is emitted exactly once per run
type RunFinishedPayload struct {
	RunID         string    `json:"run_id"`
	Status        RunStatus `json:"status"`
	Verdict       Verdict   `json:"verdict,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Steps         int       `json:"steps"`
	FailedSteps   int       `json:"failed_steps"`
	EndedAt       time.Time `json:"ended_at"`
}
