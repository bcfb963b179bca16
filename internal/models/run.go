// -----------------------------------------------------------------------
// Test runs - the record the orchestrator drives from pending to a terminal state
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// TestType is the closed set of run kinds. Each value has exactly one TypeExecutor.
type TestType string

const (
	TestTypeE2E           TestType = "e2e"
	TestTypeVisual        TestType = "visual"
	TestTypePerformance   TestType = "performance"
	TestTypeLoad          TestType = "load"
	TestTypeAccessibility TestType = "accessibility"
)

// IsValid checks if the TestType is a known type
func (t TestType) IsValid() bool {
	switch t {
	case TestTypeE2E, TestTypeVisual, TestTypePerformance, TestTypeLoad, TestTypeAccessibility:
		return true
	}
	return false
}

func (t TestType) String() string {
	return string(t)
}

// AllTestTypes returns every TestType value
func AllTestTypes() []TestType {
	return []TestType{TestTypeE2E, TestTypeVisual, TestTypePerformance, TestTypeLoad, TestTypeAccessibility}
}

// RunStatus is the run lifecycle state
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status is absorbing
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCancelled || s == RunStatusCompleted || s == RunStatusFailed
}

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusRunning: {RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusPaused:  {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
}

// CanTransition reports whether from -> to is an edge of the run state machine
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// BrowserType selects the browser engine for a run
type BrowserType string

const (
	BrowserChromium BrowserType = "chromium"
	BrowserFirefox  BrowserType = "firefox"
	BrowserWebKit   BrowserType = "webkit"
)

// IsValid checks if the BrowserType is a known engine
func (b BrowserType) IsValid() bool {
	switch b {
	case BrowserChromium, BrowserFirefox, BrowserWebKit:
		return true
	}
	return false
}

// Viewport is a browser window size in CSS pixels
type Viewport struct {
	Name   string `json:"name,omitempty" toml:"name"`
	Width  int    `json:"width" toml:"width" validate:"gte=1,lte=10000"`
	Height int    `json:"height" toml:"height" validate:"gte=1,lte=10000"`
}

// DefaultViewport is used when a run does not specify one
var DefaultViewport = Viewport{Name: "desktop", Width: 1280, Height: 800}

// String renders WxH
func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// StepStatus is the outcome of one executed step
type StepStatus string

const (
	StepStatusPassed  StepStatus = "passed"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// ArtifactRef points at a persisted artifact
type ArtifactRef struct {
	Kind ArtifactKind `json:"kind"`
	Path string       `json:"path"`
	Size int64        `json:"size"`
}

// StepResult is one executed step. Appended in execution order and never modified.
type StepResult struct {
	Index      int           `json:"index"`
	Name       string        `json:"name"`
	Status     StepStatus    `json:"status"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Notes      []string      `json:"notes,omitempty"`
	Artifacts  []ArtifactRef `json:"artifacts,omitempty"`
	HealingID  string        `json:"healing_id,omitempty"` // Healing attempt triggered by this step
	Retry      bool          `json:"retry,omitempty"`      // Step is the single retry after an auto-applied heal
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Failed reports whether the step failed
func (s StepResult) Failed() bool {
	return s.Status == StepStatusFailed
}

// Verdict is the overall pass/fail outcome of a completed run
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// TestRun is the persisted run record. Only the run store mutates it.
type TestRun struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id"`
	ProjectID      string      `json:"project_id"`
	SuiteID        string      `json:"suite_id,omitempty"`
	TestName       string      `json:"test_name"`
	TestType       TestType    `json:"test_type"`
	Browser        BrowserType `json:"browser"`
	Status         RunStatus   `json:"status"`
	Config         RunConfig   `json:"config"`

	Steps  []StepResult `json:"steps"`
	Result *RunResult   `json:"result,omitempty"`

	CancelRequested bool   `json:"cancel_requested"`
	PauseRequested  bool   `json:"pause_requested"`
	FailureReason   string `json:"failure_reason,omitempty"`
	FailureClass    string `json:"failure_class,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Duration returns elapsed run time, measured to now for runs still in flight
func (r *TestRun) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	return end.Sub(*r.StartedAt)
}

// FailedSteps counts failed steps
func (r *TestRun) FailedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.Failed() {
			n++
		}
	}
	return n
}

// RunFilter narrows List queries
type RunFilter struct {
	OrganizationID string
	ProjectID      string
	Status         RunStatus
	TestType       TestType
	Limit          int
}
