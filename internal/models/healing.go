package models

import "time"

// HealingState is the approval state of a healing record
type HealingState string

const (
	HealingAutoApplied     HealingState = "auto-applied"
	HealingPendingApproval HealingState = "pending-approval"
	HealingApproved        HealingState = "approved"
	HealingRejected        HealingState = "rejected"
	HealingNoCandidate     HealingState = "no-candidate"
)

// Healing strategy names
const (
	StrategyTestID         = "test-id"
	StrategyRoleName       = "role-name"
	StrategyText           = "text"
	StrategyStableAncestor = "stable-ancestor"
	StrategyVisualPosition = "visual-position"
)

// HealingHints are recorded facts about the element a selector used to match
type HealingHints struct {
	TestID   string `json:"test_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Name     string `json:"name,omitempty"` // Accessible name
	Text     string `json:"text,omitempty"`
	Tag      string `json:"tag,omitempty"`
	LastBox  *Rect  `json:"last_box,omitempty"` // Last recorded position
	Ancestor string `json:"ancestor,omitempty"` // Selector of a stable ancestor
}

// HealingCandidate is one alternative selector proposed by a strategy
type HealingCandidate struct {
	Strategy      string  `json:"strategy"`
	Selector      string  `json:"selector"`
	RawConfidence float64 `json:"raw_confidence"`
	Confidence    float64 `json:"confidence"` // After calibration
	Reason        string  `json:"reason,omitempty"`
}

// HealingRecord is one healing attempt, kept as project audit history
type HealingRecord struct {
	ID               string             `json:"id"`
	ProjectID        string             `json:"project_id"`
	RunID            string             `json:"run_id"`
	StepIndex        int                `json:"step_index"`
	OriginalSelector string             `json:"original_selector"`
	HealedSelector   string             `json:"healed_selector,omitempty"`
	Strategy         string             `json:"strategy,omitempty"`
	Confidence       float64            `json:"confidence"`
	Threshold        float64            `json:"threshold"`
	State            HealingState       `json:"state"`
	Candidates       []HealingCandidate `json:"candidates,omitempty"`
	RetrySucceeded   *bool              `json:"retry_succeeded,omitempty"`
	DecidedBy        string             `json:"decided_by,omitempty"`
	DecidedAt        *time.Time         `json:"decided_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// SelectorOverride maps a broken selector to its healed replacement within a project
type SelectorOverride struct {
	ID               string    `json:"id"` // projectID + "|" + original selector
	ProjectID        string    `json:"project_id"`
	OriginalSelector string    `json:"original_selector"`
	HealedSelector   string    `json:"healed_selector"`
	HealingID        string    `json:"healing_id"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OverrideID builds the SelectorOverride key
func OverrideID(projectID, selector string) string {
	return projectID + "|" + selector
}
