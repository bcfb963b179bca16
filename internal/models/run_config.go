package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// RunConfig is the request that creates a run. Validated with validator struct tags
// plus type specific checks in the run store.
type RunConfig struct {
	OrganizationID string      `json:"organization_id" validate:"required"`
	ProjectID      string      `json:"project_id" validate:"required"`
	SuiteID        string      `json:"suite_id,omitempty"`
	TestName       string      `json:"test_name" validate:"required,max=256"`
	TestType       TestType    `json:"test_type" validate:"required,oneof=e2e visual performance load accessibility"`
	Browser        BrowserType `json:"browser,omitempty" validate:"omitempty,oneof=chromium firefox webkit"`
	Viewport       *Viewport   `json:"viewport,omitempty" validate:"omitempty"`
	BaseURL        string      `json:"base_url,omitempty" validate:"omitempty,url"`

	E2E           *E2EConfig           `json:"e2e,omitempty" validate:"omitempty"`
	Visual        *VisualRunConfig     `json:"visual,omitempty" validate:"omitempty"`
	Performance   *PerformanceConfig   `json:"performance,omitempty" validate:"omitempty"`
	Load          *LoadRunConfig       `json:"load,omitempty" validate:"omitempty"`
	Accessibility *AccessibilityConfig `json:"accessibility,omitempty" validate:"omitempty"`

	Faults *FaultInjection `json:"faults,omitempty"`
}

// E2EActionType enumerates supported E2E actions
type E2EActionType string

const (
	ActionNavigate      E2EActionType = "navigate"
	ActionClick         E2EActionType = "click"
	ActionFill          E2EActionType = "fill"
	ActionPress         E2EActionType = "press"
	ActionAssertText    E2EActionType = "assert_text"
	ActionAssertVisible E2EActionType = "assert_visible"
	ActionAssertURL     E2EActionType = "assert_url"
	ActionWait          E2EActionType = "wait"
	ActionWaitFor       E2EActionType = "wait_for"
	ActionScreenshot    E2EActionType = "screenshot"
)

// NeedsSelector reports whether the action targets an element
func (a E2EActionType) NeedsSelector() bool {
	switch a {
	case ActionClick, ActionFill, ActionPress, ActionAssertText, ActionAssertVisible, ActionWaitFor:
		return true
	}
	return false
}

// E2EConfig is an ordered action list
type E2EConfig struct {
	Actions []E2EAction `json:"actions" validate:"required,min=1,dive"`
}

// E2EAction is one action or assertion
type E2EAction struct {
	Name     string        `json:"name,omitempty"`
	Type     E2EActionType `json:"type" validate:"required,oneof=navigate click fill press assert_text assert_visible assert_url wait wait_for screenshot"`
	Selector string        `json:"selector,omitempty"`
	Value    string        `json:"value,omitempty"` // URL, text, key, expected text or URL substring
	Duration time.Duration `json:"duration,omitempty"`
	Hints    *HealingHints `json:"hints,omitempty"`
}

// VisualRunConfig drives a visual regression run
type VisualRunConfig struct {
	URL       string         `json:"url" validate:"required,url"`
	Viewports []Viewport     `json:"viewports,omitempty" validate:"omitempty,dive"`
	FullPage  *bool          `json:"full_page,omitempty"`
	Ignore    []IgnoreRegion `json:"ignore_regions,omitempty"` // Added to the project ignore regions
	WaitFor   string         `json:"wait_for,omitempty"`       // Optional selector awaited before capture
}

// PerformanceConfig drives a page-load audit
type PerformanceConfig struct {
	URL          string        `json:"url" validate:"required,url"`
	AuditTimeout time.Duration `json:"audit_timeout,omitempty"`
	LoginURLs    []string      `json:"login_urls,omitempty"` // Redirect targets treated as auth interception
}

// LoadRunConfig drives a load test
type LoadRunConfig struct {
	Script ScriptBundle      `json:"script"`
	Env    map[string]string `json:"env,omitempty"`
}

// ScriptBundle is the entry script plus the modules it may import, keyed by name
type ScriptBundle struct {
	Entry   string            `json:"entry" validate:"required"`
	Modules map[string]string `json:"modules,omitempty"`
}

// AccessibilityConfig drives an accessibility audit
type AccessibilityConfig struct {
	URL          string   `json:"url" validate:"required,url"`
	Rules        []string `json:"rules,omitempty"`         // Empty means the project rule set
	DisableRules []string `json:"disable_rules,omitempty"` // Removed from the effective rule set
}

// FaultInjection toggles deterministic failure paths. Honoured only when the executor
// config allows fault injection. Step numbers are 1-based step boundaries; 0 disables.
type FaultInjection struct {
	LaunchFailure            bool `json:"launch_failure,omitempty"`
	CrashAtStep              int  `json:"crash_at_step,omitempty"`
	TimeoutAtStep            int  `json:"timeout_at_step,omitempty"`
	ResourceExhaustionAtStep int  `json:"resource_exhaustion_at_step,omitempty"`
	QuotaExceeded            bool `json:"quota_exceeded,omitempty"`
}

// Any reports whether at least one toggle is set
func (f *FaultInjection) Any() bool {
	if f == nil {
		return false
	}
	return f.LaunchFailure || f.CrashAtStep > 0 || f.TimeoutAtStep > 0 || f.ResourceExhaustionAtStep > 0 || f.QuotaExceeded
}

var configValidator = validator.New()

// Validate checks struct tags and that the section matching TestType is present.
// Errors wrap ErrInvalidRunConfig.
func (c *RunConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRunConfig, err)
	}

	missing := func(section string) error {
		return fmt.Errorf("%w: test type %s requires a %s section", ErrInvalidRunConfig, c.TestType, section)
	}
	switch c.TestType {
	case TestTypeE2E:
		if c.E2E == nil {
			return missing("e2e")
		}
		for i, action := range c.E2E.Actions {
			if action.Type.NeedsSelector() && action.Selector == "" {
				return fmt.Errorf("%w: action %d (%s) requires a selector", ErrInvalidRunConfig, i+1, action.Type)
			}
			if action.Type == ActionNavigate && action.Value == "" && c.BaseURL == "" {
				return fmt.Errorf("%w: action %d (navigate) requires a url", ErrInvalidRunConfig, i+1)
			}
		}
	case TestTypeVisual:
		if c.Visual == nil {
			return missing("visual")
		}
	case TestTypePerformance:
		if c.Performance == nil {
			return missing("performance")
		}
	case TestTypeLoad:
		if c.Load == nil {
			return missing("load")
		}
	case TestTypeAccessibility:
		if c.Accessibility == nil {
			return missing("accessibility")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTestType, c.TestType)
	}
	return nil
}
