package models

// ProjectSettings is the per-project configuration consumed by executors
type ProjectSettings struct {
	ProjectID     string                `json:"project_id" toml:"project_id"`
	Visual        VisualSettings        `json:"visual" toml:"visual"`
	Healing       HealingSettings       `json:"healing" toml:"healing"`
	Accessibility AccessibilitySettings `json:"accessibility" toml:"accessibility"`
}

// VisualSettings configure diffing for a project
type VisualSettings struct {
	DiffThreshold      float64        `json:"diff_threshold" toml:"diff_threshold"`   // Percent
	ColorTolerance     int            `json:"color_tolerance" toml:"color_tolerance"` // Summed per-channel delta
	DiffColor          string         `json:"diff_color" toml:"diff_color"`
	IgnoreRegions      []IgnoreRegion `json:"ignore_regions" toml:"ignore_regions"`
	AutoCreateBaseline bool           `json:"auto_create_baseline" toml:"auto_create_baseline"`
	FullPage           bool           `json:"full_page" toml:"full_page"`
	Viewports          []Viewport     `json:"viewports" toml:"viewports"`
}

// HealingSettings configure selector healing for a project
type HealingSettings struct {
	Enabled            bool     `json:"enabled" toml:"enabled"`
	Strategies         []string `json:"strategies" toml:"strategies"`
	AutoHealThreshold  float64  `json:"auto_heal_threshold" toml:"auto_heal_threshold"`
	MinCandidateScore  float64  `json:"min_candidate_score" toml:"min_candidate_score"`
	CalibrationEnabled bool     `json:"calibration_enabled" toml:"calibration_enabled"`
}

// AccessibilitySettings configure the rule set for a project
type AccessibilitySettings struct {
	Rules        []string `json:"rules" toml:"rules"` // Empty means all built-in rules
	DisableRules []string `json:"disable_rules" toml:"disable_rules"`
	FailOn       []Impact `json:"fail_on" toml:"fail_on"` // Impacts that fail the run; empty means any violation
}

// OrgSettings is the per-organization configuration
type OrgSettings struct {
	OrganizationID string `json:"organization_id" toml:"organization_id"`
	QuotaBytes     *int64 `json:"quota_bytes,omitempty" toml:"quota_bytes"` // nil uses the default; negative is unlimited
}
