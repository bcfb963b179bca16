package models

import "time"

// RunResult is the aggregate payload of a finished run. Exactly one type section is set.
type RunResult struct {
	Verdict Verdict `json:"verdict"`
	Summary string  `json:"summary"`

	E2E           *E2EResult           `json:"e2e,omitempty"`
	Visual        *VisualRunResult     `json:"visual,omitempty"`
	Performance   *PerformanceResult   `json:"performance,omitempty"`
	Load          *LoadResult          `json:"load,omitempty"`
	Accessibility *AccessibilityResult `json:"accessibility,omitempty"`

	Report *ArtifactRef `json:"report,omitempty"`
}

// E2EResult summarises an E2E run
type E2EResult struct {
	TotalActions  int      `json:"total_actions"`
	PassedActions int      `json:"passed_actions"`
	FailedActions int      `json:"failed_actions"`
	Healed        int      `json:"healed"`
	HealingIDs    []string `json:"healing_ids,omitempty"`
	StoppedAt     int      `json:"stopped_at,omitempty"` // 1-based action number of the blocking failure
}

// ViewportStatus is the per-viewport outcome of a visual run
type ViewportStatus string

const (
	ViewportPassed          ViewportStatus = "passed"
	ViewportFailed          ViewportStatus = "failed"
	ViewportBaselineCreated ViewportStatus = "baseline_created"
	ViewportBaselineMissing ViewportStatus = "baseline_missing"
	ViewportError           ViewportStatus = "error"
)

// ViewportComparison is one viewport of a visual run
type ViewportComparison struct {
	Viewport        Viewport                `json:"viewport"`
	Status          ViewportStatus          `json:"status"`
	Comparison      *VisualComparisonResult `json:"comparison,omitempty"`
	BaselineVersion int                     `json:"baseline_version,omitempty"`
	Partial         bool                    `json:"partial,omitempty"`
	Note            string                  `json:"note,omitempty"`
}

// VisualRunResult summarises a visual run
type VisualRunResult struct {
	Viewports []ViewportComparison `json:"viewports"`
}

// Rating classifies a metric against web vitals thresholds
type Rating string

const (
	RatingGood             Rating = "good"
	RatingNeedsImprovement Rating = "needs-improvement"
	RatingPoor             Rating = "poor"
)

// PerformanceMetrics are page-load timings in milliseconds, CLS unitless
type PerformanceMetrics struct {
	TTFB             float64 `json:"ttfb"`
	FCP              float64 `json:"fcp"`
	LCP              float64 `json:"lcp"`
	CLS              float64 `json:"cls"`
	TBT              float64 `json:"tbt"`
	DOMContentLoaded float64 `json:"dom_content_loaded"`
	Load             float64 `json:"load"`
	TransferBytes    int64   `json:"transfer_bytes"`
	RequestCount     int     `json:"request_count"`
	DOMSize          int     `json:"dom_size"`
	LongTasks        int     `json:"long_tasks"`
	ConsoleErrors    int     `json:"console_errors"`
}

// AuditItem is an opportunity or diagnostic finding
type AuditItem struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	SavingsMs    float64 `json:"savings_ms,omitempty"`
	SavingsBytes int64   `json:"savings_bytes,omitempty"`
	Value        float64 `json:"value,omitempty"`
}

// PerformanceResult is the performance audit outcome
type PerformanceResult struct {
	URL           string             `json:"url"`
	FinalURL      string             `json:"final_url"`
	Metrics       PerformanceMetrics `json:"metrics"`
	Ratings       map[string]Rating  `json:"ratings"`
	Score         int                `json:"score"`
	Opportunities []AuditItem        `json:"opportunities,omitempty"`
	Diagnostics   []AuditItem        `json:"diagnostics,omitempty"`
	Failure       string             `json:"failure,omitempty"` // auth_redirect, non_html_response, audit_timeout
}

// MetricSummary aggregates samples of one load metric
type MetricSummary struct {
	Type  string  `json:"type"` // trend, rate, counter
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Med   float64 `json:"med"`
	Max   float64 `json:"max"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Rate  float64 `json:"rate"`
}

// ThresholdResult is one evaluated threshold expression
type ThresholdResult struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Actual     float64 `json:"actual"`
	Passed     bool    `json:"passed"`
}

// LoadResult is the load test outcome
type LoadResult struct {
	VUs        int                      `json:"vus"`
	Duration   time.Duration            `json:"duration"`
	Iterations int64                    `json:"iterations"`
	Metrics    map[string]MetricSummary `json:"metrics"`
	Thresholds []ThresholdResult        `json:"thresholds,omitempty"`
	Passed     bool                     `json:"passed"`
	Failure    string                   `json:"failure,omitempty"` // target_unreachable, resource_exhausted
}

// Impact is the severity of an accessibility violation
type Impact string

const (
	ImpactCritical Impact = "critical"
	ImpactSerious  Impact = "serious"
	ImpactModerate Impact = "moderate"
	ImpactMinor    Impact = "minor"
)

// Weight is the scoring weight of the impact level
func (i Impact) Weight() float64 {
	switch i {
	case ImpactCritical:
		return 10
	case ImpactSerious:
		return 7
	case ImpactModerate:
		return 3
	case ImpactMinor:
		return 1
	}
	return 0
}

// A11yNode is one offending element
type A11yNode struct {
	Selector string `json:"selector"`
	HTML     string `json:"html"`
}

// A11yViolation is a failed rule with its offending nodes
type A11yViolation struct {
	RuleID      string     `json:"rule_id"`
	Impact      Impact     `json:"impact"`
	Description string     `json:"description"`
	Help        string     `json:"help"`
	Nodes       []A11yNode `json:"nodes"`
}

// AccessibilityResult is the accessibility audit outcome
type AccessibilityResult struct {
	URL            string                     `json:"url"`
	Score          float64                    `json:"score"`
	RulesEvaluated int                        `json:"rules_evaluated"`
	Passes         []string                   `json:"passes,omitempty"`
	Violations     []A11yViolation            `json:"violations,omitempty"`
	ByImpact       map[Impact][]A11yViolation `json:"by_impact,omitempty"`
}
