package executors

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/a11y"
)

// AccessibilityExecutor evaluates the built-in rule set against one page.
// Every rule is its own step, so one violation does not hide the others.
type AccessibilityExecutor struct{}

// NewAccessibilityExecutor creates the accessibility executor
func NewAccessibilityExecutor() *AccessibilityExecutor {
	return &AccessibilityExecutor{}
}

func (e *AccessibilityExecutor) Type() models.TestType { return models.TestTypeAccessibility }

func (e *AccessibilityExecutor) NeedsBrowser() bool { return true }

func (e *AccessibilityExecutor) Execute(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
	cfg := ec.Run.Config.Accessibility
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing accessibility section", models.ErrInvalidRunConfig)
	}
	enabled := cfg.Rules
	if len(enabled) == 0 {
		enabled = ec.Project.Accessibility.Rules
	}
	disabled := append(append([]string(nil), ec.Project.Accessibility.DisableRules...), cfg.DisableRules...)
	rules, err := a11y.Select(enabled, disabled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRunConfig, err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: every accessibility rule is disabled", models.ErrInvalidRunConfig)
	}
	target, err := resolveURL(ec.Run.Config.BaseURL, cfg.URL)
	if err != nil {
		return nil, err
	}

	audit := &models.AccessibilityResult{URL: target}
	failOn := failOnSet(ec.Project.Accessibility.FailOn)

	step, err := ec.BeginStep(ctx, "load "+target)
	if err != nil {
		return accessibilityResult(audit, failOn), err
	}
	page, err := ec.Page()
	if err != nil {
		return accessibilityResult(audit, failOn), err
	}
	var doc *goquery.Document
	nav, loadErr := page.Navigate(ctx, target)
	if loadErr == nil && !isHTMLMime(nav.MimeType) {
		loadErr = fmt.Errorf("%w: %s is %s", models.ErrNonHTMLResponse, nav.URL, nav.MimeType)
	}
	if loadErr == nil {
		var snapshot string
		if snapshot, loadErr = page.HTML(ctx); loadErr == nil {
			doc, loadErr = goquery.NewDocumentFromReader(strings.NewReader(snapshot))
		}
	}
	if _, err := ec.RecordStep(ctx, step, loadErr); err != nil {
		return accessibilityResult(audit, failOn), err
	}
	if loadErr != nil {
		return accessibilityResult(audit, failOn), loadErr
	}

	var outcomes []a11y.Outcome
	for _, rule := range rules {
		step, err := ec.BeginStep(ctx, "rule "+rule.ID)
		if err != nil {
			return accessibilityResult(audit, failOn), err
		}
		outcome := rule.Check(doc)
		outcomes = append(outcomes, outcome)
		audit.RulesEvaluated++

		var stepErr error
		if v := outcome.Violation; v != nil {
			audit.Violations = append(audit.Violations, *v)
			stepErr = fmt.Errorf("%w: %s (%s) on %d elements", models.ErrAssertionFailed, v.RuleID, v.Impact, len(v.Nodes))
			step.Note("first offender: %s", v.Nodes[0].Selector)
		} else {
			audit.Passes = append(audit.Passes, rule.ID)
		}
		if _, err := ec.RecordStep(ctx, step, stepErr); err != nil {
			return accessibilityResult(audit, failOn), err
		}
	}

	a11y.SortViolations(audit.Violations)
	audit.ByImpact = a11y.GroupByImpact(audit.Violations)
	audit.Score = a11y.Score(outcomes)

	ec.Logger.Info().
		Int("rules", audit.RulesEvaluated).
		Int("violations", len(audit.Violations)).
		Float64("score", audit.Score).
		Msg("Accessibility audit complete")
	return accessibilityResult(audit, failOn), nil
}

// failOnSet is nil when every impact fails the run
func failOnSet(impacts []models.Impact) map[models.Impact]bool {
	if len(impacts) == 0 {
		return nil
	}
	out := make(map[models.Impact]bool, len(impacts))
	for _, i := range impacts {
		out[i] = true
	}
	return out
}

func accessibilityResult(audit *models.AccessibilityResult, failOn map[models.Impact]bool) *models.RunResult {
	verdict := models.VerdictPass
	if audit.RulesEvaluated == 0 {
		verdict = models.VerdictFail
	}
	for _, v := range audit.Violations {
		if failOn == nil || failOn[v.Impact] {
			verdict = models.VerdictFail
			break
		}
	}
	return &models.RunResult{
		Verdict:       verdict,
		Summary:       fmt.Sprintf("score %.2f, %d violations in %d rules", audit.Score, len(audit.Violations), audit.RulesEvaluated),
		Accessibility: audit,
	}
}
