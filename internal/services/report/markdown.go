package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mqxerror/qa-guardian/internal/models"
)

// cell escapes a value for a markdown table cell
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

type table struct {
	b *strings.Builder
}

func newTable(b *strings.Builder, headers ...string) table {
	fmt.Fprintf(b, "| %s |\n", strings.Join(headers, " | "))
	fmt.Fprintf(b, "|%s\n", strings.Repeat("---|", len(headers)))
	return table{b: b}
}

func (t table) row(values ...string) {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = cell(v)
	}
	fmt.Fprintf(t.b, "| %s |\n", strings.Join(escaped, " | "))
}

func (t table) end() {
	t.b.WriteString("\n")
}

// Markdown renders the run summary, its steps and the type-specific result
func (s *Service) Markdown(run *models.TestRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%s)\n\n", cell(run.TestName), run.TestType)

	t := newTable(&b, "Field", "Value")
	t.row("Run", run.ID)
	t.row("Project", run.ProjectID)
	t.row("Status", string(run.Status))
	if run.Result != nil {
		t.row("Verdict", string(run.Result.Verdict))
	}
	if run.Browser != "" {
		t.row("Browser", string(run.Browser))
	}
	t.row("Duration", run.Duration().Round(time.Millisecond).String())
	if run.FailureReason != "" {
		t.row("Failure", fmt.Sprintf("%s (%s)", run.FailureReason, run.FailureClass))
	}
	t.end()

	if run.Result != nil && run.Result.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", run.Result.Summary)
	}

	writeSteps(&b, run.Steps)

	if r := run.Result; r != nil {
		switch {
		case r.E2E != nil:
			writeE2E(&b, r.E2E)
		case r.Visual != nil:
			writeVisual(&b, r.Visual)
		case r.Performance != nil:
			writePerformance(&b, r.Performance)
		case r.Load != nil:
			writeLoad(&b, r.Load)
		case r.Accessibility != nil:
			writeAccessibility(&b, r.Accessibility)
		}
	}
	return b.String()
}

func writeSteps(b *strings.Builder, steps []models.StepResult) {
	b.WriteString("## Steps\n\n")
	if len(steps) == 0 {
		b.WriteString("No steps were executed.\n\n")
		return
	}
	t := newTable(b, "#", "Step", "Status", "Duration", "Details")
	for _, st := range steps {
		var details []string
		if st.Retry {
			details = append(details, "retry")
		}
		if st.Error != "" {
			details = append(details, st.Error)
		}
		details = append(details, st.Notes...)
		t.row(fmt.Sprint(st.Index+1), st.Name, string(st.Status), st.Duration.Round(time.Millisecond).String(), strings.Join(details, "; "))
	}
	t.end()
}

func writeE2E(b *strings.Builder, r *models.E2EResult) {
	b.WriteString("## Actions\n\n")
	fmt.Fprintf(b, "- Total: %d\n- Passed: %d\n- Failed: %d\n- Healed: %d\n", r.TotalActions, r.PassedActions, r.FailedActions, r.Healed)
	if r.StoppedAt > 0 {
		fmt.Fprintf(b, "- Stopped at action %d\n", r.StoppedAt)
	}
	b.WriteString("\n")
}

func writeVisual(b *strings.Builder, r *models.VisualRunResult) {
	b.WriteString("## Viewports\n\n")
	t := newTable(b, "Viewport", "Status", "Diff %", "Changed pixels", "Note")
	for _, v := range r.Viewports {
		diff, changed := "-", "-"
		if c := v.Comparison; c != nil {
			diff = fmt.Sprintf("%.2f", c.DiffPercentage)
			changed = fmt.Sprint(c.ChangedPixels)
		}
		t.row(v.Viewport.String(), string(v.Status), diff, changed, v.Note)
	}
	t.end()
}

func writePerformance(b *strings.Builder, r *models.PerformanceResult) {
	fmt.Fprintf(b, "## Performance\n\nScore **%d** for %s\n\n", r.Score, r.URL)
	m := r.Metrics
	t := newTable(b, "Metric", "Value", "Rating")
	for _, row := range []struct {
		name  string
		value string
	}{
		{"ttfb", fmt.Sprintf("%.0f ms", m.TTFB)},
		{"fcp", fmt.Sprintf("%.0f ms", m.FCP)},
		{"lcp", fmt.Sprintf("%.0f ms", m.LCP)},
		{"cls", fmt.Sprintf("%.3f", m.CLS)},
		{"tbt", fmt.Sprintf("%.0f ms", m.TBT)},
	} {
		t.row(row.name, row.value, string(r.Ratings[row.name]))
	}
	t.row("requests", fmt.Sprint(m.RequestCount), "")
	t.row("transfer", fmt.Sprintf("%d bytes", m.TransferBytes), "")
	t.row("dom size", fmt.Sprint(m.DOMSize), "")
	t.end()

	writeAuditItems(b, "Opportunities", r.Opportunities)
	writeAuditItems(b, "Diagnostics", r.Diagnostics)
}

func writeAuditItems(b *strings.Builder, title string, items []models.AuditItem) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- **%s**: %s\n", item.Title, item.Description)
	}
	b.WriteString("\n")
}

func writeLoad(b *strings.Builder, r *models.LoadResult) {
	fmt.Fprintf(b, "## Load\n\n%d virtual users, %d iterations in %s\n\n", r.VUs, r.Iterations, r.Duration.Round(time.Millisecond))
	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	t := newTable(b, "Metric", "Type", "Count", "Avg", "p(95)", "Rate")
	for _, name := range names {
		m := r.Metrics[name]
		t.row(name, m.Type, fmt.Sprint(m.Count), fmt.Sprintf("%.2f", m.Avg), fmt.Sprintf("%.2f", m.P95), fmt.Sprintf("%.3f", m.Rate))
	}
	t.end()

	if len(r.Thresholds) > 0 {
		b.WriteString("### Thresholds\n\n")
		t := newTable(b, "Metric", "Expression", "Actual", "Result")
		for _, th := range r.Thresholds {
			result := "passed"
			if !th.Passed {
				result = "crossed"
			}
			t.row(th.Metric, th.Expression, fmt.Sprint(th.Actual), result)
		}
		t.end()
	}
}

func writeAccessibility(b *strings.Builder, r *models.AccessibilityResult) {
	fmt.Fprintf(b, "## Accessibility\n\nScore **%.2f** over %d rules for %s\n\n", r.Score, r.RulesEvaluated, r.URL)
	if len(r.Violations) == 0 {
		b.WriteString("No violations.\n\n")
		return
	}
	t := newTable(b, "Rule", "Impact", "Elements", "First offender")
	for _, v := range r.Violations {
		first := ""
		if len(v.Nodes) > 0 {
			first = v.Nodes[0].Selector
		}
		t.row(v.RuleID, string(v.Impact), fmt.Sprint(len(v.Nodes)), first)
	}
	t.end()
}
