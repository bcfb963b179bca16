package executors

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/execution/executiontest"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/browser/browsertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// auditedPage answers the observer install and metric collection scripts
func auditedPage(metrics map[string]interface{}) *browsertest.Document {
	return &browsertest.Document{
		HTML: "<html><body>dashboard</body></html>",
		Eval: func(expression string) (interface{}, error) {
			switch expression {
			case installObserversScript:
				return true, nil
			case collectMetricsScript:
				return metrics, nil
			}
			return nil, fmt.Errorf("unexpected expression")
		},
	}
}

func fastMetrics() map[string]interface{} {
	return map[string]interface{}{
		"ttfb": 300, "fcp": 1000, "lcp": 2000, "cls": 0.05, "tbt": 100,
		"longTasks": 0, "domContentLoaded": 900, "load": 1500,
		"transferBytes": 250000, "requestCount": 12, "domSize": 400,
	}
}

func runPerformance(t *testing.T, h *executiontest.Harness, cfg *models.PerformanceConfig) (*models.RunResult, *models.TestRun, error) {
	t.Helper()
	exec := NewPerformanceExecutor()
	ec := start(t, h, exec, models.RunConfig{Performance: cfg})
	result, err := exec.Execute(context.Background(), ec)
	return result, stored(t, h, ec.Run.ID), err
}

func TestPerformance_FastPageScoresFull(t *testing.T) {
	h := executiontest.New(t)
	h.Site.Add("https://app.test/dashboard", auditedPage(fastMetrics()))

	result, run, err := runPerformance(t, h, &models.PerformanceConfig{URL: "https://app.test/dashboard"})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, result.Verdict)

	perf := result.Performance
	assert.Equal(t, 100, perf.Score)
	assert.Equal(t, 2000.0, perf.Metrics.LCP)
	assert.Equal(t, 12, perf.Metrics.RequestCount)
	for metric, rating := range perf.Ratings {
		assert.Equal(t, models.RatingGood, rating, metric)
	}
	assert.Empty(t, perf.Opportunities)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "collect metrics", run.Steps[1].Name)
}

func TestPerformance_PoorMetricFailsVerdict(t *testing.T) {
	h := executiontest.New(t)
	m := fastMetrics()
	m["lcp"] = 5000
	m["ttfb"] = 900
	m["longTasks"] = 3
	m["resources"] = []map[string]interface{}{
		{"url": "https://cdn.test/app.css", "type": "link", "duration": 320, "transferSize": 40000, "blocking": true},
		{"url": "https://cdn.test/hero.jpg", "type": "img", "duration": 800, "transferSize": 900 * 1024},
	}
	h.Site.Add("https://app.test/dashboard", auditedPage(m))

	result, _, err := runPerformance(t, h, &models.PerformanceConfig{URL: "https://app.test/dashboard"})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, result.Verdict)

	perf := result.Performance
	assert.Equal(t, models.RatingPoor, perf.Ratings["lcp"])
	assert.Equal(t, models.RatingNeedsImprovement, perf.Ratings["ttfb"])
	// lcp scores 0.375 with weight 25, ttfb 0.95 with weight 10
	assert.Equal(t, 84, perf.Score)

	ids := make([]string, 0, len(perf.Opportunities))
	for _, o := range perf.Opportunities {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"render-blocking-resources", "large-resources", "server-response-time"}, ids)
	require.Len(t, perf.Diagnostics, 1)
	assert.Equal(t, "long-tasks", perf.Diagnostics[0].ID)
}

func TestPerformance_AuthRedirect(t *testing.T) {
	h := executiontest.New(t)
	h.Site.Add("https://app.test/dashboard", &browsertest.Document{RedirectTo: "https://app.test/login?next=/dashboard"})
	h.Site.AddHTML("https://app.test/login?next=/dashboard", "<html><body><form></form></body></html>")

	result, run, err := runPerformance(t, h, &models.PerformanceConfig{URL: "https://app.test/dashboard"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthRedirect)
	assert.Equal(t, FailureAuthRedirect, result.Performance.Failure)
	assert.Equal(t, models.VerdictFail, result.Verdict)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, models.StepStatusFailed, run.Steps[0].Status)
}

func TestPerformance_NonHTMLResponse(t *testing.T) {
	h := executiontest.New(t)
	h.Site.Add("https://app.test/api/status", &browsertest.Document{HTML: `{"ok":true}`, MimeType: "application/json"})

	result, _, err := runPerformance(t, h, &models.PerformanceConfig{URL: "https://app.test/api/status"})
	assert.ErrorIs(t, err, models.ErrNonHTMLResponse)
	assert.Equal(t, FailureNonHTML, result.Performance.Failure)
}

func TestPerformance_AuditTimeout(t *testing.T) {
	h := executiontest.New(t)
	h.Site.Add("https://app.test/dashboard", auditedPage(fastMetrics()))

	result, run, err := runPerformance(t, h, &models.PerformanceConfig{
		URL:          "https://app.test/dashboard",
		AuditTimeout: 200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, models.ErrAuditTimeout)
	assert.Equal(t, FailureAuditTimeout, result.Performance.Failure)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, models.StepStatusFailed, run.Steps[1].Status)
}

func TestPerformance_PausedTimeIsNotAuditTime(t *testing.T) {
	h := executiontest.New(t)
	h.Site.Add("https://app.test/dashboard", auditedPage(fastMetrics()))
	exec := NewPerformanceExecutor()
	ec := start(t, h, exec, models.RunConfig{Performance: &models.PerformanceConfig{
		URL:          "https://app.test/dashboard",
		AuditTimeout: 800 * time.Millisecond,
	}})
	ctx := context.Background()

	_, err := h.Services.Runs.RequestPause(ctx, ec.Run.ID)
	require.NoError(t, err)
	resumed := resumeAfter(h, ec.Run.ID, 1200*time.Millisecond)

	result, err := exec.Execute(ctx, ec)
	require.NoError(t, <-resumed)
	require.NoError(t, err)
	assert.Empty(t, result.Performance.Failure)
	assert.Equal(t, models.VerdictPass, result.Verdict)
}

func TestPerformance_ReloadsAfterBrowserRelaunch(t *testing.T) {
	h := executiontest.New(t)
	h.Config.Executor.PauseIdleTimeout = 20 * time.Millisecond
	exec := NewPerformanceExecutor()

	// Pausing from inside the observer install lands between the two steps
	var ec *execution.ExecutionContext
	var once sync.Once
	doc := auditedPage(fastMetrics())
	eval := doc.Eval
	doc.Eval = func(expression string) (interface{}, error) {
		if expression == installObserversScript {
			once.Do(func() { _, _ = h.Services.Runs.RequestPause(context.Background(), ec.Run.ID) })
		}
		return eval(expression)
	}
	h.Site.Add("https://app.test/dashboard", doc)
	ec = start(t, h, exec, models.RunConfig{Performance: &models.PerformanceConfig{URL: "https://app.test/dashboard"}})

	resumed := resumeAfter(h, ec.Run.ID, 100*time.Millisecond)
	result, err := exec.Execute(context.Background(), ec)
	require.NoError(t, <-resumed)
	require.NoError(t, err)
	assert.Equal(t, 100, result.Performance.Score)

	sessions := h.Driver.Sessions()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].Closed())
	assert.Equal(t, []string{"navigate https://app.test/dashboard"}, sessions[1].FakePage().Actions())

	run := stored(t, h, ec.Run.ID)
	require.Len(t, run.Steps, 2)
	assert.Contains(t, run.Steps[1].Notes, "browser relaunched, page reloaded")
}

func TestRate(t *testing.T) {
	assert.Equal(t, models.RatingGood, Rate("lcp", 2500))
	assert.Equal(t, models.RatingNeedsImprovement, Rate("lcp", 2501))
	assert.Equal(t, models.RatingNeedsImprovement, Rate("cls", 0.25))
	assert.Equal(t, models.RatingPoor, Rate("cls", 0.26))
	assert.Equal(t, models.RatingGood, Rate("unknown", 1e9))
}

func TestMetricScore(t *testing.T) {
	lcp := vitals["lcp"]
	assert.Equal(t, 1.0, metricScore(lcp, 1000))
	assert.InDelta(t, 0.75, metricScore(lcp, 3250), 1e-9)
	assert.InDelta(t, 0.5, metricScore(lcp, 4000), 1e-9)
	assert.InDelta(t, 0.25, metricScore(lcp, 6000), 1e-9)
	assert.Equal(t, 0.0, metricScore(lcp, 8000))
	assert.Equal(t, 0.0, metricScore(lcp, 20000))
}

func TestIsLoginURL(t *testing.T) {
	assert.True(t, isLoginURL("https://a.test/app", "https://a.test/login", nil))
	assert.False(t, isLoginURL("https://a.test/login", "https://a.test/login/step2", nil))
	assert.True(t, isLoginURL("https://a.test/app", "https://idp.test/x", []string{"https://idp.test/"}))
	assert.False(t, isLoginURL("https://a.test/app", "https://a.test/app/home", nil))
}
