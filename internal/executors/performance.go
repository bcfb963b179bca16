package executors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
)

const (
	defaultAuditTimeout = 60 * time.Second
	metricsSettle       = 500 * time.Millisecond
)

// Typed performance failures recorded in PerformanceResult.Failure
const (
	FailureAuthRedirect = "auth_redirect"
	FailureNonHTML      = "non_html_response"
	FailureAuditTimeout = "audit_timeout"
)

// vitalThreshold is the good / poor boundary of one metric
type vitalThreshold struct {
	good, poor float64
	weight     float64
}

var vitals = map[string]vitalThreshold{
	"fcp":  {good: 1800, poor: 3000, weight: 10},
	"lcp":  {good: 2500, poor: 4000, weight: 25},
	"tbt":  {good: 200, poor: 600, weight: 30},
	"cls":  {good: 0.1, poor: 0.25, weight: 25},
	"ttfb": {good: 800, poor: 1800, weight: 10},
}

var loginMarkers = []string{"/login", "/signin", "/sign-in", "/auth", "/sso", "/oauth"}

// installObserversScript buffers paint, layout shift and long task entries
// into window.__qag so a later evaluation can read them synchronously.
const installObserversScript = `(() => {
  const s = window.__qag = window.__qag || {lcp: 0, cls: 0, tbt: 0, longTasks: 0};
  const observe = (type, fn) => {
    try { new PerformanceObserver(l => l.getEntries().forEach(fn)).observe({type, buffered: true}); } catch (e) {}
  };
  observe('largest-contentful-paint', e => { s.lcp = Math.max(s.lcp, e.startTime); });
  observe('layout-shift', e => { if (!e.hadRecentInput) s.cls += e.value; });
  observe('longtask', e => { s.longTasks++; s.tbt += Math.max(0, e.duration - 50); });
  return true;
})()`

// collectMetricsScript reads navigation timing, resources and the buffered observer state
const collectMetricsScript = `(() => {
  const s = window.__qag || {lcp: 0, cls: 0, tbt: 0, longTasks: 0};
  const nav = performance.getEntriesByType('navigation')[0] || {};
  const fcp = performance.getEntriesByName('first-contentful-paint')[0];
  const res = performance.getEntriesByType('resource');
  return {
    ttfb: nav.responseStart || 0,
    fcp: fcp ? fcp.startTime : 0,
    lcp: s.lcp || (fcp ? fcp.startTime : 0),
    cls: s.cls,
    tbt: s.tbt,
    longTasks: s.longTasks,
    domContentLoaded: nav.domContentLoadedEventEnd || 0,
    load: nav.loadEventEnd || 0,
    transferBytes: res.reduce((n, r) => n + (r.transferSize || 0), (nav.transferSize || 0)),
    requestCount: res.length + 1,
    domSize: document.getElementsByTagName('*').length,
    resources: res.map(r => ({
      url: r.name, type: r.initiatorType, duration: r.duration,
      transferSize: r.transferSize || 0, blocking: r.renderBlockingStatus === 'blocking'
    }))
  };
})()`

type resourceTiming struct {
	URL          string  `json:"url"`
	Type         string  `json:"type"`
	Duration     float64 `json:"duration"`
	TransferSize int64   `json:"transferSize"`
	Blocking     bool    `json:"blocking"`
}

type pageMetrics struct {
	TTFB             float64          `json:"ttfb"`
	FCP              float64          `json:"fcp"`
	LCP              float64          `json:"lcp"`
	CLS              float64          `json:"cls"`
	TBT              float64          `json:"tbt"`
	LongTasks        int              `json:"longTasks"`
	DOMContentLoaded float64          `json:"domContentLoaded"`
	Load             float64          `json:"load"`
	TransferBytes    int64            `json:"transferBytes"`
	RequestCount     int              `json:"requestCount"`
	DOMSize          int              `json:"domSize"`
	Resources        []resourceTiming `json:"resources"`
}

// PerformanceExecutor audits one page load
type PerformanceExecutor struct{}

// NewPerformanceExecutor creates the performance executor
func NewPerformanceExecutor() *PerformanceExecutor {
	return &PerformanceExecutor{}
}

func (e *PerformanceExecutor) Type() models.TestType { return models.TestTypePerformance }

func (e *PerformanceExecutor) NeedsBrowser() bool { return true }

func (e *PerformanceExecutor) Execute(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
	cfg := ec.Run.Config.Performance
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing performance section", models.ErrInvalidRunConfig)
	}
	target, err := resolveURL(ec.Run.Config.BaseURL, cfg.URL)
	if err != nil {
		return nil, err
	}
	timeout := cfg.AuditTimeout
	if timeout <= 0 {
		timeout = defaultAuditTimeout
	}

	perf := &models.PerformanceResult{URL: target}

	// Step 1: load the page and reject anything that is not the audited document
	step, err := ec.BeginStep(ctx, "load "+target)
	if err != nil {
		return performanceResult(perf), err
	}
	loaded, err := ec.Browser()
	if err != nil {
		return performanceResult(perf), err
	}
	// Time spent paused between steps does not count against the audit timeout
	budget := timeout
	started := time.Now()
	auditCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if err := e.load(auditCtx, loaded.Page(), target, cfg, perf); err != nil {
		return e.fail(ctx, ec, step, perf, auditCtx, err)
	}
	budget -= time.Since(started)
	if _, err := ec.RecordStep(ctx, step, nil); err != nil {
		return performanceResult(perf), err
	}

	// Step 2: collect metrics after buffered observers have fired
	step, err = ec.BeginStep(ctx, "collect metrics")
	if err != nil {
		return performanceResult(perf), err
	}
	current, err := ec.Browser()
	if err != nil {
		return performanceResult(perf), err
	}
	collectCtx, cancelCollect := context.WithTimeout(ctx, budget)
	defer cancelCollect()
	if current != loaded {
		// The browser was relaunched during a pause and lost the observers
		step.Note("browser relaunched, page reloaded")
		if err := e.load(collectCtx, current.Page(), target, cfg, perf); err != nil {
			return e.fail(ctx, ec, step, perf, collectCtx, err)
		}
	}
	metrics, err := e.collect(collectCtx, current.Page())
	if err != nil {
		return e.fail(ctx, ec, step, perf, collectCtx, err)
	}
	metrics.consoleErrors = countConsoleErrors(current.Console())
	perf.Metrics = metrics.model()
	perf.Ratings = rateMetrics(perf.Metrics)
	perf.Score = score(perf.Metrics)
	perf.Opportunities = opportunities(metrics)
	perf.Diagnostics = diagnostics(perf.Metrics)
	step.Note("score %d, lcp %.0fms, tbt %.0fms, cls %.3f", perf.Score, perf.Metrics.LCP, perf.Metrics.TBT, perf.Metrics.CLS)
	if _, err := ec.RecordStep(ctx, step, nil); err != nil {
		return performanceResult(perf), err
	}

	ec.Logger.Info().Int("score", perf.Score).Int("opportunities", len(perf.Opportunities)).Msg("Performance audit complete")
	return performanceResult(perf), nil
}

// load navigates to target and installs the metric observers
func (e *PerformanceExecutor) load(ctx context.Context, page interfaces.Page, target string, cfg *models.PerformanceConfig, perf *models.PerformanceResult) error {
	nav, err := page.Navigate(ctx, target)
	if err != nil {
		return err
	}
	perf.FinalURL = nav.URL
	if err := checkNavigation(target, nav, cfg.LoginURLs); err != nil {
		return err
	}
	return page.Evaluate(ctx, installObserversScript, nil)
}

// fail records the failed step and maps deadline errors to ErrAuditTimeout
func (e *PerformanceExecutor) fail(ctx context.Context, ec *execution.ExecutionContext, step *execution.Step, perf *models.PerformanceResult, auditCtx context.Context, err error) (*models.RunResult, error) {
	if errors.Is(auditCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", models.ErrAuditTimeout, err)
	}
	switch {
	case errors.Is(err, models.ErrAuthRedirect):
		perf.Failure = FailureAuthRedirect
	case errors.Is(err, models.ErrNonHTMLResponse):
		perf.Failure = FailureNonHTML
	case errors.Is(err, models.ErrAuditTimeout):
		perf.Failure = FailureAuditTimeout
	}
	if _, recErr := ec.RecordStep(ctx, step, err); recErr != nil {
		return performanceResult(perf), recErr
	}
	return performanceResult(perf), err
}

// checkNavigation detects auth interception and non-HTML documents
func checkNavigation(target string, nav *interfaces.NavigationResult, loginURLs []string) error {
	if nav.StatusCode == 401 || nav.StatusCode == 407 {
		return fmt.Errorf("%w: %s answered HTTP %d", models.ErrAuthRedirect, target, nav.StatusCode)
	}
	if len(nav.Redirects) > 0 && isLoginURL(target, nav.URL, loginURLs) {
		return fmt.Errorf("%w: %s redirected to %s", models.ErrAuthRedirect, target, nav.URL)
	}
	if !isHTMLMime(nav.MimeType) {
		return fmt.Errorf("%w: %s is %s", models.ErrNonHTMLResponse, nav.URL, nav.MimeType)
	}
	return nil
}

func isLoginURL(target, final string, loginURLs []string) bool {
	for _, u := range loginURLs {
		if u != "" && strings.HasPrefix(final, u) {
			return true
		}
	}
	t, err1 := url.Parse(target)
	f, err2 := url.Parse(final)
	if err1 != nil || err2 != nil {
		return false
	}
	path := strings.ToLower(f.Path)
	for _, m := range loginMarkers {
		if strings.Contains(path, m) && !strings.Contains(strings.ToLower(t.Path), m) {
			return true
		}
	}
	return false
}

func isHTMLMime(mime string) bool {
	mime = strings.ToLower(mime)
	return mime == "" || strings.Contains(mime, "html")
}

type collected struct {
	pageMetrics
	consoleErrors int
}

func (c collected) model() models.PerformanceMetrics {
	return models.PerformanceMetrics{
		TTFB:             c.TTFB,
		FCP:              c.FCP,
		LCP:              c.LCP,
		CLS:              c.CLS,
		TBT:              c.TBT,
		DOMContentLoaded: c.DOMContentLoaded,
		Load:             c.Load,
		TransferBytes:    c.TransferBytes,
		RequestCount:     c.RequestCount,
		DOMSize:          c.DOMSize,
		LongTasks:        c.LongTasks,
		ConsoleErrors:    c.consoleErrors,
	}
}

func (e *PerformanceExecutor) collect(ctx context.Context, page interfaces.Page) (collected, error) {
	timer := time.NewTimer(metricsSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return collected{}, ctx.Err()
	}

	var m pageMetrics
	if err := page.Evaluate(ctx, collectMetricsScript, &m); err != nil {
		return collected{}, fmt.Errorf("failed to collect metrics: %w", err)
	}
	return collected{pageMetrics: m}, nil
}

func countConsoleErrors(logs []models.ConsoleLog) int {
	n := 0
	for _, l := range logs {
		if l.Level == "error" {
			n++
		}
	}
	return n
}

func metricValue(m models.PerformanceMetrics, name string) float64 {
	switch name {
	case "fcp":
		return m.FCP
	case "lcp":
		return m.LCP
	case "tbt":
		return m.TBT
	case "cls":
		return m.CLS
	case "ttfb":
		return m.TTFB
	}
	return 0
}

// Rate classifies value against the metric's good / poor boundaries
func Rate(metric string, value float64) models.Rating {
	t, ok := vitals[metric]
	switch {
	case !ok, value <= t.good:
		return models.RatingGood
	case value <= t.poor:
		return models.RatingNeedsImprovement
	}
	return models.RatingPoor
}

func rateMetrics(m models.PerformanceMetrics) map[string]models.Rating {
	out := make(map[string]models.Rating, len(vitals))
	for name := range vitals {
		out[name] = Rate(name, metricValue(m, name))
	}
	return out
}

// metricScore is 1 up to the good boundary, 0.5 at the poor boundary and
// reaches 0 at twice the poor boundary
func metricScore(t vitalThreshold, v float64) float64 {
	switch {
	case v <= t.good:
		return 1
	case v <= t.poor:
		return 1 - 0.5*(v-t.good)/(t.poor-t.good)
	}
	return math.Max(0, 0.5*(1-(v-t.poor)/t.poor))
}

// score is the weighted 0-100 synthesis of the rated metrics
func score(m models.PerformanceMetrics) int {
	total, weights := 0.0, 0.0
	for name, t := range vitals {
		total += t.weight * metricScore(t, metricValue(m, name))
		weights += t.weight
	}
	return int(math.Round(total / weights * 100))
}

const (
	largeResourceBytes   = 500 * 1024
	slowServerMs         = 600
	excessiveRequests    = 100
	largeDOMNodes        = 1500
	maxReportedResources = 5
)

func opportunities(c collected) []models.AuditItem {
	var out []models.AuditItem

	var blocking []resourceTiming
	var large []resourceTiming
	for _, r := range c.Resources {
		if r.Blocking {
			blocking = append(blocking, r)
		}
		if r.TransferSize > largeResourceBytes {
			large = append(large, r)
		}
	}

	if len(blocking) > 0 {
		saved := 0.0
		for _, r := range blocking {
			saved += r.Duration
		}
		out = append(out, models.AuditItem{
			ID:          "render-blocking-resources",
			Title:       "Eliminate render-blocking resources",
			Description: fmt.Sprintf("%d resources block first paint: %s", len(blocking), resourceNames(blocking)),
			SavingsMs:   math.Round(saved),
		})
	}
	if len(large) > 0 {
		var bytes int64
		for _, r := range large {
			bytes += r.TransferSize - largeResourceBytes
		}
		out = append(out, models.AuditItem{
			ID:           "large-resources",
			Title:        "Reduce large resource payloads",
			Description:  fmt.Sprintf("%d resources exceed %s: %s", len(large), formatBytes(largeResourceBytes), resourceNames(large)),
			SavingsBytes: bytes,
		})
	}
	if c.TTFB > slowServerMs {
		out = append(out, models.AuditItem{
			ID:          "server-response-time",
			Title:       "Reduce initial server response time",
			Description: fmt.Sprintf("Time to first byte was %.0fms", c.TTFB),
			SavingsMs:   math.Round(c.TTFB - slowServerMs),
			Value:       c.TTFB,
		})
	}
	if c.RequestCount > excessiveRequests {
		out = append(out, models.AuditItem{
			ID:          "excessive-requests",
			Title:       "Keep request counts low",
			Description: fmt.Sprintf("The page made %d requests", c.RequestCount),
			Value:       float64(c.RequestCount),
		})
	}
	return out
}

func diagnostics(m models.PerformanceMetrics) []models.AuditItem {
	var out []models.AuditItem
	if m.DOMSize > largeDOMNodes {
		out = append(out, models.AuditItem{
			ID:          "dom-size",
			Title:       "Avoid an excessive DOM size",
			Description: fmt.Sprintf("%d elements", m.DOMSize),
			Value:       float64(m.DOMSize),
		})
	}
	if m.LongTasks > 0 {
		out = append(out, models.AuditItem{
			ID:          "long-tasks",
			Title:       "Avoid long main-thread tasks",
			Description: fmt.Sprintf("%d long tasks, %.0fms total blocking time", m.LongTasks, m.TBT),
			Value:       float64(m.LongTasks),
		})
	}
	if m.ConsoleErrors > 0 {
		out = append(out, models.AuditItem{
			ID:          "console-errors",
			Title:       "Browser errors were logged to the console",
			Description: fmt.Sprintf("%d console errors", m.ConsoleErrors),
			Value:       float64(m.ConsoleErrors),
		})
	}
	return out
}

// resourceNames lists the slowest resources first
func resourceNames(rs []resourceTiming) string {
	sorted := append([]resourceTiming(nil), rs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Duration > sorted[j].Duration })
	if len(sorted) > maxReportedResources {
		sorted = sorted[:maxReportedResources]
	}
	names := make([]string, len(sorted))
	for i, r := range sorted {
		names[i] = r.URL
	}
	return strings.Join(names, ", ")
}

func formatBytes(b int64) string {
	switch {
	case b >= 1024*1024:
		return fmt.Sprintf("%.1fMB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1fKB", float64(b)/1024)
	}
	return fmt.Sprintf("%dB", b)
}

func performanceResult(perf *models.PerformanceResult) *models.RunResult {
	result := &models.RunResult{Performance: perf}
	switch {
	case perf.Failure != "":
		result.Verdict = models.VerdictFail
		result.Summary = "audit failed: " + strings.ReplaceAll(perf.Failure, "_", " ")
	case perf.Ratings == nil:
		result.Verdict = models.VerdictFail
		result.Summary = "audit incomplete"
	default:
		result.Verdict = models.VerdictPass
		for _, r := range perf.Ratings {
			if r == models.RatingPoor {
				result.Verdict = models.VerdictFail
			}
		}
		result.Summary = fmt.Sprintf("performance score %d", perf.Score)
	}
	return result
}
