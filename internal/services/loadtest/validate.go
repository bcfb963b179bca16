package loadtest

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mqxerror/qa-guardian/internal/models"
)

// Built-in metric names
const (
	MetricReqDuration = "http_req_duration"
	MetricReqFailed   = "http_req_failed"
	MetricReqs        = "http_reqs"
	MetricIterations  = "iterations"
)

var builtinMetrics = map[string]string{
	MetricReqDuration: "trend",
	MetricReqFailed:   "rate",
	MetricReqs:        "counter",
	MetricIterations:  "counter",
}

var (
	envRef        = regexp.MustCompile(`\$\{([^}]*)\}`)
	envName       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	metricName    = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	thresholdExpr = regexp.MustCompile(`^\s*(avg|min|med|max|count|rate|p\((\d+(?:\.\d+)?)\))\s*(<=|>=|==|!=|<|>)\s*(-?\d+(?:\.\d+)?)\s*$`)
)

// Threshold is a parsed "aggregation operator number" expression
type Threshold struct {
	Metric      string
	Expression  string
	Aggregation string  // avg, min, med, max, count, rate or p
	Percentile  float64 // for p(N)
	Operator    string
	Value       float64
}

// Plan is a validated bundle ready to run
type Plan struct {
	Options    Options
	Requests   []PlannedRequest
	Thresholds []Threshold
	Metrics    map[string]string // name -> trend, rate or counter
}

// PlannedRequest is a request with environment references substituted
type PlannedRequest struct {
	Name         string
	Method       string
	URL          string
	Headers      map[string]string
	Body         string
	ExpectStatus int
	Metric       string
}

// Limits bound what a script may ask for
type Limits struct {
	MaxDuration time.Duration
}

func invalid(file string, line int, format string, args ...interface{}) error {
	return &models.ScriptValidationError{File: file, Line: line, Reason: fmt.Sprintf(format, args...)}
}

// Validate parses the bundle and checks syntax, imports, thresholds and
// environment references. Every failure is a *models.ScriptValidationError;
// nothing is sent before Validate succeeds.
func Validate(bundle models.ScriptBundle, env map[string]string, limits Limits) (*Plan, error) {
	if strings.TrimSpace(bundle.Entry) == "" {
		return nil, invalid(EntryName, 0, "entry script is empty")
	}

	v := &validator{
		bundle:  bundle,
		env:     env,
		scripts: make(map[string]*Script),
		state:   make(map[string]int),
	}
	entry, err := v.load(EntryName, bundle.Entry)
	if err != nil {
		return nil, err
	}

	var order []*Script
	if err := v.walk(entry, nil, &order); err != nil {
		return nil, err
	}

	plan := &Plan{Options: entry.Options, Metrics: make(map[string]string)}
	for name, kind := range builtinMetrics {
		plan.Metrics[name] = kind
	}

	if err := v.checkOptions(entry, limits); err != nil {
		return nil, err
	}

	declared := make(map[string]bool)
	for _, s := range order {
		for _, e := range s.Env {
			if !envName.MatchString(e.Value) {
				return nil, invalid(s.Name, e.Line, "invalid environment variable name %q", e.Value)
			}
			if _, ok := env[e.Value]; !ok {
				return nil, invalid(s.Name, e.Line, "required environment variable %s is not set", e.Value)
			}
			declared[e.Value] = true
		}
	}

	for _, s := range order {
		for i, r := range s.Requests {
			planned, err := v.planRequest(s, i, r, declared)
			if err != nil {
				return nil, err
			}
			if planned.Metric != "" {
				if kind, ok := builtinMetrics[planned.Metric]; ok && kind != "trend" {
					return nil, invalid(s.Name, r.Line, "metric %s is a built-in %s", planned.Metric, kind)
				}
				plan.Metrics[planned.Metric] = "trend"
			}
			plan.Requests = append(plan.Requests, planned)
		}
	}
	if len(plan.Requests) == 0 {
		return nil, invalid(EntryName, 0, "script defines no requests")
	}

	thresholds, err := parseThresholds(entry, plan.Metrics)
	if err != nil {
		return nil, err
	}
	plan.Thresholds = thresholds
	return plan, nil
}

type validator struct {
	bundle  models.ScriptBundle
	env     map[string]string
	scripts map[string]*Script
	state   map[string]int // 1 visiting, 2 done
}

func (v *validator) load(name, source string) (*Script, error) {
	if s, ok := v.scripts[name]; ok {
		return s, nil
	}
	s, synErr := Parse(name, source)
	if synErr != nil {
		return nil, invalid(name, synErr.Line, "syntax error: %v", synErr.Err)
	}
	v.scripts[name] = s
	return s, nil
}

// walk visits imports depth first and appends scripts in execution order
func (v *validator) walk(s *Script, stack []string, order *[]*Script) error {
	v.state[s.Name] = 1
	stack = append(stack, s.Name)

	for _, imp := range s.Imports {
		name, err := importName(s.Name, imp)
		if err != nil {
			return err
		}
		source, ok := v.bundle.Modules[name]
		if !ok {
			return invalid(s.Name, imp.Line, "import %q is not part of the bundle", imp.Value)
		}
		switch v.state[name] {
		case 1:
			cycle := append(cycleFrom(stack, name), name)
			return invalid(s.Name, imp.Line, "circular import %s", strings.Join(cycle, " -> "))
		case 2:
			continue
		}
		child, err := v.load(name, source)
		if err != nil {
			return err
		}
		if len(child.Options.Thresholds) > 0 || child.Options.VUs != 0 {
			return invalid(name, 0, "options are only allowed in the entry script")
		}
		if err := v.walk(child, stack, order); err != nil {
			return err
		}
	}

	v.state[s.Name] = 2
	*order = append(*order, s)
	return nil
}

func cycleFrom(stack []string, name string) []string {
	for i, s := range stack {
		if s == name {
			return append([]string(nil), stack[i:]...)
		}
	}
	return stack
}

// importName rejects absolute, remote and parent-escaping imports
func importName(file string, imp Located) (string, error) {
	raw := strings.TrimSpace(imp.Value)
	switch {
	case raw == "":
		return "", invalid(file, imp.Line, "empty import")
	case strings.Contains(raw, "://") || strings.HasPrefix(raw, "//"):
		return "", invalid(file, imp.Line, "remote import %q is not allowed", raw)
	case strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, `\`) || (len(raw) > 1 && raw[1] == ':'):
		return "", invalid(file, imp.Line, "absolute import %q is not allowed", raw)
	}
	clean := path.Clean(strings.ReplaceAll(raw, `\`, "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", invalid(file, imp.Line, "import %q escapes the bundle", raw)
	}
	return strings.TrimPrefix(clean, "./"), nil
}

func (v *validator) checkOptions(entry *Script, limits Limits) error {
	o := entry.Options
	if o.VUs < 0 {
		return invalid(EntryName, 0, "options.vus must be positive")
	}
	if o.Iterations < 0 || o.Duration < 0 || o.RPS < 0 {
		return invalid(EntryName, 0, "options must not be negative")
	}
	if o.Iterations == 0 && o.Duration == 0 {
		return invalid(EntryName, 0, "options need a duration or an iteration budget")
	}
	if limits.MaxDuration > 0 && time.Duration(o.Duration) > limits.MaxDuration {
		return invalid(EntryName, 0, "options.duration %s exceeds the limit of %s", time.Duration(o.Duration), limits.MaxDuration)
	}
	return nil
}

func (v *validator) planRequest(s *Script, i int, r Request, declared map[string]bool) (PlannedRequest, error) {
	line := r.Line
	subst := func(l Located, field string) (string, error) {
		at := l.Line
		if at == 0 {
			at = line
		}
		var missing error
		out := envRef.ReplaceAllStringFunc(l.Value, func(m string) string {
			name := envRef.FindStringSubmatch(m)[1]
			if missing != nil {
				return m
			}
			if !envName.MatchString(name) {
				missing = invalid(s.Name, at, "invalid environment reference %s in %s", m, field)
				return m
			}
			val, ok := v.env[name]
			if !ok {
				missing = invalid(s.Name, at, "undefined environment variable %s referenced in %s", name, field)
				return m
			}
			if !declared[name] {
				missing = invalid(s.Name, at, "environment variable %s is used but not declared in env", name)
				return m
			}
			return val
		})
		return out, missing
	}

	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions:
	default:
		return PlannedRequest{}, invalid(s.Name, line, "unsupported method %q", r.Method)
	}

	target, err := subst(r.URL, "url")
	if err != nil {
		return PlannedRequest{}, err
	}
	u, perr := url.Parse(target)
	if perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return PlannedRequest{}, invalid(s.Name, line, "request %d needs an absolute http(s) url, got %q", i+1, target)
	}

	headers := make(map[string]string, len(r.Headers))
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		val, err := subst(r.Headers[k], "header "+k)
		if err != nil {
			return PlannedRequest{}, err
		}
		headers[k] = val
	}

	body, err := subst(r.Body, "body")
	if err != nil {
		return PlannedRequest{}, err
	}

	if r.Metric != "" && !metricName.MatchString(r.Metric) {
		return PlannedRequest{}, invalid(s.Name, line, "invalid metric name %q", r.Metric)
	}
	if r.ExpectStatus != 0 && (r.ExpectStatus < 100 || r.ExpectStatus > 599) {
		return PlannedRequest{}, invalid(s.Name, line, "expect_status %d is not an HTTP status", r.ExpectStatus)
	}

	name := r.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", method, u.Path)
	}
	return PlannedRequest{
		Name:         name,
		Method:       method,
		URL:          target,
		Headers:      headers,
		Body:         body,
		ExpectStatus: r.ExpectStatus,
		Metric:       r.Metric,
	}, nil
}

func parseThresholds(entry *Script, metrics map[string]string) ([]Threshold, error) {
	names := make([]string, 0, len(entry.Options.Thresholds))
	for name := range entry.Options.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Threshold
	for _, metric := range names {
		exprs := entry.Options.Thresholds[metric]
		kind, ok := metrics[metric]
		if !ok {
			line := 0
			if len(exprs) > 0 {
				line = exprs[0].Line
			}
			return nil, invalid(EntryName, line, "threshold on unknown metric %q", metric)
		}
		for _, e := range exprs {
			t, err := ParseThreshold(metric, e.Value)
			if err != nil {
				return nil, invalid(EntryName, e.Line, "%v", err)
			}
			if !aggregationAllowed(kind, t.Aggregation) {
				return nil, invalid(EntryName, e.Line, "aggregation %s does not apply to %s metric %s", t.Aggregation, kind, metric)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// ParseThreshold parses "agg op number", e.g. "p(95)<500" or "rate<0.01"
func ParseThreshold(metric, expr string) (Threshold, error) {
	m := thresholdExpr.FindStringSubmatch(expr)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold %q, expected <aggregation> <operator> <number>", expr)
	}
	t := Threshold{Metric: metric, Expression: strings.TrimSpace(expr), Aggregation: m[1], Operator: m[3]}
	if m[2] != "" {
		t.Aggregation = "p"
		p, _ := strconv.ParseFloat(m[2], 64)
		if p <= 0 || p > 100 {
			return Threshold{}, fmt.Errorf("percentile %v in %q must be within (0,100]", p, expr)
		}
		t.Percentile = p
	}
	t.Value, _ = strconv.ParseFloat(m[4], 64)
	return t, nil
}

func aggregationAllowed(kind, agg string) bool {
	switch kind {
	case "trend":
		return agg != "rate"
	case "rate":
		return agg == "rate" || agg == "count"
	case "counter":
		return agg == "count" || agg == "rate"
	}
	return false
}
