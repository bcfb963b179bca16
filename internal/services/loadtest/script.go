// Package loadtest parses, validates and runs YAML load test scripts.
//
// A script declares the environment variables it needs, the modules it
// imports, run options with thresholds, and an ordered request list:
//
//	imports: [auth]
//	env: [BASE_URL]
//	options:
//	  vus: 5
//	  duration: 30s
//	  thresholds:
//	    http_req_duration: ["p(95)<500"]
//	requests:
//	  - name: home
//	    url: ${BASE_URL}/
//
// Each iteration of a virtual user sends the requests of every imported module
// (depth first, in import order) followed by the entry script's own requests.
package loadtest

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EntryName is the file name reported for errors in the entry script
const EntryName = "entry"

// Located is a scalar with the line it was declared on
type Located struct {
	Value string
	Line  int
}

// UnmarshalYAML keeps the node line
func (l *Located) UnmarshalYAML(n *yaml.Node) error {
	l.Line = n.Line
	return n.Decode(&l.Value)
}

// Script is one parsed file of a bundle
type Script struct {
	Name     string    `yaml:"-"`
	Imports  []Located `yaml:"imports"`
	Env      []Located `yaml:"env"`
	Options  Options   `yaml:"options"`
	Requests []Request `yaml:"requests"`
}

// Options control the virtual users. Only the entry script's options apply.
type Options struct {
	VUs        int                  `yaml:"vus"`
	Duration   Duration             `yaml:"duration"`
	Iterations int64                `yaml:"iterations"` // Total across all VUs; 0 runs for Duration
	RPS        float64              `yaml:"rps"`        // Global request rate cap; 0 is unlimited
	Thresholds map[string][]Located `yaml:"thresholds"`
}

// Request is one HTTP request of an iteration
type Request struct {
	Name         string             `yaml:"name"`
	Method       string             `yaml:"method"`
	URL          Located            `yaml:"url"`
	Headers      map[string]Located `yaml:"headers"`
	Body         Located            `yaml:"body"`
	ExpectStatus int                `yaml:"expect_status"` // 0 accepts any status below 400
	Metric       string             `yaml:"metric"`        // Optional custom trend fed with the request duration
	Line         int                `yaml:"-"`
}

// UnmarshalYAML keeps the line of the request item
func (r *Request) UnmarshalYAML(n *yaml.Node) error {
	type plain Request
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*r = Request(p)
	r.Line = n.Line
	return nil
}

// Duration accepts Go duration strings such as "30s" or "2m"
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", n.Line, s)
	}
	*d = Duration(v)
	return nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

// Parse decodes one script. Syntax errors carry the offending line.
func Parse(name, source string) (*Script, *SyntaxError) {
	var s Script
	if err := yaml.Unmarshal([]byte(source), &s); err != nil {
		line := 0
		if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
			line, _ = strconv.Atoi(m[1])
		}
		return nil, &SyntaxError{File: name, Line: line, Err: err}
	}
	s.Name = name
	return &s, nil
}

// SyntaxError is a YAML decoding failure
type SyntaxError struct {
	File string
	Line int
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}
