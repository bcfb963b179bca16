package loadtest

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/models"
)

// Sink collects samples from all virtual users
type Sink struct {
	mu       sync.Mutex
	kinds    map[string]string
	trends   map[string][]float64
	rates    map[string][2]int64 // hits, total
	counters map[string]int64
}

// NewSink creates a sink for the plan's metrics
func NewSink(kinds map[string]string) *Sink {
	return &Sink{
		kinds:    kinds,
		trends:   make(map[string][]float64),
		rates:    make(map[string][2]int64),
		counters: make(map[string]int64),
	}
}

// Trend adds a sample to a trend metric
func (s *Sink) Trend(name string, v float64) {
	s.mu.Lock()
	s.trends[name] = append(s.trends[name], v)
	s.mu.Unlock()
}

// Rate records whether an event hit
func (s *Sink) Rate(name string, hit bool) {
	s.mu.Lock()
	r := s.rates[name]
	if hit {
		r[0]++
	}
	r[1]++
	s.rates[name] = r
	s.mu.Unlock()
}

// Add increments a counter
func (s *Sink) Add(name string, n int64) {
	s.mu.Lock()
	s.counters[name] += n
	s.mu.Unlock()
}

// Count returns the current counter value
func (s *Sink) Count(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Summaries aggregates every metric. Counter rates are per second of elapsed.
func (s *Sink) Summaries(elapsed time.Duration) map[string]models.MetricSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.MetricSummary, len(s.kinds))
	for name, kind := range s.kinds {
		switch kind {
		case "trend":
			out[name] = summarizeTrend(s.trends[name])
		case "rate":
			r := s.rates[name]
			sum := models.MetricSummary{Type: kind, Count: r[1]}
			if r[1] > 0 {
				sum.Rate = float64(r[0]) / float64(r[1])
			}
			out[name] = sum
		case "counter":
			c := s.counters[name]
			sum := models.MetricSummary{Type: kind, Count: c}
			if secs := elapsed.Seconds(); secs > 0 {
				sum.Rate = float64(c) / secs
			}
			out[name] = sum
		}
	}
	return out
}

func summarizeTrend(samples []float64) models.MetricSummary {
	sum := models.MetricSummary{Type: "trend", Count: int64(len(samples))}
	if len(samples) == 0 {
		return sum
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	total := 0.0
	for _, v := range sorted {
		total += v
	}
	sum.Avg = total / float64(len(sorted))
	sum.Min = sorted[0]
	sum.Max = sorted[len(sorted)-1]
	sum.Med = Percentile(sorted, 50)
	sum.P90 = Percentile(sorted, 90)
	sum.P95 = Percentile(sorted, 95)
	sum.P99 = Percentile(sorted, 99)
	return sum
}

// Percentile interpolates linearly between closest ranks of sorted samples
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// percentileOf recomputes an arbitrary percentile for threshold evaluation
func (s *Sink) percentileOf(name string, p float64) float64 {
	s.mu.Lock()
	sorted := append([]float64(nil), s.trends[name]...)
	s.mu.Unlock()
	sort.Float64s(sorted)
	return Percentile(sorted, p)
}

// Evaluate checks every threshold against the aggregated metrics
func (s *Sink) Evaluate(thresholds []Threshold, summaries map[string]models.MetricSummary) []models.ThresholdResult {
	out := make([]models.ThresholdResult, 0, len(thresholds))
	for _, t := range thresholds {
		sum := summaries[t.Metric]
		var actual float64
		switch t.Aggregation {
		case "avg":
			actual = sum.Avg
		case "min":
			actual = sum.Min
		case "med":
			actual = sum.Med
		case "max":
			actual = sum.Max
		case "count":
			actual = float64(sum.Count)
		case "rate":
			actual = sum.Rate
		case "p":
			actual = s.percentileOf(t.Metric, t.Percentile)
		}
		out = append(out, models.ThresholdResult{
			Metric:     t.Metric,
			Expression: t.Expression,
			Actual:     math.Round(actual*1000) / 1000,
			Passed:     compare(actual, t.Operator, t.Value),
		})
	}
	return out
}

func compare(a float64, op string, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}
