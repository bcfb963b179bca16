package loadtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	assert.Zero(t, Percentile(nil, 95))
	assert.Equal(t, 7.0, Percentile([]float64{7}, 99))
	assert.Equal(t, 2.5, Percentile([]float64{1, 2, 3, 4}, 50))
	assert.Equal(t, 4.0, Percentile([]float64{1, 2, 3, 4}, 100))

	hundred := make([]float64, 100)
	for i := range hundred {
		hundred[i] = float64(i + 1)
	}
	assert.InDelta(t, 95.05, Percentile(hundred, 95), 1e-9)
	assert.InDelta(t, 90.1, Percentile(hundred, 90), 1e-9)
}

func TestSink_SummariesAndThresholds(t *testing.T) {
	sink := NewSink(map[string]string{
		MetricReqDuration: "trend",
		MetricReqFailed:   "rate",
		MetricReqs:        "counter",
	})
	for _, v := range []float64{100, 200, 300, 400} {
		sink.Trend(MetricReqDuration, v)
		sink.Add(MetricReqs, 1)
	}
	sink.Rate(MetricReqFailed, true)
	sink.Rate(MetricReqFailed, false)
	sink.Rate(MetricReqFailed, false)
	sink.Rate(MetricReqFailed, false)

	summaries := sink.Summaries(2 * time.Second)
	d := summaries[MetricReqDuration]
	assert.Equal(t, int64(4), d.Count)
	assert.Equal(t, 250.0, d.Avg)
	assert.Equal(t, 100.0, d.Min)
	assert.Equal(t, 400.0, d.Max)
	assert.Equal(t, 250.0, d.Med)
	assert.Equal(t, 0.25, summaries[MetricReqFailed].Rate)
	assert.Equal(t, 2.0, summaries[MetricReqs].Rate)

	results := sink.Evaluate([]Threshold{
		mustThreshold(t, MetricReqDuration, "p(75)<=325"),
		mustThreshold(t, MetricReqDuration, "max<400"),
		mustThreshold(t, MetricReqFailed, "rate<0.3"),
		mustThreshold(t, MetricReqs, "count==4"),
	}, summaries)

	require.Len(t, results, 4)
	assert.True(t, results[0].Passed)
	assert.Equal(t, 325.0, results[0].Actual)
	assert.False(t, results[1].Passed)
	assert.True(t, results[2].Passed)
	assert.True(t, results[3].Passed)
}

func TestSink_EmptyTrend(t *testing.T) {
	sink := NewSink(map[string]string{"checkout": "trend"})
	sum := sink.Summaries(time.Second)["checkout"]
	assert.Zero(t, sum.Count)
	assert.Zero(t, sum.P95)
}

func mustThreshold(t *testing.T, metric, expr string) Threshold {
	t.Helper()
	th, err := ParseThreshold(metric, expr)
	require.NoError(t, err)
	return th
}
