package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Runtime failures recorded in LoadResult.Failure
const (
	FailureTargetUnreachable = "target_unreachable"
	FailureResourceExhausted = "resource_exhausted"
)

// Runner executes validated plans with concurrent virtual users
type Runner struct {
	config common.LoadConfig
	logger arbor.ILogger
}

// NewRunner creates a runner bounded by the load config
func NewRunner(config common.LoadConfig, logger arbor.ILogger) *Runner {
	return &Runner{config: config, logger: logger}
}

// Run starts the virtual users and returns aggregated metrics and threshold verdicts.
// The returned result is non-nil whenever the plan was started.
func (r *Runner) Run(ctx context.Context, plan *Plan) (*models.LoadResult, error) {
	vus := plan.Options.VUs
	if vus <= 0 {
		vus = 1
	}
	result := &models.LoadResult{VUs: vus, Metrics: map[string]models.MetricSummary{}}

	if r.config.MaxVUs > 0 && vus > r.config.MaxVUs {
		result.Failure = FailureResourceExhausted
		return result, fmt.Errorf("%w: %d virtual users requested, limit is %d", models.ErrResourceExhausted, vus, r.config.MaxVUs)
	}

	runCtx := ctx
	if d := time.Duration(plan.Options.Duration); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = vus
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: r.config.RequestTimeout}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if plan.Options.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(plan.Options.RPS), 1)
	}

	sink := NewSink(plan.Metrics)
	vu := &virtualUser{plan: plan, client: client, limiter: limiter, sink: sink}

	var issued atomic.Int64
	budget := plan.Options.Iterations

	r.logger.Info().Int("vus", vus).Int64("iterations", budget).Dur("duration", time.Duration(plan.Options.Duration)).Msg("Starting load test")
	start := time.Now()

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < vus; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if budget > 0 && issued.Add(1) > budget {
					return nil
				}
				if vu.iteration(gctx) {
					sink.Add(MetricIterations, 1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	result.Duration = elapsed
	result.Iterations = sink.Count(MetricIterations)
	result.Metrics = sink.Summaries(elapsed)
	result.Thresholds = sink.Evaluate(plan.Thresholds, result.Metrics)

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("%w: %v", models.ErrRunCancelled, err)
	}
	if vu.responses.Load() == 0 && vu.connErrors.Load() > 0 {
		result.Failure = FailureTargetUnreachable
		return result, fmt.Errorf("%w: %s", models.ErrTargetUnreachable, vu.lastError())
	}

	result.Passed = true
	for _, t := range result.Thresholds {
		if !t.Passed {
			result.Passed = false
		}
	}
	r.logger.Info().
		Int64("iterations", result.Iterations).
		Int64("requests", sink.Count(MetricReqs)).
		Bool("passed", result.Passed).
		Dur("elapsed", elapsed).
		Msg("Load test finished")
	return result, nil
}

type virtualUser struct {
	plan    *Plan
	client  *http.Client
	limiter *rate.Limiter
	sink    *Sink

	responses  atomic.Int64
	connErrors atomic.Int64
	lastErr    atomic.Value
}

func (v *virtualUser) lastError() string {
	if s, ok := v.lastErr.Load().(string); ok {
		return s
	}
	return "no response received"
}

// iteration sends every request once and reports whether it ran to the end
func (v *virtualUser) iteration(ctx context.Context) bool {
	for _, req := range v.plan.Requests {
		if err := v.limiter.Wait(ctx); err != nil {
			return false
		}
		start := time.Now()
		status, err := v.send(ctx, req)
		if ctx.Err() != nil {
			// The run ended while the request was in flight
			return false
		}
		ms := float64(time.Since(start).Microseconds()) / 1000

		v.sink.Add(MetricReqs, 1)
		v.sink.Rate(MetricReqFailed, err != nil || !statusOK(req, status))
		if err != nil {
			v.lastErr.Store(err.Error())
			if isConnError(err) {
				v.connErrors.Add(1)
			}
			continue
		}
		v.responses.Add(1)
		v.sink.Trend(MetricReqDuration, ms)
		if req.Metric != "" {
			v.sink.Trend(req.Metric, ms)
		}
	}
	return true
}

func (v *virtualUser) send(ctx context.Context, req PlannedRequest) (int, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return 0, err
	}
	for k, val := range req.Headers {
		httpReq.Header.Set(k, val)
	}
	resp, err := v.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func statusOK(req PlannedRequest, status int) bool {
	if req.ExpectStatus != 0 {
		return status == req.ExpectStatus
	}
	return status > 0 && status < 400
}

func isConnError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
