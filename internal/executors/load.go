package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/loadtest"
)

// LoadExecutor validates a load script and runs it over plain HTTP.
// It does not need a browser.
type LoadExecutor struct{}

// NewLoadExecutor creates the load test executor
func NewLoadExecutor() *LoadExecutor {
	return &LoadExecutor{}
}

func (e *LoadExecutor) Type() models.TestType { return models.TestTypeLoad }

func (e *LoadExecutor) NeedsBrowser() bool { return false }

func (e *LoadExecutor) Execute(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
	cfg := ec.Run.Config.Load
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing load section", models.ErrInvalidRunConfig)
	}
	limits := ec.Services.Config.Load

	step, err := ec.BeginStep(ctx, "validate script")
	if err != nil {
		return nil, err
	}
	plan, err := loadtest.Validate(cfg.Script, cfg.Env, loadtest.Limits{MaxDuration: limits.MaxDuration})
	if err != nil {
		if _, recErr := ec.RecordStep(ctx, step, err); recErr != nil {
			return nil, recErr
		}
		return &models.RunResult{Verdict: models.VerdictFail, Summary: err.Error()}, err
	}
	step.Note("%d requests per iteration, %d thresholds", len(plan.Requests), len(plan.Thresholds))
	if _, err := ec.RecordStep(ctx, step, nil); err != nil {
		return nil, err
	}

	vus := plan.Options.VUs
	if vus <= 0 {
		vus = 1
	}
	step, err = ec.BeginStep(ctx, fmt.Sprintf("run %d virtual users", vus))
	if err != nil {
		return nil, err
	}
	runCtx, stop := ec.Interruptible(ctx)
	load, runErr := loadtest.NewRunner(limits, ec.Logger).Run(runCtx, plan)
	stop()
	if load != nil {
		step.Note("%d iterations in %s", load.Iterations, load.Duration.Round(time.Millisecond))
	}
	if _, err := ec.RecordStep(ctx, step, runErr); err != nil {
		return loadResult(load), err
	}
	if runErr != nil {
		return loadResult(load), runErr
	}

	step, err = ec.BeginStep(ctx, "evaluate thresholds")
	if err != nil {
		return loadResult(load), err
	}
	var failed []string
	for _, t := range load.Thresholds {
		if !t.Passed {
			failed = append(failed, fmt.Sprintf("%s %s (actual %v)", t.Metric, t.Expression, t.Actual))
		}
	}
	var stepErr error
	if len(failed) > 0 {
		stepErr = fmt.Errorf("%w: thresholds crossed: %v", models.ErrAssertionFailed, failed)
	}
	if _, err := ec.RecordStep(ctx, step, stepErr); err != nil {
		return loadResult(load), err
	}
	return loadResult(load), nil
}

func loadResult(load *models.LoadResult) *models.RunResult {
	if load == nil {
		return &models.RunResult{Verdict: models.VerdictFail, Summary: "load test did not start"}
	}
	result := &models.RunResult{Load: load, Verdict: models.VerdictPass}
	if load.Failure != "" || !load.Passed {
		result.Verdict = models.VerdictFail
	}
	reqs := load.Metrics[loadtest.MetricReqs].Count
	p95 := load.Metrics[loadtest.MetricReqDuration].P95
	result.Summary = fmt.Sprintf("%d requests, %d iterations, p(95) %.1fms", reqs, load.Iterations, p95)
	if load.Failure != "" {
		result.Summary = "load test failed: " + load.Failure
	}
	return result
}
