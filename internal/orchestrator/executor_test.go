package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/execution/executiontest"
	"github.com/mqxerror/qa-guardian/internal/executors"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

const checkoutHTML = `<html lang="en"><head><title>Checkout</title></head><body>
<form id="checkout">
  <input id="email" name="email" type="email">
  <button class="btn-primary" data-testid="place-order">Place order</button>
</form>
</body></html>`

// scripted is a TypeExecutor whose behaviour is supplied by the test
type scripted struct {
	browser bool
	fn      func(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error)
}

func (s *scripted) Type() models.TestType { return models.TestTypeE2E }
func (s *scripted) NeedsBrowser() bool    { return s.browser }
func (s *scripted) Execute(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
	return s.fn(ctx, ec)
}

func e2eConfig(actions ...models.E2EAction) models.RunConfig {
	if len(actions) == 0 {
		actions = []models.E2EAction{{Type: models.ActionNavigate, Value: "/checkout"}}
	}
	return models.RunConfig{
		TestType: models.TestTypeE2E,
		BaseURL:  "https://shop.test",
		E2E:      &models.E2EConfig{Actions: actions},
	}
}

func newExecutor(t *testing.T, h *executiontest.Harness, registry *execution.Registry) *Executor {
	t.Helper()
	e, err := NewExecutor(h.Services, registry, report.NewService(arbor.NewLogger()))
	require.NoError(t, err)
	return e
}

func finished(t *testing.T, h *executiontest.Harness, runID string) models.RunFinishedPayload {
	t.Helper()
	require.Equal(t, 1, h.Events.Count(runID, models.EventRunFinished))
	for _, ev := range h.Events.Events(runID) {
		if ev.Name == models.EventRunFinished {
			return ev.Payload.(models.RunFinishedPayload)
		}
	}
	return models.RunFinishedPayload{}
}

func TestExecute_HealedRunCompletes(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	e := newExecutor(t, h, executors.NewRegistry())

	run := h.CreateRun(t, e2eConfig(
		models.E2EAction{Type: models.ActionNavigate, Value: "/checkout"},
		models.E2EAction{Type: models.ActionFill, Selector: "#email", Value: "buyer@shop.test"},
		models.E2EAction{Type: models.ActionClick, Selector: "#submit-order", Hints: &models.HealingHints{TestID: "place-order"}},
	))

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, models.VerdictPass, final.Result.Verdict)
	require.Len(t, final.Steps, 4)
	assert.True(t, final.Steps[3].Retry)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.EndedAt)

	records, err := h.Services.Healing.History(context.Background(), run.ProjectID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.HealingAutoApplied, records[0].State)

	assert.Equal(t, 0, h.Driver.Live())
	assert.Equal(t, 4, h.Events.Count(run.ID, models.EventStepCompleted))
	assert.Equal(t, 1, h.Events.Count(run.ID, models.EventRunStarted))
	payload := finished(t, h, run.ID)
	assert.Equal(t, models.RunStatusCompleted, payload.Status)
	assert.Equal(t, 4, payload.Steps)
	assert.Equal(t, 1, payload.FailedSteps)
}

func TestExecute_CancelObservedAtNextStep(t *testing.T) {
	h := executiontest.New(t)
	var secondStarted bool
	registry := execution.NewRegistry(&scripted{browser: true, fn: func(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
		step, err := ec.BeginStep(ctx, "first")
		if err != nil {
			return nil, err
		}
		if _, err := ec.RecordStep(ctx, step, nil); err != nil {
			return nil, err
		}
		if _, err := ec.Services.Runs.RequestCancel(ctx, ec.Run.ID); err != nil {
			return nil, err
		}
		if _, err := ec.BeginStep(ctx, "second"); err != nil {
			return &models.RunResult{Verdict: models.VerdictFail}, err
		}
		secondStarted = true
		return &models.RunResult{Verdict: models.VerdictPass}, nil
	}})
	e := newExecutor(t, h, registry)
	run := h.CreateRun(t, e2eConfig())

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, secondStarted)
	assert.Equal(t, models.RunStatusCancelled, final.Status)
	assert.Equal(t, models.FailureCancelled, final.FailureClass)
	assert.True(t, final.CancelRequested)
	require.Len(t, final.Steps, 1)

	sessions := h.Driver.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Closed())
	assert.Equal(t, 0, h.Driver.Live())
	assert.Equal(t, models.RunStatusCancelled, finished(t, h, run.ID).Status)
}

func TestExecute_PauseAndResume(t *testing.T) {
	h := executiontest.New(t)
	registry := execution.NewRegistry(&scripted{browser: true, fn: func(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
		for _, name := range []string{"first", "second"} {
			step, err := ec.BeginStep(ctx, name)
			if err != nil {
				return nil, err
			}
			if _, err := ec.RecordStep(ctx, step, nil); err != nil {
				return nil, err
			}
		}
		return &models.RunResult{Verdict: models.VerdictPass}, nil
	}})
	e := newExecutor(t, h, registry)
	run := h.CreateRun(t, e2eConfig())
	ctx := context.Background()
	_, err := h.Services.Runs.RequestPause(ctx, run.ID)
	require.NoError(t, err)

	done := make(chan *models.TestRun, 1)
	go func() {
		final, _ := e.Execute(ctx, run.ID)
		done <- final
	}()

	require.Eventually(t, func() bool {
		current, err := h.Services.Runs.Get(ctx, run.ID)
		return err == nil && current.Status == models.RunStatusPaused
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.Driver.Live())

	_, err = h.Services.Runs.Resume(ctx, run.ID)
	require.NoError(t, err)

	select {
	case final := <-done:
		require.NotNil(t, final)
		assert.Equal(t, models.RunStatusCompleted, final.Status)
		assert.Len(t, final.Steps, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	assert.Equal(t, 1, h.Events.Count(run.ID, models.EventRunPaused))
	assert.Equal(t, 1, h.Events.Count(run.ID, models.EventRunResumed))
	assert.Len(t, h.Driver.Launches(), 1)
}

func TestExecute_LaunchFailurePropagates(t *testing.T) {
	h := executiontest.New(t)
	e := newExecutor(t, h, executors.NewRegistry())
	config := e2eConfig()
	config.Faults = &models.FaultInjection{LaunchFailure: true}
	run := h.CreateRun(t, config)

	final, err := e.Execute(context.Background(), run.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrLaunchFailure))
	require.NotNil(t, final)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, models.FailureEnvironment, final.FailureClass)
	assert.Empty(t, final.Steps)
	assert.Empty(t, h.Driver.Launches())
	assert.Equal(t, models.RunStatusFailed, finished(t, h, run.ID).Status)
}

func TestExecute_SimulatedCrashKeepsCrashReason(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	e := newExecutor(t, h, executors.NewRegistry())
	config := e2eConfig(
		models.E2EAction{Type: models.ActionNavigate, Value: "/checkout"},
		models.E2EAction{Type: models.ActionFill, Selector: "#email", Value: "buyer@shop.test"},
	)
	config.Faults = &models.FaultInjection{CrashAtStep: 2}
	run := h.CreateRun(t, config)

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, models.FailureEnvironment, final.FailureClass)
	assert.Contains(t, final.FailureReason, "simulated crash at step 2")
	assert.Len(t, final.Steps, 1)

	dump, err := h.Storage.CrashDumpStorage().GetCrashDump(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/checkout", dump.URL)
	assert.Equal(t, 0, h.Driver.Live())
	finished(t, h, run.ID)
}

func TestExecute_SimulatedTimeoutFailsRun(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	e := newExecutor(t, h, executors.NewRegistry())
	config := e2eConfig(
		models.E2EAction{Type: models.ActionNavigate, Value: "/checkout"},
		models.E2EAction{Type: models.ActionFill, Selector: "#email", Value: "buyer@shop.test"},
	)
	config.Faults = &models.FaultInjection{TimeoutAtStep: 2}
	run := h.CreateRun(t, config)

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, models.FailureEnvironment, final.FailureClass)
	require.Len(t, final.Steps, 2)
	assert.Equal(t, models.StepStatusFailed, final.Steps[1].Status)
	assert.Contains(t, final.Steps[1].Error, "network timeout")
}

func TestExecute_LoadValidationFailureKeepsResult(t *testing.T) {
	h := executiontest.New(t)
	e := newExecutor(t, h, executors.NewRegistry())
	run := h.CreateRun(t, models.RunConfig{
		TestType: models.TestTypeLoad,
		Load:     &models.LoadRunConfig{Script: models.ScriptBundle{Entry: "requests:\n  - url: ${BASE_URL}/health\n"}},
	})

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, models.FailureValidation, final.FailureClass)
	require.NotNil(t, final.Result)
	assert.Equal(t, models.VerdictFail, final.Result.Verdict)
	require.Len(t, final.Steps, 1)
	assert.Equal(t, "validate script", final.Steps[0].Name)
	assert.Empty(t, h.Driver.Launches())
}

func TestExecute_PanicFailsRunAndReleasesBrowser(t *testing.T) {
	h := executiontest.New(t)
	registry := execution.NewRegistry(&scripted{browser: true, fn: func(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
		panic("index out of range")
	}})
	e := newExecutor(t, h, registry)
	run := h.CreateRun(t, e2eConfig())

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, models.FailureInternal, final.FailureClass)
	assert.Contains(t, final.FailureReason, "index out of range")
	assert.Equal(t, 0, h.Driver.Live())
	finished(t, h, run.ID)
}

func TestExecute_UnregisteredTypeFailsValidation(t *testing.T) {
	h := executiontest.New(t)
	e := newExecutor(t, h, execution.NewRegistry())
	run := h.CreateRun(t, e2eConfig())

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, models.FailureValidation, final.FailureClass)
	assert.Nil(t, final.StartedAt)
	assert.Equal(t, 0, h.Events.Count(run.ID, models.EventRunStarted))
	finished(t, h, run.ID)
}

func TestExecute_SkipsFinishedRun(t *testing.T) {
	h := executiontest.New(t)
	e := newExecutor(t, h, executors.NewRegistry())
	run := h.CreateRun(t, e2eConfig())
	_, err := h.Services.Runs.RequestCancel(context.Background(), run.ID)
	require.NoError(t, err)

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, final.Status)
	assert.Empty(t, h.Events.Events(run.ID))
	assert.Empty(t, h.Driver.Launches())
}

func TestExecute_WritesReports(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	h.Config.Reports.Enabled = true
	h.Config.Reports.Formats = []string{"markdown", "html"}
	e := newExecutor(t, h, executors.NewRegistry())
	run := h.CreateRun(t, e2eConfig())

	final, err := e.Execute(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, final.Result.Report)
	assert.Equal(t, models.ArtifactReport, final.Result.Report.Kind)
	assert.True(t, strings.HasSuffix(final.Result.Report.Path, "report.md"))

	records, err := h.Services.Artifacts.List(context.Background(), run.ID)
	require.NoError(t, err)
	var reports int
	for _, r := range records {
		if r.Kind == models.ArtifactReport {
			reports++
		}
	}
	assert.Equal(t, 2, reports)

	data, err := h.Services.Artifacts.Read(final.Result.Report.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "| Status | completed |")

	stored, err := h.Services.Runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Result.Report.Path, stored.Result.Report.Path)
}

func TestNewExecutor_RejectsUnknownFormat(t *testing.T) {
	h := executiontest.New(t)
	h.Config.Reports.Enabled = true
	h.Config.Reports.Formats = []string{"docx"}
	_, err := NewExecutor(h.Services, executors.NewRegistry(), report.NewService(arbor.NewLogger()))
	assert.Error(t, err)
}
