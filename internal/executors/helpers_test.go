package executors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/execution/executiontest"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/stretchr/testify/require"
)

// start creates a run, moves it to running and launches its browser when
// the executor needs one
func start(t *testing.T, h *executiontest.Harness, exec execution.TypeExecutor, config models.RunConfig) *execution.ExecutionContext {
	t.Helper()
	config.TestType = exec.Type()
	run := h.CreateRun(t, config)
	ec := h.Start(t, run)
	if exec.NeedsBrowser() {
		require.NoError(t, ec.AcquireBrowser(context.Background()))
		t.Cleanup(ec.ReleaseBrowser)
	}
	return ec
}

func stored(t *testing.T, h *executiontest.Harness, runID string) *models.TestRun {
	t.Helper()
	run, err := h.Services.Runs.Get(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func projectSettings(t *testing.T, h *executiontest.Harness, mutate func(p *models.ProjectSettings)) {
	t.Helper()
	p, err := h.Settings.ProjectSettings(context.Background(), "proj-1")
	require.NoError(t, err)
	mutate(p)
	require.NoError(t, h.Settings.SetProjectSettings(p))
}

// resumeAfter resumes runID once it has been paused for d. The returned
// channel carries the outcome.
func resumeAfter(h *executiontest.Harness, runID string, d time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx := context.Background()
		deadline := time.Now().Add(5 * time.Second)
		for {
			run, err := h.Services.Runs.Get(ctx, runID)
			if err == nil && run.Status == models.RunStatusPaused {
				break
			}
			if time.Now().After(deadline) {
				done <- fmt.Errorf("run %s was never paused", runID)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(d)
		_, err := h.Services.Runs.Resume(ctx, runID)
		done <- err
	}()
	return done
}
