// Package orchestrator drives a run from pending to a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/artifacts"
	"github.com/mqxerror/qa-guardian/internal/services/report"
	"github.com/ternarybob/arbor"
)

// Executor runs one TestRun at a time per call. It is safe to call Execute
// concurrently for different runs.
type Executor struct {
	services *execution.Services
	registry *execution.Registry
	reports  *report.Service
	formats  []report.Format
	logger   arbor.ILogger
}

// NewExecutor creates the orchestrator. A nil reports service disables run reports.
func NewExecutor(services *execution.Services, registry *execution.Registry, reports *report.Service) (*Executor, error) {
	e := &Executor{
		services: services,
		registry: registry,
		logger:   services.Logger,
	}
	if reports != nil && services.Config.Reports.Enabled {
		for _, name := range services.Config.Reports.Formats {
			f, err := report.ParseFormat(name)
			if err != nil {
				return nil, err
			}
			e.formats = append(e.formats, f)
		}
		e.reports = reports
	}
	return e, nil
}

// Execute validates the run, dispatches it to its type executor and finalizes it.
// Test failures end in a terminal run and a nil error. An error is returned only
// when the browser could not be acquired or the run store could not be written;
// the run is still moved to a terminal status when possible.
func (e *Executor) Execute(ctx context.Context, runID string) (*models.TestRun, error) {
	run, err := e.services.Runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		e.logger.Debug().Str("run_id", runID).Str("status", string(run.Status)).Msg("Run already finished, skipping")
		return run, nil
	}
	logger := common.RunLogger(e.logger, runID)
	signals := e.services.Runs.Signals(runID)

	if err := run.Config.Validate(); err != nil {
		return e.finalize(ctx, run, nil, err)
	}
	te, err := e.registry.Get(run.TestType)
	if err != nil {
		return e.finalize(ctx, run, nil, err)
	}

	running, err := e.services.Runs.Transition(ctx, runID, models.RunStatusRunning)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Cancelled between dequeue and start
			return e.services.Runs.Get(ctx, runID)
		}
		return nil, err
	}
	e.emit(ctx, running, models.EventRunStarted, map[string]interface{}{
		"run_id": runID, "test_type": string(running.TestType), "browser": string(running.Browser),
	})
	logger.Info().Str("test_type", string(running.TestType)).Str("project_id", running.ProjectID).Msg("Run started")

	project, err := e.services.Settings.ProjectSettings(ctx, running.ProjectID)
	if err != nil {
		return e.finalize(ctx, running, nil, fmt.Errorf("failed to load project settings: %w", err))
	}

	ec := execution.New(e.services, running, project, signals)
	result, execErr := e.dispatch(ctx, ec, te)
	return e.finalize(ctx, running, result, execErr)
}

// dispatch acquires the browser, runs the type executor and always releases the browser.
// A panicking executor fails its run instead of the worker.
func (e *Executor) dispatch(ctx context.Context, ec *execution.ExecutionContext, te execution.TypeExecutor) (result *models.RunResult, err error) {
	defer ec.ReleaseBrowser()

	err = common.Recover(ec.Logger, "executor:"+string(te.Type()), func() error {
		if te.NeedsBrowser() {
			if err := ec.AcquireBrowser(ctx); err != nil {
				return err
			}
		}
		var execErr error
		result, execErr = te.Execute(ctx, ec)
		return execErr
	})
	return result, err
}

// outcome maps an executor error to the terminal status
func outcome(result *models.RunResult, err error) (models.RunStatus, string, string) {
	if err == nil {
		if result == nil {
			return models.RunStatusFailed, "executor returned no result", models.FailureInternal
		}
		return models.RunStatusCompleted, "", ""
	}
	class := execution.Classify(err)
	if class == models.FailureCancelled {
		return models.RunStatusCancelled, models.ErrRunCancelled.Error(), class
	}
	return models.RunStatusFailed, err.Error(), class
}

func (e *Executor) finalize(ctx context.Context, run *models.TestRun, result *models.RunResult, execErr error) (*models.TestRun, error) {
	logger := common.RunLogger(e.logger, run.ID)
	status, reason, class := outcome(result, execErr)

	final, err := e.services.Runs.Finalize(ctx, run.ID, status, result, reason, class)
	if errors.Is(err, models.ErrInvalidTransition) {
		// A browser crash can mark the run failed first; keep its reason
		final, err = e.services.Runs.Get(ctx, run.ID)
		if err == nil && final.Result == nil && result != nil {
			err = e.services.Runs.SetResult(ctx, run.ID, result)
			final.Result = result
		}
	}
	if err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("Failed to finalize run")
		return nil, fmt.Errorf("failed to finalize run %s: %w", run.ID, err)
	}

	e.writeReports(ctx, final)
	e.emitFinished(ctx, final)

	event := logger.Info()
	if final.Status == models.RunStatusFailed {
		event = logger.Warn().Str("failure_class", final.FailureClass).Str("reason", final.FailureReason)
	}
	event.Str("status", string(final.Status)).
		Int("steps", len(final.Steps)).
		Dur("duration", final.Duration()).
		Msg("Run finished")

	if execErr != nil && errors.Is(execErr, models.ErrLaunchFailure) {
		return final, execErr
	}
	return final, nil
}

// writeReports stores one report artifact per configured format. The first
// one written is referenced from the result.
func (e *Executor) writeReports(ctx context.Context, run *models.TestRun) {
	if e.reports == nil {
		return
	}
	logger := common.RunLogger(e.logger, run.ID)
	var first *models.ArtifactRef
	for _, f := range e.formats {
		data, err := e.reports.Render(run, f)
		if err != nil {
			logger.Warn().Err(err).Str("format", string(f)).Msg("Failed to render run report")
			continue
		}
		record, err := e.services.Artifacts.Write(ctx, artifacts.Write{
			OrgID:     run.OrganizationID,
			RunID:     run.ID,
			StepIndex: len(run.Steps),
			Kind:      models.ArtifactReport,
			Name:      "report",
			Ext:       f.Ext(),
			Data:      data,
		})
		if err != nil {
			logger.Warn().Err(err).Str("format", string(f)).Msg("Run report not written")
			continue
		}
		if first == nil {
			ref := record.Ref()
			first = &ref
		}
	}
	if first == nil {
		return
	}
	if run.Result == nil {
		run.Result = &models.RunResult{}
	}
	run.Result.Report = first
	if err := e.services.Runs.SetResult(ctx, run.ID, run.Result); err != nil {
		logger.Warn().Err(err).Msg("Failed to attach run report")
	}
}

func (e *Executor) emitFinished(ctx context.Context, run *models.TestRun) {
	payload := FinishedPayload(run)
	e.emit(ctx, run, models.EventRunFinished, payload)
}

// FinishedPayload builds the terminal event payload of a run
func FinishedPayload(run *models.TestRun) models.RunFinishedPayload {
	payload := models.RunFinishedPayload{
		RunID:         run.ID,
		Status:        run.Status,
		FailureReason: run.FailureReason,
		Steps:         len(run.Steps),
		FailedSteps:   run.FailedSteps(),
	}
	if run.Result != nil {
		payload.Verdict = run.Result.Verdict
		payload.Summary = run.Result.Summary
	}
	if run.EndedAt != nil {
		payload.EndedAt = *run.EndedAt
	}
	return payload
}

func (e *Executor) emit(ctx context.Context, run *models.TestRun, name string, payload interface{}) {
	if e.services.Events == nil {
		return
	}
	if err := e.services.Events.Emit(ctx, run.ID, run.OrganizationID, name, payload); err != nil {
		e.logger.Warn().Err(err).Str("run_id", run.ID).Str("event", name).Msg("Event emission failed")
	}
}
