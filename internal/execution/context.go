package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/artifacts"
	"github.com/mqxerror/qa-guardian/internal/services/baselines"
	"github.com/mqxerror/qa-guardian/internal/services/browser"
	"github.com/mqxerror/qa-guardian/internal/services/healing"
	"github.com/mqxerror/qa-guardian/internal/services/runs"
	"github.com/ternarybob/arbor"
)

// Services are the shared components a run executes against
type Services struct {
	Runs      *runs.Store
	Browsers  *browser.Manager
	Artifacts *artifacts.Store
	Baselines *baselines.Store
	Healing   *healing.Engine
	Settings  interfaces.SettingsProvider
	Events    interfaces.EventSink
	Config    *common.Config
	Logger    arbor.ILogger
}

// Step is a step in progress, turned into a StepResult by RecordStep
type Step struct {
	Index     int
	Name      string
	StartedAt time.Time
	Notes     []string
	Artifacts []models.ArtifactRef
	HealingID string
	Retry     bool
}

// Note appends a free-form remark to the step result
func (s *Step) Note(format string, args ...interface{}) {
	s.Notes = append(s.Notes, fmt.Sprintf(format, args...))
}

// ExecutionContext is the per-run state the orchestrator hands to a TypeExecutor.
// Steps run strictly one after another; BeginStep is the only place cancel,
// pause and fault injection are observed.
type ExecutionContext struct {
	Services *Services
	Run      *models.TestRun
	Project  *models.ProjectSettings
	Logger   arbor.ILogger

	signals *runs.Signals
	faults  *models.FaultInjection

	mu        sync.Mutex
	state     *browser.State
	nextIndex int
	recorded  []models.StepResult
}

// New creates the context for one run. Fault injection is honoured only when
// the configuration allows it.
func New(svc *Services, run *models.TestRun, project *models.ProjectSettings, signals *runs.Signals) *ExecutionContext {
	ec := &ExecutionContext{
		Services:  svc,
		Run:       run,
		Project:   project,
		Logger:    common.RunLogger(svc.Logger, run.ID),
		signals:   signals,
		nextIndex: len(run.Steps),
	}
	if run.Config.Faults.Any() && svc.Config.FaultInjectionAllowed() {
		ec.faults = run.Config.Faults
	}
	return ec
}

// Steps returns the results recorded through this context
func (ec *ExecutionContext) Steps() []models.StepResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]models.StepResult(nil), ec.recorded...)
}

// AcquireBrowser launches the run's browser
func (ec *ExecutionContext) AcquireBrowser(ctx context.Context) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state != nil {
		return nil
	}
	if ec.faults != nil && ec.faults.LaunchFailure {
		return fmt.Errorf("%w: simulated launch failure", models.ErrLaunchFailure)
	}
	state, err := ec.Services.Browsers.Acquire(ctx, ec.Run.ID, ec.Run.Browser, ec.viewport())
	if err != nil {
		return err
	}
	ec.state = state
	return nil
}

func (ec *ExecutionContext) viewport() models.Viewport {
	if v := ec.Run.Config.Viewport; v != nil && v.Width > 0 && v.Height > 0 {
		return *v
	}
	return models.DefaultViewport
}

// ReleaseBrowser closes the run's browser if one is held
func (ec *ExecutionContext) ReleaseBrowser() {
	ec.mu.Lock()
	state := ec.state
	ec.state = nil
	ec.mu.Unlock()
	if state != nil {
		_ = ec.Services.Browsers.Release(state)
	}
}

// Browser returns the run's browser or models.ErrBrowserNotAcquired
func (ec *ExecutionContext) Browser() (*browser.State, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrBrowserNotAcquired, ec.Run.ID)
	}
	return ec.state, nil
}

// Page returns the page of the run's browser
func (ec *ExecutionContext) Page() (interfaces.Page, error) {
	state, err := ec.Browser()
	if err != nil {
		return nil, err
	}
	return state.Page(), nil
}

// Capture takes a screenshot through the lifecycle manager
func (ec *ExecutionContext) Capture(ctx context.Context, fullPage bool) (*models.Screenshot, error) {
	state, err := ec.Browser()
	if err != nil {
		return nil, err
	}
	return ec.Services.Browsers.Capture(ctx, state, fullPage)
}

// Interruptible returns a context that is also cancelled once cancellation of
// the run is requested, for work that spans one long step.
func (ec *ExecutionContext) Interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ec.signals.Context(), cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// BeginStep blocks while the run is paused and fails with
// models.ErrRunCancelled once cancellation was requested.
func (ec *ExecutionContext) BeginStep(ctx context.Context, name string) (*Step, error) {
	if err := ec.observe(ctx); err != nil {
		return nil, err
	}

	ec.mu.Lock()
	step := &Step{Index: ec.nextIndex, Name: name, StartedAt: time.Now()}
	ec.mu.Unlock()

	if err := ec.injectFault(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

func (ec *ExecutionContext) cancelled(ctx context.Context) error {
	if ec.signals.Cancelled() {
		return models.ErrRunCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRunCancelled, err)
	}
	return nil
}

func (ec *ExecutionContext) observe(ctx context.Context) error {
	if err := ec.cancelled(ctx); err != nil {
		return err
	}
	paused, resume := ec.signals.PauseState()
	if !paused {
		return nil
	}
	return ec.waitPaused(ctx, resume)
}

// waitPaused holds the worker until resume. The browser is kept unless the
// pause outlasts the idle timeout; it is then released and relaunched on resume.
func (ec *ExecutionContext) waitPaused(ctx context.Context, resume <-chan struct{}) error {
	if _, err := ec.Services.Runs.Transition(ctx, ec.Run.ID, models.RunStatusPaused); err != nil {
		return err
	}
	ec.emit(ctx, models.EventRunPaused, map[string]interface{}{"run_id": ec.Run.ID})
	ec.Logger.Info().Msg("Run paused")

	var idle <-chan time.Time
	if timeout := ec.Services.Config.Executor.PauseIdleTimeout; timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		idle = timer.C
	}

	released := false
wait:
	for {
		select {
		case <-resume:
			break wait
		case <-ec.signals.Done():
			return models.ErrRunCancelled
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", models.ErrRunCancelled, ctx.Err())
		case <-idle:
			idle = nil
			ec.mu.Lock()
			held := ec.state != nil
			ec.mu.Unlock()
			if held {
				ec.Logger.Info().Msg("Pause exceeded idle timeout, releasing browser")
				ec.ReleaseBrowser()
				released = true
			}
		}
	}

	if _, err := ec.Services.Runs.Transition(ctx, ec.Run.ID, models.RunStatusRunning); err != nil {
		return err
	}
	ec.emit(ctx, models.EventRunResumed, map[string]interface{}{"run_id": ec.Run.ID, "browser_relaunched": released})
	ec.Logger.Info().Bool("browser_relaunched", released).Msg("Run resumed")

	if released {
		if err := ec.AcquireBrowser(ctx); err != nil {
			return err
		}
	}
	// A pause can be requested again while we were waiting
	return ec.observe(ctx)
}

// injectFault fires configured failure toggles. Step numbers are 1-based.
func (ec *ExecutionContext) injectFault(ctx context.Context, step *Step) error {
	f := ec.faults
	if f == nil {
		return nil
	}
	n := step.Index + 1
	switch {
	case f.CrashAtStep == n:
		reason := fmt.Sprintf("simulated crash at step %d", n)
		state, err := ec.Browser()
		if err == nil {
			if _, err := ec.Services.Browsers.OnCrash(ctx, state, reason); err != nil {
				ec.Logger.Warn().Err(err).Msg("Simulated crash dump failed")
			}
		}
		return fmt.Errorf("%w: %s", models.ErrBrowserCrash, reason)

	case f.TimeoutAtStep == n:
		err := fmt.Errorf("%w: simulated timeout at step %d", models.ErrNetworkTimeout, n)
		if _, recErr := ec.RecordStep(ctx, step, err); recErr != nil {
			return recErr
		}
		return err

	case f.ResourceExhaustionAtStep == n:
		err := fmt.Errorf("%w: simulated resource exhaustion at step %d", models.ErrResourceExhausted, n)
		if _, recErr := ec.RecordStep(ctx, step, err); recErr != nil {
			return recErr
		}
		return err
	}
	return nil
}

// RecordStep appends the step result to the run, emits the step event and
// checkpoints the page for crash dumps. A nil err records a passed step.
func (ec *ExecutionContext) RecordStep(ctx context.Context, step *Step, err error) (models.StepResult, error) {
	status := models.StepStatusPassed
	if err != nil {
		status = models.StepStatusFailed
	}
	return ec.record(ctx, step, status, err)
}

// SkipStep appends a skipped step result
func (ec *ExecutionContext) SkipStep(ctx context.Context, step *Step, reason string) (models.StepResult, error) {
	step.Note("skipped: %s", reason)
	return ec.record(ctx, step, models.StepStatusSkipped, nil)
}

func (ec *ExecutionContext) record(ctx context.Context, step *Step, status models.StepStatus, stepErr error) (models.StepResult, error) {
	finished := time.Now()
	result := models.StepResult{
		Name:       step.Name,
		Status:     status,
		Duration:   finished.Sub(step.StartedAt),
		Notes:      step.Notes,
		Artifacts:  step.Artifacts,
		HealingID:  step.HealingID,
		Retry:      step.Retry,
		StartedAt:  step.StartedAt,
		FinishedAt: finished,
	}
	if stepErr != nil {
		result.Error = stepErr.Error()
	}

	stored, err := ec.Services.Runs.AppendStep(ctx, ec.Run.ID, result)
	if err != nil {
		return models.StepResult{}, err
	}

	ec.mu.Lock()
	ec.nextIndex = stored.Index + 1
	ec.recorded = append(ec.recorded, stored)
	state := ec.state
	ec.mu.Unlock()

	ec.emit(ctx, models.EventStepCompleted, models.StepCompletedPayload{
		RunID:    ec.Run.ID,
		Index:    stored.Index,
		Name:     stored.Name,
		Status:   stored.Status,
		Duration: stored.Duration.Milliseconds(),
		Error:    stored.Error,
		Retry:    stored.Retry,
	})

	ec.Logger.Debug().
		Int("step", stored.Index).
		Str("name", stored.Name).
		Str("status", string(stored.Status)).
		Msg("Step recorded")

	if state != nil && !state.IsCrashed() {
		state.Checkpoint(ctx, ec.Services.Config.Browser.CrashDumpHTMLLimit)
	}
	return stored, nil
}

// QuotaSkipNote is attached to a step whose artifact was not written
const QuotaSkipNote = "artifact skipped: quota exceeded"

// PersistArtifact writes an artifact for step through the quota-gated store
// and attaches its reference. On quota rejection the step gets a note and
// models.ErrQuotaExceeded is returned; the caller decides whether the step
// still stands without it.
func (ec *ExecutionContext) PersistArtifact(ctx context.Context, step *Step, kind models.ArtifactKind, name, ext string, data []byte) (*models.ArtifactRef, error) {
	if err := ec.cancelled(ctx); err != nil {
		return nil, err
	}

	var record *models.ArtifactRecord
	var err error
	if ec.faults != nil && ec.faults.QuotaExceeded {
		err = fmt.Errorf("%w: simulated", models.ErrQuotaExceeded)
	} else {
		record, err = ec.Services.Artifacts.Write(ctx, artifacts.Write{
			OrgID:     ec.Run.OrganizationID,
			RunID:     ec.Run.ID,
			StepIndex: step.Index,
			Kind:      kind,
			Name:      name,
			Ext:       ext,
			Data:      data,
		})
	}

	if errors.Is(err, models.ErrQuotaExceeded) {
		step.Notes = append(step.Notes, QuotaSkipNote)
		ec.emit(ctx, models.EventArtifactSkipped, map[string]interface{}{
			"run_id": ec.Run.ID, "step": step.Index, "kind": string(kind), "bytes": len(data),
		})
		ec.Logger.Warn().Str("kind", string(kind)).Int("bytes", len(data)).Msg("Artifact skipped, quota exceeded")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	ref := record.Ref()
	step.Artifacts = append(step.Artifacts, ref)
	return &ref, nil
}

// Emit sends an event for this run. Sink errors are logged, never fatal.
func (ec *ExecutionContext) Emit(ctx context.Context, name string, payload interface{}) {
	ec.emit(ctx, name, payload)
}

func (ec *ExecutionContext) emit(ctx context.Context, name string, payload interface{}) {
	if ec.Services.Events == nil {
		return
	}
	if err := ec.Services.Events.Emit(ctx, ec.Run.ID, ec.Run.OrganizationID, name, payload); err != nil {
		ec.Logger.Warn().Err(err).Str("event", name).Msg("Event emission failed")
	}
}
