package runs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
)

// Store is the run registry. Every mutation is a read-modify-write under one
// lock, so transitions are linearizable across workers.
type Store struct {
	storage interfaces.RunStorage
	logger  arbor.ILogger

	mu      sync.Mutex
	signals map[string]*Signals
}

// NewStore creates a run store over persistent run storage
func NewStore(storage interfaces.RunStorage, logger arbor.ILogger) *Store {
	return &Store{
		storage: storage,
		logger:  logger,
		signals: make(map[string]*Signals),
	}
}

// Create validates the config and persists a pending run
func (s *Store) Create(ctx context.Context, config models.RunConfig) (*models.TestRun, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Browser == "" {
		config.Browser = models.BrowserChromium
	}
	if config.Viewport == nil {
		vp := models.DefaultViewport
		config.Viewport = &vp
	}

	now := time.Now()
	run := &models.TestRun{
		ID:             common.NewRunID(),
		OrganizationID: config.OrganizationID,
		ProjectID:      config.ProjectID,
		SuiteID:        config.SuiteID,
		TestName:       config.TestName,
		TestType:       config.TestType,
		Browser:        config.Browser,
		Status:         models.RunStatusPending,
		Config:         config,
		Steps:          []models.StepResult{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.storage.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("org_id", run.OrganizationID).
		Str("project_id", run.ProjectID).
		Str("test_type", string(run.TestType)).
		Msg("Test run created")
	return run, nil
}

// Get returns a run by id
func (s *Store) Get(ctx context.Context, runID string) (*models.TestRun, error) {
	return s.storage.GetRun(ctx, runID)
}

// List returns runs matching the filter, newest first
func (s *Store) List(ctx context.Context, filter models.RunFilter) ([]*models.TestRun, error) {
	return s.storage.ListRuns(ctx, filter)
}

// Signals returns the in-process signals for a run, creating them on first use
func (s *Store) Signals(runID string) *Signals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalsLocked(runID)
}

func (s *Store) signalsLocked(runID string) *Signals {
	sig, ok := s.signals[runID]
	if !ok {
		sig = newSignals()
		s.signals[runID] = sig
	}
	return sig
}

// update loads, mutates and saves a run under the store lock
func (s *Store) update(ctx context.Context, runID string, fn func(run *models.TestRun) error) (*models.TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	if err := s.storage.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func applyTransition(run *models.TestRun, to models.RunStatus) error {
	if !models.CanTransition(run.Status, to) {
		return &models.TransitionError{RunID: run.ID, From: run.Status, To: to}
	}
	now := time.Now()
	switch {
	case to == models.RunStatusRunning && run.StartedAt == nil:
		run.StartedAt = &now
	case to.IsTerminal():
		run.EndedAt = &now
	}
	run.Status = to
	return nil
}

// Transition moves a run along the state machine. Any other edge returns a
// *models.TransitionError wrapping models.ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, runID string, to models.RunStatus) (*models.TestRun, error) {
	run, err := s.update(ctx, runID, func(run *models.TestRun) error {
		return applyTransition(run, to)
	})
	if err != nil {
		return nil, err
	}
	if to.IsTerminal() {
		s.forget(runID)
	}
	s.logger.Debug().Str("run_id", runID).Str("status", string(to)).Msg("Run transitioned")
	return run, nil
}

// Finalize transitions a run to a terminal status and stores its result in one write
func (s *Store) Finalize(ctx context.Context, runID string, to models.RunStatus, result *models.RunResult, reason, class string) (*models.TestRun, error) {
	if !to.IsTerminal() {
		return nil, fmt.Errorf("finalize requires a terminal status, got %s", to)
	}
	run, err := s.update(ctx, runID, func(run *models.TestRun) error {
		if err := applyTransition(run, to); err != nil {
			return err
		}
		if result != nil {
			run.Result = result
		}
		if reason != "" {
			run.FailureReason = reason
			run.FailureClass = class
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.forget(runID)
	return run, nil
}

// MarkFailed fails a run unless it is already terminal, in which case the run is returned unchanged
func (s *Store) MarkFailed(ctx context.Context, runID, reason, class string) (*models.TestRun, error) {
	run, err := s.update(ctx, runID, func(run *models.TestRun) error {
		if run.Status.IsTerminal() {
			return nil
		}
		if err := applyTransition(run, models.RunStatusFailed); err != nil {
			return err
		}
		run.FailureReason = reason
		run.FailureClass = class
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.forget(runID)
	return run, nil
}

// RequestCancel flags a run for cancellation. A pending run is cancelled at once;
// a running or paused run is cancelled by its executor at the next step boundary.
func (s *Store) RequestCancel(ctx context.Context, runID string) (*models.TestRun, error) {
	run, err := s.update(ctx, runID, func(run *models.TestRun) error {
		if run.Status.IsTerminal() {
			return &models.TransitionError{RunID: run.ID, From: run.Status, To: models.RunStatusCancelled}
		}
		run.CancelRequested = true
		if run.Status == models.RunStatusPending {
			return applyTransition(run, models.RunStatusCancelled)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Signals(runID).requestCancel()
	if run.Status.IsTerminal() {
		s.forget(runID)
	}
	s.logger.Info().Str("run_id", runID).Str("status", string(run.Status)).Msg("Cancellation requested")
	return run, nil
}

// RequestPause flags a running run to pause before its next step
func (s *Store) RequestPause(ctx context.Context, runID string) (*models.TestRun, error) {
	run, err := s.update(ctx, runID, func(run *models.TestRun) error {
		if run.Status != models.RunStatusRunning && run.Status != models.RunStatusPending {
			return &models.TransitionError{RunID: run.ID, From: run.Status, To: models.RunStatusPaused}
		}
		run.PauseRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Signals(runID).requestPause()
	s.logger.Info().Str("run_id", runID).Msg("Pause requested")
	return run, nil
}

// Resume clears a pause request. The executor moves the run back to running.
func (s *Store) Resume(ctx context.Context, runID string) (*models.TestRun, error) {
	run, err := s.update(ctx, runID, func(run *models.TestRun) error {
		if run.Status.IsTerminal() {
			return &models.TransitionError{RunID: run.ID, From: run.Status, To: models.RunStatusRunning}
		}
		run.PauseRequested = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Signals(runID).requestResume()
	s.logger.Info().Str("run_id", runID).Msg("Resume requested")
	return run, nil
}

// AppendStep appends a step in execution order and returns it with its index set
func (s *Store) AppendStep(ctx context.Context, runID string, step models.StepResult) (models.StepResult, error) {
	_, err := s.update(ctx, runID, func(run *models.TestRun) error {
		if run.Status.IsTerminal() {
			return fmt.Errorf("cannot append step to %s run %s", run.Status, run.ID)
		}
		step.Index = len(run.Steps)
		run.Steps = append(run.Steps, step)
		return nil
	})
	if err != nil {
		return models.StepResult{}, err
	}
	return step, nil
}

// SetResult stores the aggregate result payload of a run
func (s *Store) SetResult(ctx context.Context, runID string, result *models.RunResult) error {
	_, err := s.update(ctx, runID, func(run *models.TestRun) error {
		run.Result = result
		return nil
	})
	return err
}

func (s *Store) forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, runID)
}
