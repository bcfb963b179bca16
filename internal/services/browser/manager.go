package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
)

// RunMarker marks a run failed when its browser crashes
type RunMarker interface {
	MarkFailed(ctx context.Context, runID, reason, class string) (*models.TestRun, error)
}

// Manager launches, tracks and terminates one browser per run
type Manager struct {
	driver     interfaces.BrowserDriver
	config     *common.BrowserConfig
	crashDumps interfaces.CrashDumpStorage
	runs       RunMarker
	logger     arbor.ILogger

	mu     sync.Mutex
	states map[string]*State
}

// NewManager creates a lifecycle manager. runs may be nil.
func NewManager(driver interfaces.BrowserDriver, config *common.BrowserConfig, crashDumps interfaces.CrashDumpStorage, runs RunMarker, logger arbor.ILogger) *Manager {
	return &Manager{
		driver:     driver,
		config:     config,
		crashDumps: crashDumps,
		runs:       runs,
		logger:     logger,
		states:     make(map[string]*State),
	}
}

// resolveEngine maps the requested browser to one the driver can launch
func (m *Manager) resolveEngine(requested models.BrowserType) (models.BrowserType, error) {
	switch requested {
	case "", models.BrowserChromium:
		return models.BrowserChromium, nil
	case models.BrowserFirefox, models.BrowserWebKit:
		if m.config.FallbackToChromium {
			m.logger.Warn().Str("requested", string(requested)).Msg("Browser engine unavailable, falling back to chromium")
			return models.BrowserChromium, nil
		}
		return "", fmt.Errorf("%w: browser %s is not available", models.ErrLaunchFailure, requested)
	default:
		return "", fmt.Errorf("%w: unknown browser %q", models.ErrLaunchFailure, requested)
	}
}

// Acquire launches a browser for runID. A run holds at most one live browser.
func (m *Manager) Acquire(ctx context.Context, runID string, requested models.BrowserType, viewport models.Viewport) (*State, error) {
	m.mu.Lock()
	if _, exists := m.states[runID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s", models.ErrBrowserAlreadyAcquired, runID)
	}
	// Reserve the slot so concurrent acquires for the same run fail fast
	m.states[runID] = nil
	m.mu.Unlock()

	state, err := m.launch(ctx, runID, requested, viewport)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.states, runID)
		return nil, err
	}
	m.states[runID] = state
	return state, nil
}

func (m *Manager) launch(ctx context.Context, runID string, requested models.BrowserType, viewport models.Viewport) (*State, error) {
	engine, err := m.resolveEngine(requested)
	if err != nil {
		return nil, err
	}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = models.DefaultViewport
	}

	state := &State{
		RunID:     runID,
		Requested: requested,
		Browser:   engine,
		Viewport:  viewport,
		console:   newBoundedLog[models.ConsoleLog](m.config.MaxConsoleEntries),
		network:   newBoundedLog[models.NetworkRequest](m.config.MaxNetworkEntries),
		stop:      make(chan struct{}),
	}

	launchCtx := ctx
	if m.config.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, m.config.LaunchTimeout)
		defer cancel()
	}

	start := time.Now()
	session, err := m.driver.Launch(launchCtx, interfaces.LaunchOptions{
		Browser:   engine,
		Viewport:  viewport,
		Headless:  m.config.Headless,
		UserAgent: m.config.UserAgent,
		OnConsole: state.console.add,
		OnNetwork: state.network.add,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("run_id", runID).Str("browser", string(engine)).Msg("Browser launch failed")
		if errors.Is(err, models.ErrLaunchFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrLaunchFailure, err)
	}
	state.session = session
	state.AcquiredAt = time.Now()

	m.logger.Info().
		Str("run_id", runID).
		Str("browser", string(engine)).
		Str("viewport", viewport.String()).
		Dur("startup_time", time.Since(start)).
		Msg("Browser acquired")

	go m.watch(state)
	return state, nil
}

// watch records a crash dump when the session dies before release
func (m *Manager) watch(state *State) {
	select {
	case <-state.session.Crashed():
		if state.Released() {
			return
		}
		reason := state.session.CrashReason()
		if reason == "" {
			reason = "browser terminated unexpectedly"
		}
		common.SafeGo(m.logger, "browser-crash-dump", func() {
			if _, err := m.OnCrash(context.Background(), state, reason); err != nil {
				m.logger.Error().Err(err).Str("run_id", state.RunID).Msg("Failed to record crash dump")
			}
		})
	case <-state.stop:
	}
}

// Get returns the live browser of a run
func (m *Manager) Get(runID string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[runID]
	return s, ok && s != nil
}

// Live counts browsers currently held
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.states {
		if s != nil {
			n++
		}
	}
	return n
}

// Release closes the browser and forgets it. Safe to call more than once.
func (m *Manager) Release(state *State) error {
	if state == nil {
		return nil
	}
	state.mu.Lock()
	if state.released {
		state.mu.Unlock()
		return nil
	}
	state.released = true
	close(state.stop)
	state.mu.Unlock()

	m.mu.Lock()
	if m.states[state.RunID] == state {
		delete(m.states, state.RunID)
	}
	m.mu.Unlock()

	err := state.session.Close()
	if err != nil {
		m.logger.Warn().Err(err).Str("run_id", state.RunID).Msg("Browser close reported an error")
	}
	m.logger.Info().
		Str("run_id", state.RunID).
		Dur("held", time.Since(state.AcquiredAt)).
		Msg("Browser released")
	return err
}

// ReleaseAll closes every live browser, used on shutdown
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	states := make([]*State, 0, len(m.states))
	for _, s := range m.states {
		if s != nil {
			states = append(states, s)
		}
	}
	m.mu.Unlock()

	for _, s := range states {
		_ = m.Release(s)
	}
}
