// Package executiontest wires the execution services over temporary storage
// and a scripted browser for tests.
package executiontest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/artifacts"
	"github.com/mqxerror/qa-guardian/internal/services/baselines"
	"github.com/mqxerror/qa-guardian/internal/services/browser"
	"github.com/mqxerror/qa-guardian/internal/services/browser/browsertest"
	"github.com/mqxerror/qa-guardian/internal/services/healing"
	"github.com/mqxerror/qa-guardian/internal/services/quota"
	"github.com/mqxerror/qa-guardian/internal/services/runs"
	"github.com/mqxerror/qa-guardian/internal/services/settings"
	"github.com/mqxerror/qa-guardian/internal/storage/badger"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

// Harness holds a fully wired set of execution services
type Harness struct {
	Services *execution.Services
	Config   *common.Config
	Storage  interfaces.StorageManager
	Settings *settings.Service
	Quota    *quota.Manager
	Driver   *browsertest.Driver
	Site     *browsertest.Site
	Events   *Recorder
}

// New builds a harness rooted in t.TempDir(). Fault injection is enabled.
func New(t testing.TB) *Harness {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()

	config := common.NewDefaultConfig()
	config.Environment = "test"
	config.Storage.Badger.Path = filepath.Join(dir, "db")
	config.Storage.Artifacts.Dir = filepath.Join(dir, "artifacts")
	config.Storage.Baselines.Dir = filepath.Join(dir, "baselines")
	config.Settings.Dir = filepath.Join(dir, "settings")
	config.Executor.FaultInjectionEnabled = true
	config.Executor.PauseIdleTimeout = time.Minute

	storage, err := badger.NewManager(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	settingsSvc := settings.NewService(config, logger)
	quotaMgr := quota.NewManager(storage.QuotaStorage(), storage.ArtifactStorage(), settingsSvc, config.Quota.LeaseTTL, logger)
	runStore := runs.NewStore(storage.RunStorage(), logger)

	site := browsertest.NewSite()
	driver := browsertest.NewDriver(site)
	recorder := &Recorder{}

	svc := &execution.Services{
		Runs:      runStore,
		Browsers:  browser.NewManager(driver, &config.Browser, storage.CrashDumpStorage(), runStore, logger),
		Artifacts: artifacts.NewStore(config.Storage.Artifacts.Dir, storage.ArtifactStorage(), quotaMgr, logger),
		Baselines: baselines.NewStore(config.Storage.Baselines.Dir, storage.BaselineStorage(), logger),
		Healing:   healing.NewEngine(storage.HealingStorage(), logger),
		Settings:  settingsSvc,
		Events:    recorder,
		Config:    config,
		Logger:    logger,
	}

	return &Harness{
		Services: svc,
		Config:   config,
		Storage:  storage,
		Settings: settingsSvc,
		Quota:    quotaMgr,
		Driver:   driver,
		Site:     site,
		Events:   recorder,
	}
}

// CreateRun creates a pending run
func (h *Harness) CreateRun(t testing.TB, config models.RunConfig) *models.TestRun {
	t.Helper()
	if config.OrganizationID == "" {
		config.OrganizationID = "org-1"
	}
	if config.ProjectID == "" {
		config.ProjectID = "proj-1"
	}
	if config.TestName == "" {
		config.TestName = "smoke"
	}
	run, err := h.Services.Runs.Create(context.Background(), config)
	require.NoError(t, err)
	return run
}

// Start moves a run to running and builds its execution context
func (h *Harness) Start(t testing.TB, run *models.TestRun) *execution.ExecutionContext {
	t.Helper()
	ctx := context.Background()
	signals := h.Services.Runs.Signals(run.ID)
	running, err := h.Services.Runs.Transition(ctx, run.ID, models.RunStatusRunning)
	require.NoError(t, err)
	project, err := h.Settings.ProjectSettings(ctx, run.ProjectID)
	require.NoError(t, err)
	return execution.New(h.Services, running, project, signals)
}

// RecordedEvent is one Emit call
type RecordedEvent struct {
	RunID   string
	OrgID   string
	Name    string
	Payload interface{}
}

// Recorder is an interfaces.EventSink that keeps every event in order
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func (r *Recorder) Emit(ctx context.Context, runID, orgID, eventName string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{RunID: runID, OrgID: orgID, Name: eventName, Payload: payload})
	return nil
}

// Events returns the events emitted for runID
func (r *Recorder) Events(runID string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events named name were emitted for runID
func (r *Recorder) Count(runID, name string) int {
	n := 0
	for _, e := range r.Events(runID) {
		if e.Name == name {
			n++
		}
	}
	return n
}

var _ interfaces.EventSink = (*Recorder)(nil)
