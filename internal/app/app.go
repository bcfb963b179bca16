package app

import (
	"context"
	"fmt"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/executors"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/orchestrator"
	"github.com/mqxerror/qa-guardian/internal/queue"
	"github.com/mqxerror/qa-guardian/internal/services/artifacts"
	"github.com/mqxerror/qa-guardian/internal/services/baselines"
	"github.com/mqxerror/qa-guardian/internal/services/browser"
	"github.com/mqxerror/qa-guardian/internal/services/events"
	"github.com/mqxerror/qa-guardian/internal/services/healing"
	"github.com/mqxerror/qa-guardian/internal/services/maintenance"
	"github.com/mqxerror/qa-guardian/internal/services/quota"
	"github.com/mqxerror/qa-guardian/internal/services/report"
	"github.com/mqxerror/qa-guardian/internal/services/runs"
	"github.com/mqxerror/qa-guardian/internal/services/settings"
	"github.com/mqxerror/qa-guardian/internal/storage"
	"github.com/mqxerror/qa-guardian/internal/worker"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService  *events.Service
	WSBroadcaster *events.WebSocketBroadcaster

	// Project and organization settings
	SettingsService *settings.Service
	SettingsWatcher *settings.Watcher

	// Execution services
	QuotaManager *quota.Manager
	Runs         *runs.Store
	Browsers     *browser.Manager
	Artifacts    *artifacts.Store
	Baselines    *baselines.Store
	Healing      *healing.Engine
	Reports      *report.Service
	Registry     *execution.Registry
	Orchestrator *orchestrator.Executor

	// Run processing
	Queue       *queue.RunQueue
	WorkerPool  *worker.Pool
	Maintenance *maintenance.Service

	driver  interfaces.BrowserDriver
	started bool
}

// New initializes the application with the chromedp browser driver
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	return NewWithDriver(cfg, logger, browser.NewChromeDriver(&cfg.Browser, logger))
}

// NewWithDriver initializes the application over the given browser driver.
// Background processing does not begin until Start is called.
func NewWithDriver(cfg *common.Config, logger arbor.ILogger, driver interfaces.BrowserDriver) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		driver: driver,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Event service comes first so every later service can emit into it
	app.EventService = events.NewService(app.Logger)
	if cfg.WebSocket.Enabled {
		app.WSBroadcaster = events.NewWebSocketBroadcaster(app.EventService, app.Logger, &app.Config.WebSocket)
	}

	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Int("concurrency", cfg.Executor.Concurrency).
		Strs("test_types", testTypeNames(app.Registry.Types())).
		Bool("reports_enabled", cfg.Reports.Enabled).
		Bool("fault_injection", cfg.FaultInjectionAllowed()).
		Msg("Application initialization complete")

	return app, nil
}

func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

func (a *App) initServices() error {
	var err error

	// 1. Settings provider (per-project / per-organization files)
	a.SettingsService = settings.NewService(a.Config, a.Logger)
	if a.Config.Settings.Watch && a.Config.Settings.Dir != "" {
		a.SettingsWatcher, err = settings.NewWatcher(a.SettingsService, a.Logger)
		if err != nil {
			// Settings are still read on demand, only hot reload is lost
			a.Logger.Warn().Err(err).Str("dir", a.Config.Settings.Dir).Msg("Failed to watch settings directory")
			a.SettingsWatcher = nil
		}
	}

	// 2. Run store and quota-gated artifact storage
	a.Runs = runs.NewStore(a.StorageManager.RunStorage(), a.Logger)
	a.QuotaManager = quota.NewManager(
		a.StorageManager.QuotaStorage(),
		a.StorageManager.ArtifactStorage(),
		a.SettingsService,
		a.Config.Quota.LeaseTTL,
		a.Logger,
	)
	a.Artifacts = artifacts.NewStore(a.Config.Storage.Artifacts.Dir, a.StorageManager.ArtifactStorage(), a.QuotaManager, a.Logger)
	a.Baselines = baselines.NewStore(a.Config.Storage.Baselines.Dir, a.StorageManager.BaselineStorage(), a.Logger)
	a.Healing = healing.NewEngine(a.StorageManager.HealingStorage(), a.Logger)

	// 3. Browser lifecycle; crashes mark the owning run failed through the run store
	a.Browsers = browser.NewManager(a.driver, &a.Config.Browser, a.StorageManager.CrashDumpStorage(), a.Runs, a.Logger)

	// 4. Orchestrator over the type executor registry
	a.Reports = report.NewService(a.Logger)
	a.Registry = executors.NewRegistry()
	a.Orchestrator, err = orchestrator.NewExecutor(&execution.Services{
		Runs:      a.Runs,
		Browsers:  a.Browsers,
		Artifacts: a.Artifacts,
		Baselines: a.Baselines,
		Healing:   a.Healing,
		Settings:  a.SettingsService,
		Events:    a.EventService,
		Config:    a.Config,
		Logger:    a.Logger,
	}, a.Registry, a.Reports)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// 5. Run queue shares the badger database
	store, ok := a.StorageManager.DB().(*badgerhold.Store)
	if !ok || store == nil {
		return fmt.Errorf("storage manager does not expose a badgerhold store")
	}
	a.Queue, err = queue.NewRunQueue(store.Badger(), queue.Config{
		Name:              a.Config.Executor.QueueName,
		VisibilityTimeout: a.Config.Executor.VisibilityTimeout,
		MaxReceive:        a.Config.Executor.MaxReceive,
		PollInterval:      a.Config.Executor.PollInterval,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create run queue: %w", err)
	}
	a.WorkerPool = worker.NewPool(a.Queue, a.Orchestrator, a.Logger, a.Config.Executor.Concurrency)

	// 6. Maintenance jobs
	a.Maintenance, err = maintenance.NewQuotaService(&a.Config.Quota, a.QuotaManager, a.StorageManager.ArtifactStorage(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create maintenance service: %w", err)
	}

	return nil
}

// Start recovers runs interrupted by a previous shutdown, then starts the
// settings watcher, the maintenance scheduler and the worker pool
func (a *App) Start() error {
	if a.started {
		return nil
	}
	if err := a.recoverInterrupted(a.ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if a.SettingsWatcher != nil {
		a.SettingsWatcher.Start(a.ctx)
	}
	a.Maintenance.Start()
	a.WorkerPool.Start()
	a.started = true
	return nil
}

// recoverInterrupted fails runs left running or paused by a process that exited
// mid-execution. Pending runs stay queued.
func (a *App) recoverInterrupted(ctx context.Context) error {
	for _, status := range []models.RunStatus{models.RunStatusRunning, models.RunStatusPaused} {
		stale, err := a.Runs.List(ctx, models.RunFilter{Status: status})
		if err != nil {
			return err
		}
		for _, run := range stale {
			failed, err := a.Runs.MarkFailed(ctx, run.ID, "interrupted by shutdown", models.FailureEnvironment)
			if err != nil {
				a.Logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to mark interrupted run")
				continue
			}
			a.emitFinished(ctx, failed)
			a.Logger.Warn().Str("run_id", run.ID).Str("status", string(status)).Msg("Marked interrupted run failed")
		}
	}
	return nil
}

// Submit creates a pending run and queues it for the worker pool
func (a *App) Submit(ctx context.Context, config models.RunConfig) (*models.TestRun, error) {
	run, err := a.Runs.Create(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := a.Queue.Enqueue(ctx, run.ID); err != nil {
		if failed, mErr := a.Runs.MarkFailed(ctx, run.ID, "enqueue failed: "+err.Error(), models.FailureEnvironment); mErr == nil {
			a.emitFinished(ctx, failed)
		}
		return nil, fmt.Errorf("failed to enqueue run %s: %w", run.ID, err)
	}
	a.Logger.Info().
		Str("run_id", run.ID).
		Str("test_type", string(run.Config.TestType)).
		Str("project_id", run.ProjectID).
		Msg("Run submitted")
	return run, nil
}

// Run creates a run and executes it on the calling goroutine, bypassing the queue
func (a *App) Run(ctx context.Context, config models.RunConfig) (*models.TestRun, error) {
	run, err := a.Runs.Create(ctx, config)
	if err != nil {
		return nil, err
	}
	return a.Orchestrator.Execute(ctx, run.ID)
}

// Get returns a run by id
func (a *App) Get(ctx context.Context, runID string) (*models.TestRun, error) {
	return a.Runs.Get(ctx, runID)
}

// List returns runs matching the filter
func (a *App) List(ctx context.Context, filter models.RunFilter) ([]*models.TestRun, error) {
	return a.Runs.List(ctx, filter)
}

// Cancel requests cancellation. A pending run never reaches the orchestrator,
// so its finished event is emitted here.
func (a *App) Cancel(ctx context.Context, runID string) (*models.TestRun, error) {
	run, err := a.Runs.RequestCancel(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		a.emitFinished(ctx, run)
	}
	return run, nil
}

// Pause requests a pause before the run's next step
func (a *App) Pause(ctx context.Context, runID string) (*models.TestRun, error) {
	return a.Runs.RequestPause(ctx, runID)
}

// Resume lets a paused run continue
func (a *App) Resume(ctx context.Context, runID string) (*models.TestRun, error) {
	return a.Runs.Resume(ctx, runID)
}

// Status is a point-in-time view of the processing state
type Status struct {
	Queued      int                     `json:"queued"`
	LiveBrowser int                     `json:"live_browsers"`
	Clients     int                     `json:"websocket_clients"`
	Jobs        []maintenance.JobStatus `json:"jobs"`
}

// Status reports queue depth, live browsers and maintenance jobs
func (a *App) Status(ctx context.Context) (*Status, error) {
	queued, err := a.Queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	s := &Status{
		Queued:      queued,
		LiveBrowser: a.Browsers.Live(),
		Jobs:        a.Maintenance.Statuses(),
	}
	if a.WSBroadcaster != nil {
		s.Clients = a.WSBroadcaster.ClientCount()
	}
	return s, nil
}

func (a *App) emitFinished(ctx context.Context, run *models.TestRun) {
	if err := a.EventService.Emit(ctx, run.ID, run.OrganizationID, models.EventRunFinished, orchestrator.FinishedPayload(run)); err != nil {
		a.Logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to emit finished event")
	}
}

// Close stops background processing, releases browsers and closes storage
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}

	// Stop the pool first; in-flight runs see their context cancelled
	if a.WorkerPool != nil && a.started {
		a.WorkerPool.Stop()
		a.Logger.Info().Msg("Worker pool stopped")
	}

	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}

	if a.SettingsWatcher != nil {
		a.SettingsWatcher.Stop()
	}

	if a.Browsers != nil {
		a.Browsers.ReleaseAll()
		a.Logger.Info().Msg("Browsers released")
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	var closeErr error
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close storage: %w", err)
		} else {
			a.Logger.Info().Msg("Storage closed")
		}
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return closeErr
}

func testTypeNames(types []models.TestType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
