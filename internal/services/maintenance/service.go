// Package maintenance runs the periodic quota housekeeping jobs.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/services/quota"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// Job names
const (
	JobLeaseSweep = "quota-lease-sweep"
	JobReconcile  = "quota-reconcile"
)

// JobStatus is the last known state of a registered job
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Running   bool       `json:"running"`
}

type jobEntry struct {
	name      string
	schedule  string
	handler   func(ctx context.Context) error
	cronID    cron.EntryID
	lastRun   *time.Time
	lastError string
	isRunning bool
}

// Service schedules maintenance jobs with cron
type Service struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	ctx     context.Context
	cancel  context.CancelFunc
	jobMu   sync.Mutex
	jobs    map[string]*jobEntry
	running bool
}

// NewService creates an empty scheduler
func NewService(logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*jobEntry),
	}
}

// NewQuotaService registers the lease sweep and the counter reconciliation.
// An empty schedule disables the job.
func NewQuotaService(config *common.QuotaConfig, quotaManager *quota.Manager, artifacts interfaces.ArtifactStorage, logger arbor.ILogger) (*Service, error) {
	s := NewService(logger)
	if err := s.RegisterJob(JobLeaseSweep, config.SweepSchedule, func(ctx context.Context) error {
		if n := quotaManager.ExpireLeases(time.Now()); n > 0 {
			logger.Info().Int("expired", n).Msg("Expired quota reservations")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := s.RegisterJob(JobReconcile, config.ReconcileSchedule, func(ctx context.Context) error {
		return ReconcileAll(ctx, quotaManager, artifacts, logger)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// ReconcileAll resets the committed counter of every org that owns artifacts
func ReconcileAll(ctx context.Context, quotaManager *quota.Manager, artifacts interfaces.ArtifactStorage, logger arbor.ILogger) error {
	orgs, err := artifacts.ListArtifactOrgs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list artifact orgs: %w", err)
	}
	var failed int
	for _, orgID := range orgs {
		if _, err := quotaManager.Reconcile(ctx, orgID); err != nil {
			failed++
			logger.Warn().Err(err).Str("org_id", orgID).Msg("Quota reconciliation failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("quota reconciliation failed for %d of %d orgs", failed, len(orgs))
	}
	return nil
}

// RegisterJob adds a job on a cron schedule
func (s *Service) RegisterJob(name, schedule string, handler func(ctx context.Context) error) error {
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{name: name, schedule: schedule, handler: handler}
	if schedule != "" {
		cronID, err := s.cron.AddFunc(schedule, func() { s.RunJob(name) })
		if err != nil {
			return fmt.Errorf("failed to add job %s to cron: %w", name, err)
		}
		entry.cronID = cronID
	}
	s.jobs[name] = entry

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Maintenance job registered")
	return nil
}

// Start begins scheduling
func (s *Service) Start() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Maintenance scheduler started")
}

// Stop halts scheduling and waits for running jobs
func (s *Service) Stop() {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return
	}
	s.running = false
	s.jobMu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// RunJob executes a job now. A job never overlaps with itself.
func (s *Service) RunJob(name string) error {
	s.jobMu.Lock()
	entry, ok := s.jobs[name]
	if !ok {
		s.jobMu.Unlock()
		return fmt.Errorf("job %s not registered", name)
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		s.logger.Debug().Str("job_name", name).Msg("Job still running, skipping")
		return nil
	}
	entry.isRunning = true
	s.jobMu.Unlock()

	start := time.Now()
	err := common.Recover(s.logger, "maintenance:"+name, func() error {
		return entry.handler(s.ctx)
	})

	s.jobMu.Lock()
	entry.isRunning = false
	entry.lastRun = &start
	entry.lastError = ""
	if err != nil {
		entry.lastError = err.Error()
	}
	s.jobMu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("job_name", name).Msg("Maintenance job failed")
		return err
	}
	s.logger.Debug().Str("job_name", name).Dur("duration", time.Since(start)).Msg("Maintenance job finished")
	return nil
}

// Statuses returns every job sorted by name
func (s *Service) Statuses() []JobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		status := JobStatus{
			Name:      entry.name,
			Schedule:  entry.schedule,
			LastRun:   entry.lastRun,
			LastError: entry.lastError,
			Running:   entry.isRunning,
		}
		if entry.cronID != 0 {
			if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
				status.NextRun = &next
			}
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
