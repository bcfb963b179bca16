package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
)

// Queue delivers run ids to workers
type Queue interface {
	Receive(ctx context.Context) (string, func() error, error)
}

// Executor runs one run to a terminal state
type Executor interface {
	Execute(ctx context.Context, runID string) (*models.TestRun, error)
}

// Pool runs queued runs with a fixed number of workers, one run per worker
type Pool struct {
	queue      Queue
	executor   Executor
	logger     arbor.ILogger
	numWorkers int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPool creates a worker pool
func NewPool(queue Queue, executor Executor, logger arbor.ILogger, numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:      queue,
		executor:   executor,
		logger:     logger,
		numWorkers: numWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start starts the workers
func (p *Pool) Start() {
	p.logger.Info().
		Int("num_workers", p.numWorkers).
		Msg("Starting worker pool")

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels in-flight runs at their next step and waits for the workers
func (p *Pool) Stop() {
	p.logger.Info().Msg("Stopping worker pool...")
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	p.logger.Debug().
		Int("worker_id", workerID).
		Msg("Worker started")

	for p.ctx.Err() == nil {
		p.processNext(workerID)
	}
	p.logger.Debug().
		Int("worker_id", workerID).
		Msg("Worker stopping")
}

// processNext executes one run. The message is acked once the run is terminal,
// or when the executor panicked so a poison run is not redelivered forever.
func (p *Pool) processNext(workerID int) {
	runID, ack, err := p.queue.Receive(p.ctx)
	if err != nil {
		if p.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Int("worker_id", workerID).Msg("Queue receive failed")
			time.Sleep(time.Second)
		}
		return
	}

	logger := common.RunLogger(p.logger, runID)
	logger.Info().Int("worker_id", workerID).Msg("Processing run")

	var run *models.TestRun
	err = common.Recover(p.logger, "worker", func() error {
		var execErr error
		run, execErr = p.executor.Execute(p.ctx, runID)
		return execErr
	})

	switch {
	case err != nil && run == nil && p.ctx.Err() != nil:
		// Shutting down mid-run, leave the message for redelivery
		logger.Warn().Err(err).Msg("Run interrupted by shutdown")
		return
	case err != nil:
		logger.Error().Err(err).Int("worker_id", workerID).Msg("Run execution failed")
	default:
		logger.Info().Str("status", string(run.Status)).Int("worker_id", workerID).Msg("Run processed")
	}

	if err := ack(); err != nil {
		logger.Error().Err(err).Msg("Failed to acknowledge run message")
	}
}
