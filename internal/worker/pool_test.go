package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

type chanQueue struct {
	runs  chan string
	mu    sync.Mutex
	acked []string
}

func newChanQueue(runIDs ...string) *chanQueue {
	q := &chanQueue{runs: make(chan string, len(runIDs))}
	for _, id := range runIDs {
		q.runs <- id
	}
	return q
}

func (q *chanQueue) Receive(ctx context.Context) (string, func() error, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case id := <-q.runs:
		return id, func() error {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.acked = append(q.acked, id)
			return nil
		}, nil
	}
}

func (q *chanQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type executorFunc func(ctx context.Context, runID string) (*models.TestRun, error)

func (f executorFunc) Execute(ctx context.Context, runID string) (*models.TestRun, error) {
	return f(ctx, runID)
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, runID string) (*models.TestRun, error) {
	args := m.Called(ctx, runID)
	run, _ := args.Get(0).(*models.TestRun)
	return run, args.Error(1)
}

func TestPool_ExecutesEachRunOnce(t *testing.T) {
	q := newChanQueue("run-a", "run-b")
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, "run-a").Return(&models.TestRun{ID: "run-a", Status: models.RunStatusCompleted}, nil).Once()
	exec.On("Execute", mock.Anything, "run-b").Return(&models.TestRun{ID: "run-b", Status: models.RunStatusFailed}, nil).Once()

	pool := NewPool(q, exec, arbor.NewLogger(), 1)
	pool.Start()
	require.Eventually(t, func() bool { return len(q.Acked()) == 2 }, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	exec.AssertExpectations(t)
	assert.Equal(t, []string{"run-a", "run-b"}, q.Acked())
}

func TestPool_ExecutesAndAcksEveryRun(t *testing.T) {
	q := newChanQueue("run-1", "run-2", "run-3", "run-4")
	var executed atomic.Int32
	pool := NewPool(q, executorFunc(func(ctx context.Context, runID string) (*models.TestRun, error) {
		executed.Add(1)
		return &models.TestRun{ID: runID, Status: models.RunStatusCompleted}, nil
	}), arbor.NewLogger(), 2)

	pool.Start()
	require.Eventually(t, func() bool { return len(q.Acked()) == 4 }, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	assert.Equal(t, int32(4), executed.Load())
	assert.ElementsMatch(t, []string{"run-1", "run-2", "run-3", "run-4"}, q.Acked())
}

func TestPool_RunsConcurrently(t *testing.T) {
	q := newChanQueue("run-1", "run-2")
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	pool := NewPool(q, executorFunc(func(ctx context.Context, runID string) (*models.TestRun, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return &models.TestRun{ID: runID, Status: models.RunStatusCompleted}, nil
	}), arbor.NewLogger(), 2)

	pool.Start()
	require.Eventually(t, func() bool { return peak.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return len(q.Acked()) == 2 }, 5*time.Second, 10*time.Millisecond)
	pool.Stop()
}

func TestPool_PanicIsRecoveredAndAcked(t *testing.T) {
	q := newChanQueue("poison", "run-2")
	pool := NewPool(q, executorFunc(func(ctx context.Context, runID string) (*models.TestRun, error) {
		if runID == "poison" {
			panic("boom")
		}
		return &models.TestRun{ID: runID, Status: models.RunStatusCompleted}, nil
	}), arbor.NewLogger(), 1)

	pool.Start()
	require.Eventually(t, func() bool { return len(q.Acked()) == 2 }, 5*time.Second, 10*time.Millisecond)
	pool.Stop()
	assert.Equal(t, []string{"poison", "run-2"}, q.Acked())
}

func TestPool_FailedRunIsAcked(t *testing.T) {
	q := newChanQueue("run-1")
	pool := NewPool(q, executorFunc(func(ctx context.Context, runID string) (*models.TestRun, error) {
		return &models.TestRun{ID: runID, Status: models.RunStatusFailed}, models.ErrLaunchFailure
	}), arbor.NewLogger(), 1)

	pool.Start()
	require.Eventually(t, func() bool { return len(q.Acked()) == 1 }, 5*time.Second, 10*time.Millisecond)
	pool.Stop()
}

func TestPool_StopCancelsInFlightRun(t *testing.T) {
	q := newChanQueue("run-1")
	started := make(chan struct{})
	var sawCancel atomic.Bool
	pool := NewPool(q, executorFunc(func(ctx context.Context, runID string) (*models.TestRun, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(errors.Is(ctx.Err(), context.Canceled))
		return &models.TestRun{ID: runID, Status: models.RunStatusCancelled}, nil
	}), arbor.NewLogger(), 1)

	pool.Start()
	<-started
	pool.Stop()
	assert.True(t, sawCancel.Load())
	assert.Equal(t, []string{"run-1"}, q.Acked())
}
