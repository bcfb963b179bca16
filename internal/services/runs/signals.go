package runs

import (
	"context"
	"sync"
)

// Signals are the in-process cancel and pause notifications of one run.
// Cancellation is a context, so waits inside the executor can select on it.
// Nothing interrupts a driver action in flight; the executor looks at these only
// at step boundaries.
type Signals struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newSignals() *Signals {
	ctx, cancel := context.WithCancel(context.Background())
	return &Signals{ctx: ctx, cancel: cancel, resume: make(chan struct{})}
}

// Done is closed once cancellation was requested
func (s *Signals) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context is cancelled once cancellation was requested
func (s *Signals) Context() context.Context {
	return s.ctx
}

// Cancelled reports whether cancellation was requested
func (s *Signals) Cancelled() bool {
	return s.ctx.Err() != nil
}

// PauseState reports whether a pause is pending and the channel closed on resume
func (s *Signals) PauseState() (bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, s.resume
}

func (s *Signals) requestCancel() {
	s.cancel()
}

func (s *Signals) requestPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resume = make(chan struct{})
}

func (s *Signals) requestResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resume)
}
