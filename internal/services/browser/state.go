package browser

import (
	"context"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
)

// boundedLog keeps the first limit entries and counts the rest
type boundedLog[T any] struct {
	mu      sync.Mutex
	limit   int
	entries []T
	dropped int
}

func newBoundedLog[T any](limit int) *boundedLog[T] {
	return &boundedLog[T]{limit: limit}
}

func (l *boundedLog[T]) add(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && len(l.entries) >= l.limit {
		l.dropped++
		return
	}
	l.entries = append(l.entries, v)
}

func (l *boundedLog[T]) all() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]T(nil), l.entries...)
}

func (l *boundedLog[T]) tail(n int) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > n {
		return append([]T(nil), l.entries[len(l.entries)-n:]...)
	}
	return append([]T(nil), l.entries...)
}

func (l *boundedLog[T]) droppedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// checkpoint is the last page state observed while the browser was healthy
type checkpoint struct {
	URL   string
	Title string
	HTML  string
	At    time.Time
}

// State is the live browser owned by exactly one run
type State struct {
	RunID      string
	Requested  models.BrowserType
	Browser    models.BrowserType // Engine actually launched
	Viewport   models.Viewport
	AcquiredAt time.Time

	session interfaces.BrowserSession
	console *boundedLog[models.ConsoleLog]
	network *boundedLog[models.NetworkRequest]

	mu       sync.Mutex
	last     checkpoint
	released bool
	crashed  bool
	dump     *models.CrashDumpData
	crashMu  sync.Mutex
	stop     chan struct{}
}

// Page returns the run's page
func (s *State) Page() interfaces.Page {
	return s.session.Page()
}

// Crashed is closed when the browser terminates abnormally
func (s *State) Crashed() <-chan struct{} {
	return s.session.Crashed()
}

// IsCrashed reports whether a crash has been observed or recorded
func (s *State) IsCrashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crashed {
		return true
	}
	select {
	case <-s.session.Crashed():
		return true
	default:
		return false
	}
}

// Console returns captured console entries in arrival order
func (s *State) Console() []models.ConsoleLog { return s.console.all() }

// Network returns captured requests in arrival order
func (s *State) Network() []models.NetworkRequest { return s.network.all() }

// Dropped reports entries discarded once the buffers were full
func (s *State) Dropped() (console, network int) {
	return s.console.droppedCount(), s.network.droppedCount()
}

// Released reports whether the browser has been closed
func (s *State) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Checkpoint records URL, title and a bounded HTML snapshot for crash dumps.
// Errors are ignored; the previous checkpoint is kept.
func (s *State) Checkpoint(ctx context.Context, htmlLimit int) {
	page := s.Page()
	url, err := page.URL(ctx)
	if err != nil {
		return
	}
	cp := checkpoint{URL: url, At: time.Now()}
	cp.Title, _ = page.Title(ctx)
	if html, err := page.HTML(ctx); err == nil {
		if htmlLimit > 0 && len(html) > htmlLimit {
			html = html[:htmlLimit]
		}
		cp.HTML = html
	}
	s.mu.Lock()
	s.last = cp
	s.mu.Unlock()
}

func (s *State) lastCheckpoint() checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
