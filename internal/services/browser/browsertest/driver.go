// Package browsertest provides a scripted in-memory browser for tests.
//
// Documents are plain HTML parsed with goquery, so selector semantics match
// what the healing and accessibility engines see.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
)

// ErrSessionClosed is returned by page calls after the session was closed
var ErrSessionClosed = errors.New("browser session closed")

// Driver is a fake interfaces.BrowserDriver serving a fixed Site
type Driver struct {
	Site *Site

	// LaunchErr, when set, fails every launch
	LaunchErr error

	mu       sync.Mutex
	launches []interfaces.LaunchOptions
	sessions []*Session
}

// NewDriver creates a driver serving site
func NewDriver(site *Site) *Driver {
	if site == nil {
		site = NewSite()
	}
	return &Driver{Site: site}
}

// Launch starts a fake session
func (d *Driver) Launch(ctx context.Context, opts interfaces.LaunchOptions) (interfaces.BrowserSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.launches = append(d.launches, opts)
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	s := &Session{crashed: make(chan struct{})}
	s.page = newPage(d.Site, s, opts)
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Launches returns the options of every launch attempt
func (d *Driver) Launches() []interfaces.LaunchOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]interfaces.LaunchOptions(nil), d.launches...)
}

// Sessions returns every session launched so far
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Live counts sessions not yet closed
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sessions {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Session is a fake interfaces.BrowserSession
type Session struct {
	page *Page

	mu      sync.Mutex
	closed  bool
	reason  string
	crashed chan struct{}
}

func (s *Session) Page() interfaces.Page { return s.page }

// FakePage exposes the concrete page for test assertions
func (s *Session) FakePage() *Page { return s.page }

func (s *Session) Crashed() <-chan struct{} { return s.crashed }

func (s *Session) CrashReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Crash simulates abnormal browser termination
func (s *Session) Crash(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != "" {
		return
	}
	s.reason = reason
	close(s.crashed)
}

func (s *Session) isCrashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason != ""
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session already closed")
	}
	s.closed = true
	return nil
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ interfaces.BrowserDriver = (*Driver)(nil)
var _ interfaces.BrowserSession = (*Session)(nil)
var _ interfaces.Page = (*Page)(nil)

// crashErr is returned by page calls after a crash
func crashErr(reason string) error {
	return fmt.Errorf("%w: %s", models.ErrBrowserCrash, reason)
}
