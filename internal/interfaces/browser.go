package interfaces

import (
	"context"
	"time"

	"github.com/mqxerror/qa-guardian/internal/models"
)

// LaunchOptions configure one browser launch
type LaunchOptions struct {
	Browser   models.BrowserType
	Viewport  models.Viewport
	Headless  bool
	UserAgent string
	OnConsole func(models.ConsoleLog)
	OnNetwork func(models.NetworkRequest)
}

// NavigationResult describes the main document response
type NavigationResult struct {
	URL        string // Final URL after redirects
	StatusCode int64
	MimeType   string
	Redirects  []string
}

// BrowserDriver launches browsers. The chromedp driver is the production implementation.
type BrowserDriver interface {
	Launch(ctx context.Context, opts LaunchOptions) (BrowserSession, error)
}

// BrowserSession is one live browser with a single page
type BrowserSession interface {
	Page() Page
	// Crashed is closed when the browser or its page target terminates abnormally
	Crashed() <-chan struct{}
	CrashReason() string
	Close() error
}

// Page is the set of page operations executors use. Calls must not overlap.
type Page interface {
	Navigate(ctx context.Context, url string) (*NavigationResult, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Press(ctx context.Context, selector, key string) error
	Text(ctx context.Context, selector string) (string, error)
	Visible(ctx context.Context, selector string) (bool, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Count(ctx context.Context, selector string) (int, error)
	BoundingBox(ctx context.Context, selector string) (*models.Rect, error)
	SelectorAt(ctx context.Context, x, y int) (string, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Info(ctx context.Context) (*models.PageInfo, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error) // png or webp bytes
	Evaluate(ctx context.Context, expression string, out interface{}) error
	SetViewport(ctx context.Context, viewport models.Viewport) error
}
