package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
)

// ChromeDriver launches one headless Chrome per session through chromedp
type ChromeDriver struct {
	config *common.BrowserConfig
	logger arbor.ILogger
}

// NewChromeDriver creates the production browser driver
func NewChromeDriver(config *common.BrowserConfig, logger arbor.ILogger) *ChromeDriver {
	return &ChromeDriver{config: config, logger: logger}
}

// Launch starts a browser process, enables the runtime, log and network
// domains and subscribes to console, network and crash events.
func (d *ChromeDriver) Launch(ctx context.Context, opts interfaces.LaunchOptions) (interfaces.BrowserSession, error) {
	if opts.Browser != "" && opts.Browser != models.BrowserChromium {
		return nil, fmt.Errorf("%w: chromedp cannot launch %s", models.ErrLaunchFailure, opts.Browser)
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = d.config.UserAgent
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", d.config.DisableGPU),
		chromedp.Flag("no-sandbox", d.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height),
	)
	if userAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(userAgent))
	}
	if d.config.ExecPath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(d.config.ExecPath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	s := &chromeSession{
		allocatorCancel: allocatorCancel,
		browserCancel:   browserCancel,
		crashed:         make(chan struct{}),
		pending:         make(map[network.RequestID]*models.NetworkRequest),
		opts:            opts,
	}
	s.page = &chromePage{ctx: browserCtx, session: s, actionTimeout: d.config.ActionTimeout, format: d.config.ScreenshotFormat}

	// The first Run starts the process and is bound to browserCtx, so the
	// launch deadline is enforced from outside.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx,
			runtime.Enable(),
			cdplog.Enable(),
			network.Enable(),
			chromedp.EmulateViewport(int64(opts.Viewport.Width), int64(opts.Viewport.Height)),
		)
	}()
	select {
	case err := <-started:
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %v", models.ErrLaunchFailure, err)
		}
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrLaunchFailure, ctx.Err())
	}

	chromedp.ListenTarget(browserCtx, s.handleEvent)
	go func() {
		<-browserCtx.Done()
		if !s.isClosing() {
			s.crash("browser context terminated")
		}
	}()

	d.logger.Debug().Str("viewport", opts.Viewport.String()).Bool("headless", opts.Headless).Msg("Chrome session launched")
	return s, nil
}

type chromeSession struct {
	allocatorCancel context.CancelFunc
	browserCancel   context.CancelFunc
	page            *chromePage
	opts            interfaces.LaunchOptions

	mu        sync.Mutex
	closing   bool
	reason    string
	crashOnce sync.Once
	crashed   chan struct{}
	pending   map[network.RequestID]*models.NetworkRequest
	redirects []string
}

func (s *chromeSession) Page() interfaces.Page    { return s.page }
func (s *chromeSession) Crashed() <-chan struct{} { return s.crashed }

func (s *chromeSession) CrashReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *chromeSession) crash(reason string) {
	s.crashOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.crashed)
	})
}

func (s *chromeSession) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *chromeSession) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.browserCancel()
	s.allocatorCancel()
	return nil
}

// handleEvent runs on the chromedp event loop and must not block
func (s *chromeSession) handleEvent(ev interface{}) {
	now := time.Now()
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			if arg.Description != "" {
				parts = append(parts, arg.Description)
			} else {
				parts = append(parts, strings.Trim(string(arg.Value), `"`))
			}
		}
		s.console(models.ConsoleLog{Timestamp: now, Level: e.Type.String(), Source: "console-api", Text: strings.Join(parts, " ")})

	case *runtime.EventExceptionThrown:
		text := e.ExceptionDetails.Text
		if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
			text = e.ExceptionDetails.Exception.Description
		}
		s.console(models.ConsoleLog{
			Timestamp: now, Level: "error", Source: "exception", Text: text,
			URL: e.ExceptionDetails.URL, Line: e.ExceptionDetails.LineNumber,
		})

	case *cdplog.EventEntryAdded:
		s.console(models.ConsoleLog{
			Timestamp: now, Level: e.Entry.Level.String(), Source: e.Entry.Source.String(),
			Text: e.Entry.Text, URL: e.Entry.URL, Line: e.Entry.LineNumber,
		})

	case *network.EventRequestWillBeSent:
		s.mu.Lock()
		if e.RedirectResponse != nil && e.Type == network.ResourceTypeDocument {
			s.redirects = append(s.redirects, e.RedirectResponse.URL)
		}
		s.pending[e.RequestID] = &models.NetworkRequest{
			RequestID:    string(e.RequestID),
			Timestamp:    now,
			Method:       e.Request.Method,
			URL:          e.Request.URL,
			ResourceType: e.Type.String(),
		}
		s.mu.Unlock()

	case *network.EventResponseReceived:
		s.mu.Lock()
		if r, ok := s.pending[e.RequestID]; ok {
			r.Status = e.Response.Status
			r.MimeType = e.Response.MimeType
		}
		s.mu.Unlock()

	case *network.EventLoadingFinished:
		s.finish(e.RequestID, func(r *models.NetworkRequest) {
			r.EncodedBytes = int64(e.EncodedDataLength)
		})

	case *network.EventLoadingFailed:
		s.finish(e.RequestID, func(r *models.NetworkRequest) {
			r.Failed = true
			r.ErrorText = e.ErrorText
		})

	case *inspector.EventTargetCrashed:
		s.crash("page render process crashed")

	case *inspector.EventDetached:
		if !s.isClosing() {
			s.crash(fmt.Sprintf("target detached: %s", e.Reason))
		}
	}
}

func (s *chromeSession) console(entry models.ConsoleLog) {
	if s.opts.OnConsole != nil {
		s.opts.OnConsole(entry)
	}
}

func (s *chromeSession) finish(id network.RequestID, fn func(r *models.NetworkRequest)) {
	s.mu.Lock()
	r, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	fn(r)
	r.DurationMs = float64(time.Since(r.Timestamp).Microseconds()) / 1000
	if s.opts.OnNetwork != nil {
		s.opts.OnNetwork(*r)
	}
}

func (s *chromeSession) takeRedirects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.redirects
	s.redirects = nil
	return r
}

// chromePage implements interfaces.Page on a chromedp browser context
type chromePage struct {
	ctx           context.Context
	session       *chromeSession
	actionTimeout time.Duration
	format        string
}

// run executes actions on the browser context, bounded by the caller's
// context and the action timeout.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := p.bound(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return p.translate(err)
	}
	return nil
}

func (p *chromePage) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.actionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *chromePage) translate(err error) error {
	select {
	case <-p.session.crashed:
		return fmt.Errorf("%w: %s", models.ErrBrowserCrash, p.session.CrashReason())
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrNetworkTimeout, err)
	}
	return err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (p *chromePage) Navigate(ctx context.Context, url string) (*interfaces.NavigationResult, error) {
	runCtx, cancel := p.bound(ctx)
	defer cancel()

	p.session.takeRedirects()
	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		if strings.Contains(err.Error(), "net::ERR_") {
			return nil, fmt.Errorf("%w: %v", models.ErrTargetUnreachable, err)
		}
		return nil, p.translate(err)
	}
	result := &interfaces.NavigationResult{URL: url, Redirects: p.session.takeRedirects()}
	if resp != nil {
		result.URL = resp.URL
		result.StatusCode = resp.Status
		result.MimeType = resp.MimeType
	}
	return result, nil
}

func (p *chromePage) requireElement(ctx context.Context, selector string) error {
	n, err := p.Count(ctx, selector)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrElementNotFound, selector)
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := p.requireElement(ctx, selector); err != nil {
		return err
	}
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	if err := p.requireElement(ctx, selector); err != nil {
		return err
	}
	return p.run(ctx,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
}

func (p *chromePage) Press(ctx context.Context, selector, key string) error {
	if err := p.requireElement(ctx, selector); err != nil {
		return err
	}
	if k, ok := namedKeys[key]; ok {
		key = k
	}
	return p.run(ctx, chromedp.SendKeys(selector, key, chromedp.ByQuery))
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	if err := p.requireElement(ctx, selector); err != nil {
		return "", err
	}
	var text string
	err := p.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery))
	return strings.TrimSpace(text), err
}

func (p *chromePage) Visible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		const st = getComputedStyle(el);
		if (st.display === 'none' || st.visibility === 'hidden' || st.opacity === '0') return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	})()`, jsString(selector))
	err := p.run(ctx, chromedp.Evaluate(expr, &visible))
	return visible, err
}

func (p *chromePage) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.run(waitCtx, chromedp.WaitReady(selector, chromedp.ByQuery))
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %s not present after %s", models.ErrElementNotFound, selector, timeout)
	}
	return err
}

func (p *chromePage) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector)), &n))
	return n, err
}

func (p *chromePage) BoundingBox(ctx context.Context, selector string) (*models.Rect, error) {
	var box *models.Rect
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return null;
		const r = el.getBoundingClientRect();
		return {x: Math.round(r.left + scrollX), y: Math.round(r.top + scrollY), width: Math.round(r.width), height: Math.round(r.height)};
	})()`, jsString(selector))
	if err := p.run(ctx, chromedp.Evaluate(expr, &box)); err != nil {
		return nil, err
	}
	if box == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrElementNotFound, selector)
	}
	return box, nil
}

// selectorAtScript builds a selector for the element at a document point,
// preferring id and test id attributes over a structural path.
const selectorAtScript = `((x, y) => {
	window.scrollTo(0, Math.max(0, y - innerHeight / 2));
	const el = document.elementFromPoint(x - scrollX, y - scrollY);
	if (!el || el === document.documentElement || el === document.body) return "";
	const q = (v) => '"' + v.replace(/\\/g, '\\\\').replace(/"/g, '\\"') + '"';
	const unique = (s) => document.querySelectorAll(s).length === 1;
	if (el.id && unique('[id=' + q(el.id) + ']')) return '[id=' + q(el.id) + ']';
	for (const a of ['data-testid', 'data-test', 'data-qa', 'data-cy']) {
		const v = el.getAttribute(a);
		if (v && unique('[' + a + '=' + q(v) + ']')) return '[' + a + '=' + q(v) + ']';
	}
	const parts = [];
	for (let n = el; n && n.nodeType === 1 && n !== document.documentElement; n = n.parentElement) {
		let i = 1;
		for (let s = n.previousElementSibling; s; s = s.previousElementSibling) if (s.tagName === n.tagName) i++;
		parts.unshift(n.tagName.toLowerCase() + ':nth-of-type(' + i + ')');
	}
	return 'html > ' + parts.join(' > ');
})(%d, %d)`

func (p *chromePage) SelectorAt(ctx context.Context, x, y int) (string, error) {
	var sel string
	err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(selectorAtScript, x, y), &sel))
	return sel, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) Info(ctx context.Context) (*models.PageInfo, error) {
	var info models.PageInfo
	expr := `({
		url: location.href,
		title: document.title,
		mime_type: document.contentType,
		content_width: Math.max(document.documentElement.scrollWidth, document.body ? document.body.scrollWidth : 0),
		content_height: Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0)
	})`
	if err := p.run(ctx, chromedp.Evaluate(expr, &info)); err != nil {
		return nil, err
	}
	return &info, nil
}

func (p *chromePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	format := page.CaptureScreenshotFormatPng
	if p.format == "webp" {
		format = page.CaptureScreenshotFormatWebp
	}

	var clip *page.Viewport
	if fullPage {
		info, err := p.Info(ctx)
		if err != nil {
			return nil, err
		}
		clip = &page.Viewport{Width: float64(info.ContentWidth), Height: float64(info.ContentHeight), Scale: 1}
	}

	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().WithFormat(format)
		if clip != nil {
			params = params.WithClip(clip).WithCaptureBeyondViewport(true)
		}
		data, err := params.Do(ctx)
		buf = data
		return err
	}))
	return buf, err
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out interface{}) error {
	if out == nil {
		var discard interface{}
		out = &discard
	}
	return p.run(ctx, chromedp.Evaluate(expression, out))
}

func (p *chromePage) SetViewport(ctx context.Context, viewport models.Viewport) error {
	return p.run(ctx, chromedp.EmulateViewport(int64(viewport.Width), int64(viewport.Height)))
}

var _ interfaces.BrowserDriver = (*ChromeDriver)(nil)
