package browsertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
)

// Page is a fake interfaces.Page over the current Document
type Page struct {
	site    *Site
	session *Session
	opts    interfaces.LaunchOptions

	mu          sync.Mutex
	viewport    models.Viewport
	url         string
	current     *Document
	dom         *goquery.Document
	values      map[string]string
	actions     []string
	screenshots []bool
}

func newPage(site *Site, session *Session, opts interfaces.LaunchOptions) *Page {
	vp := opts.Viewport
	if vp.Width == 0 || vp.Height == 0 {
		vp = models.DefaultViewport
	}
	return &Page{site: site, session: session, opts: opts, viewport: vp, values: make(map[string]string)}
}

// Actions returns the recorded action log, e.g. "click #submit"
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

// Screenshots returns the fullPage flag of every screenshot taken
func (p *Page) Screenshots() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.screenshots...)
}

// Value returns what was filled into selector
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[selector]
}

func (p *Page) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.session.isCrashed() {
		return crashErr(p.session.CrashReason())
	}
	if p.session.Closed() {
		return ErrSessionClosed
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) (*interfaces.NavigationResult, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(url)
}

// load must be called with p.mu held
func (p *Page) load(url string) (*interfaces.NavigationResult, error) {
	result := &interfaces.NavigationResult{}
	doc, ok := p.site.get(url)
	for hops := 0; ok && doc.RedirectTo != ""; hops++ {
		if hops > 10 {
			return nil, fmt.Errorf("too many redirects from %s", url)
		}
		result.Redirects = append(result.Redirects, url)
		url = doc.RedirectTo
		doc, ok = p.site.get(url)
	}
	if !ok {
		return nil, fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED %s", models.ErrTargetUnreachable, url)
	}

	dom, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	p.url, p.current, p.dom = url, doc, dom
	p.actions = append(p.actions, "navigate "+url)

	now := time.Now()
	if p.opts.OnNetwork != nil {
		p.opts.OnNetwork(models.NetworkRequest{
			RequestID: fmt.Sprintf("doc-%d", len(p.actions)), Timestamp: now, Method: "GET", URL: url,
			ResourceType: "Document", Status: doc.Status, MimeType: doc.MimeType, EncodedBytes: int64(len(doc.HTML)),
		})
		for _, r := range doc.Network {
			p.opts.OnNetwork(r)
		}
	}
	if p.opts.OnConsole != nil {
		for _, c := range doc.Console {
			p.opts.OnConsole(c)
		}
	}

	result.URL = url
	result.StatusCode = doc.Status
	result.MimeType = doc.MimeType
	return result, nil
}

// find must be called with p.mu held
func (p *Page) find(selector string) *goquery.Selection {
	if p.dom == nil {
		return &goquery.Selection{}
	}
	return p.dom.Find(selector)
}

func notFound(selector string) error {
	return fmt.Errorf("%w: %s", models.ErrElementNotFound, selector)
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.find(selector).Length() == 0 {
		return notFound(selector)
	}
	p.actions = append(p.actions, "click "+selector)
	if target, ok := p.current.Links[selector]; ok {
		_, err := p.load(target)
		return err
	}
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(selector)
	if s.Length() == 0 {
		return notFound(selector)
	}
	s.First().SetAttr("value", value)
	p.values[selector] = value
	p.actions = append(p.actions, "fill "+selector)
	return nil
}

func (p *Page) Press(ctx context.Context, selector, key string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.find(selector).Length() == 0 {
		return notFound(selector)
	}
	p.actions = append(p.actions, "press "+selector+" "+key)
	return nil
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(selector)
	if s.Length() == 0 {
		return "", notFound(selector)
	}
	return strings.TrimSpace(s.First().Text()), nil
}

func (p *Page) Visible(ctx context.Context, selector string) (bool, error) {
	if err := p.check(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(selector).First()
	if s.Length() == 0 {
		return false, nil
	}
	if _, hidden := s.Attr("hidden"); hidden {
		return false, nil
	}
	style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
	return !strings.Contains(style, "display:none") && !strings.Contains(style, "visibility:hidden"), nil
}

func (p *Page) WaitFor(ctx context.Context, selector string, _ time.Duration) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.find(selector).Length() == 0 {
		return notFound(selector)
	}
	return nil
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	if err := p.check(ctx); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.find(selector).Length(), nil
}

func (p *Page) BoundingBox(ctx context.Context, selector string) (*models.Rect, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.find(selector).Length() == 0 {
		return nil, notFound(selector)
	}
	if box, ok := p.current.Boxes[selector]; ok {
		return &box, nil
	}
	return nil, fmt.Errorf("no layout recorded for %s", selector)
}

// SelectorAt returns the smallest recorded box containing the point
func (p *Page) SelectorAt(ctx context.Context, x, y int) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return "", nil
	}
	keys := make([]string, 0, len(p.current.Boxes))
	for k := range p.current.Boxes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestArea := "", 0
	for _, k := range keys {
		b := p.current.Boxes[k]
		if x < b.X || y < b.Y || x >= b.X+b.Width || y >= b.Y+b.Height {
			continue
		}
		if p.find(k).Length() == 0 {
			continue
		}
		if area := b.Width * b.Height; best == "" || area < bestArea {
			best, bestArea = k, area
		}
	}
	return best, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.find("title").First().Text()), nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dom == nil {
		return "", nil
	}
	return p.dom.Html()
}

func (p *Page) Info(ctx context.Context) (*models.PageInfo, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	info := &models.PageInfo{
		URL:           p.url,
		Title:         strings.TrimSpace(p.find("title").First().Text()),
		MimeType:      "text/html",
		ContentWidth:  int64(p.viewport.Width),
		ContentHeight: int64(p.viewport.Height),
	}
	if p.current != nil {
		info.MimeType = p.current.MimeType
		if p.current.ContentWidth > 0 {
			info.ContentWidth = p.current.ContentWidth
		}
		if p.current.ContentHeight > 0 {
			info.ContentHeight = p.current.ContentHeight
		}
	}
	return info, nil
}

func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	w, h := p.viewport.Width, p.viewport.Height
	if fullPage && p.current != nil {
		if p.current.ContentWidth > 0 {
			w = int(p.current.ContentWidth)
		}
		if p.current.ContentHeight > 0 {
			h = int(p.current.ContentHeight)
		}
	}
	p.screenshots = append(p.screenshots, fullPage)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	paint := Fill(image.White)
	if p.current != nil && p.current.Paint != nil {
		paint = p.current.Paint
	}
	paint(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Page) Evaluate(ctx context.Context, expression string, out interface{}) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	eval := (func(string) (interface{}, error))(nil)
	if p.current != nil {
		eval = p.current.Eval
	}
	p.mu.Unlock()

	if eval == nil {
		return fmt.Errorf("evaluate not scripted for this document")
	}
	v, err := eval(expression)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *Page) SetViewport(ctx context.Context, viewport models.Viewport) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = viewport
	p.actions = append(p.actions, "viewport "+viewport.String())
	return nil
}
