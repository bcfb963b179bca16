package browsertest

import (
	"image"
	"image/color"
	"sync"

	"github.com/mqxerror/qa-guardian/internal/models"
)

// Document is one URL the fake browser can load
type Document struct {
	HTML     string
	Status   int64
	MimeType string

	// RedirectTo makes navigation land on another URL of the site
	RedirectTo string

	// ContentWidth and ContentHeight default to the viewport
	ContentWidth  int64
	ContentHeight int64

	// Boxes are element positions used by BoundingBox and SelectorAt
	Boxes map[string]models.Rect

	// Links navigate when the selector is clicked
	Links map[string]string

	// Console and Network are replayed to the launch callbacks on load
	Console []models.ConsoleLog
	Network []models.NetworkRequest

	// Paint renders screenshots; a white canvas when nil
	Paint func(img *image.RGBA)

	// Eval answers Evaluate calls; the result is JSON round-tripped into out
	Eval func(expression string) (interface{}, error)
}

// Site maps URLs to documents
type Site struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewSite creates an empty site
func NewSite() *Site {
	return &Site{docs: make(map[string]*Document)}
}

// Add registers a document and returns the site for chaining
func (s *Site) Add(url string, doc *Document) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Status == 0 {
		doc.Status = 200
	}
	if doc.MimeType == "" {
		doc.MimeType = "text/html"
	}
	s.docs[url] = doc
	return s
}

// AddHTML registers an HTML document
func (s *Site) AddHTML(url, html string) *Site {
	return s.Add(url, &Document{HTML: html})
}

func (s *Site) get(url string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[url]
	return d, ok
}

// Fill paints the whole canvas with c
func Fill(c color.Color) func(img *image.RGBA) {
	return func(img *image.RGBA) {
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				img.Set(x, y, c)
			}
		}
	}
}
