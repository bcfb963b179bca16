// Package report renders finished runs as markdown, HTML or PDF documents.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Format is a report output format
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

// ParseFormat accepts the names used in the [reports] config section
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	case FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unknown report format: %q", s)
}

// Ext is the file extension of the format
func (f Format) Ext() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// Service renders run reports
type Service struct {
	logger arbor.ILogger
	md     goldmark.Markdown
}

// NewService creates a new report service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		logger: logger,
		md:     goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough)),
	}
}

const htmlHead = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>%s</title>
<style>body{font-family:sans-serif;margin:2em}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:4px 8px}</style>
</head><body>
`

// HTML renders the markdown report as a standalone page
func (s *Service) HTML(run *models.TestRun) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, htmlHead, htmlEscape(run.TestName))
	if err := s.md.Convert([]byte(s.Markdown(run)), &buf); err != nil {
		return nil, fmt.Errorf("failed to render html report: %w", err)
	}
	buf.WriteString("</body></html>\n")
	return buf.Bytes(), nil
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func htmlEscape(s string) string {
	return htmlEscaper.Replace(s)
}

// Render produces the report in format f
func (s *Service) Render(run *models.TestRun, f Format) ([]byte, error) {
	switch f {
	case FormatMarkdown:
		return []byte(s.Markdown(run)), nil
	case FormatHTML:
		return s.HTML(run)
	case FormatPDF:
		return s.PDF(run)
	}
	return nil, fmt.Errorf("unknown report format: %q", f)
}
