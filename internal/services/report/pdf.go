package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/yuin/goldmark/ast"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const (
	pdfFont      = "Arial"
	pdfFontSize  = 9.0
	pdfPageWidth = 190.0
	pdfPageLimit = 297.0 - 15.0
)

// PDF renders the markdown report onto A4 pages
func (s *Service) PDF(run *models.TestRun) ([]byte, error) {
	markdown := s.Markdown(run)
	s.logger.Debug().Str("run_id", run.ID).Int("markdown_len", len(markdown)).Msg("Rendering PDF report")

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(run.TestName, true)
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()
	pdf.SetFont(pdfFont, "", pdfFontSize)

	source := []byte(markdown)
	doc := s.md.Parser().Parse(text.NewReader(source))
	r := &pdfRenderer{
		pdf:    pdf,
		source: source,
		tr:     pdf.UnicodeTranslatorFromDescriptor(""),
	}
	if err := ast.Walk(doc, r.walk); err != nil {
		return nil, fmt.Errorf("failed to render pdf report: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf report: %w", err)
	}
	return buf.Bytes(), nil
}

type pdfRenderer struct {
	pdf       *fpdf.Fpdf
	source    []byte
	tr        func(string) string
	bold      bool
	italic    bool
	listLevel int
}

func (r *pdfRenderer) setFont() {
	style := ""
	if r.bold {
		style += "B"
	}
	if r.italic {
		style += "I"
	}
	r.pdf.SetFont(pdfFont, style, pdfFontSize)
}

func (r *pdfRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			r.pdf.Ln(4)
			r.pdf.SetFont(pdfFont, "B", 14-float64(node.Level))
		} else {
			r.pdf.Ln(6)
			r.setFont()
		}
	case *ast.Paragraph:
		if !entering {
			r.pdf.Ln(6)
		}
	case *ast.Text:
		if entering {
			r.pdf.Write(5, r.tr(string(node.Segment.Value(r.source))))
			if node.SoftLineBreak() {
				r.pdf.Write(5, " ")
			}
		}
	case *ast.Emphasis:
		if node.Level == 2 {
			r.bold = entering
		} else {
			r.italic = entering
		}
		r.setFont()
	case *ast.CodeSpan:
		if entering {
			r.pdf.SetFont("Courier", "", pdfFontSize)
			r.pdf.Write(5, r.tr(string(node.Text(r.source))))
			r.setFont()
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		if entering {
			r.listLevel++
		} else {
			r.listLevel--
			r.pdf.Ln(2)
		}
	case *ast.ListItem:
		if entering {
			r.pdf.Ln(5)
			r.pdf.SetX(10 + float64(r.listLevel)*5)
			r.pdf.Write(5, "- ")
		}
	case *extast.Table:
		if entering {
			r.table(r.rows(node))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *pdfRenderer) rows(n *extast.Table) [][]string {
	var rows [][]string
	var collect func(node ast.Node)
	collect = func(node ast.Node) {
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			switch child.(type) {
			case *extast.TableHeader, *extast.TableRow:
				var row []string
				for c := child.FirstChild(); c != nil; c = c.NextSibling() {
					row = append(row, r.tr(string(c.Text(r.source))))
				}
				rows = append(rows, row)
			}
		}
	}
	collect(n)
	return rows
}

func (r *pdfRenderer) table(rows [][]string) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return
	}
	const (
		fontSize   = 8.0
		lineHeight = 4.0
		maxLines   = 6
	)
	widths := r.columnWidths(rows, fontSize)
	r.pdf.Ln(2)

	for i, row := range rows {
		style := ""
		if i == 0 {
			style = "B"
		}
		r.pdf.SetFont(pdfFont, style, fontSize)

		wrapped := make([][]string, len(widths))
		lines := 1
		for j := range widths {
			if j < len(row) {
				wrapped[j] = r.pdf.SplitText(row[j], widths[j]-2)
			}
			if len(wrapped[j]) > maxLines {
				wrapped[j] = wrapped[j][:maxLines]
			}
			if len(wrapped[j]) > lines {
				lines = len(wrapped[j])
			}
		}

		height := float64(lines)*lineHeight + 2
		y := r.pdf.GetY()
		if y+height > pdfPageLimit {
			r.pdf.AddPage()
			y = r.pdf.GetY()
		}
		x := 10.0
		for j, w := range widths {
			if i == 0 {
				r.pdf.SetFillColor(230, 230, 230)
				r.pdf.Rect(x, y, w, height, "FD")
			} else {
				r.pdf.Rect(x, y, w, height, "D")
			}
			for k, line := range wrapped[j] {
				r.pdf.SetXY(x+1, y+1+float64(k)*lineHeight)
				r.pdf.CellFormat(w-2, lineHeight, line, "", 0, "L", false, 0, "")
			}
			x += w
		}
		r.pdf.SetXY(10, y+height)
	}
	r.pdf.Ln(3)
	r.setFont()
}

// columnWidths sizes columns to their widest cell, scaled to fit the page
func (r *pdfRenderer) columnWidths(rows [][]string, fontSize float64) []float64 {
	const minWidth = 12.0
	widths := make([]float64, len(rows[0]))
	r.pdf.SetFont(pdfFont, "B", fontSize)
	for _, row := range rows {
		for j, c := range row {
			if j >= len(widths) {
				break
			}
			if w := r.pdf.GetStringWidth(strings.TrimSpace(c)) + 4; w > widths[j] {
				widths[j] = w
			}
		}
	}

	total := 0.0
	for j := range widths {
		if widths[j] < minWidth {
			widths[j] = minWidth
		}
		if widths[j] > pdfPageWidth/2 {
			widths[j] = pdfPageWidth / 2
		}
		total += widths[j]
	}
	if total > pdfPageWidth {
		scale := pdfPageWidth / total
		for j := range widths {
			widths[j] *= scale
		}
	}
	return widths
}
