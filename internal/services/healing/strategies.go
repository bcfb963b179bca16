package healing

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
)

// DefaultStrategies is the strategy order used when a project configures none
var DefaultStrategies = []string{
	models.StrategyTestID,
	models.StrategyRoleName,
	models.StrategyText,
	models.StrategyStableAncestor,
	models.StrategyVisualPosition,
}

// lookup is the input every strategy works from
type lookup struct {
	doc      *goquery.Document
	page     interfaces.Page
	selector string
	hints    models.HealingHints
}

type strategyFunc func(ctx context.Context, p *lookup) []models.HealingCandidate

var strategyFuncs = map[string]strategyFunc{
	models.StrategyTestID:         byTestID,
	models.StrategyRoleName:       byRoleName,
	models.StrategyText:           byText,
	models.StrategyStableAncestor: byStableAncestor,
	models.StrategyVisualPosition: byVisualPosition,
}

// KnownStrategy reports whether name is a supported strategy
func KnownStrategy(name string) bool {
	_, ok := strategyFuncs[name]
	return ok
}

func candidate(strategy, selector string, confidence float64, reason string) models.HealingCandidate {
	confidence = math.Max(0, math.Min(1, confidence))
	return models.HealingCandidate{
		Strategy:      strategy,
		Selector:      selector,
		RawConfidence: confidence,
		Confidence:    confidence,
		Reason:        reason,
	}
}

var testIDAttrs = []string{"data-testid", "data-test", "data-qa", "data-cy"}

func byTestID(_ context.Context, p *lookup) []models.HealingCandidate {
	var out []models.HealingCandidate
	if p.hints.TestID != "" {
		for _, attr := range testIDAttrs {
			sel := attrSelector(attr, p.hints.TestID)
			if p.doc.Find(sel).Length() == 1 {
				out = append(out, candidate(models.StrategyTestID, sel, 0.98, attr+" matches recorded test id"))
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	tokens := selectorTokens(p.selector)
	if len(tokens) == 0 {
		return nil
	}
	for _, attr := range testIDAttrs {
		p.doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			v := strings.ToLower(s.AttrOr(attr, ""))
			for _, tok := range tokens {
				switch {
				case v == tok:
					out = append(out, candidate(models.StrategyTestID, attrSelector(attr, s.AttrOr(attr, "")), 0.9,
						fmt.Sprintf("%s equals selector token %q", attr, tok)))
					return
				case len(tok) >= 3 && strings.Contains(v, tok):
					out = append(out, candidate(models.StrategyTestID, attrSelector(attr, s.AttrOr(attr, "")), 0.7,
						fmt.Sprintf("%s contains selector token %q", attr, tok)))
					return
				}
			}
		})
	}
	return out
}

func byRoleName(_ context.Context, p *lookup) []models.HealingCandidate {
	if p.hints.Role == "" || p.hints.Name == "" {
		return nil
	}
	want := normalizeText(p.hints.Name)
	var out []models.HealingCandidate
	p.doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		if role(s) != p.hints.Role {
			return
		}
		name := accessibleName(s)
		var conf float64
		switch {
		case name == want:
			conf = 0.92
		case strings.EqualFold(name, want):
			conf = 0.85
		case name != "" && strings.Contains(strings.ToLower(name), strings.ToLower(want)):
			conf = 0.7
		default:
			return
		}
		out = append(out, candidate(models.StrategyRoleName, uniqueSelector(p.doc, s), conf,
			fmt.Sprintf("role %s with name %q", p.hints.Role, name)))
	})
	return out
}

func byText(_ context.Context, p *lookup) []models.HealingCandidate {
	if p.hints.Text == "" {
		return nil
	}
	want := normalizeText(p.hints.Text)
	var out []models.HealingCandidate
	p.doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		if tag == "script" || tag == "style" {
			return
		}
		text := normalizeText(s.Text())
		if text == "" {
			return
		}
		// Only the innermost element carrying the text
		inner := false
		s.Children().EachWithBreak(func(_ int, c *goquery.Selection) bool {
			if strings.Contains(strings.ToLower(normalizeText(c.Text())), strings.ToLower(want)) {
				inner = true
				return false
			}
			return true
		})
		if inner {
			return
		}
		var conf float64
		switch {
		case text == want:
			conf = 0.85
		case strings.EqualFold(text, want):
			conf = 0.75
		case strings.Contains(strings.ToLower(text), strings.ToLower(want)):
			conf = 0.6
		default:
			return
		}
		if p.hints.Tag != "" && tag == p.hints.Tag {
			conf += 0.05
		}
		out = append(out, candidate(models.StrategyText, uniqueSelector(p.doc, s), conf,
			fmt.Sprintf("%s with text %q", tag, text)))
	})
	return out
}

func byStableAncestor(_ context.Context, p *lookup) []models.HealingCandidate {
	if p.hints.Ancestor == "" {
		return nil
	}
	ancestor := p.doc.Find(p.hints.Ancestor)
	if ancestor.Length() != 1 {
		return nil
	}
	tag := p.hints.Tag
	if tag == "" {
		tag = selectorTag(p.selector)
	}
	if tag == "" {
		return nil
	}

	matches := ancestor.Find(tag)
	if matches.Length() > 1 && p.hints.Text != "" {
		want := strings.ToLower(normalizeText(p.hints.Text))
		matches = matches.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.Contains(strings.ToLower(normalizeText(s.Text())), want)
		})
	}

	var out []models.HealingCandidate
	switch n := matches.Length(); {
	case n == 0:
		return nil
	case n == 1:
		out = append(out, candidate(models.StrategyStableAncestor, uniqueSelector(p.doc, matches), 0.8,
			fmt.Sprintf("only %s inside %s", tag, p.hints.Ancestor)))
	default:
		conf := 0.5 / float64(n)
		matches.Each(func(_ int, s *goquery.Selection) {
			out = append(out, candidate(models.StrategyStableAncestor, uniqueSelector(p.doc, s), conf,
				fmt.Sprintf("one of %d %s inside %s", n, tag, p.hints.Ancestor)))
		})
	}
	return out
}

func byVisualPosition(ctx context.Context, p *lookup) []models.HealingCandidate {
	box := p.hints.LastBox
	if box == nil || box.Width <= 0 || box.Height <= 0 {
		return nil
	}
	sel, err := p.page.SelectorAt(ctx, box.X+box.Width/2, box.Y+box.Height/2)
	if err != nil || sel == "" {
		return nil
	}
	conf := 0.5
	if now, err := p.page.BoundingBox(ctx, sel); err == nil && now != nil {
		conf += 0.3 * overlap(*box, *now)
	}
	if p.hints.Tag != "" && goquery.NodeName(p.doc.Find(sel).First()) == p.hints.Tag {
		conf += 0.1
	}
	return []models.HealingCandidate{
		candidate(models.StrategyVisualPosition, sel, conf, fmt.Sprintf("element at last recorded position %d,%d", box.X, box.Y)),
	}
}

// overlap is intersection over union of two boxes
func overlap(a, b models.Rect) float64 {
	x1, y1 := max(a.X, b.X), max(a.Y, b.Y)
	x2, y2 := min(a.X+a.Width, b.X+b.Width), min(a.Y+a.Height, b.Y+b.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := float64((x2 - x1) * (y2 - y1))
	union := float64(a.Width*a.Height+b.Width*b.Height) - inter
	return inter / union
}
