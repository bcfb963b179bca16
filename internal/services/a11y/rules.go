// Package a11y evaluates accessibility rules against an HTML snapshot
package a11y

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mqxerror/qa-guardian/internal/models"
)

// Rule is one check over a parsed document
type Rule struct {
	ID          string
	Impact      models.Impact
	Description string
	Help        string
	check       func(doc *goquery.Document) []*goquery.Selection
}

// Outcome is the result of one rule
type Outcome struct {
	Rule      Rule
	Violation *models.A11yViolation // nil when the rule passed
}

const snippetLimit = 250

var rules = []Rule{
	{ID: "image-alt", Impact: models.ImpactCritical, Description: "Images must have alternate text", Help: "Add an alt attribute; use alt=\"\" for decorative images", check: checkImageAlt},
	{ID: "button-name", Impact: models.ImpactCritical, Description: "Buttons must have discernible text", Help: "Give the button text content, aria-label or title", check: checkButtonName},
	{ID: "link-name", Impact: models.ImpactSerious, Description: "Links must have discernible text", Help: "Give the link text content, aria-label or an image with alt text", check: checkLinkName},
	{ID: "label", Impact: models.ImpactCritical, Description: "Form elements must have labels", Help: "Associate a <label for>, wrap the control in a label, or add aria-label", check: checkLabel},
	{ID: "html-has-lang", Impact: models.ImpactSerious, Description: "The <html> element must have a lang attribute", Help: "Set lang on the html element", check: checkHTMLLang},
	{ID: "document-title", Impact: models.ImpactSerious, Description: "Documents must have a non-empty <title>", Help: "Add a descriptive title element", check: checkDocumentTitle},
	{ID: "duplicate-id", Impact: models.ImpactMinor, Description: "id attribute values must be unique", Help: "Rename duplicated ids", check: checkDuplicateID},
	{ID: "heading-order", Impact: models.ImpactModerate, Description: "Heading levels should only increase by one", Help: "Do not skip heading levels", check: checkHeadingOrder},
	{ID: "empty-heading", Impact: models.ImpactMinor, Description: "Headings must not be empty", Help: "Give headings text content", check: checkEmptyHeading},
	{ID: "frame-title", Impact: models.ImpactSerious, Description: "Frames must have a title", Help: "Add a title attribute to iframe and frame elements", check: checkFrameTitle},
	{ID: "meta-viewport", Impact: models.ImpactCritical, Description: "Zooming and scaling must not be disabled", Help: "Remove user-scalable=no and keep maximum-scale at 2 or more", check: checkMetaViewport},
	{ID: "tabindex", Impact: models.ImpactSerious, Description: "Elements should not have tabindex greater than zero", Help: "Use tabindex 0 or -1 and fix the DOM order instead", check: checkTabindex},
	{ID: "list", Impact: models.ImpactSerious, Description: "Lists must only directly contain <li>, <script> or <template>", Help: "Wrap list content in li elements", check: checkList},
	{ID: "aria-role", Impact: models.ImpactCritical, Description: "ARIA role values must be valid", Help: "Use a role defined by WAI-ARIA", check: checkARIARole},
}

// Rules returns the built-in rules in evaluation order
func Rules() []Rule {
	return append([]Rule(nil), rules...)
}

// Lookup finds a built-in rule by id
func Lookup(id string) (Rule, bool) {
	for _, r := range rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Select resolves the effective rule set: enabled (empty means all) minus disabled
func Select(enabled, disabled []string) ([]Rule, error) {
	off := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		if _, ok := Lookup(id); !ok {
			return nil, fmt.Errorf("unknown accessibility rule %q", id)
		}
		off[id] = true
	}

	var out []Rule
	if len(enabled) == 0 {
		for _, r := range rules {
			if !off[r.ID] {
				out = append(out, r)
			}
		}
		return out, nil
	}
	seen := make(map[string]bool)
	for _, id := range enabled {
		r, ok := Lookup(id)
		if !ok {
			return nil, fmt.Errorf("unknown accessibility rule %q", id)
		}
		if off[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r)
	}
	return out, nil
}

// Check runs one rule
func (r Rule) Check(doc *goquery.Document) Outcome {
	nodes := r.check(doc)
	if len(nodes) == 0 {
		return Outcome{Rule: r}
	}
	v := &models.A11yViolation{RuleID: r.ID, Impact: r.Impact, Description: r.Description, Help: r.Help}
	for _, n := range nodes {
		v.Nodes = append(v.Nodes, models.A11yNode{Selector: cssPath(n), HTML: snippet(n)})
	}
	return Outcome{Rule: r, Violation: v}
}

// Score is the impact-weighted share of passing rules, 0-100
func Score(outcomes []Outcome) float64 {
	total, passed := 0.0, 0.0
	for _, o := range outcomes {
		w := o.Rule.Impact.Weight()
		total += w
		if o.Violation == nil {
			passed += w
		}
	}
	if total == 0 {
		return 100
	}
	return float64(int(passed/total*10000+0.5)) / 100
}

// GroupByImpact buckets violations by impact
func GroupByImpact(violations []models.A11yViolation) map[models.Impact][]models.A11yViolation {
	out := make(map[models.Impact][]models.A11yViolation)
	for _, v := range violations {
		out[v.Impact] = append(out[v.Impact], v)
	}
	return out
}

func snippet(s *goquery.Selection) string {
	h, err := goquery.OuterHtml(s)
	if err != nil {
		return ""
	}
	if len(h) > snippetLimit {
		h = h[:snippetLimit] + "..."
	}
	return h
}

// cssPath builds a tag:nth-of-type chain anchored at the nearest id
func cssPath(s *goquery.Selection) string {
	var parts []string
	for cur := s.First(); cur.Length() > 0; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		if id := attr(cur, "id"); id != "" && !strings.ContainsAny(id, " \"'") {
			parts = append(parts, tag+"#"+id)
			break
		}
		if tag == "html" {
			parts = append(parts, tag)
			break
		}
		if cur.SiblingsFiltered(tag).Length() > 0 {
			pos := cur.PrevAllFiltered(tag).Length() + 1
			parts = append(parts, tag+":nth-of-type("+strconv.Itoa(pos)+")")
		} else {
			parts = append(parts, tag)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func attr(s *goquery.Selection, name string) string {
	return strings.TrimSpace(s.AttrOr(name, ""))
}

// labelledBy resolves aria-labelledby ids to their text
func labelledBy(doc *goquery.Document, s *goquery.Selection) string {
	var parts []string
	for _, id := range strings.Fields(attr(s, "aria-labelledby")) {
		ref := doc.Find("[id]").FilterFunction(func(_ int, e *goquery.Selection) bool { return e.AttrOr("id", "") == id })
		if t := text(ref.First()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func hasName(doc *goquery.Document, s *goquery.Selection) bool {
	if text(s) != "" || attr(s, "aria-label") != "" || attr(s, "title") != "" || labelledBy(doc, s) != "" {
		return true
	}
	named := false
	s.Find("img[alt]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		named = attr(img, "alt") != ""
		return !named
	})
	return named
}

func hidden(s *goquery.Selection) bool {
	if _, ok := s.Attr("hidden"); ok {
		return true
	}
	return attr(s, "aria-hidden") == "true"
}

func checkImageAlt(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("alt"); ok || hidden(s) {
			return
		}
		if role := attr(s, "role"); role == "presentation" || role == "none" {
			return
		}
		if attr(s, "aria-label") != "" || labelledBy(doc, s) != "" {
			return
		}
		out = append(out, s)
	})
	return out
}

func checkButtonName(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find(`button, [role="button"], input[type="button"], input[type="submit"], input[type="reset"]`).Each(func(_ int, s *goquery.Selection) {
		if hidden(s) || hasName(doc, s) {
			return
		}
		if goquery.NodeName(s) == "input" {
			typ := strings.ToLower(attr(s, "type"))
			if attr(s, "value") != "" || typ == "submit" || typ == "reset" {
				return
			}
		}
		out = append(out, s)
	})
	return out
}

func checkLinkName(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if !hidden(s) && !hasName(doc, s) {
			out = append(out, s)
		}
	})
	return out
}

func checkLabel(doc *goquery.Document) []*goquery.Selection {
	labelled := make(map[string]bool)
	doc.Find("label[for]").Each(func(_ int, l *goquery.Selection) {
		if text(l) != "" {
			labelled[attr(l, "for")] = true
		}
	})

	var out []*goquery.Selection
	doc.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		switch strings.ToLower(attr(s, "type")) {
		case "hidden", "submit", "button", "reset", "image":
			return
		}
		if hidden(s) {
			return
		}
		if id := attr(s, "id"); id != "" && labelled[id] {
			return
		}
		if s.ParentsFiltered("label").Length() > 0 {
			return
		}
		if attr(s, "aria-label") != "" || attr(s, "title") != "" || labelledBy(doc, s) != "" {
			return
		}
		out = append(out, s)
	})
	return out
}

func checkHTMLLang(doc *goquery.Document) []*goquery.Selection {
	h := doc.Find("html").First()
	if h.Length() == 0 || attr(h, "lang") != "" {
		return nil
	}
	return []*goquery.Selection{h}
}

func checkDocumentTitle(doc *goquery.Document) []*goquery.Selection {
	if text(doc.Find("title").First()) != "" {
		return nil
	}
	return []*goquery.Selection{doc.Find("html").First()}
}

func checkDuplicateID(doc *goquery.Document) []*goquery.Selection {
	seen := make(map[string]bool)
	var out []*goquery.Selection
	doc.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		id := attr(s, "id")
		if id == "" {
			return
		}
		if seen[id] {
			out = append(out, s)
			return
		}
		seen[id] = true
	})
	return out
}

func headingLevel(s *goquery.Selection) int {
	name := goquery.NodeName(s)
	if len(name) == 2 && name[0] == 'h' && name[1] >= '1' && name[1] <= '6' {
		return int(name[1] - '0')
	}
	return 0
}

func checkHeadingOrder(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	prev := 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		level := headingLevel(s)
		if prev > 0 && level > prev+1 {
			out = append(out, s)
		}
		prev = level
	})
	return out
}

func checkEmptyHeading(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		if !hidden(s) && !hasName(doc, s) {
			out = append(out, s)
		}
	})
	return out
}

func checkFrameTitle(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("iframe, frame").Each(func(_ int, s *goquery.Selection) {
		if !hidden(s) && attr(s, "title") == "" && attr(s, "aria-label") == "" {
			out = append(out, s)
		}
	})
	return out
}

func checkMetaViewport(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find(`meta[name="viewport"]`).Each(func(_ int, s *goquery.Selection) {
		for _, part := range strings.Split(attr(s, "content"), ",") {
			kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(kv[0]))
			val := strings.ToLower(strings.TrimSpace(kv[1]))
			switch key {
			case "user-scalable":
				if val == "no" || val == "0" {
					out = append(out, s)
					return
				}
			case "maximum-scale":
				if f, err := strconv.ParseFloat(val, 64); err == nil && f < 2 {
					out = append(out, s)
					return
				}
			}
		}
	})
	return out
}

func checkTabindex(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("[tabindex]").Each(func(_ int, s *goquery.Selection) {
		if n, err := strconv.Atoi(attr(s, "tabindex")); err == nil && n > 0 {
			out = append(out, s)
		}
	})
	return out
}

func checkList(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("ul, ol").Each(func(_ int, s *goquery.Selection) {
		if r := attr(s, "role"); r != "" && r != "list" {
			return
		}
		s.Children().EachWithBreak(func(_ int, c *goquery.Selection) bool {
			switch goquery.NodeName(c) {
			case "li", "script", "template":
				return true
			}
			out = append(out, s)
			return false
		})
	})
	return out
}

var ariaRoles = map[string]bool{}

func init() {
	for _, r := range strings.Fields(`alert alertdialog application article banner blockquote button caption cell checkbox
		code columnheader combobox complementary contentinfo definition deletion dialog directory document emphasis feed
		figure form generic grid gridcell group heading img insertion link list listbox listitem log main marquee math
		menu menubar menuitem menuitemcheckbox menuitemradio meter navigation none note option paragraph presentation
		progressbar radio radiogroup region row rowgroup rowheader scrollbar search searchbox separator slider spinbutton
		status strong subscript superscript switch tab table tablist tabpanel term textbox time timer toolbar tooltip tree
		treegrid treeitem`) {
		ariaRoles[r] = true
	}
}

func checkARIARole(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("[role]").Each(func(_ int, s *goquery.Selection) {
		for _, role := range strings.Fields(strings.ToLower(attr(s, "role"))) {
			if !ariaRoles[role] {
				out = append(out, s)
				return
			}
		}
	})
	return out
}

// SortViolations orders violations by impact weight, then rule id
func SortViolations(vs []models.A11yViolation) {
	sort.SliceStable(vs, func(i, j int) bool {
		wi, wj := vs[i].Impact.Weight(), vs[j].Impact.Weight()
		if wi != wj {
			return wi > wj
		}
		return vs[i].RuleID < vs[j].RuleID
	})
}
