package healing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var whitespace = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func attrSelector(name, value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `"`, `\"`)
	return fmt.Sprintf(`[%s="%s"]`, name, value)
}

// uniqueSelector returns a selector that matches s and nothing else in doc.
// Stable attributes are preferred over structural position.
func uniqueSelector(doc *goquery.Document, s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	if id, ok := s.Attr("id"); ok && id != "" {
		if c := attrSelector("id", id); doc.Find(c).Length() == 1 {
			return c
		}
	}
	for _, attr := range []string{"data-testid", "data-test", "data-qa", "data-cy", "name", "aria-label"} {
		if v, ok := s.Attr(attr); ok && v != "" {
			if c := tag + attrSelector(attr, v); doc.Find(c).Length() == 1 {
				return c
			}
		}
	}
	return structuralPath(doc, s)
}

// structuralPath builds a child-combinator path anchored at the nearest
// ancestor with a unique id, or at html.
func structuralPath(doc *goquery.Document, s *goquery.Selection) string {
	var parts []string
	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		if tag == "html" || tag == "#document" {
			parts = append(parts, "html")
			break
		}
		if cur != s {
			if id, ok := cur.Attr("id"); ok && id != "" {
				if c := attrSelector("id", id); doc.Find(c).Length() == 1 {
					parts = append(parts, c)
					break
				}
			}
		}
		n := cur.PrevAllFiltered(tag).Length() + 1
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", tag, n))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// accessibleName approximates the accessible name computation for common elements
func accessibleName(s *goquery.Selection) string {
	for _, attr := range []string{"aria-label", "alt", "title"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return normalizeText(v)
		}
	}
	if t := normalizeText(s.Text()); t != "" {
		return t
	}
	for _, attr := range []string{"value", "placeholder"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return normalizeText(v)
		}
	}
	return ""
}

var inputRoles = map[string]string{
	"submit":   "button",
	"button":   "button",
	"reset":    "button",
	"image":    "button",
	"checkbox": "checkbox",
	"radio":    "radio",
	"range":    "slider",
	"search":   "searchbox",
}

// role returns the explicit or implicit ARIA role of s
func role(s *goquery.Selection) string {
	if r, ok := s.Attr("role"); ok && r != "" {
		return strings.Fields(r)[0]
	}
	switch tag := goquery.NodeName(s); tag {
	case "button", "summary":
		return "button"
	case "a", "area":
		if _, ok := s.Attr("href"); ok {
			return "link"
		}
	case "input":
		t := strings.ToLower(s.AttrOr("type", "text"))
		if r, ok := inputRoles[t]; ok {
			return r
		}
		if t != "hidden" {
			return "textbox"
		}
	case "textarea":
		return "textbox"
	case "select":
		return "combobox"
	case "img":
		return "img"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	case "nav":
		return "navigation"
	case "ul", "ol":
		return "list"
	case "li":
		return "listitem"
	case "form":
		return "form"
	case "dialog":
		return "dialog"
	}
	return ""
}

var leadingTag = regexp.MustCompile(`(?:^|[\s>+~])([a-zA-Z][a-zA-Z0-9-]*)[^\s>+~]*$`)

// selectorTag extracts the tag of the last compound in a simple CSS selector
func selectorTag(selector string) string {
	m := leadingTag.FindStringSubmatch(strings.TrimSpace(selector))
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

var tokenPattern = regexp.MustCompile(`[#.]([a-zA-Z0-9_-]+)|=["']?([a-zA-Z0-9_ -]+)["']?\]`)

// selectorTokens extracts id, class and attribute-value tokens from a selector
func selectorTokens(selector string) []string {
	var tokens []string
	for _, m := range tokenPattern.FindAllStringSubmatch(selector, -1) {
		for _, g := range m[1:] {
			if g != "" {
				tokens = append(tokens, strings.ToLower(g))
			}
		}
	}
	return tokens
}
