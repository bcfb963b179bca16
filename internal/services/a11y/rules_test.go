package a11y

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func check(t *testing.T, id, html string) *models.A11yViolation {
	t.Helper()
	rule, ok := Lookup(id)
	require.True(t, ok, id)
	return rule.Check(parse(t, html)).Violation
}

func TestRules_Pass(t *testing.T) {
	tests := map[string]string{
		"image-alt":      `<img src="a.png" alt=""><img src="b.png" role="presentation"><img src="c.png" aria-hidden="true">`,
		"button-name":    `<button aria-label="Close"></button><input type="submit"><button><img alt="Search"></button>`,
		"link-name":      `<a href="/x" title="Home"></a><a href="/y">Docs</a>`,
		"label":          `<label for="e">Email</label><input id="e"><label>Name <input></label><input type="hidden">`,
		"html-has-lang":  `<html lang="en"><body></body></html>`,
		"document-title": `<html><head><title>Shop</title></head></html>`,
		"duplicate-id":   `<div id="a"></div><div id="b"></div>`,
		"heading-order":  `<h1>A</h1><h2>B</h2><h3>C</h3><h2>D</h2>`,
		"empty-heading":  `<h1>Title</h1>`,
		"frame-title":    `<iframe title="Map"></iframe>`,
		"meta-viewport":  `<meta name="viewport" content="width=device-width, maximum-scale=5">`,
		"tabindex":       `<div tabindex="0"></div><div tabindex="-1"></div>`,
		"list":           `<ul><li>a</li><script></script></ul>`,
		"aria-role":      `<div role="navigation"></div><span role="button link"></span>`,
	}
	require.Len(t, tests, len(Rules()))
	for id, html := range tests {
		t.Run(id, func(t *testing.T) {
			assert.Nil(t, check(t, id, html))
		})
	}
}

func TestRules_Violations(t *testing.T) {
	tests := []struct {
		id    string
		html  string
		nodes int
	}{
		{"image-alt", `<img src="a.png"><img src="b.png">`, 2},
		{"button-name", `<button></button><div role="button"> </div>`, 2},
		{"link-name", `<a href="/x"><img src="i.png"></a>`, 1},
		{"label", `<input id="q"><textarea></textarea>`, 2},
		{"html-has-lang", `<html><body></body></html>`, 1},
		{"document-title", `<html><head><title> </title></head></html>`, 1},
		{"duplicate-id", `<div id="a"></div><span id="a"></span>`, 1},
		{"heading-order", `<h2>A</h2><h4>B</h4>`, 1},
		{"empty-heading", `<h2></h2>`, 1},
		{"frame-title", `<iframe src="/x"></iframe>`, 1},
		{"meta-viewport", `<meta name="viewport" content="width=device-width, user-scalable=no">`, 1},
		{"tabindex", `<a tabindex="3" href="/">x</a>`, 1},
		{"list", `<ul><div>x</div></ul>`, 1},
		{"aria-role", `<div role="banana"></div>`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			v := check(t, tt.id, tt.html)
			require.NotNil(t, v)
			assert.Equal(t, tt.id, v.RuleID)
			assert.Len(t, v.Nodes, tt.nodes)
			for _, n := range v.Nodes {
				assert.NotEmpty(t, n.Selector)
			}
		})
	}
}

func TestCheck_NodeSelectors(t *testing.T) {
	v := check(t, "image-alt", `<html><body><main id="content"><p><img src="a"></p><p><img src="b"></p></main></body></html>`)
	require.NotNil(t, v)
	require.Len(t, v.Nodes, 2)
	assert.Equal(t, "main#content > p:nth-of-type(1) > img", v.Nodes[0].Selector)
	assert.Equal(t, "main#content > p:nth-of-type(2) > img", v.Nodes[1].Selector)
	assert.Equal(t, `<img src="b"/>`, v.Nodes[1].HTML)
}

func TestSelect(t *testing.T) {
	all, err := Select(nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, len(Rules()))

	some, err := Select([]string{"list", "image-alt", "list"}, []string{"image-alt"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "list", some[0].ID)

	_, err = Select(nil, []string{"nope"})
	assert.Error(t, err)
	_, err = Select([]string{"nope"}, nil)
	assert.Error(t, err)
}

func TestScore(t *testing.T) {
	critical, _ := Lookup("image-alt")
	minor, _ := Lookup("duplicate-id")

	assert.Equal(t, 100.0, Score(nil))
	assert.Equal(t, 100.0, Score([]Outcome{{Rule: critical}, {Rule: minor}}))
	assert.Equal(t, 9.09, Score([]Outcome{{Rule: critical, Violation: &models.A11yViolation{}}, {Rule: minor}}))
	assert.Equal(t, 0.0, Score([]Outcome{{Rule: critical, Violation: &models.A11yViolation{}}}))
}

func TestSortAndGroup(t *testing.T) {
	vs := []models.A11yViolation{
		{RuleID: "list", Impact: models.ImpactSerious},
		{RuleID: "duplicate-id", Impact: models.ImpactMinor},
		{RuleID: "label", Impact: models.ImpactCritical},
		{RuleID: "frame-title", Impact: models.ImpactSerious},
	}
	SortViolations(vs)
	order := []string{vs[0].RuleID, vs[1].RuleID, vs[2].RuleID, vs[3].RuleID}
	assert.Equal(t, []string{"label", "frame-title", "list", "duplicate-id"}, order)

	grouped := GroupByImpact(vs)
	assert.Len(t, grouped[models.ImpactSerious], 2)
	assert.Len(t, grouped[models.ImpactMinor], 1)
	assert.Empty(t, grouped[models.ImpactModerate])
}
