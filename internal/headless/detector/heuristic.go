// Package detector decides when a fetched review page is a client-rendered
// shell that must be re-fetched with a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	collyfetcher "github.com/JakeFAU/feedback-pipeline/internal/fetcher/colly"
)

// DefaultMinText is the visible text length below which a page is suspect.
const DefaultMinText = 2048

// externalScriptWeight stands in for the size of a script loaded by src.
const externalScriptWeight = 512

// mountPoints are the elements client frameworks hydrate into.
const mountPoints = `#__next, #root, #app, [data-reactroot], [ng-version]`

// Rules promotes pages whose DOM carries little server-rendered text.
type Rules struct {
	// MinText is the visible text length a page needs to be trusted as is.
	MinText int
}

// New returns Rules with minText, or DefaultMinText when it is zero.
func New(minText int) *Rules {
	if minText <= 0 {
		minText = DefaultMinText
	}
	return &Rules{MinText: minText}
}

// ShouldPromote reports whether resp needs a headless render. Non-200
// responses and pages that already yielded every requested selector are
// never promoted.
func (r *Rules) ShouldPromote(req collyfetcher.Request, resp collyfetcher.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if satisfied(req.Selectors, resp.Matches) {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return true
	}

	page := inspect(doc)
	if page.text >= r.MinText {
		return false
	}
	return page.mounted || page.scriptHeavy()
}

type pageShape struct {
	text    int
	script  int
	mounted bool
}

// scriptHeavy is true when scripts make up a quarter or more of the content.
func (p pageShape) scriptHeavy() bool {
	total := p.text + p.script
	return p.script > 0 && p.script*4 >= total
}

func inspect(doc *goquery.Document) pageShape {
	var shape pageShape
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if code := strings.TrimSpace(s.Text()); code != "" {
			shape.script += len(code)
		} else if _, ok := s.Attr("src"); ok {
			shape.script += externalScriptWeight
		}
	})
	shape.mounted = doc.Find(mountPoints).Length() > 0
	doc.Find("script, style, noscript, template").Remove()
	shape.text = len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	return shape
}

func satisfied(selectors []string, matches map[string][]string) bool {
	if len(selectors) == 0 {
		return false
	}
	for _, sel := range selectors {
		if len(matches[sel]) == 0 {
			return false
		}
	}
	return true
}
