// Package detector decides when a plain HTTP probe needs a headless render.
package detector

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

const (
	defaultBodyLengthThreshold = 2048
	defaultMinTextChars        = 200
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// BodyLengthThreshold is the size below which a script-heavy page is
	// treated as an app shell.
	BodyLengthThreshold int
	// MinTextChars is the visible text below which mount points and
	// noscript warnings trigger promotion.
	MinTextChars int
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic creates a new detector. Zero values pick defaults.
func NewHeuristic(bodyThreshold, minText int) *Heuristic {
	if bodyThreshold <= 0 {
		bodyThreshold = defaultBodyLengthThreshold
	}
	if minText <= 0 {
		minText = defaultMinTextChars
	}
	return &Heuristic{BodyLengthThreshold: bodyThreshold, MinTextChars: minText}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote decides whether a headless fetch is required. Only successful
// probes are promoted.
func (h *Heuristic) ShouldPromote(probe crawler.FetchResult) bool {
	if probe.StatusCode != http.StatusOK {
		return false
	}
	body := probe.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	noscript := strings.ToLower(doc.Find("noscript").Text())
	doc.Find("script,style,noscript,template").Remove()
	visible := utf8.RuneCountInString(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
	if visible >= h.MinTextChars {
		return false
	}
	if strings.Contains(noscript, "javascript") {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		coverage += end - start
		pos = end
	}
	return coverage*100/total >= 25
}
