// Package extract turns fetched HTML into clean Markdown documents: it strips
// boilerplate, locates the main content region by text density, renders it to
// Markdown, and fingerprints the result for deduplication.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/cleancrawl/internal/clock/system"
	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

const (
	defaultMinContentLength = 100
	defaultSiblingThreshold = 0.2
)

// Config tunes the extraction pipeline.
type Config struct {
	// MinContentLength is the minimum clean-text length in runes.
	MinContentLength int
	// SiblingThreshold is the fraction of the best score a sibling needs to
	// join the main region.
	SiblingThreshold float64
	// AdSelectors are extra CSS selectors removed before scoring.
	AdSelectors []string
}

// Pipeline implements crawler.Extractor.
type Pipeline struct {
	cfg    Config
	fp     crawler.Fingerprinter
	clock  crawler.Clock
	logger *zap.Logger
}

var _ crawler.Extractor = (*Pipeline)(nil)

// New builds an extraction pipeline. A nil clock uses the system clock.
func New(cfg Config, fp crawler.Fingerprinter, clock crawler.Clock, logger *zap.Logger) *Pipeline {
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = defaultMinContentLength
	}
	if cfg.SiblingThreshold <= 0 || cfg.SiblingThreshold > 1 {
		cfg.SiblingThreshold = defaultSiblingThreshold
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, fp: fp, clock: clock, logger: logger}
}

// Extract produces an ExtractedDocument from a successful fetch. Every failure
// wraps crawler.ErrExtractionFailed.
func (p *Pipeline) Extract(result crawler.FetchResult) (crawler.ExtractedDocument, error) {
	sourceURL := result.Task.URL
	if len(bytes.TrimSpace(result.Body)) == 0 {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: empty body for %s", crawler.ErrExtractionFailed, sourceURL)
	}
	if ct := result.Headers.Get("Content-Type"); ct != "" && !isMarkup(ct) {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: unsupported content type %q", crawler.ErrExtractionFailed, ct)
	}
	if !bytes.ContainsRune(result.Body, '<') {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: body is not markup", crawler.ErrExtractionFailed)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.Body))
	if err != nil {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: parse html: %v", crawler.ErrExtractionFailed, err)
	}

	finalURL := result.FinalURL
	if finalURL == "" {
		finalURL = sourceURL
	}
	base, err := url.Parse(finalURL)
	if err != nil || !base.IsAbs() {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: invalid base url %q", crawler.ErrExtractionFailed, finalURL)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	title := documentTitle(doc)
	allLinks := doc.Find("a[href]").Nodes

	body := doc.Find("body").First()
	if body.Length() == 0 {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: no body", crawler.ErrExtractionFailed)
	}
	pageText := measure(body.Get(0)).text

	stripBoilerplate(doc, p.cfg.AdSelectors)
	reg := findRegion(body.Get(0), p.cfg.SiblingThreshold)
	reg.confidence = confidence(reg.nodes, pageText)

	text, err := renderMarkdown(reg.nodes, base)
	if err != nil {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: %v", crawler.ErrExtractionFailed, err)
	}
	if n := utf8.RuneCountInString(text); n < p.cfg.MinContentLength {
		return crawler.ExtractedDocument{}, fmt.Errorf("%w: content too short (%d runes)", crawler.ErrExtractionFailed, n)
	}

	links := collectLinks(reg.nodes, allLinks, base, finalURL)
	out := crawler.ExtractedDocument{
		SourceURL:            sourceURL,
		FinalURL:             finalURL,
		Depth:                result.Task.Depth,
		Title:                title,
		CleanText:            text,
		ExtractedLinks:       links,
		ContentFingerprint:   p.fp.Fingerprint(text),
		ExtractionConfidence: reg.confidence,
		FetchedAt:            p.clock.Now(),
	}
	p.logger.Debug("extracted document",
		zap.String("url", sourceURL),
		zap.Int("chars", utf8.RuneCountInString(text)),
		zap.Int("links", len(links)),
		zap.Float64("confidence", out.ExtractionConfidence),
	)
	return out, nil
}

func isMarkup(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}

func documentTitle(doc *goquery.Document) string {
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok && collapse(t) != "" {
		return collapse(t)
	}
	return collapse(doc.Find("h1").First().Text())
}

// collectLinks returns normalized absolute http(s) links, those inside the
// main region first, each at most once and never the page itself.
func collectLinks(regionNodes []*html.Node, all []*html.Node, base *url.URL, self string) []string {
	inRegion := map[*html.Node]struct{}{}
	for _, root := range regionNodes {
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if n.Type == html.ElementNode && n.Data == "a" {
				inRegion[n] = struct{}{}
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(root)
	}

	seen := map[string]struct{}{}
	if norm, err := crawler.NormalizeURL(self); err == nil {
		seen[norm] = struct{}{}
	}
	links := make([]string, 0, len(all))
	add := func(n *html.Node) {
		norm, err := crawler.ResolveURL(base, attr(n, "href"))
		if err != nil {
			return
		}
		if !strings.HasPrefix(norm, "http://") && !strings.HasPrefix(norm, "https://") {
			return
		}
		if _, dup := seen[norm]; dup {
			return
		}
		seen[norm] = struct{}{}
		links = append(links, norm)
	}
	for _, n := range all {
		if _, ok := inRegion[n]; ok {
			add(n)
		}
	}
	for _, n := range all {
		if _, ok := inRegion[n]; !ok {
			add(n)
		}
	}
	return links
}
