// Package sink holds the encodings shared by the output sinks. Each
// subpackage implements crawler.Sink for one destination.
package sink

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

const emptyContent = "_(No content extracted)_"

// RenderPage formats one document as a numbered section of the Markdown report.
func RenderPage(index int, doc crawler.ExtractedDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Page %d\n", index)
	if doc.Title != "" {
		fmt.Fprintf(&b, "**Title:** %s\n\n", doc.Title)
	}
	fmt.Fprintf(&b, "**URL:** %s\n\n", doc.SourceURL)
	if doc.FinalURL != "" && doc.FinalURL != doc.SourceURL {
		fmt.Fprintf(&b, "**Final URL:** %s\n\n", doc.FinalURL)
	}
	fmt.Fprintf(&b, "**Depth:** %d\n\n", doc.Depth)
	b.WriteString("## Content\n\n")
	if strings.TrimSpace(doc.CleanText) == "" {
		b.WriteString(emptyContent)
	} else {
		b.WriteString(doc.CleanText)
	}
	b.WriteString("\n\n---\n\n")
	return b.String()
}

// Encode returns the JSON payload used by message and row sinks.
func Encode(doc crawler.ExtractedDocument) ([]byte, error) {
	if doc.ExtractedLinks == nil {
		doc.ExtractedLinks = []string{}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return payload, nil
}

// ObjectName derives a stable object key: prefix/host/fingerprint.md.
func ObjectName(prefix string, doc crawler.ExtractedDocument) string {
	host := "unknown"
	if u, err := url.Parse(doc.SourceURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	name := doc.ContentFingerprint
	if name == "" {
		name = "document"
	}
	return path.Join(strings.Trim(prefix, "/"), host, name+".md")
}
