package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/strikethrough"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
)

func newConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
			strikethrough.NewStrikethroughPlugin(),
		),
	)
}

// renderMarkdown converts the region nodes to Markdown. Link and image
// targets are made absolute against pageURL first.
func renderMarkdown(nodes []*html.Node, pageURL *url.URL) (string, error) {
	var buf bytes.Buffer
	for _, n := range nodes {
		absolutize(n, pageURL)
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("render region: %w", err)
		}
	}
	out, err := newConverter().ConvertString(buf.String(), converter.WithDomain(pageURL.Scheme+"://"+pageURL.Host))
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// absolutize rewrites relative href and src attributes under n in place.
// Fragment-only and unparseable references are left alone.
func absolutize(n *html.Node, pageURL *url.URL) {
	if n.Type == html.ElementNode {
		for i, a := range n.Attr {
			if (a.Key == "href" && n.Data == "a") || (a.Key == "src" && n.Data == "img") {
				n.Attr[i].Val = resolveRef(pageURL, a.Val)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		absolutize(c, pageURL)
	}
}

func resolveRef(pageURL *url.URL, ref string) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ref
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ref
	}
	return pageURL.ResolveReference(parsed).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode, html.DocumentNode:
			if n.Type == html.ElementNode && (n.Data == "br" || isBlock(n.Data)) {
				b.WriteString(" ")
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
			if n.Type == html.ElementNode && isBlock(n.Data) {
				b.WriteString(" ")
			}
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

var blockTags = map[string]struct{}{
	"address": {}, "article": {}, "aside": {}, "blockquote": {}, "dd": {}, "div": {},
	"dl": {}, "dt": {}, "figcaption": {}, "figure": {}, "footer": {}, "form": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {}, "header": {},
	"hr": {}, "li": {}, "main": {}, "nav": {}, "ol": {}, "p": {}, "pre": {},
	"section": {}, "table": {}, "td": {}, "th": {}, "tr": {}, "ul": {},
}

func isBlock(tag string) bool {
	_, ok := blockTags[tag]
	return ok
}
