package extract

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const minBlockChars = 25

// paragraphTags are the leaf-ish blocks whose text seeds container scores.
var paragraphTags = map[string]struct{}{
	"p": {}, "pre": {}, "td": {}, "blockquote": {}, "li": {}, "dd": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
}

var invisibleTags = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "template": {},
}

// candidate accumulates content score for one container element.
type candidate struct {
	node  *html.Node
	score float64
}

// region is the selected main-content span: consecutive siblings under one parent.
type region struct {
	nodes      []*html.Node
	confidence float64
}

type nodeStats struct {
	text     int
	linkText int
	elements int
}

// statsCache holds nodeStats for every element under a root.
type statsCache map[*html.Node]nodeStats

// measureTree computes nodeStats for root and all of its descendant elements
// in a single post-order walk. Each entry counts visible text runes, text
// inside links, and descendant elements.
func measureTree(root *html.Node) statsCache {
	cache := statsCache{}
	var walk func(n *html.Node) nodeStats
	walk = func(n *html.Node) nodeStats {
		var st nodeStats
		switch n.Type {
		case html.TextNode:
			st.text = utf8.RuneCountInString(collapse(n.Data))
		case html.ElementNode, html.DocumentNode:
			if n.Type == html.ElementNode {
				if _, skip := invisibleTags[n.Data]; skip {
					return st
				}
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				cs := walk(c)
				st.text += cs.text
				st.linkText += cs.linkText
				st.elements += cs.elements
			}
			if n.Type == html.ElementNode && n.Data == "a" {
				st.linkText = st.text
			}
			cache[n] = st
			if n.Type == html.ElementNode {
				st.elements++
			}
		}
		return st
	}
	walk(root)
	return cache
}

// measure returns the stats of a single subtree.
func measure(n *html.Node) nodeStats {
	return measureTree(n)[n]
}

func (s nodeStats) linkDensity() float64 {
	if s.text == 0 {
		return 0
	}
	return float64(s.linkText) / float64(s.text)
}

// tagDensity is elements per 100 characters of text.
func (s nodeStats) tagDensity() float64 {
	if s.text == 0 {
		return float64(s.elements)
	}
	return float64(s.elements) * 100 / float64(s.text)
}

// blockScore rates a paragraph-like block by its non-link text, with a small
// bonus for comma-separated prose.
func blockScore(n *html.Node, st nodeStats) (float64, bool) {
	text := collapse(textContent(n))
	length := utf8.RuneCountInString(text)
	if length < minBlockChars {
		return 0, false
	}
	score := float64(length) * (1 - st.linkDensity())
	score += float64(strings.Count(text, ",")) * 10
	return score, true
}

// containerWeight favors semantic containers and positive class hints.
func containerWeight(n *html.Node) float64 {
	weight := 1.0
	switch n.Data {
	case "article", "main":
		weight += 0.5
	case "section", "div":
		weight += 0.1
	case "td", "li", "blockquote", "form", "address":
		weight -= 0.2
	case "body":
		weight -= 0.3
	}
	if attr(n, "role") == "main" || attr(n, "itemprop") == "articleBody" {
		weight += 0.5
	}
	hints := hintText(n)
	if positiveHints.MatchString(hints) {
		weight += 0.25
	}
	if negativeHints.MatchString(hints) {
		weight -= 0.25
	}
	if weight < 0.1 {
		weight = 0.1
	}
	return weight
}

// findRegion scores every container in body and returns the best contiguous
// run of siblings. Each paragraph-like block adds its score to its parent and
// half of it to its grandparent; a container's final score is its total
// scaled by containerWeight and divided by 1 + tag density.
func findRegion(body *html.Node, siblingThreshold float64) region {
	stats := measureTree(body)
	scores := map[*html.Node]*candidate{}
	var order []*html.Node
	add := func(n *html.Node, v float64) {
		if n == nil || n.Type != html.ElementNode {
			return
		}
		c, ok := scores[n]
		if !ok {
			c = &candidate{node: n}
			scores[n] = c
			order = append(order, n)
		}
		c.score += v
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if _, ok := paragraphTags[c.Data]; ok {
				if score, ok := blockScore(c, stats[c]); ok {
					add(c.Parent, score)
					if c.Parent != body {
						add(c.Parent.Parent, score/2)
					}
				}
			}
			walk(c)
		}
	}
	walk(body)

	finals := make(map[*html.Node]float64, len(order))
	var best *html.Node
	bestScore := 0.0
	for _, n := range order {
		st := stats[n]
		s := scores[n].score * containerWeight(n) * (1 - st.linkDensity()) / (1 + st.tagDensity())
		finals[n] = s
		if s > bestScore {
			best, bestScore = n, s
		}
	}
	if best == nil {
		return region{nodes: []*html.Node{body}}
	}
	if best.Parent == nil || best == body {
		return region{nodes: []*html.Node{best}}
	}

	qualifies := func(n *html.Node) bool {
		if s := finals[n]; s > 0 && s >= siblingThreshold*bestScore {
			return true
		}
		if n.Data != "p" {
			return false
		}
		st := stats[n]
		return st.text > 80 && st.linkDensity() < 0.25
	}

	var siblings []*html.Node
	bestIdx := -1
	for c := best.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if c == best {
			bestIdx = len(siblings)
		}
		siblings = append(siblings, c)
	}
	lo, hi := bestIdx, bestIdx
	for lo > 0 && qualifies(siblings[lo-1]) {
		lo--
	}
	for hi < len(siblings)-1 && qualifies(siblings[hi+1]) {
		hi++
	}
	return region{nodes: siblings[lo : hi+1]}
}

// confidence is the share of page text inside the region, discounted by the
// region's link density.
func confidence(nodes []*html.Node, pageText int) float64 {
	if pageText <= 0 {
		return 0
	}
	var text, linkText int
	for _, n := range nodes {
		st := measure(n)
		text += st.text
		linkText += st.linkText
	}
	if text == 0 {
		return 0
	}
	share := float64(text) / float64(pageText)
	if share > 1 {
		share = 1
	}
	return share * (1 - float64(linkText)/float64(text))
}
