package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// boilerplateSelector lists elements that never carry main content.
const boilerplateSelector = "script,style,noscript,template,iframe,svg,canvas,form,button,select,input,textarea," +
	"nav,footer,aside,link,meta,[role='navigation'],[role='banner'],[role='contentinfo'],[role='complementary']," +
	"[aria-hidden='true'],[hidden]"

// defaultAdSelectors are removed in addition to any configured selectors.
var defaultAdSelectors = []string{
	"ins.adsbygoogle",
	"[id^='google_ads']",
	"[data-ad-slot]",
	"[data-ad]",
	".sponsored",
	".advertisement",
}

var (
	negativeHints = regexp.MustCompile(`(?i)(^|[\s_-])(ad|ads|adv|advert|advertisement|banner|breadcrumbs?|combx|comment|comments|community|cookie|consent|disqus|extra|footer|foot|header|legends|menu|modal|nav|newsletter|outbrain|pager|pagination|popup|promo|related|remark|replies|rss|share|shoutbox|sidebar|skyscraper|social|sponsor|sponsored|subscribe|taboola|tags|tool|widget)([\s_-]|$)`)
	positiveHints = regexp.MustCompile(`(?i)(^|[\s_-])(article|body|blog|content|entry|h-entry|hentry|main|page|post|story|text)([\s_-]|$)`)
)

// hintText joins the class and id attributes used for hint matching.
func hintText(n *html.Node) string {
	return attr(n, "class") + " " + attr(n, "id")
}

// stripBoilerplate removes non-content elements from doc in place.
func stripBoilerplate(doc *goquery.Document, adSelectors []string) {
	doc.Find(boilerplateSelector).Remove()
	for _, sel := range append(append([]string(nil), defaultAdSelectors...), adSelectors...) {
		if strings.TrimSpace(sel) == "" {
			continue
		}
		doc.Find(sel).Remove()
	}

	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		if n.Parent == nil {
			return
		}
		switch n.Data {
		case "article", "main", "body", "html", "a", "p", "pre", "code", "table", "tbody", "thead", "tr", "td", "th":
			return
		}
		hints := hintText(n)
		if strings.TrimSpace(hints) == "" {
			return
		}
		if negativeHints.MatchString(hints) && !positiveHints.MatchString(hints) {
			s.Remove()
		}
	})
}
