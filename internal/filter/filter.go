// Package filter removes third-party ad and analytics tags from a
// page and injects operator-supplied replacements. It composes around
// the rewriter: removal runs on the parsed tree before rewriting,
// injection runs on the rendered bytes after.
package filter

import (
	"bytes"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Config is the slice of the effective site configuration the filter
// acts on.
type Config struct {
	RemoveAds       bool
	RemoveAnalytics bool
	InjectAds       bool
	CustomAdHTML    string
	CustomTrackerJS string
}

// adHostTokens flag script and iframe sources served by known ad and
// analytics networks.
var adHostTokens = []string{
	"doubleclick",
	"googlesyndication",
	"adsystem",
	"adservice",
	"adsbygoogle",
	"googletagmanager",
	"google-analytics",
	"googleadservices",
}

// trackerSnippets flag inline script bodies that bootstrap trackers.
var trackerSnippets = []string{
	"gtag(",
	"ga(",
	"GoogleAnalyticsObject",
	"fbq(",
	"_gaq",
	"dataLayer",
}

var (
	srcTagged     = cascadia.MustCompile("script[src], iframe[src]")
	inlineScripts = cascadia.MustCompile("script:not([src])")
)

// Strip removes flagged elements from the tree in place. It is a
// no-op unless ad or analytics removal is enabled.
func Strip(doc *html.Node, cfg Config) {
	if !cfg.RemoveAds && !cfg.RemoveAnalytics {
		return
	}
	var doomed []*html.Node
	for _, n := range srcTagged.MatchAll(doc) {
		if containsAny(strings.ToLower(attrVal(n, "src")), adHostTokens) {
			doomed = append(doomed, n)
		}
	}
	for _, n := range inlineScripts.MatchAll(doc) {
		if containsAny(textContent(n), trackerSnippets) {
			doomed = append(doomed, n)
		}
	}
	for _, n := range doomed {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

// Inject appends the operator's ad block and tracker script just
// before the closing body tag. The ad block requires InjectAds; the
// tracker script only needs to be non-empty. Without a closing body
// tag the content goes at the end of the document.
func Inject(body []byte, cfg Config) []byte {
	var extra bytes.Buffer
	if cfg.InjectAds && cfg.CustomAdHTML != "" {
		extra.WriteString(cfg.CustomAdHTML)
	}
	if cfg.CustomTrackerJS != "" {
		extra.WriteString("<script>")
		extra.WriteString(cfg.CustomTrackerJS)
		extra.WriteString("</script>")
	}
	if extra.Len() == 0 {
		return body
	}
	idx := bytes.LastIndex(bytes.ToLower(body), []byte("</body>"))
	if idx < 0 {
		return append(body, extra.Bytes()...)
	}
	out := make([]byte, 0, len(body)+extra.Len())
	out = append(out, body[:idx]...)
	out = append(out, extra.Bytes()...)
	out = append(out, body[idx:]...)
	return out
}

func attrVal(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if strings.ToLower(attr.Key) == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}
