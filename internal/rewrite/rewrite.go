// Package rewrite transforms HTML responses so that every
// domain-bearing reference points back at the mirror. It covers
// element attributes, inline scripts, inline styles and style
// attributes. External script and stylesheet files are mapped by URL
// only; their contents are never touched.
package rewrite

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"

	"proxibase/internal/urlx"
)

// Context carries everything a single page rewrite needs.
type Context struct {
	// PageURL is the absolute origin URL of the page being rewritten.
	// Relative references resolve against it.
	PageURL string

	// Opts drives the mirror<->origin URL mapping.
	Opts urlx.Options

	// RewriteJSRedirects enables the inline-script redirect pass.
	RewriteJSRedirects bool
}

// urlAttrs lists, per element, the attributes whose values are URLs.
var urlAttrs = map[string][]string{
	"a":      {"href"},
	"form":   {"action"},
	"iframe": {"src"},
	"link":   {"href"},
	"script": {"src"},
	"img":    {"src"},
	"source": {"src"},
	"video":  {"src"},
	"audio":  {"src"},
	"base":   {"href"},
}

// srcsetAttrs lists elements carrying srcset attributes, which need
// per-candidate rewriting rather than a single URL mapping.
var srcsetAttrs = map[string]bool{
	"img":    true,
	"source": true,
}

// HTML rewrites a full document. Parse or render failures return the
// input unchanged; a broken page is better than no page.
func HTML(body []byte, ctx Context) []byte {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return body
	}
	Document(doc, ctx)
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return body
	}
	return buf.Bytes()
}

// Document rewrites a parsed tree in place. Callers that already hold
// a tree (the proxy engine composes filtering and rewriting around a
// single parse) use this instead of HTML.
func Document(doc *html.Node, ctx Context) {
	walk(doc, ctx)
}

func walk(n *html.Node, ctx Context) {
	if n.Type == html.ElementNode {
		rewriteElement(n, ctx)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, ctx)
	}
}

func rewriteElement(n *html.Node, ctx Context) {
	name := strings.ToLower(n.Data)

	for i, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		switch {
		case key == "style":
			n.Attr[i].Val = StyleAttr(attr.Val, ctx)
		case key == "srcset" && srcsetAttrs[name]:
			n.Attr[i].Val = Srcset(attr.Val, ctx)
		case attrIsURL(name, key):
			n.Attr[i].Val = urlx.RewriteURLInPage(attr.Val, ctx.PageURL, ctx.Opts)
		}
	}

	switch name {
	case "script":
		if !hasAttr(n, "src") && ctx.RewriteJSRedirects {
			rewriteTextChild(n, func(s string) string { return InlineJS(s, ctx) })
		}
	case "style":
		rewriteTextChild(n, func(s string) string { return CSS(s, ctx) })
	}
}

func attrIsURL(element, key string) bool {
	for _, a := range urlAttrs[element] {
		if a == key {
			return true
		}
	}
	return false
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if strings.ToLower(attr.Key) == key {
			return true
		}
	}
	return false
}

func rewriteTextChild(n *html.Node, fn func(string) string) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			c.Data = fn(c.Data)
		}
	}
}

// Srcset rewrites each comma-separated candidate of a srcset value
// independently, keeping the width or density descriptor attached to
// its candidate.
func Srcset(val string, ctx Context) string {
	parts := strings.Split(val, ",")
	for i, part := range parts {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		fields[0] = urlx.RewriteURLInPage(fields[0], ctx.PageURL, ctx.Opts)
		parts[i] = strings.Join(fields, " ")
	}
	return strings.Join(parts, ", ")
}
