package rewrite

import (
	"regexp"

	"proxibase/internal/urlx"
)

// jsRedirect matches the coarse set of script-level navigation idioms
// this proxy intercepts. Matching is textual on purpose; there is no
// variable tracking and no AST. Alternatives are ordered so the
// longest property chain wins at a given position.
var jsRedirect = regexp.MustCompile(
	`((?:window\.)?location\.href\s*=\s*|(?:window\.)?location\.replace\(\s*|(?:window\.)?location\s*=\s*)("[^"]*"|'[^']*')`)

// InlineJS rewrites redirect targets inside an inline script body,
// preserving the original quote style. A single pass keeps already
// rewritten values stable.
func InlineJS(src string, ctx Context) string {
	if !ctx.RewriteJSRedirects {
		return src
	}
	return jsRedirect.ReplaceAllStringFunc(src, func(m string) string {
		sub := jsRedirect.FindStringSubmatch(m)
		quoted := sub[2]
		quote := quoted[:1]
		inner := quoted[1 : len(quoted)-1]
		return sub[1] + quote + urlx.RewriteURLInPage(inner, ctx.PageURL, ctx.Opts) + quote
	})
}
