package rewrite

import (
	"regexp"
	"strings"

	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"

	"proxibase/internal/urlx"
)

// cssURL matches url(...) tokens in the double-quoted, single-quoted
// and bare forms.
var cssURL = regexp.MustCompile(`url\(\s*("[^"]*"|'[^']*'|[^"'()\s][^)]*?)\s*\)`)

// cssQuoted matches a bare quoted string, as used by @import "x".
var cssQuoted = regexp.MustCompile(`"[^"]*"|'[^']*'`)

// CSS rewrites url() references in a stylesheet body. The sheet is
// parsed so that only declaration values and at-rule preludes are
// touched; when parsing fails the whole text gets a best-effort
// regex pass instead.
func CSS(src string, ctx Context) string {
	sheet, err := parser.Parse(src)
	if err != nil {
		return rewriteCSSValue(src, ctx)
	}
	rewriteRules(sheet.Rules, ctx)
	return sheet.String()
}

// StyleAttr rewrites url() references inside a style attribute value.
func StyleAttr(val string, ctx Context) string {
	decls, err := parser.ParseDeclarations(val)
	if err != nil {
		return rewriteCSSValue(val, ctx)
	}
	out := make([]string, 0, len(decls))
	for _, d := range decls {
		d.Value = rewriteCSSValue(d.Value, ctx)
		out = append(out, d.String())
	}
	return strings.Join(out, " ")
}

func rewriteRules(rules []*css.Rule, ctx Context) {
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		if rule.Kind == css.AtRule {
			rule.Prelude = rewriteAtRulePrelude(rule.Name, rule.Prelude, ctx)
		}
		for _, d := range rule.Declarations {
			d.Value = rewriteCSSValue(d.Value, ctx)
		}
		if rule.EmbedsRules() {
			rewriteRules(rule.Rules, ctx)
		}
	}
}

// rewriteAtRulePrelude handles @import, which may reference its target
// either as url(...) or as a bare quoted string.
func rewriteAtRulePrelude(name, prelude string, ctx Context) string {
	prelude = rewriteCSSValue(prelude, ctx)
	if strings.EqualFold(strings.TrimSpace(name), "@import") && !strings.Contains(prelude, "url(") {
		prelude = cssQuoted.ReplaceAllStringFunc(prelude, func(m string) string {
			quote := m[:1]
			inner := m[1 : len(m)-1]
			if skipCSSURL(inner) {
				return m
			}
			return quote + urlx.RewriteURLInPage(inner, ctx.PageURL, ctx.Opts) + quote
		})
	}
	return prelude
}

func rewriteCSSValue(value string, ctx Context) string {
	return cssURL.ReplaceAllStringFunc(value, func(m string) string {
		sub := cssURL.FindStringSubmatch(m)
		token := sub[1]
		quote := ""
		inner := strings.TrimSpace(token)
		if strings.HasPrefix(token, `"`) || strings.HasPrefix(token, "'") {
			quote = token[:1]
			inner = token[1 : len(token)-1]
		}
		if skipCSSURL(inner) {
			return m
		}
		return "url(" + quote + urlx.RewriteURLInPage(inner, ctx.PageURL, ctx.Opts) + quote + ")"
	})
}

func skipCSSURL(inner string) bool {
	return inner == "" || strings.HasPrefix(inner, "data:") || strings.HasPrefix(inner, "#")
}
