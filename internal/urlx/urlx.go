// Package urlx holds the pure mapping functions between mirror URLs and
// origin URLs. Nothing in here touches the network or any store; the
// proxy engine and the rewriter both build on these primitives, so their
// behaviour stays mutually consistent.
package urlx

import (
	"net"
	"net/url"
	"strings"
)

// Options carries the per-request context the mapping functions need.
type Options struct {
	MirrorHost string // host the client used, lowercased, no port
	MirrorRoot string // site's mirror apex
	SourceRoot string // site's origin apex

	ProxySubdomains      bool
	ProxyExternalDomains bool
	MediaBypass          bool // media_policy == "bypass"
}

// NormalizeHost lowercases a host and strips any port.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		return h
	}
	return host
}

// looksLikeHost reports whether a path segment is an encoded external
// host. A segment qualifies when it contains at least one dot and no
// spaces; /other.org/y therefore decodes to https://other.org/y while
// /wiki/Main_Page stays a literal path. A first segment that happens to
// contain a dot is always treated as a host; that sharp edge is accepted.
func looksLikeHost(segment string) bool {
	return strings.Contains(segment, ".") && !strings.Contains(segment, " ")
}

// mirrorPrefix extracts the subdomain prefix of mirrorHost relative to
// mirrorRoot. ok is false when the host is not the root or under it.
func mirrorPrefix(mirrorHost, mirrorRoot string) (string, bool) {
	if mirrorHost == mirrorRoot {
		return "", true
	}
	if suffix := "." + mirrorRoot; strings.HasSuffix(mirrorHost, suffix) {
		return strings.TrimSuffix(mirrorHost, suffix), true
	}
	return "", false
}

// BuildOriginURL computes the origin URL to fetch for a request that
// arrived on mirrorHost with the given path and query. ok is false when
// the host does not belong to the mirror.
func BuildOriginURL(mirrorHost, pathAndQuery, mirrorRoot, sourceRoot string) (string, bool) {
	host := NormalizeHost(mirrorHost)
	prefix, ok := mirrorPrefix(host, strings.ToLower(mirrorRoot))
	if !ok {
		return "", false
	}

	path := pathAndQuery
	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i:]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	// First path segment containing a dot is an encoded external host.
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed != "" {
		seg, rest, found := strings.Cut(trimmed, "/")
		if looksLikeHost(seg) {
			remaining := "/"
			if found {
				remaining = "/" + rest
			}
			return "https://" + seg + remaining + query, true
		}
	}

	originHost := strings.ToLower(sourceRoot)
	if prefix != "" {
		originHost = prefix + "." + originHost
	}
	return "https://" + originHost + path + query, true
}

// MapOriginURLToMirror is the inverse mapping, used on redirects and
// while rewriting page bodies. Unmappable input comes back unchanged.
func MapOriginURLToMirror(originURL string, opts Options) string {
	u, err := url.Parse(originURL)
	if err != nil || u.Host == "" {
		return originURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return originURL
	}

	host := NormalizeHost(u.Host)
	sourceRoot := strings.ToLower(opts.SourceRoot)
	mirrorRoot := strings.ToLower(opts.MirrorRoot)

	// Already a mirror URL: leave it alone so rewriting is idempotent.
	if host == mirrorRoot || strings.HasSuffix(host, "."+mirrorRoot) {
		return originURL
	}

	pathAndQuery := u.EscapedPath()
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	if u.RawQuery != "" {
		pathAndQuery += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		pathAndQuery += "#" + u.EscapedFragment()
	}

	if host == sourceRoot {
		return "https://" + mirrorRoot + pathAndQuery
	}
	if suffix := "." + sourceRoot; strings.HasSuffix(host, suffix) && opts.ProxySubdomains {
		prefix := strings.TrimSuffix(host, suffix)
		return "https://" + prefix + "." + mirrorRoot + pathAndQuery
	}

	// External host: encode as a path segment on the mirror.
	if !opts.ProxyExternalDomains {
		return originURL
	}
	mirrorHost := opts.MirrorHost
	if mirrorHost == "" {
		mirrorHost = opts.MirrorRoot
	}
	return "https://" + NormalizeHost(mirrorHost) + "/" + host + pathAndQuery
}

// RewriteURLInPage resolves a URL found in a page against the page's
// origin URL and maps it onto the mirror. Anchors, data:, javascript:
// and mailto: URLs pass through untouched, as do media URLs when the
// effective media policy is bypass.
func RewriteURLInPage(raw, pageOriginURL string, opts Options) string {
	if raw == "" {
		return raw
	}
	switch {
	case strings.HasPrefix(raw, "#"),
		strings.HasPrefix(raw, "data:"),
		strings.HasPrefix(raw, "javascript:"),
		strings.HasPrefix(raw, "mailto:"):
		return raw
	}

	abs := absolutize(raw, pageOriginURL)
	if abs == "" {
		return raw
	}
	if opts.MediaBypass && IsMediaURL(abs) {
		return abs
	}
	return MapOriginURLToMirror(abs, opts)
}

// absolutize resolves raw against base, handling protocol-relative URLs
// and preserving percent-encoding. Returns "" when raw cannot be parsed.
func absolutize(raw, base string) string {
	if strings.HasPrefix(raw, "//") {
		scheme := "https"
		if b, err := url.Parse(base); err == nil && b.Scheme != "" {
			scheme = b.Scheme
		}
		return scheme + ":" + raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return raw
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(ref).String()
}
