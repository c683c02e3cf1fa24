package proxy

import (
	"net/http"
	"strings"
)

// strippedHeaders never cross from the origin to the client. Cookies
// live in the jar, security policies would break framing on the
// mirror, and the length/encoding trio is recomputed after rewriting.
var strippedHeaders = map[string]bool{
	"set-cookie":                          true,
	"content-security-policy":             true,
	"content-security-policy-report-only": true,
	"strict-transport-security":           true,
	"x-frame-options":                     true,
	"content-length":                      true,
	"content-encoding":                    true,
	"transfer-encoding":                   true,
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if strippedHeaders[lower] || strings.HasPrefix(lower, "access-control-") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// isMediaContentType reports whether the response is bulk media, which
// streams through without buffering and escapes the size cap unless
// the site runs the size_limited policy.
func isMediaContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range []string{"image/", "video/", "audio/", "application/octet-stream"} {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func isHTMLContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "text/html")
}
