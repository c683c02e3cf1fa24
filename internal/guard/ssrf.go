// Package guard rejects origin URLs that would let a mirror reach into
// the proxy's own network. The check is string-level: it blocks literal
// loopback, private and link-local addresses plus localhost-style names
// without performing DNS resolution.
package guard

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedNets = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("guard: bad CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// IsSafeOriginURL reports whether the URL may be fetched. On rejection
// the second return value carries a short operator-facing reason.
func IsSafeOriginURL(raw string) (bool, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return false, "unparseable URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false, fmt.Sprintf("invalid scheme %q, only http/https allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false, "missing hostname"
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false, "localhost access not allowed"
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return false, fmt.Sprintf("unspecified address %s", ip)
		}
		for _, n := range blockedNets {
			if n.Contains(ip) {
				return false, fmt.Sprintf("address %s in blocked range %s", ip, n)
			}
		}
	}
	return true, "OK"
}
