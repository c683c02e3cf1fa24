// Package store persists sites, global configuration and cookie jars
// in Postgres and exposes the pure site-matching and config-merge
// helpers built on top of those records.
package store

import "strings"

// Media policies.
const (
	MediaBypass      = "bypass"
	MediaProxy       = "proxy"
	MediaSizeLimited = "size_limited"
)

// Session modes.
const (
	SessionStateless = "stateless"
	SessionCookieJar = "cookie_jar"
)

// Site binds a mirror root to a source root. Override fields are
// pointers: nil means "inherit from global config".
type Site struct {
	ID         int64
	MirrorRoot string
	SourceRoot string
	Enabled    bool

	ProxySubdomains      *bool
	ProxyExternalDomains *bool
	RewriteJSRedirects   *bool
	RemoveAds            *bool
	InjectAds            *bool
	RemoveAnalytics      *bool
	MediaPolicy          *string
	SessionMode          *string
	CustomAdHTML         *string
	CustomTrackerJS      *string
}

// GlobalConfig is the singleton default layer under site overrides.
type GlobalConfig struct {
	ProxySubdomains      bool
	ProxyExternalDomains bool
	RewriteJSRedirects   bool
	RemoveAds            bool
	InjectAds            bool
	RemoveAnalytics      bool
	MediaPolicy          string
	SessionMode          string
	CustomAdHTML         string
	CustomTrackerJS      string
}

// DefaultGlobalConfig returns the hardcoded bottom layer of the merge.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		ProxySubdomains:      true,
		ProxyExternalDomains: true,
		RewriteJSRedirects:   true,
		MediaPolicy:          MediaProxy,
		SessionMode:          SessionStateless,
	}
}

// EffectiveConfig is the fully resolved per-request configuration.
type EffectiveConfig struct {
	ProxySubdomains      bool
	ProxyExternalDomains bool
	RewriteJSRedirects   bool
	RemoveAds            bool
	InjectAds            bool
	RemoveAnalytics      bool
	MediaPolicy          string
	SessionMode          string
	CustomAdHTML         string
	CustomTrackerJS      string
}

// Effective overlays site-level overrides onto the global defaults.
func Effective(site *Site, global GlobalConfig) EffectiveConfig {
	eff := EffectiveConfig{
		ProxySubdomains:      overlayBool(site.ProxySubdomains, global.ProxySubdomains),
		ProxyExternalDomains: overlayBool(site.ProxyExternalDomains, global.ProxyExternalDomains),
		RewriteJSRedirects:   overlayBool(site.RewriteJSRedirects, global.RewriteJSRedirects),
		RemoveAds:            overlayBool(site.RemoveAds, global.RemoveAds),
		InjectAds:            overlayBool(site.InjectAds, global.InjectAds),
		RemoveAnalytics:      overlayBool(site.RemoveAnalytics, global.RemoveAnalytics),
		MediaPolicy:          overlayString(site.MediaPolicy, global.MediaPolicy),
		SessionMode:          overlayString(site.SessionMode, global.SessionMode),
		CustomAdHTML:         overlayString(site.CustomAdHTML, global.CustomAdHTML),
		CustomTrackerJS:      overlayString(site.CustomTrackerJS, global.CustomTrackerJS),
	}
	if eff.MediaPolicy == "" {
		eff.MediaPolicy = MediaProxy
	}
	if eff.SessionMode == "" {
		eff.SessionMode = SessionStateless
	}
	return eff
}

func overlayBool(override *bool, base bool) bool {
	if override != nil {
		return *override
	}
	return base
}

func overlayString(override *string, base string) string {
	if override != nil && *override != "" {
		return *override
	}
	return base
}

// MatchSite finds the enabled site serving the given host: an exact
// mirror_root match wins, otherwise the site with the longest
// mirror_root that is a proper dot-separated suffix of the host.
// host must already be lowercased and port-stripped.
func MatchSite(host string, sites []Site) *Site {
	var best *Site
	for i := range sites {
		site := &sites[i]
		if !site.Enabled {
			continue
		}
		root := strings.ToLower(site.MirrorRoot)
		if host == root {
			return site
		}
		if strings.HasSuffix(host, "."+root) {
			if best == nil || len(root) > len(best.MirrorRoot) {
				best = site
			}
		}
	}
	return best
}
