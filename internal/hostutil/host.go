// Package hostutil derives the coarse registrable-host partition key
// used throughout BrowserFairy as both a directory name and a logical
// grouping key. The rule is intentionally coarse (spec design note):
// lowercase the host, strip a leading "www." or "m.", and fall back to
// "unknown" for empty or opaque origins. Keeping the rule in exactly
// one place means future widening (e.g. real public-suffix parsing)
// only has to happen here.
package hostutil

import (
	"net/url"
	"strings"
)

// Unknown is substituted for URLs with no derivable host (opaque
// origins, about:blank, data: URLs, parse failures).
const Unknown = "unknown"

// Host derives the registrable host for rawURL. It never returns an
// empty string.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return Unknown
	}
	h := strings.ToLower(u.Hostname())
	switch {
	case strings.HasPrefix(h, "www."):
		h = strings.TrimPrefix(h, "www.")
	case strings.HasPrefix(h, "m."):
		h = strings.TrimPrefix(h, "m.")
	}
	if h == "" {
		return Unknown
	}
	return h
}

// Monitorable reports whether rawURL names a page BrowserFairy should
// attach to: only http(s) schemes, excluding the browser's internal
// pages (chrome:, about:, devtools:, chrome-extension:, etc.).
func Monitorable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}
