// Package normalize canonicalizes relay URLs so that one endpoint has
// exactly one spelling, which is what the pool keys its relay map by.
package normalize

import (
	"net/url"
	"strings"
)

// URL lowercases and trims u, maps http(s) schemes to ws(s), assumes
// wss:// when no scheme is given, and strips any trailing path slash.
// Returns "" when u cannot be parsed.
func URL(u string) string {
	if u == "" {
		return ""
	}
	u = strings.ToLower(strings.TrimSpace(u))
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") &&
		!strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		u = "wss://" + u
	}
	p, err := url.Parse(u)
	// Host alone is not enough: "wss://://what" parses with host ":"
	if err != nil || p.Hostname() == "" {
		return ""
	}
	switch p.Scheme {
	case "https":
		p.Scheme = "wss"
	case "http":
		p.Scheme = "ws"
	}
	p.Path = strings.TrimRight(p.Path, "/")
	return p.String()
}
