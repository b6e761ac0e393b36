// Package source maps origin URLs to the short source tags that partition
// admission control and statistics.
package source

import (
	"net/url"
	"strings"
)

// Fallback is the bucket used when no registered source matches.
const Fallback = "global"

// registry maps hostname suffixes to source tags. New upstream sites get an
// entry here; everything else shares the fallback bucket.
var registry = map[string]string{
	"mangapill.com": "mangapill",
}

// Resolve returns the source tag for an origin URL. Unparseable or
// unregistered origins resolve to Fallback. Tags are always lowercase.
func Resolve(rawURL string) string {
	host := hostname(rawURL)
	if host == "" {
		return Fallback
	}
	for suffix, tag := range registry {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return tag
		}
	}
	return Fallback
}

func hostname(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
