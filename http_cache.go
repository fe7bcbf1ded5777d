package fieldsync

import (
	"strings"
)

// cacheDirectives holds the response Cache-Control directives the engine honours.
type cacheDirectives struct {
	NoStore bool
}

// parseCacheControl parses a Cache-Control header. Unknown directives and
// directive values are ignored.
func parseCacheControl(header string) cacheDirectives {
	var directives cacheDirectives
	if header == "" {
		return directives
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if key, _, ok := strings.Cut(part, "="); ok {
			part = strings.TrimSpace(key)
		}
		if part == "no-store" {
			directives.NoStore = true
		}
	}

	return directives
}

// storable reports whether a response may be written to the response cache.
// Only successful responses without no-store are kept. The cache belongs to a
// single device so "private" is allowed.
func storable(resp *Response) bool {
	if resp == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return !parseCacheControl(resp.Header.Get("Cache-Control")).NoStore
}
