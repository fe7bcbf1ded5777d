package fieldsync

import (
	"sort"
	"strings"
	"time"
)

// PathTable maps path prefixes to durations. Lookup picks the longest matching
// prefix and falls back to the default. A PathTable is immutable.
type PathTable struct {
	prefixes []string
	values   map[string]time.Duration
	fallback time.Duration
}

// NewPathTable copies entries; later changes to the map are not observed.
func NewPathTable(entries map[string]time.Duration, fallback time.Duration) *PathTable {
	t := &PathTable{
		values:   make(map[string]time.Duration, len(entries)),
		fallback: fallback,
	}
	for prefix, d := range entries {
		t.values[prefix] = d
		t.prefixes = append(t.prefixes, prefix)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	return t
}

// Lookup returns the duration for the longest prefix of path.
func (t *PathTable) Lookup(path string) time.Duration {
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(path, prefix) {
			return t.values[prefix]
		}
	}
	return t.fallback
}

// Default returns the fallback duration.
func (t *PathTable) Default() time.Duration {
	return t.fallback
}

// Max returns the largest duration in the table, including the fallback.
func (t *PathTable) Max() time.Duration {
	m := t.fallback
	for _, d := range t.values {
		if d > m {
			m = d
		}
	}
	return m
}

// Entries returns a copy of the prefix map.
func (t *PathTable) Entries() map[string]time.Duration {
	out := make(map[string]time.Duration, len(t.values))
	for k, v := range t.values {
		out[k] = v
	}
	return out
}

// WithDefault returns a copy of t with a different fallback.
func (t *PathTable) WithDefault(fallback time.Duration) *PathTable {
	return NewPathTable(t.values, fallback)
}

// DefaultCacheTTLs is the per-path cache lifetime table used by New.
func DefaultCacheTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		"/notifications": 30 * time.Second,
		"/dashboard":     time.Minute,
		"/audits":        2 * time.Minute,
		"/users/me":      10 * time.Minute,
		"/templates":     30 * time.Minute,
		"/locations":     30 * time.Minute,
	}
}

// DefaultThrottleIntervals is the per-path minimum spacing used by New.
func DefaultThrottleIntervals() map[string]time.Duration {
	return map[string]time.Duration{
		"/notifications/unread-count": 10 * time.Second,
		"/notifications":              5 * time.Second,
		"/dashboard":                  2 * time.Second,
		"/templates":                  time.Second,
		"/locations":                  time.Second,
	}
}

const (
	// DefaultCacheTTL applies to paths with no table entry.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultThrottleFloor applies to paths with no table entry.
	DefaultThrottleFloor = 250 * time.Millisecond
)
