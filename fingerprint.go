package fieldsync

import (
	"fmt"
	"net/url"
	"strings"
)

// Fingerprint identifies a logical request. Two requests with the same method,
// path and parameter set (in any order) have equal fingerprints.
type Fingerprint struct {
	Method string
	Path   string
	// Query is the canonical encoding of the parameters, sorted by key.
	Query string
}

// NewFingerprint builds the canonical fingerprint. A query string embedded in
// path is merged into params.
func NewFingerprint(method, path string, params url.Values) Fingerprint {
	path, params = splitPath(path, params)
	return Fingerprint{
		Method: strings.ToUpper(method),
		Path:   path,
		Query:  params.Encode(),
	}
}

// String renders the fingerprint as METHOD:path or METHOD:path?query.
func (f Fingerprint) String() string {
	if f.Query == "" {
		return f.Method + ":" + f.Path
	}
	return f.Method + ":" + f.Path + "?" + f.Query
}

// ParseFingerprint is the inverse of Fingerprint.String.
func ParseFingerprint(s string) (Fingerprint, error) {
	method, rest, ok := strings.Cut(s, ":")
	if !ok || method == "" {
		return Fingerprint{}, fmt.Errorf("malformed fingerprint %q", s)
	}
	path, query, _ := strings.Cut(rest, "?")
	return Fingerprint{Method: method, Path: path, Query: query}, nil
}

// ResourceFamily returns the first path segment, which mutations invalidate as a
// whole: "/audits/5/photos" belongs to "/audits".
func ResourceFamily(path string) string {
	path, _, _ = strings.Cut(path, "?")
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}
	segment, _, _ := strings.Cut(trimmed, "/")
	return "/" + segment
}

func splitPath(path string, params url.Values) (string, url.Values) {
	if path == "" {
		path = "/"
	} else if path[0] != '/' {
		path = "/" + path
	}
	base, rawQuery, ok := strings.Cut(path, "?")
	if !ok {
		return path, params
	}
	merged := url.Values{}
	if inline, err := url.ParseQuery(rawQuery); err == nil {
		for k, vs := range inline {
			merged[k] = append(merged[k], vs...)
		}
	}
	for k, vs := range params {
		merged[k] = append(merged[k], vs...)
	}
	return base, merged
}
