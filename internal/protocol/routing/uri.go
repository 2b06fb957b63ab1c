package routing

import (
	"net/url"
	"strings"
)

const (
	tagKey     = "tag"
	TagArrived = "arrived"
)

// NormalizeURI returns scheme://authority/path with the query and fragment
// removed. An empty path normalizes to "/". Inputs that do not parse as an
// absolute URI are returned trimmed.
func NormalizeURI(raw string) string {
	u, ok := parseAbsolute(raw)
	if !ok {
		return stripQuery(strings.TrimSpace(raw))
	}
	return base(u)
}

// NormalizeURIWithQuery is NormalizeURI but keeps the raw query.
func NormalizeURIWithQuery(raw string) string {
	u, ok := parseAbsolute(raw)
	if !ok {
		return strings.TrimSpace(raw)
	}
	if u.RawQuery == "" {
		return base(u)
	}
	return base(u) + "?" + u.RawQuery
}

// Authority returns scheme://host for raw, or "" when raw has no host.
func Authority(raw string) string {
	u, ok := parseAbsolute(raw)
	if !ok || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + strings.ToLower(u.Host)
}

// Tag returns the tag query parameter of raw.
func Tag(raw string) string {
	u, ok := parseAbsolute(raw)
	if !ok {
		return ""
	}
	return u.Query().Get(tagKey)
}

// Join derives a child URI from parent by appending name as a path segment.
func Join(parent, name string) string {
	return NormalizeURI(strings.TrimSuffix(NormalizeURI(parent), "/") + "/" + url.PathEscape(name))
}

func withTag(raw, tag string) string {
	return NormalizeURI(raw) + "?" + tagKey + "=" + tag
}

func parseAbsolute(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, false
	}
	return u, true
}

func base(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return u.Scheme + "://" + u.Host + path
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}
