package harvest

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var trackIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{5,}$`)

// Canonicalize normalizes a raw track link so that equivalent references
// compare equal: lowercased scheme/host, tracking query and fragment
// stripped, trailing slashes removed.
func Canonicalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	if u.Host == "" || u.Path == "" {
		return "", fmt.Errorf("url %q has no track path", raw)
	}
	return u.String(), nil
}

// TrackID extracts the opaque track identifier from a canonical URL.
// Returns an error when no identifier segment is present, which callers
// classify as an invalid reference.
func TrackID(canonicalURL string) (string, error) {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	if !trackIDPattern.MatchString(last) {
		return "", fmt.Errorf("no track id in %q", canonicalURL)
	}
	return last, nil
}
