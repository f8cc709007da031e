// Package endpoint turns user- and server-supplied strings into fetchable URLs.
// Nothing else in bookvore concatenates URL strings.
package endpoint

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bryan-buckman/bookvore/internal/common"
)

var (
	schemePrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
	httpScheme   = regexp.MustCompile(`(?i)^https?:`)
)

// opdsSegment is where a pasted feed URL gets cut back to the server base.
const opdsSegment = "/api/opds"

// NormalizeHost returns the canonical base URL for raw host input: a bare host,
// host:port or a full URL, possibly pointing somewhere inside the OPDS tree.
func NormalizeHost(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("host cannot be empty: %w", common.ErrInvalidHost)
	}

	withScheme := trimmed
	if !schemePrefix.MatchString(trimmed) {
		withScheme = "https://" + trimmed
	}

	u, err := url.Parse(withScheme)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("the provided host is not a valid URL: %w", common.ErrInvalidHost)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%q: %w", u.Scheme, common.ErrUnsupportedScheme)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)

	// Cut on the escaped form so encoded separators such as %2F survive.
	escaped := u.EscapedPath()
	if i := strings.Index(strings.ToLower(escaped), opdsSegment); i >= 0 {
		escaped = escaped[:i]
	}
	escaped = strings.TrimRight(escaped, "/")
	if escaped == "" {
		escaped = "/"
	} else if !strings.HasPrefix(escaped, "/") {
		escaped = "/" + escaped
	}
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("the provided host is not a valid URL: %w", common.ErrInvalidHost)
	}

	u.Path = path
	u.RawPath = escaped
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	return strings.TrimRight(u.String(), "/"), nil
}

// CreateAPIURL resolves path against the normalized base and returns the
// absolute URL. A path without a leading slash is treated as rooted.
func CreateAPIURL(base, path string) (string, error) {
	normalized, err := NormalizeHost(base)
	if err != nil {
		return "", err
	}

	baseURL, err := url.Parse(normalized + "/")
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", normalized, common.ErrInvalidHost)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, common.ErrInvalidHost)
	}

	return baseURL.ResolveReference(ref).String(), nil
}

// ResolveHref trusts absolute http(s) hrefs as-is and resolves everything else
// against base.
func ResolveHref(base, href string) (string, error) {
	if httpScheme.MatchString(href) {
		return href, nil
	}
	return CreateAPIURL(base, href)
}
