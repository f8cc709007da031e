package downloads

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/bryan-buckman/bookvore/internal/model"
)

const fallbackBaseName = "kavita-download"

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeFileName replaces every run of characters outside [A-Za-z0-9_.-]
// with a single underscore.
func SanitizeFileName(name string) string {
	return unsafeFileChars.ReplaceAllString(name, "_")
}

// PickFileName names the local file for link: the last segment of its href
// when that survives sanitizing, otherwise the entry title (or a generic
// name) plus an extension guessed from the link type.
func PickFileName(entry model.Entry, link model.Link) string {
	if name := SanitizeFileName(lastSegment(link.Href)); name != "" && !isDotName(name) {
		return name
	}

	base := fallbackBaseName
	if entry.Title != "" {
		if s := SanitizeFileName(entry.Title); s != "" {
			base = s
		}
	}
	return base + "." + GuessExtension(link.Type)
}

// GuessExtension maps a MIME type to a file extension.
func GuessExtension(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case mt == "":
		return "bin"
	case strings.Contains(mt, "epub"):
		return "epub"
	case strings.Contains(mt, "pdf"):
		return "pdf"
	case strings.Contains(mt, "cbz"), strings.Contains(mt, "zip"):
		return "cbz"
	case strings.Contains(mt, "jpeg"):
		return "jpg"
	case strings.Contains(mt, "png"):
		return "png"
	}

	sub := mt
	if i := strings.LastIndex(mt, "/"); i >= 0 {
		sub = mt[i+1:]
	}
	if i := strings.IndexByte(sub, ';'); i >= 0 {
		sub = sub[:i]
	}
	sub = SanitizeFileName(strings.TrimSpace(sub))
	if sub == "" || isDotName(sub) {
		return "bin"
	}
	return sub
}

// lastSegment returns the percent-decoded final path segment of href with any
// query or fragment removed.
func lastSegment(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	seg := href
	if i := strings.LastIndex(href, "/"); i >= 0 {
		seg = href[i+1:]
	}
	if decoded, err := url.PathUnescape(seg); err == nil {
		return decoded
	}
	return seg
}

// isDotName rejects names that would escape or alias the download directory.
func isDotName(name string) bool {
	return strings.Trim(name, ".") == ""
}
