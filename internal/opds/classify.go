package opds

import (
	"strings"

	"github.com/bryan-buckman/bookvore/internal/model"
)

// Link relations.
const (
	RelAcquisition = "http://opds-spec.org/acquisition"
	RelCrawlable   = "http://opds-spec.org/crawlable"
	RelAlternate   = "alternate"
)

var navigationRels = map[string]struct{}{
	"subsection": {},
	"start":      {},
	"up":         {},
	"down":       {},
	"related":    {},
	"self":       {},
	RelCrawlable: {},
}

var navigationTypeHints = []string{
	"application/atom+xml",
	"application/opds+json",
}

var acquisitionRels = map[string]struct{}{
	RelAcquisition:                  {},
	RelAcquisition + "/open-access": {},
	RelAcquisition + "/borrow":      {},
	RelAcquisition + "/sample":      {},
}

var acquisitionTypeHints = []string{
	"application/epub",
	"application/pdf",
	"application/x-cbz",
	"application/x-cbr",
	"application/zip",
	"application/x-zip",
	"application/octet-stream",
	"application/x-mobipocket",
	"application/vnd.amazon.ebook",
}

// IsNavigation reports whether link points at another feed.
func IsNavigation(link model.Link) bool {
	rel := strings.ToLower(link.Rel)
	if _, ok := navigationRels[rel]; ok && rel != "" {
		return true
	}
	return containsAny(strings.ToLower(link.Type), navigationTypeHints)
}

// IsAcquisition reports whether link points at a downloadable file.
func IsAcquisition(link model.Link) bool {
	rel := strings.ToLower(link.Rel)
	if rel != "" {
		if _, ok := acquisitionRels[rel]; ok {
			return true
		}
		if strings.HasPrefix(rel, RelAcquisition) {
			return true
		}
	}
	return containsAny(strings.ToLower(link.Type), acquisitionTypeHints)
}

// Classify resolves contradictory metadata in favour of navigation.
func Classify(link model.Link) model.LinkKind {
	switch {
	case IsNavigation(link):
		return model.LinkNavigation
	case IsAcquisition(link):
		return model.LinkAcquisition
	default:
		return model.LinkUnknown
	}
}

// PickPrimaryLink selects what tapping an entry does: the first link
// classified acquisition, else the first classified navigation, else the
// first alternate link, else the first link. The chosen link's Classify
// result is therefore the entry's kind. ok is false only for entries without
// links.
func PickPrimaryLink(entry model.Entry) (model.Link, bool) {
	if len(entry.Links) == 0 {
		return model.Link{}, false
	}
	for _, kind := range []model.LinkKind{model.LinkAcquisition, model.LinkNavigation} {
		for _, l := range entry.Links {
			if Classify(l) == kind {
				return l, true
			}
		}
	}
	for _, l := range entry.Links {
		if strings.EqualFold(l.Rel, RelAlternate) {
			return l, true
		}
	}
	return entry.Links[0], true
}

// AcquisitionLinks returns every link of entry that downloads a file, in order.
func AcquisitionLinks(entry model.Entry) []model.Link {
	return filterLinks(entry.Links, model.LinkAcquisition)
}

// NavigationLinks returns every link of entry that leads to another feed.
func NavigationLinks(entry model.Entry) []model.Link {
	return filterLinks(entry.Links, model.LinkNavigation)
}

func filterLinks(links []model.Link, kind model.LinkKind) []model.Link {
	out := make([]model.Link, 0, len(links))
	for _, l := range links {
		if Classify(l) == kind {
			out = append(out, l)
		}
	}
	return out
}

func containsAny(s string, hints []string) bool {
	if s == "" {
		return false
	}
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
