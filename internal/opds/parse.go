// Package opds normalizes OPDS 1.x Atom catalogs into the strict model used by
// the rest of bookvore and classifies their links.
package opds

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"

	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/model"
)

const atomNamespace = "http://www.w3.org/2005/Atom"

// rawFeed mirrors the loosely structured document. Every repeatable element is
// a slice, so one occurrence and many occurrences decode the same way.
type rawFeed struct {
	XMLName xml.Name   `xml:"feed"`
	ID      []rawText  `xml:"id"`
	Title   []rawText  `xml:"title"`
	Updated []rawText  `xml:"updated"`
	Icon    []rawText  `xml:"icon"`
	Links   []rawLink  `xml:"link"`
	Entries []rawEntry `xml:"entry"`
}

type rawEntry struct {
	ID      []rawText `xml:"id"`
	Title   []rawText `xml:"title"`
	Updated []rawText `xml:"updated"`
	Summary []rawText `xml:"summary"`
	Content []rawText `xml:"content"`
	Links   []rawLink `xml:"link"`
}

type rawLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type rawText struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Chars   string     `xml:",chardata"`
	Inner   string     `xml:",innerxml"`
}

type textKind int

const (
	textAbsent textKind = iota
	textPlain
	textWrapped
)

// textNode is the tagged union of the shapes a text-bearing element takes:
// missing, bare character data, or an element with attributes wrapping its
// payload (type="html", type="xhtml", xml:lang, ...).
type textNode struct {
	kind   textKind
	typ    string
	chars  string
	markup string
}

func toTextNode(candidates []rawText) textNode {
	n, ok := preferred(candidates)
	if !ok {
		return textNode{kind: textAbsent}
	}
	if len(n.Attrs) == 0 {
		return textNode{kind: textPlain, chars: n.Chars, markup: n.Inner}
	}
	node := textNode{kind: textWrapped, chars: n.Chars, markup: n.Inner}
	for _, a := range n.Attrs {
		if a.Name.Local == "type" && a.Name.Space == "" {
			node.typ = strings.ToLower(strings.TrimSpace(a.Value))
		}
	}
	return node
}

func normalizeText(n textNode) string {
	switch n.kind {
	case textPlain:
		return payload(n.chars, n.markup)
	case textWrapped:
		if n.typ == "xhtml" {
			return strings.TrimSpace(n.markup)
		}
		return payload(n.chars, n.markup)
	default: // textAbsent
		return ""
	}
}

// payload prefers character data and falls back to inner markup for elements
// that only carry child elements.
func payload(chars, markup string) string {
	if s := strings.TrimSpace(chars); s != "" {
		return s
	}
	return strings.TrimSpace(markup)
}

// preferred picks the first Atom (or unqualified) occurrence so that foreign
// elements sharing a local name, such as dc:title, don't shadow Atom ones.
func preferred(candidates []rawText) (rawText, bool) {
	if len(candidates) == 0 {
		return rawText{}, false
	}
	for _, c := range candidates {
		if c.XMLName.Space == "" || c.XMLName.Space == atomNamespace {
			return c, true
		}
	}
	return candidates[0], true
}

func text(candidates []rawText) string {
	return normalizeText(toTextNode(candidates))
}

func normalizeLinks(raw []rawLink) []model.Link {
	links := make([]model.Link, 0, len(raw))
	for _, l := range raw {
		href := strings.TrimSpace(l.Href)
		if href == "" {
			continue
		}
		links = append(links, model.Link{
			Href: href,
			Rel:  strings.TrimSpace(l.Rel),
			Type: strings.TrimSpace(l.Type),
		})
	}
	return links
}

func normalizeEntry(e rawEntry) (model.Entry, bool) {
	id := text(e.ID)
	if id == "" {
		return model.Entry{}, false
	}
	title := text(e.Title)
	if title == "" {
		title = id
	}
	return model.Entry{
		ID:      id,
		Title:   title,
		Updated: text(e.Updated),
		Summary: text(e.Summary),
		Content: text(e.Content),
		Links:   normalizeLinks(e.Links),
	}, true
}

func normalizeFeed(doc rawFeed) model.Feed {
	entries := make([]model.Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if entry, ok := normalizeEntry(e); ok {
			entries = append(entries, entry)
		}
	}
	return model.Feed{
		ID:      text(doc.ID),
		Title:   text(doc.Title),
		Updated: text(doc.Updated),
		Icon:    text(doc.Icon),
		Links:   normalizeLinks(doc.Links),
		Entries: entries,
	}
}

// Parse converts an Atom/OPDS document into a Feed. Links without href and
// entries without id are dropped; anything that is not an Atom feed fails with
// common.ErrMalformedFeed.
func Parse(raw []byte) (model.Feed, error) {
	if gofeed.DetectFeedType(bytes.NewReader(raw)) != gofeed.FeedTypeAtom {
		return model.Feed{}, common.ErrMalformedFeed
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charset.NewReaderLabel

	var doc rawFeed
	if err := dec.Decode(&doc); err != nil {
		return model.Feed{}, fmt.Errorf("%w: %v", common.ErrMalformedFeed, err)
	}
	return normalizeFeed(doc), nil
}

// ParseReader reads r to the end and parses it.
func ParseReader(r io.Reader) (model.Feed, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return model.Feed{}, fmt.Errorf("read feed: %w", err)
	}
	return Parse(raw)
}
