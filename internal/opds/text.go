package opds

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/bookvore/internal/model"
)

// PlainText renders an HTML fragment (Kavita sends summaries as escaped HTML)
// as whitespace-collapsed plain text. Input that fails to parse is returned
// trimmed.
func PlainText(markup string) string {
	if !strings.ContainsAny(markup, "<&") {
		return strings.Join(strings.Fields(markup), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return strings.TrimSpace(markup)
	}
	doc.Find("br, p, div, li, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Describe returns the plain-text description of an entry: its summary, or
// its content when the summary is empty.
func Describe(e model.Entry) string {
	if s := PlainText(e.Summary); s != "" {
		return s
	}
	return PlainText(e.Content)
}
