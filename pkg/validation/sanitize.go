package validation

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// sanitize keeps only the text content of s. Tags, comments and doctypes
// are dropped; entities in text are decoded. Tag boundaries become spaces
// so adjacent words do not run together.
func sanitize(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				// Unreadable input degrades to an empty document.
				return ""
			}
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}
