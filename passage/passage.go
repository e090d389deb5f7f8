// Package passage turns parsed page sections into ordered, independently
// indexable text chunks with deterministic identifiers. The identifier is
// what makes downstream sink writes idempotent: re-extracting unchanged
// content produces byte-identical IDs, so retries converge instead of
// duplicating records.
package passage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/duskhall/chronicle/wikitext"
)

// Passage is one normalised, positioned chunk of a page's text.
type Passage struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Section string `json:"section"`
	URL     string `json:"url"`
	Text    string `json:"text"`
	Offset  int    `json:"offset"`
}

var paragraphRe = regexp.MustCompile(`\n{2,}`)

// Extract produces the passages of one page. Paragraphs are split on blank
// lines, whitespace-normalised, and empty bodies dropped. Offsets are
// strictly increasing positions within the page's concatenated text.
func Extract(title, url string, sections []wikitext.Section) []Passage {
	var out []Passage
	offset := 0
	for _, sec := range sections {
		for _, para := range paragraphRe.Split(sec.Text, -1) {
			text := wikitext.Clean(para)
			if text == "" {
				continue
			}
			out = append(out, Passage{
				ID:      ID(title, sec.Name, offset),
				Title:   title,
				Section: sec.Name,
				URL:     url,
				Text:    text,
				Offset:  offset,
			})
			offset += len(text) + 2
		}
	}
	return out
}

// ID derives the stable passage identifier from (title, section, offset).
func ID(title, section string, offset int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", title, section, offset)))
	return hex.EncodeToString(sum[:16])
}

// PageURL builds the canonical wiki URL for a title.
func PageURL(baseURL, title string) string {
	return strings.TrimRight(baseURL, "/") + "/wiki/" + strings.ReplaceAll(title, " ", "_")
}
