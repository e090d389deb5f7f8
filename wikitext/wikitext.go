// Package wikitext implements the parsing heuristics for MediaWiki markup:
// whitespace normalisation, markup stripping, section splitting, and infobox
// field extraction. All functions are total — malformed input degrades to
// fewer results, never to an error.
package wikitext

import (
	"regexp"
	"strings"
)

var (
	wsRe      = regexp.MustCompile(`\s+`)
	commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	refPairRe = regexp.MustCompile(`(?s)<ref[^>/]*>.*?</ref>`)
	refSelfRe = regexp.MustCompile(`<ref[^>]*/>`)
	htmlTagRe = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	linkRe    = regexp.MustCompile(`\[\[([^\[\]|]*)(?:\|([^\[\]]*))?\]\]`)
	extLinkRe = regexp.MustCompile(`\[https?://\S+(?:\s+([^\]]+))?\]`)
	quotesRe  = regexp.MustCompile(`'{2,}`)
	headingRe = regexp.MustCompile(`(?m)^={2,}\s*(.+?)\s*={2,}\s*$`)
)

// Clean collapses all runs of whitespace to single spaces and trims.
func Clean(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

// StripMarkup removes comments, refs, templates, links, quote markup, and
// HTML tags, leaving plain text. Paragraph structure (blank lines) survives.
func StripMarkup(s string) string {
	s = commentRe.ReplaceAllString(s, "")
	s = refPairRe.ReplaceAllString(s, "")
	s = refSelfRe.ReplaceAllString(s, "")
	s = stripTemplates(s)
	s = linkRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		target, label := sub[1], sub[2]
		// File/category links carry no prose.
		lower := strings.ToLower(target)
		if strings.HasPrefix(lower, "file:") || strings.HasPrefix(lower, "image:") ||
			strings.HasPrefix(lower, "category:") {
			return ""
		}
		if label != "" {
			return label
		}
		return target
	})
	s = extLinkRe.ReplaceAllString(s, "$1")
	s = quotesRe.ReplaceAllString(s, "")
	s = htmlTagRe.ReplaceAllString(s, "")
	return s
}

// stripTemplates removes {{...}} blocks, innermost first, so nested
// templates collapse fully. Bounded passes guard against unbalanced braces.
func stripTemplates(s string) string {
	for range 10 {
		start := -1
		depth := 0
		removed := false
		var b strings.Builder
		b.Grow(len(s))
		i := 0
		for i < len(s) {
			if strings.HasPrefix(s[i:], "{{") {
				if depth == 0 {
					start = b.Len()
				}
				depth++
				i += 2
				continue
			}
			if strings.HasPrefix(s[i:], "}}") && depth > 0 {
				depth--
				i += 2
				if depth == 0 {
					removed = true
				}
				continue
			}
			if depth == 0 {
				b.WriteByte(s[i])
			}
			i++
		}
		out := b.String()
		// Unbalanced opening braces: drop the dangling tail.
		if depth > 0 && start >= 0 && start <= len(out) {
			out = out[:start]
			removed = true
		}
		s = out
		if !removed {
			break
		}
	}
	return s
}

// Section is one structural unit of a page.
type Section struct {
	Name string
	Text string
}

// Sections splits stripped wikitext on == Heading == lines. Text before the
// first heading becomes the "Lead" section; empty bodies are dropped. When
// no section boundaries are recoverable the whole page becomes one Lead
// section rather than fabricating boundaries.
func Sections(wikitext string) []Section {
	text := StripMarkup(wikitext)

	matches := headingRe.FindAllStringSubmatchIndex(text, -1)
	var out []Section
	add := func(name, body string) {
		body = strings.TrimSpace(body)
		if body != "" {
			out = append(out, Section{Name: name, Text: body})
		}
	}

	if len(matches) == 0 {
		add("Lead", text)
		return out
	}

	add("Lead", text[:matches[0][0]])
	for i, m := range matches {
		name := Clean(text[m[2]:m[3]])
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		add(name, text[m[1]:end])
	}
	return out
}

// Infobox holds the structured side-channel fields chronicle extracts
// relations from. Absent fields are empty strings.
type Infobox struct {
	Clan        string
	Sect        string
	Disciplines string
	BloodlineOf string
	AppearsIn   string
	Aliases     string
}

// infoboxKeys maps canonical fields to the spellings seen in the wild.
var infoboxKeys = map[string][]string{
	"clan":         {"clan"},
	"sect":         {"sect", "affiliation", "affiliations"},
	"disciplines":  {"disciplines"},
	"bloodline_of": {"bloodline of", "parent clan"},
	"appears_in":   {"first appearance", "appears in", "appearances"},
	"aliases":      {"aka", "aliases", "alias", "nicknames"},
}

// ParseInfobox extracts known fields from the first infobox template in the
// page. Missing or malformed infoboxes yield a zero Infobox.
func ParseInfobox(wikitext string) Infobox {
	var box Infobox
	body, ok := findInfobox(wikitext)
	if !ok {
		return box
	}

	fields := splitTemplateFields(body)
	values := map[string]string{}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		key := strings.ToLower(Clean(k))
		val := Clean(StripMarkup(v))
		if val == "" {
			continue
		}
		for canonical, variants := range infoboxKeys {
			if _, seen := values[canonical]; seen {
				continue
			}
			for _, variant := range variants {
				if key == variant {
					values[canonical] = val
					break
				}
			}
		}
	}

	box.Clan = values["clan"]
	box.Sect = values["sect"]
	box.Disciplines = values["disciplines"]
	box.BloodlineOf = values["bloodline_of"]
	box.AppearsIn = values["appears_in"]
	box.Aliases = values["aliases"]
	return box
}

// findInfobox returns the inner body of the first {{...infobox...}} template.
func findInfobox(s string) (string, bool) {
	lower := strings.ToLower(s)
	from := 0
	for {
		open := strings.Index(lower[from:], "{{")
		if open < 0 {
			return "", false
		}
		open += from
		// Template name runs to the first | or }} after the braces.
		nameEnd := len(s)
		if p := strings.IndexAny(s[open+2:], "|}"); p >= 0 {
			nameEnd = open + 2 + p
		}
		name := strings.ToLower(strings.TrimSpace(s[open+2 : nameEnd]))
		if strings.Contains(name, "infobox") {
			body, ok := templateBody(s[open:])
			if !ok {
				return "", false
			}
			return body, true
		}
		from = open + 2
	}
}

// templateBody returns the content between the outermost {{ }} of s, which
// must start with "{{". Returns false when the braces never balance.
func templateBody(s string) (string, bool) {
	depth := 0
	for i := 0; i < len(s); i++ {
		if strings.HasPrefix(s[i:], "{{") {
			depth++
			i++
			continue
		}
		if strings.HasPrefix(s[i:], "}}") {
			depth--
			if depth == 0 {
				return s[2:i], true
			}
			i++
		}
	}
	return "", false
}

// splitTemplateFields splits a template body on top-level | characters,
// ignoring pipes inside nested templates or links.
func splitTemplateFields(body string) []string {
	var fields []string
	depth := 0
	last := 0
	for i := 0; i < len(body); i++ {
		switch {
		case strings.HasPrefix(body[i:], "{{") || strings.HasPrefix(body[i:], "[["):
			depth++
			i++
		case strings.HasPrefix(body[i:], "}}") || strings.HasPrefix(body[i:], "]]"):
			if depth > 0 {
				depth--
			}
			i++
		case body[i] == '|' && depth == 0:
			fields = append(fields, body[last:i])
			last = i + 1
		}
	}
	fields = append(fields, body[last:])
	return fields
}
