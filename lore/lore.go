// Package lore maps parsed wiki pages onto the knowledge-graph vocabulary:
// entity nodes with a guessed type, and typed relations extracted from
// infobox fields and lead text. Extraction is rule-based and deterministic
// so re-ingesting a page always yields the same nodes and edges.
package lore

import (
	"regexp"
	"strings"

	"github.com/duskhall/chronicle/wikitext"
)

// Relation kinds carried on REL edges.
const (
	RelMemberOf      = "MEMBER_OF"
	RelHasDiscipline = "HAS_DISCIPLINE"
	RelDerivesFrom   = "DERIVES_FROM"
	RelAppearsIn     = "APPEARS_IN"
)

// Confidence levels for extracted edges.
const (
	ConfidenceHigh = "high"
	ConfidenceLow  = "low"
)

// Node is one graph entity.
type Node struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
	Source  string   `json:"source"`
}

// Evidence records where an edge came from.
type Evidence struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Edge is one directed relation between two node IDs.
type Edge struct {
	Src        string   `json:"src"`
	Rel        string   `json:"rel"`
	Dst        string   `json:"dst"`
	Evidence   Evidence `json:"evidence"`
	Confidence string   `json:"confidence"`
}

var (
	slugRe     = regexp.MustCompile(`[^a-z0-9]+`)
	listSepRe  = regexp.MustCompile(`(?i)[;,/]| and `)
	leadSectRe = regexp.MustCompile(`(?i)\b(Camarilla|Sabbat|Anarchs?)\b`)
)

// Slug normalises an entity name into its graph ID: lowercase, runs of
// non-alphanumerics collapsed to a single dash, outer dashes trimmed.
func Slug(name string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// entity type rules, checked in order; first match wins.
var typeRules = []struct {
	typ   string
	match func(title string, cats []string) bool
}{
	{"Clan", func(t string, cats []string) bool {
		return strings.Contains(t, "clan") || anyContains(cats, "clans")
	}},
	{"Discipline", func(t string, cats []string) bool {
		return strings.Contains(t, "discipline") || anyContains(cats, "disciplines")
	}},
	{"Sect", func(t string, cats []string) bool {
		return strings.Contains(t, "sect") || anyContains(cats, "sects") ||
			anyContains(cats, "camarilla", "sabbat", "anarchs")
	}},
	{"Bloodline", func(t string, cats []string) bool {
		return strings.Contains(t, "bloodline") || anyContains(cats, "bloodlines")
	}},
	{"NPC", func(t string, cats []string) bool {
		return anyContains(cats, "vampire") || strings.Contains(t, "npc")
	}},
	{"Location", func(t string, cats []string) bool {
		return anyContains(cats, "locations")
	}},
	{"Book", func(t string, cats []string) bool {
		return anyContains(cats, "books") || strings.Contains(t, "book")
	}},
	{"Edition", func(t string, cats []string) bool {
		return anyContains(cats, "v5", "v20", "edition")
	}},
}

func anyContains(cats []string, subs ...string) bool {
	for _, c := range cats {
		for _, s := range subs {
			if strings.Contains(c, s) {
				return true
			}
		}
	}
	return false
}

// GuessEntityType classifies a page by its title and visible categories.
// Falls back to the generic "Entity" when no rule matches.
func GuessEntityType(title string, cats []string) string {
	t := strings.ToLower(title)
	lower := make([]string, len(cats))
	for i, c := range cats {
		lower[i] = strings.ToLower(c)
	}
	for _, r := range typeRules {
		if r.match(t, lower) {
			return r.typ
		}
	}
	return "Entity"
}

// BuildNode assembles the graph node for a page. Aliases come from the
// infobox when present.
func BuildNode(title string, cats []string, url string, box wikitext.Infobox) Node {
	return Node{
		ID:      Slug(title),
		Type:    GuessEntityType(title, cats),
		Name:    title,
		Aliases: splitList(box.Aliases),
		Source:  url,
	}
}

// splitList breaks a multi-valued infobox field on separators and "and".
func splitList(s string) []string {
	var out []string
	for _, part := range listSepRe.Split(s, -1) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ExtractRelations derives the edges of a page. Infobox-derived edges are
// high confidence; a sect mention in the first 400 bytes of the lead
// produces a single low-confidence MEMBER_OF edge.
func ExtractRelations(title string, box wikitext.Infobox, sections []wikitext.Section) []Edge {
	var edges []Edge
	src := Slug(title)
	add := func(rel, dst string, ev Evidence, confidence string) {
		if dst == "" {
			return
		}
		edges = append(edges, Edge{Src: src, Rel: rel, Dst: dst, Evidence: ev, Confidence: confidence})
	}

	for _, s := range splitList(box.Sect) {
		add(RelMemberOf, Slug(s), Evidence{Type: "infobox", Text: box.Sect}, ConfidenceHigh)
	}
	for _, d := range splitList(box.Disciplines) {
		add(RelHasDiscipline, Slug(d), Evidence{Type: "infobox", Text: box.Disciplines}, ConfidenceHigh)
	}
	if blof := strings.TrimSpace(box.BloodlineOf); blof != "" {
		add(RelDerivesFrom, Slug(blof), Evidence{Type: "infobox", Text: box.BloodlineOf}, ConfidenceHigh)
	}
	for _, b := range splitList(box.AppearsIn) {
		add(RelAppearsIn, Slug(b), Evidence{Type: "infobox", Text: box.AppearsIn}, ConfidenceHigh)
	}

	if len(sections) > 0 {
		lead := sections[0].Text
		if len(lead) > 400 {
			lead = lead[:400]
		}
		if m := leadSectRe.FindStringSubmatch(lead); m != nil {
			add(RelMemberOf, Slug(m[1]), Evidence{Type: "text", Text: lead}, ConfidenceLow)
		}
	}
	return edges
}
