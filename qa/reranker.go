package qa

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Ranking scores one candidate by its position in the input slice.
type Ranking struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Reranker orders retrieval candidates by relevance to the query. The
// default is a local term-overlap scorer; deployments with a cross-encoder
// or rerank API plug it in here.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string, topK int) ([]Ranking, error)
}

var wordRe = regexp.MustCompile(`[\pL\pN]+`)

func terms(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
		out[w] = true
	}
	return out
}

// TermOverlap scores candidates by the fraction of query terms they contain.
// Ties keep retrieval order, so the hybrid ranking still matters.
type TermOverlap struct{}

func (TermOverlap) Rerank(_ context.Context, query string, texts []string, topK int) ([]Ranking, error) {
	q := terms(query)
	if len(q) == 0 || len(texts) == 0 {
		return nil, nil
	}
	rankings := make([]Ranking, len(texts))
	for i, text := range texts {
		tt := terms(text)
		hits := 0
		for w := range q {
			if tt[w] {
				hits++
			}
		}
		rankings[i] = Ranking{Index: i, Score: float64(hits) / float64(len(q))}
	}
	sort.SliceStable(rankings, func(a, b int) bool {
		return rankings[a].Score > rankings[b].Score
	})
	if topK > 0 && len(rankings) > topK {
		rankings = rankings[:topK]
	}
	return rankings, nil
}
