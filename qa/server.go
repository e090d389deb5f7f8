// Package qa serves the query side of the system: hybrid lexical+vector
// passage retrieval with graph-backed additions, a read-only Cypher
// endpoint, and the token-gated admin surface for reviewing extracted
// edges. Admin mutations are written to the audit log.
package qa

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/duskhall/chronicle/audit"
	"github.com/duskhall/chronicle/graphstore"
	"github.com/duskhall/chronicle/lexical"
	"github.com/duskhall/chronicle/vector"
)

// VectorSearcher is the read side of the vector sink. Nil disables it.
type VectorSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]vector.Match, error)
}

// GraphClient is the read/review side of the knowledge graph. Nil disables
// graph additions and the admin edge surface.
type GraphClient interface {
	RelatedDisciplines(ctx context.Context, clan string) ([]string, error)
	SectsOfClan(ctx context.Context, clan string) ([]string, error)
	ReadQuery(ctx context.Context, query string) ([]map[string]any, error)
	ListLowConfidence(ctx context.Context, limit int) ([]graphstore.Edge, error)
	ApproveEdge(ctx context.Context, src, rel, dst string) (*graphstore.Edge, error)
	DeleteEdge(ctx context.Context, src, rel, dst string) error
	UpdateEdge(ctx context.Context, src, rel, dst, newRel, newDst, confidence string) (*graphstore.Edge, error)
}

// Config configures the serving surface.
type Config struct {
	// AdminToken gates /admin. Empty disables admin entirely.
	AdminToken string `json:"admin_token" yaml:"admin_token"`

	// Retrieval fan-out per source before reranking. Default: 30.
	CandidatesPerSource int `json:"candidates_per_source" yaml:"candidates_per_source"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.CandidatesPerSource <= 0 {
		c.CandidatesPerSource = 30
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server wires retrieval and review into one chi router.
type Server struct {
	cfg      Config
	lexical  *lexical.Index
	vector   VectorSearcher
	graph    GraphClient
	audit    *audit.SQLiteLogger
	reranker Reranker
	logger   *slog.Logger
}

// NewServer assembles the serving surface. vector, graph, and auditLog may
// be nil; the corresponding features are disabled.
func NewServer(cfg Config, lex *lexical.Index, vec VectorSearcher, graph GraphClient, auditLog *audit.SQLiteLogger) *Server {
	cfg.defaults()
	return &Server{
		cfg:      cfg,
		lexical:  lex,
		vector:   vec,
		graph:    graph,
		audit:    auditLog,
		reranker: TermOverlap{},
		logger:   cfg.Logger,
	}
}

// SetReranker replaces the default term-overlap reranker.
func (s *Server) SetReranker(r Reranker) {
	if r != nil {
		s.reranker = r
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/qa", s.handleQA)
	r.Get("/graph", s.handleGraph)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/edges/low", s.handleEdgesLow)
		r.Post("/edges/approve", s.handleEdgeApprove)
		r.Post("/edges/delete", s.handleEdgeDelete)
		r.Post("/edges/update", s.handleEdgeUpdate)
		r.Get("/audit", s.handleAuditList)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Answer is one QA result passage.
type Answer struct {
	Text    string  `json:"text"`
	Title   string  `json:"title"`
	Section string  `json:"section"`
	URL     string  `json:"url"`
	Score   float64 `json:"score"`
}

type qaResponse struct {
	Query   string           `json:"query"`
	Answer  string           `json:"answer"`
	Answers []Answer         `json:"answers"`
	Graph   []map[string]any `json:"graph"`
}

var (
	disciplinesOfRe = regexp.MustCompile(`(?i)disciplines? of (?:the )?([a-z0-9\- ]+)`)
	sectOfRe        = regexp.MustCompile(`(?i)(?:sects?|factions?) of (?:the )?([a-z0-9\- ]+)`)
)

func (s *Server) handleQA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	topK := intParam(r, "top_k", 5)
	useGraph := r.URL.Query().Get("use_graph") != "false"

	graph := []map[string]any{}
	if useGraph && s.graph != nil {
		graph = s.graphAdditions(ctx, query)
	}

	candidates, err := s.hybrid(ctx, query)
	if err != nil {
		s.logger.Error("qa retrieval failed", "err", err)
		writeError(w, http.StatusInternalServerError, "retrieval failed")
		return
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	rerankTop := topK
	if rerankTop < 10 {
		rerankTop = 10
	}
	order, err := s.reranker.Rerank(ctx, query, texts, rerankTop)
	if err != nil {
		s.logger.Warn("rerank failed, keeping retrieval order", "err", err)
		order = order[:0]
		for i := range candidates {
			order = append(order, Ranking{Index: i})
		}
	}

	answers := []Answer{}
	for _, rk := range order {
		if len(answers) >= topK {
			break
		}
		c := candidates[rk.Index]
		answers = append(answers, Answer{
			Text: c.Text, Title: c.Title, Section: c.Section, URL: c.URL, Score: rk.Score,
		})
	}

	resp := qaResponse{Query: query, Answers: answers, Graph: graph}
	if len(answers) > 0 {
		resp.Answer = answers[0].Text
	}
	writeJSON(w, http.StatusOK, resp)
}

// hybrid merges lexical and vector candidates, deduplicating passages that
// both sources return.
func (s *Server) hybrid(ctx context.Context, query string) ([]lexical.Hit, error) {
	k := s.cfg.CandidatesPerSource
	hits, err := s.lexical.Search(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("lexical: %w", err)
	}

	if s.vector != nil {
		matches, err := s.vector.Search(ctx, query, k)
		if err != nil {
			s.logger.Warn("vector search failed, lexical only", "err", err)
		} else {
			for _, m := range matches {
				hit, err := s.lexical.Get(ctx, m.ID)
				if err != nil || hit == nil {
					continue
				}
				hits = append(hits, *hit)
			}
		}
	}

	seen := map[string]bool{}
	merged := hits[:0]
	for _, h := range hits {
		key := fmt.Sprintf("%s|%s|%d", h.Title, h.Section, h.Offset)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, h)
	}
	return merged, nil
}

// graphAdditions answers structured sub-questions embedded in the query.
func (s *Server) graphAdditions(ctx context.Context, query string) []map[string]any {
	out := []map[string]any{}
	if m := disciplinesOfRe.FindStringSubmatch(query); m != nil {
		names, err := s.graph.RelatedDisciplines(ctx, strings.TrimSpace(m[1]))
		if err != nil {
			s.logger.Warn("graph disciplines lookup failed", "err", err)
		}
		for _, n := range names {
			out = append(out, map[string]any{"discipline": n})
		}
	}
	if m := sectOfRe.FindStringSubmatch(query); m != nil {
		names, err := s.graph.SectsOfClan(ctx, strings.TrimSpace(m[1]))
		if err != nil {
			s.logger.Warn("graph sects lookup failed", "err", err)
		}
		for _, n := range names {
			out = append(out, map[string]any{"sect": n})
		}
	}
	return out
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph is not configured")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	rows, err := s.graph.ReadQuery(r.Context(), query)
	if err != nil {
		if errors.Is(err, graphstore.ErrForbiddenQuery) {
			writeError(w, http.StatusBadRequest, "mutating or unsafe queries are not allowed")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "rows": rows})
}

// requireAdmin gates the admin surface on X-Admin-Token. An unset token
// disables admin outright rather than leaving it open.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if s.cfg.AdminToken == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEdgesLow(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph is not configured")
		return
	}
	edges, err := s.graph.ListLowConfidence(r.Context(), intParam(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": edges})
}

// edgeParams pulls the (src, rel, dst) triple every edge mutation needs.
func edgeParams(r *http.Request) (src, rel, dst string, err error) {
	q := r.URL.Query()
	src, rel, dst = q.Get("src"), q.Get("rel"), q.Get("dst")
	if src == "" || rel == "" || dst == "" {
		return "", "", "", fmt.Errorf("src, rel and dst are required")
	}
	return src, rel, dst, nil
}

func (s *Server) auditEdge(action, src, rel, dst, details string, opErr error) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{Actor: "admin", Action: action, Src: src, Rel: rel, Dst: dst, Details: details}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	s.audit.LogAsync(e)
}

func (s *Server) handleEdgeApprove(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph is not configured")
		return
	}
	src, rel, dst, err := edgeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	edge, err := s.graph.ApproveEdge(r.Context(), src, rel, dst)
	s.auditEdge("approve", src, rel, dst, "", err)
	if err != nil {
		if errors.Is(err, graphstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "edge not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) handleEdgeDelete(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph is not configured")
		return
	}
	src, rel, dst, err := edgeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.graph.DeleteEdge(r.Context(), src, rel, dst)
	s.auditEdge("delete", src, rel, dst, "", err)
	if err != nil {
		if errors.Is(err, graphstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "edge not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "src": src, "rel": rel, "dst": dst})
}

func (s *Server) handleEdgeUpdate(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		writeError(w, http.StatusServiceUnavailable, "graph is not configured")
		return
	}
	src, rel, dst, err := edgeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	newRel, newDst, confidence := q.Get("new_rel"), q.Get("new_dst"), q.Get("confidence")

	edge, err := s.graph.UpdateEdge(r.Context(), src, rel, dst, newRel, newDst, confidence)
	details := fmt.Sprintf(`{"new_rel":%q,"new_dst":%q,"confidence":%q}`, newRel, newDst, confidence)
	s.auditEdge("update", src, rel, dst, details, err)
	if err != nil {
		if errors.Is(err, graphstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "edge not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit is not configured")
		return
	}
	// Flush async entries so the listing is current.
	if err := s.audit.Flush(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries, err := s.audit.List(r.Context(), intParam(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
