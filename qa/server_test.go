package qa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/duskhall/chronicle/audit"
	"github.com/duskhall/chronicle/dbopen"
	"github.com/duskhall/chronicle/graphstore"
	"github.com/duskhall/chronicle/lexical"
	"github.com/duskhall/chronicle/passage"
	"github.com/duskhall/chronicle/vector"
)

type fakeVector struct {
	matches []vector.Match
	err     error
}

func (f *fakeVector) Search(_ context.Context, _ string, _ int) ([]vector.Match, error) {
	return f.matches, f.err
}

type fakeGraph struct {
	disciplines []string
	sects       []string
	edges       []graphstore.Edge
	deleteErr   error
	approved    []string
}

func (f *fakeGraph) RelatedDisciplines(_ context.Context, clan string) ([]string, error) {
	return f.disciplines, nil
}

func (f *fakeGraph) SectsOfClan(_ context.Context, clan string) ([]string, error) {
	return f.sects, nil
}

func (f *fakeGraph) ReadQuery(_ context.Context, query string) ([]map[string]any, error) {
	if err := graphstore.CheckReadOnly(query); err != nil {
		return nil, err
	}
	return []map[string]any{{"n.name": "Brujah"}}, nil
}

func (f *fakeGraph) ListLowConfidence(_ context.Context, _ int) ([]graphstore.Edge, error) {
	return f.edges, nil
}

func (f *fakeGraph) ApproveEdge(_ context.Context, src, rel, dst string) (*graphstore.Edge, error) {
	f.approved = append(f.approved, src+"|"+rel+"|"+dst)
	return &graphstore.Edge{Src: src, Rel: rel, Dst: dst, Confidence: "high"}, nil
}

func (f *fakeGraph) DeleteEdge(_ context.Context, _, _, _ string) error {
	return f.deleteErr
}

func (f *fakeGraph) UpdateEdge(_ context.Context, src, rel, dst, newRel, _, confidence string) (*graphstore.Edge, error) {
	if newRel == "" {
		newRel = rel
	}
	return &graphstore.Edge{Src: src, Rel: newRel, Dst: dst, Confidence: confidence}, nil
}

func testServer(t *testing.T, vec VectorSearcher, graph GraphClient, token string) (*Server, *lexical.Index, *audit.SQLiteLogger) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(lexical.Schema))
	lex := lexical.NewIndex(db)
	logger := audit.NewSQLiteLogger(db)
	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(Config{AdminToken: token}, lex, vec, graph, logger)
	return srv, lex, logger
}

func seedPassages(t *testing.T, lex *lexical.Index) {
	t.Helper()
	err := lex.Upsert(context.Background(), []passage.Passage{
		{ID: "p1", Title: "Brujah", Section: "Lead", URL: "u1", Text: "The Brujah are warrior rebels of the Camarilla.", Offset: 0},
		{ID: "p2", Title: "Toreador", Section: "Lead", URL: "u2", Text: "Toreador artists love beauty.", Offset: 0},
		{ID: "p3", Title: "Nosferatu", Section: "Lead", URL: "u3", Text: "Hidden sewer dwellers trading secrets.", Offset: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return request(t, h, http.MethodGet, path, header)
}

func request(t *testing.T, h http.Handler, method, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, nil, nil, "")
	rec, body := get(t, srv.Router(), "/health", nil)
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("code = %d, body = %v", rec.Code, body)
	}
}

func TestQARequiresQuery(t *testing.T) {
	srv, _, _ := testServer(t, nil, nil, "")
	rec, _ := get(t, srv.Router(), "/qa", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestQAReturnsRankedAnswers(t *testing.T) {
	srv, lex, _ := testServer(t, nil, nil, "")
	seedPassages(t, lex)

	rec, body := get(t, srv.Router(), "/qa?query=warrior+rebels&top_k=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	answers := body["answers"].([]any)
	if len(answers) == 0 {
		t.Fatal("no answers")
	}
	top := answers[0].(map[string]any)
	if top["title"] != "Brujah" {
		t.Errorf("top answer title = %v, want Brujah", top["title"])
	}
	if body["answer"] != top["text"] {
		t.Errorf("answer = %v, want top passage text", body["answer"])
	}
}

func TestQAMergesVectorHitsAndDedupes(t *testing.T) {
	// Vector returns p1 (duplicate of a lexical hit) and p3 (vector-only).
	vec := &fakeVector{matches: []vector.Match{{ID: "p1", Score: 0.9}, {ID: "p3", Score: 0.8}}}
	srv, lex, _ := testServer(t, vec, nil, "")
	seedPassages(t, lex)

	rec, body := get(t, srv.Router(), "/qa?query=Brujah+secrets&top_k=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	answers := body["answers"].([]any)
	titles := map[string]int{}
	for _, a := range answers {
		titles[a.(map[string]any)["title"].(string)]++
	}
	if titles["Brujah"] != 1 {
		t.Errorf("Brujah appears %d times, want 1 (dedupe)", titles["Brujah"])
	}
	if titles["Nosferatu"] != 1 {
		t.Errorf("vector-only passage missing: %v", titles)
	}
}

func TestQAGraphAdditions(t *testing.T) {
	graph := &fakeGraph{disciplines: []string{"Celerity", "Potence"}, sects: []string{"Camarilla"}}
	srv, lex, _ := testServer(t, nil, graph, "")
	seedPassages(t, lex)

	_, body := get(t, srv.Router(), "/qa?query=what+are+the+disciplines+of+brujah", nil)
	additions := body["graph"].([]any)
	if len(additions) != 2 {
		t.Fatalf("graph additions = %v, want 2 disciplines", additions)
	}

	_, body = get(t, srv.Router(), "/qa?query=disciplines+of+brujah&use_graph=false", nil)
	if len(body["graph"].([]any)) != 0 {
		t.Error("use_graph=false still produced graph additions")
	}
}

func TestGraphEndpointBlocksMutations(t *testing.T) {
	srv, _, _ := testServer(t, nil, &fakeGraph{}, "")
	rec, _ := get(t, srv.Router(), "/graph?query=MATCH+(n)+DELETE+n", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400 for mutating query", rec.Code)
	}

	rec, body := get(t, srv.Router(), "/graph?query=MATCH+(n)+RETURN+n.name+LIMIT+1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rows := body["rows"].([]any); len(rows) != 1 {
		t.Errorf("rows = %v", rows)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _, _ := testServer(t, nil, &fakeGraph{}, "sekrit")
	router := srv.Router()

	rec, _ := get(t, router, "/admin/edges/low", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: code = %d, want 401", rec.Code)
	}
	rec, _ = get(t, router, "/admin/edges/low", map[string]string{"X-Admin-Token": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: code = %d, want 401", rec.Code)
	}
	rec, _ = get(t, router, "/admin/edges/low", map[string]string{"X-Admin-Token": "sekrit"})
	if rec.Code != http.StatusOK {
		t.Errorf("good token: code = %d, want 200", rec.Code)
	}
}

func TestAdminDisabledWithoutConfiguredToken(t *testing.T) {
	srv, _, _ := testServer(t, nil, &fakeGraph{}, "")
	rec, _ := get(t, srv.Router(), "/admin/edges/low", map[string]string{"X-Admin-Token": ""})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401 when no token is configured", rec.Code)
	}
}

func TestApproveEdgeIsAudited(t *testing.T) {
	graph := &fakeGraph{}
	srv, _, logger := testServer(t, nil, graph, "sekrit")
	router := srv.Router()
	auth := map[string]string{"X-Admin-Token": "sekrit"}

	rec, body := request(t, router, http.MethodPost,
		"/admin/edges/approve?src=brujah&rel=MEMBER_OF&dst=camarilla", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %v", rec.Code, body)
	}
	if body["confidence"] != "high" {
		t.Errorf("confidence = %v", body["confidence"])
	}
	if len(graph.approved) != 1 {
		t.Fatalf("approved = %v", graph.approved)
	}

	if err := logger.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries, err := logger.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != "approve" || entries[0].Src != "brujah" {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestDeleteEdgeNotFound(t *testing.T) {
	graph := &fakeGraph{deleteErr: graphstore.ErrNotFound}
	srv, _, _ := testServer(t, nil, graph, "sekrit")

	rec, _ := request(t, srv.Router(), http.MethodPost,
		"/admin/edges/delete?src=a&rel=REL&dst=b", map[string]string{"X-Admin-Token": "sekrit"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
}

func TestEdgeMutationRequiresTriple(t *testing.T) {
	srv, _, _ := testServer(t, nil, &fakeGraph{}, "sekrit")
	rec, _ := request(t, srv.Router(), http.MethodPost,
		"/admin/edges/approve?src=a&rel=REL", map[string]string{"X-Admin-Token": "sekrit"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestTermOverlapReranker(t *testing.T) {
	texts := []string{
		"completely unrelated text",
		"the warrior rebels fight",
		"warrior",
	}
	order, err := TermOverlap{}.Rerank(context.Background(), "warrior rebels", texts, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 {
		t.Fatalf("order = %v", order)
	}
	if order[0].Index != 1 {
		t.Errorf("top index = %d, want 1 (both terms)", order[0].Index)
	}
	if order[0].Score != 1.0 {
		t.Errorf("top score = %v, want 1.0", order[0].Score)
	}
	if order[1].Index != 2 {
		t.Errorf("second index = %d, want 2", order[1].Index)
	}
}

func TestAuditListEndpoint(t *testing.T) {
	graph := &fakeGraph{}
	srv, _, _ := testServer(t, nil, graph, "sekrit")
	router := srv.Router()
	auth := map[string]string{"X-Admin-Token": "sekrit"}

	request(t, router, http.MethodPost, "/admin/edges/approve?src=a&rel=REL&dst=b", auth)
	rec, body := get(t, router, "/admin/audit", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	items := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v, want the approve entry", items)
	}
	if !strings.Contains(rec.Body.String(), `"approve"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
