package lexical

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/duskhall/chronicle/dbopen"
	"github.com/duskhall/chronicle/passage"
)

func testIndex(t *testing.T) *Index {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewIndex(db)
}

func somePassages() []passage.Passage {
	return []passage.Passage{
		{ID: "p1", Title: "Brujah", Section: "Lead", URL: "u1", Text: "The Brujah are rebels and warriors.", Offset: 0},
		{ID: "p2", Title: "Brujah", Section: "History", URL: "u1", Text: "Once philosophers of Carthage.", Offset: 40},
		{ID: "p3", Title: "Toreador", Section: "Lead", URL: "u2", Text: "Artists obsessed with beauty.", Offset: 0},
	}
}

func TestUpsertAndSearch(t *testing.T) {
	x := testIndex(t)
	ctx := context.Background()
	if err := x.Upsert(ctx, somePassages()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := x.Search(ctx, "rebels warriors", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].ID != "p1" {
		t.Errorf("top hit = %q, want p1", hits[0].ID)
	}
	if hits[0].Section != "Lead" || hits[0].Offset != 0 {
		t.Errorf("hit = %+v", hits[0])
	}
}

func TestUpsertReplacesById(t *testing.T) {
	x := testIndex(t)
	ctx := context.Background()
	if err := x.Upsert(ctx, somePassages()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Same ID, new body. FTS must see only the new text.
	updated := []passage.Passage{{ID: "p1", Title: "Brujah", Section: "Lead", URL: "u1", Text: "Idealists with short tempers.", Offset: 0}}
	if err := x.Upsert(ctx, updated); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}

	if hits, _ := x.Search(ctx, "rebels", 10); len(hits) != 0 {
		t.Errorf("stale text still searchable: %v", hits)
	}
	hits, err := x.Search(ctx, "idealists", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "p1" {
		t.Errorf("hits = %v, want updated p1", hits)
	}
	if n, _ := x.Count(ctx); n != 3 {
		t.Errorf("count = %d, want 3 (upsert must not duplicate)", n)
	}
}

func TestMatchQuerySanitizesPunctuation(t *testing.T) {
	got := MatchQuery(`Who leads the "Camarilla"? (and why)`)
	want := `"Who" OR "leads" OR "the" OR "Camarilla" OR "and" OR "why"`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if MatchQuery("?!...") != "" {
		t.Error("punctuation-only query should produce empty match")
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	x := testIndex(t)
	hits, err := x.Search(context.Background(), "???", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits != nil {
		t.Errorf("hits = %v, want nil", hits)
	}
}

func TestHasTitleAndDeleteTitle(t *testing.T) {
	x := testIndex(t)
	ctx := context.Background()
	if err := x.Upsert(ctx, somePassages()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ok, err := x.HasTitle(ctx, "Brujah")
	if err != nil || !ok {
		t.Fatalf("HasTitle(Brujah) = %v, %v; want true", ok, err)
	}
	if ok, _ := x.HasTitle(ctx, "Nosferatu"); ok {
		t.Error("HasTitle(Nosferatu) = true, want false")
	}

	n, err := x.DeleteTitle(ctx, "Brujah")
	if err != nil {
		t.Fatalf("DeleteTitle: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if hits, _ := x.Search(ctx, "Carthage", 10); len(hits) != 0 {
		t.Errorf("deleted passages still searchable: %v", hits)
	}
	if ok, _ := x.HasTitle(ctx, "Toreador"); !ok {
		t.Error("other title should survive delete")
	}
}

func TestGet(t *testing.T) {
	x := testIndex(t)
	ctx := context.Background()
	if err := x.Upsert(ctx, somePassages()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h, err := x.Get(ctx, "p2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h == nil || h.Section != "History" || h.Offset != 40 {
		t.Errorf("hit = %+v", h)
	}
	if h, _ := x.Get(ctx, "nope"); h != nil {
		t.Errorf("Get(nope) = %+v, want nil", h)
	}
}
