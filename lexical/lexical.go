// Package lexical is the keyword retrieval sink: passages stored in SQLite
// with an FTS5 mirror kept in sync by triggers. Writes are keyed by the
// deterministic passage ID, so re-ingesting a page upserts in place.
package lexical

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/duskhall/chronicle/dbopen"
	"github.com/duskhall/chronicle/passage"
)

// Schema holds the passage store plus its FTS5 index and sync triggers.
const Schema = `
CREATE TABLE IF NOT EXISTS passages (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    section    TEXT NOT NULL DEFAULT '',
    url        TEXT NOT NULL DEFAULT '',
    body       TEXT NOT NULL,
    pos        INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_passages_title ON passages(title);

CREATE VIRTUAL TABLE IF NOT EXISTS passages_fts USING fts5(
    title, body, content='passages', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS passages_ai AFTER INSERT ON passages BEGIN
    INSERT INTO passages_fts(rowid, title, body) VALUES (new.rowid, new.title, new.body);
END;
CREATE TRIGGER IF NOT EXISTS passages_ad AFTER DELETE ON passages BEGIN
    INSERT INTO passages_fts(passages_fts, rowid, title, body) VALUES('delete', old.rowid, old.title, old.body);
END;
CREATE TRIGGER IF NOT EXISTS passages_au AFTER UPDATE ON passages BEGIN
    INSERT INTO passages_fts(passages_fts, rowid, title, body) VALUES('delete', old.rowid, old.title, old.body);
    INSERT INTO passages_fts(rowid, title, body) VALUES (new.rowid, new.title, new.body);
END;
`

// Index is the lexical passage store.
type Index struct {
	db *sql.DB
}

// NewIndex wraps an open database. The schema must already be applied
// (dbopen.WithSchema(lexical.Schema)).
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Upsert writes a page's passages, replacing any previous versions that
// share a passage ID.
func (x *Index) Upsert(ctx context.Context, passages []passage.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, x.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO passages (id, title, section, url, body, pos, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			    title=excluded.title, section=excluded.section, url=excluded.url,
			    body=excluded.body, pos=excluded.pos, updated_at=excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("lexical: prepare upsert: %w", err)
		}
		defer stmt.Close()
		for _, p := range passages {
			if _, err := stmt.ExecContext(ctx, p.ID, p.Title, p.Section, p.URL, p.Text, p.Offset, now); err != nil {
				return fmt.Errorf("lexical: upsert %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// Hit is one FTS5 search result.
type Hit struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Section string  `json:"section"`
	URL     string  `json:"url"`
	Text    string  `json:"text"`
	Offset  int     `json:"offset"`
	Rank    float64 `json:"rank"`
}

var termRe = regexp.MustCompile(`[\pL\pN]+`)

// MatchQuery turns free text into a safe FTS5 MATCH expression: each term
// quoted, joined with OR for recall. Returns "" when no terms survive.
func MatchQuery(s string) string {
	terms := termRe.FindAllString(s, -1)
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}

// Search runs a full-text query. Free text in, best-ranked passages out.
func (x *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	match := MatchQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := x.db.QueryContext(ctx,
		`SELECT p.id, p.title, p.section, p.url, p.body, p.pos, rank
		FROM passages_fts f
		JOIN passages p ON p.rowid = f.rowid
		WHERE passages_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical: search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Title, &h.Section, &h.URL, &h.Text, &h.Offset, &h.Rank); err != nil {
			return nil, fmt.Errorf("lexical: scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Get returns one passage by ID, or nil when absent.
func (x *Index) Get(ctx context.Context, id string) (*Hit, error) {
	var h Hit
	err := x.db.QueryRowContext(ctx,
		`SELECT id, title, section, url, body, pos FROM passages WHERE id = ?`, id).
		Scan(&h.ID, &h.Title, &h.Section, &h.URL, &h.Text, &h.Offset)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lexical: get %s: %w", id, err)
	}
	return &h, nil
}

// HasTitle reports whether any passage of the page is already indexed.
// Used by ingestion to skip pages that survived a previous run.
func (x *Index) HasTitle(ctx context.Context, title string) (bool, error) {
	var n int
	err := x.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM passages WHERE title = ? LIMIT 1`, title).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lexical: has title: %w", err)
	}
	return n > 0, nil
}

// DeleteTitle removes all passages of a page.
func (x *Index) DeleteTitle(ctx context.Context, title string) (int, error) {
	res, err := x.db.ExecContext(ctx, `DELETE FROM passages WHERE title = ?`, title)
	if err != nil {
		return 0, fmt.Errorf("lexical: delete title: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count returns the total number of indexed passages.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("lexical: count: %w", err)
	}
	return n, nil
}
