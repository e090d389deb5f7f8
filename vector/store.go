package vector

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/horosvec"

	"github.com/duskhall/chronicle/passage"
)

// Store keeps passage embeddings in a horosvec index backed by the given
// SQLite database.
type Store struct {
	index    *horosvec.Index
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger
}

// NewStore creates or loads the vector index in db. The embedder must be
// non-nil; callers that have no endpoint configured skip the vector sink
// instead of constructing a Store.
func NewStore(db *sql.DB, cfg horosvec.Config, emb Embedder, logger *slog.Logger) (*Store, error) {
	if emb == nil {
		return nil, fmt.Errorf("vector: nil embedder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	idx, err := horosvec.New(db, cfg)
	if err != nil {
		return nil, fmt.Errorf("vector: open index: %w", err)
	}
	return &Store{index: idx, db: db, embedder: emb, logger: logger}, nil
}

// Close releases the underlying index. The database stays open; it belongs
// to the caller.
func (s *Store) Close() error {
	return s.index.Close()
}

// Upsert embeds a page's passages and writes them keyed by passage ID.
// Existing vectors for the same IDs are removed first so re-ingestion
// converges instead of accumulating duplicates.
func (s *Store) Upsert(ctx context.Context, passages []passage.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	texts := make([]string, len(passages))
	ids := make([][]byte, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
		id, err := hex.DecodeString(p.ID)
		if err != nil {
			return fmt.Errorf("vector: passage id %q: %w", p.ID, err)
		}
		ids[i] = id
	}

	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("vector: embed: %w", err)
	}

	// The index appends on Insert; clear any prior rows for these IDs so a
	// re-ingested page replaces itself.
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM vec_nodes WHERE ext_id = ?`, id); err != nil {
			return fmt.Errorf("vector: clear stale: %w", err)
		}
	}

	// A fresh index must be built before it accepts live inserts.
	if s.index.Count() == 0 {
		if err := s.index.Build(ctx, &sliceIter{vecs: vecs, ids: ids}); err != nil {
			return fmt.Errorf("vector: build: %w", err)
		}
		return nil
	}
	if err := s.index.Insert(vecs, ids); err != nil {
		return fmt.Errorf("vector: insert: %w", err)
	}
	return nil
}

// sliceIter feeds in-memory vectors to the index builder.
type sliceIter struct {
	vecs [][]float32
	ids  [][]byte
	pos  int
}

func (s *sliceIter) Next() ([]byte, []float32, bool) {
	if s.pos >= len(s.vecs) {
		return nil, nil, false
	}
	id, vec := s.ids[s.pos], s.vecs[s.pos]
	s.pos++
	return id, vec, true
}

func (s *sliceIter) Reset() error {
	s.pos = 0
	return nil
}

// Match is one nearest-neighbor hit; ID is the hex passage ID.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Search embeds the query and returns the topK nearest passages.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector: embed query: %w", err)
	}
	results, err := s.index.Search(vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}
	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: hex.EncodeToString(r.ID), Score: float64(r.Score)}
	}
	return matches, nil
}

// Count returns the number of stored vectors.
func (s *Store) Count() int {
	return s.index.Count()
}
