// Package graphstore persists the lore knowledge graph in Neo4j. All
// entities share one label (Entity) and all relations one type (REL) with a
// rel property, so the schema never has to migrate when extraction learns a
// new relation kind. Edge upserts accumulate evidence; confidence reflects
// the latest extraction.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/duskhall/chronicle/lore"
)

// ErrNotFound is returned by edge operations when no edge matches.
var ErrNotFound = errors.New("graphstore: edge not found")

// ErrForbiddenQuery is returned by ReadQuery for mutating or unsafe Cypher.
var ErrForbiddenQuery = errors.New("graphstore: mutating or unsafe queries are not allowed")

// Config configures the Neo4j connection.
type Config struct {
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`

	// ConnectTimeout bounds the whole connect-with-retry sequence per attempt.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.URI == "" {
		c.URI = "bolt://localhost:7687"
	}
	if c.Username == "" {
		c.Username = "neo4j"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store is a connected graph client.
type Store struct {
	driver neo4j.DriverWithContext
	cfg    Config
	logger *slog.Logger
}

// Connect dials Neo4j, retrying with exponential backoff; graph databases
// routinely come up after the services that depend on them.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()
	auth := neo4j.BasicAuth(cfg.Username, cfg.Password, "")

	const maxAttempts = 5
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
		if err == nil {
			if err = driver.VerifyConnectivity(ctx); err == nil {
				return &Store{driver: driver, cfg: cfg, logger: cfg.Logger}, nil
			}
			driver.Close(ctx)
		}
		lastErr = err
		cfg.Logger.Warn("graphstore: connect failed", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("graphstore: connect cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > cfg.ConnectTimeout {
			backoff = cfg.ConnectTimeout
		}
	}
	return nil, fmt.Errorf("graphstore: connect after %d attempts: %w", maxAttempts, lastErr)
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// EnsureReady creates the uniqueness constraint backing entity upserts.
func (s *Store) EnsureReady(ctx context.Context) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx,
			`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`, nil)
		return err
	})
}

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.cfg.Database})
}

func (s *Store) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

// maxProp bounds string properties written to the graph.
const maxProp = 600

func clip(s string) string {
	if len(s) > maxProp {
		return s[:maxProp]
	}
	return s
}

func clipAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = clip(s)
	}
	return out
}

// UpsertNodes merges entities by id and overwrites their properties.
func (s *Store) UpsertNodes(ctx context.Context, nodes []lore.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		rows[i] = map[string]any{
			"id":      clip(n.ID),
			"name":    clip(n.Name),
			"type":    clip(n.Type),
			"aliases": clipAll(n.Aliases),
			"source":  clip(n.Source),
		}
	}
	err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MERGE (n:Entity {id: row.id})
			SET n += {name: row.name, type: row.type, aliases: row.aliases, source: row.source}`,
			map[string]any{"rows": rows})
		return err
	})
	if err != nil {
		return fmt.Errorf("graphstore: upsert nodes: %w", err)
	}
	return nil
}

// UpsertEdges merges relations. Evidence accumulates across ingests; the
// confidence property always reflects the latest write.
func (s *Store) UpsertEdges(ctx context.Context, edges []lore.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(edges))
	for i, e := range edges {
		confidence := e.Confidence
		if confidence == "" {
			confidence = lore.ConfidenceLow
		}
		rows[i] = map[string]any{
			"src":        clip(e.Src),
			"rel":        clip(e.Rel),
			"dst":        clip(e.Dst),
			"confidence": confidence,
			"evidence":   clip(e.Evidence.Type + ": " + e.Evidence.Text),
		}
	}
	err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MERGE (a:Entity {id: row.src})
			MERGE (b:Entity {id: row.dst})
			MERGE (a)-[r:REL {rel: row.rel}]->(b)
			ON CREATE SET r.evidence = [row.evidence], r.confidence = row.confidence
			ON MATCH SET r.evidence = coalesce(r.evidence, []) + [row.evidence],
			             r.confidence = row.confidence`,
			map[string]any{"rows": rows})
		return err
	})
	if err != nil {
		return fmt.Errorf("graphstore: upsert edges: %w", err)
	}
	return nil
}

// Edge is one stored relation as seen by review surfaces.
type Edge struct {
	Src        string   `json:"src"`
	Rel        string   `json:"rel"`
	Dst        string   `json:"dst"`
	Evidence   []string `json:"evidence"`
	Confidence string   `json:"confidence"`
}

func edgeFromRecord(rec *neo4j.Record) Edge {
	var e Edge
	if v, ok := rec.Get("src"); ok {
		e.Src, _ = v.(string)
	}
	if v, ok := rec.Get("rel"); ok {
		e.Rel, _ = v.(string)
	}
	if v, ok := rec.Get("dst"); ok {
		e.Dst, _ = v.(string)
	}
	if v, ok := rec.Get("confidence"); ok {
		e.Confidence, _ = v.(string)
	}
	if v, ok := rec.Get("evidence"); ok {
		if items, ok := v.([]any); ok {
			for _, it := range items {
				if s, ok := it.(string); ok {
					e.Evidence = append(e.Evidence, s)
				}
			}
		}
	}
	return e
}

// ListLowConfidence returns edges awaiting review.
func (s *Store) ListLowConfidence(ctx context.Context, limit int) ([]Edge, error) {
	if limit <= 0 {
		limit = 100
	}
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Entity)-[r:REL]->(b:Entity)
			WHERE coalesce(r.confidence, 'low') = 'low'
			RETURN a.id AS src, r.rel AS rel, b.id AS dst,
			       r.evidence AS evidence, r.confidence AS confidence
			LIMIT $limit`,
			map[string]any{"limit": limit})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		edges := make([]Edge, len(records))
		for i, rec := range records {
			edges[i] = edgeFromRecord(rec)
		}
		return edges, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graphstore: list low confidence: %w", err)
	}
	return result.([]Edge), nil
}

// ApproveEdge promotes one edge to high confidence.
func (s *Store) ApproveEdge(ctx context.Context, src, rel, dst string) (*Edge, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Entity {id: $src})-[r:REL {rel: $rel}]->(b:Entity {id: $dst})
			SET r.confidence = 'high'
			RETURN a.id AS src, r.rel AS rel, b.id AS dst,
			       r.evidence AS evidence, r.confidence AS confidence`,
			map[string]any{"src": src, "rel": rel, "dst": dst})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, ErrNotFound
		}
		e := edgeFromRecord(records[0])
		return &e, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("graphstore: approve edge: %w", err)
	}
	return result.(*Edge), nil
}

// DeleteEdge removes one edge.
func (s *Store) DeleteEdge(ctx context.Context, src, rel, dst string) error {
	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Entity {id: $src})-[r:REL {rel: $rel}]->(b:Entity {id: $dst})
			DELETE r
			RETURN count(r) AS deleted`,
			map[string]any{"src": src, "rel": rel, "dst": dst})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if n, ok := rec.Get("deleted"); ok {
			if deleted, ok := n.(int64); ok && deleted == 0 {
				return nil, ErrNotFound
			}
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("graphstore: delete edge: %w", err)
	}
	return nil
}

// UpdateEdge renames, retargets, or reconfirms one edge. Empty arguments
// leave the corresponding attribute unchanged. Retargeting requires the new
// destination entity to exist; the edge keeps its evidence.
func (s *Store) UpdateEdge(ctx context.Context, src, rel, dst, newRel, newDst, confidence string) (*Edge, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Entity {id: $src})-[r:REL {rel: $rel}]->(b:Entity {id: $dst})
			RETURN r.rel AS rel, r.confidence AS confidence, r.evidence AS evidence`,
			map[string]any{"src": src, "rel": rel, "dst": dst})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, ErrNotFound
		}
		cur := edgeFromRecord(records[0])

		finalRel := rel
		if newRel != "" {
			finalRel = newRel
		}
		finalConf := cur.Confidence
		if confidence != "" {
			finalConf = confidence
		}
		finalDst := dst

		if newDst != "" && newDst != dst {
			res, err = tx.Run(ctx,
				`MATCH (c:Entity {id: $id}) RETURN c.id AS id`,
				map[string]any{"id": newDst})
			if err != nil {
				return nil, err
			}
			targets, err := res.Collect(ctx)
			if err != nil {
				return nil, err
			}
			if len(targets) > 0 {
				finalDst = newDst
			}
		}

		if finalDst != dst {
			_, err = tx.Run(ctx, `
				MATCH (a:Entity {id: $src})-[r:REL {rel: $rel}]->(b:Entity {id: $dst})
				DELETE r
				WITH a
				MATCH (c:Entity {id: $newDst})
				MERGE (a)-[r2:REL {rel: $newRel}]->(c)
				SET r2.confidence = $conf, r2.evidence = $evidence`,
				map[string]any{
					"src": src, "rel": rel, "dst": dst,
					"newDst": finalDst, "newRel": finalRel,
					"conf": finalConf, "evidence": cur.Evidence,
				})
		} else {
			_, err = tx.Run(ctx, `
				MATCH (a:Entity {id: $src})-[r:REL {rel: $rel}]->(b:Entity {id: $dst})
				SET r.rel = $newRel, r.confidence = $conf`,
				map[string]any{
					"src": src, "rel": rel, "dst": dst,
					"newRel": finalRel, "conf": finalConf,
				})
		}
		if err != nil {
			return nil, err
		}
		return &Edge{Src: src, Rel: finalRel, Dst: finalDst, Evidence: cur.Evidence, Confidence: finalConf}, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("graphstore: update edge: %w", err)
	}
	return result.(*Edge), nil
}

// RelatedDisciplines answers "which disciplines does this clan practice".
func (s *Store) RelatedDisciplines(ctx context.Context, clan string) ([]string, error) {
	return s.readNames(ctx, `
		MATCH (c:Entity {id: $cid, type: 'Clan'})-[:REL {rel: 'HAS_DISCIPLINE'}]->(d:Entity {type: 'Discipline'})
		RETURN d.name AS name`, lore.Slug(clan))
}

// SectsOfClan answers "which sects does this clan belong to".
func (s *Store) SectsOfClan(ctx context.Context, clan string) ([]string, error) {
	return s.readNames(ctx, `
		MATCH (c:Entity {id: $cid, type: 'Clan'})-[:REL {rel: 'MEMBER_OF'}]->(s:Entity {type: 'Sect'})
		RETURN s.name AS name`, lore.Slug(clan))
}

func (s *Store) readNames(ctx context.Context, cypher, cid string) ([]string, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, map[string]any{"cid": cid})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, rec := range records {
			if v, ok := rec.Get("name"); ok {
				if name, ok := v.(string); ok {
					names = append(names, name)
				}
			}
		}
		return names, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graphstore: read names: %w", err)
	}
	return result.([]string), nil
}

// forbidden substrings for ad-hoc read queries.
var forbidden = []string{"create", "merge", "delete", "set", "call dbms", "apoc.periodic.commit", "load csv"}

// CheckReadOnly rejects Cypher containing mutating or unsafe keywords.
func CheckReadOnly(query string) error {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, w := range forbidden {
		if strings.Contains(q, w) {
			return ErrForbiddenQuery
		}
	}
	return nil
}

// ReadQuery runs an ad-hoc read-only Cypher query and returns row maps.
func (s *Store) ReadQuery(ctx context.Context, query string) ([]map[string]any, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, len(records))
		for i, rec := range records {
			rows[i] = rec.AsMap()
		}
		return rows, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graphstore: read query: %w", err)
	}
	return result.([]map[string]any), nil
}
