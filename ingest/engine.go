// Package ingest drives the crawl: it seeds the checkpoint ledger with
// titles, then works through them in batches, fanning each page out to the
// lexical, vector, and graph sinks. The lexical index is the system of
// record, so its failures fail the title; vector and graph writes are
// best-effort. All progress lives in the ledger, which makes a killed run
// resumable from exactly where it stopped.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/duskhall/chronicle/checkpoint"
	"github.com/duskhall/chronicle/lore"
	"github.com/duskhall/chronicle/passage"
	"github.com/duskhall/chronicle/wiki"
	"github.com/duskhall/chronicle/wikitext"
)

// Fetcher enumerates and fetches wiki pages.
type Fetcher interface {
	AllPages(ctx context.Context, namespace, limit int) ([]string, error)
	AllPagesHTML(ctx context.Context, limit int) ([]string, error)
	RecentChanges(ctx context.Context, window time.Duration) ([]string, error)
	FetchPage(ctx context.Context, title string) (*wiki.Page, error)
}

// LexicalSink is the mandatory passage store.
type LexicalSink interface {
	Upsert(ctx context.Context, passages []passage.Passage) error
	HasTitle(ctx context.Context, title string) (bool, error)
}

// VectorSink stores passage embeddings. Optional.
type VectorSink interface {
	Upsert(ctx context.Context, passages []passage.Passage) error
}

// GraphSink stores extracted entities and relations. Optional.
type GraphSink interface {
	UpsertNodes(ctx context.Context, nodes []lore.Node) error
	UpsertEdges(ctx context.Context, edges []lore.Edge) error
}

// Criticality says how the engine treats a sink's write failure.
type Criticality string

const (
	// Fatal sink failures fail the title's attempt.
	Fatal Criticality = "fatal"
	// BestEffort sink failures are logged; the title can still succeed.
	BestEffort Criticality = "best-effort"
)

// Sink names used in the policy table.
const (
	SinkLexical = "lexical"
	SinkVector  = "vector"
	SinkGraph   = "graph"
)

// DefaultSinkPolicy favors availability of search over completeness of the
// auxiliary indexes: the lexical store is the core value, the vector and
// graph stores can lag behind and be repaired by re-ingestion.
func DefaultSinkPolicy() map[string]Criticality {
	return map[string]Criticality{
		SinkLexical: Fatal,
		SinkVector:  BestEffort,
		SinkGraph:   BestEffort,
	}
}

// Config tunes one ingestion run.
type Config struct {
	// Namespace is the MediaWiki namespace to enumerate. 0 = articles.
	Namespace int `json:"namespace" yaml:"namespace"`

	// SeedLimit caps the initial title seed. 0 = no limit.
	SeedLimit int `json:"seed_limit" yaml:"seed_limit"`

	// BatchSize is how many titles one loop iteration claims. Default: 100.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxRetries is the per-title attempt cap. Default: 3.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// SkipIndexed skips titles that already have lexical passages.
	SkipIndexed bool `json:"skip_indexed" yaml:"skip_indexed"`

	// SinkPolicy maps sink name to criticality. Sinks not listed take
	// DefaultSinkPolicy.
	SinkPolicy map[string]Criticality `json:"sink_policy" yaml:"sink_policy"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	policy := DefaultSinkPolicy()
	for sink, crit := range c.SinkPolicy {
		policy[sink] = crit
	}
	c.SinkPolicy = policy
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine is one configured ingestion pipeline.
type Engine struct {
	cfg     Config
	ledger  *checkpoint.Ledger
	fetcher Fetcher
	lexical LexicalSink
	vector  VectorSink
	graph   GraphSink
	logger  *slog.Logger
}

// New assembles an engine. vector and graph may be nil; the corresponding
// sinks are then skipped for the whole run.
func New(cfg Config, ledger *checkpoint.Ledger, fetcher Fetcher, lex LexicalSink, vec VectorSink, graph GraphSink) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:     cfg,
		ledger:  ledger,
		fetcher: fetcher,
		lexical: lex,
		vector:  vec,
		graph:   graph,
		logger:  cfg.Logger,
	}
}

// seed fills an empty ledger with titles. The API listing is preferred;
// Special:AllPages scraping is the fallback for wikis that disable it.
func (e *Engine) seed(ctx context.Context) error {
	n, err := e.ledger.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	e.logger.Info("seeding title list", "namespace", e.cfg.Namespace, "limit", e.cfg.SeedLimit)
	titles, err := e.fetcher.AllPages(ctx, e.cfg.Namespace, e.cfg.SeedLimit)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		e.logger.Warn("allpages API failed, falling back to HTML listing", "err", err)
		titles, err = e.fetcher.AllPagesHTML(ctx, e.cfg.SeedLimit)
		if err != nil {
			return fmt.Errorf("ingest: seed: %w", err)
		}
	}
	if err := e.ledger.Seed(ctx, titles); err != nil {
		return err
	}
	e.logger.Info("seeded", "titles", len(titles))
	return nil
}

// SeedRecentChanges marks titles edited within the window as pending again,
// so the next Run re-ingests them even if they were previously ok.
func (e *Engine) SeedRecentChanges(ctx context.Context, window time.Duration) (int, error) {
	titles, err := e.fetcher.RecentChanges(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("ingest: recent changes: %w", err)
	}
	if err := e.ledger.MarkPending(ctx, titles); err != nil {
		return 0, err
	}
	e.logger.Info("reseeded recent changes", "window", window, "titles", len(titles))
	return len(titles), nil
}

// Run processes workable titles until every title is terminal or the
// context is cancelled. When the only workable titles are inside their
// backoff window, the loop waits for the earliest horizon instead of
// exiting. Cancellation is honored between titles and batches; the title
// being processed runs to completion first.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.seed(ctx); err != nil {
		return err
	}
	if err := e.ledger.SetMeta(ctx, "namespace", fmt.Sprint(e.cfg.Namespace)); err != nil {
		return err
	}
	if err := e.ledger.SetMetaOnce(ctx, "started_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	stats, err := e.ledger.Stats(ctx, e.cfg.MaxRetries)
	if err != nil {
		return err
	}
	e.logger.Info("starting", "total", stats.Total, "remaining", stats.Remaining, "max_retries", e.cfg.MaxRetries)
	if e.vector == nil {
		e.logger.Info("vector sink disabled; continuing with lexical and graph only")
	}

	processed := 0
	for {
		if ctx.Err() != nil {
			e.logger.Info("stopping; checkpoints saved", "processed", processed)
			return nil
		}
		titles, err := e.ledger.SelectWorkable(ctx, e.cfg.BatchSize, e.cfg.MaxRetries)
		if err != nil {
			return err
		}
		if len(titles) == 0 {
			// An empty batch does not mean done: failed titles with
			// attempts left may just be inside their backoff window.
			eligible, retryable, err := e.ledger.NextEligibleAt(ctx, e.cfg.MaxRetries)
			if err != nil {
				return err
			}
			if !retryable {
				break
			}
			wait := time.Until(eligible)
			if wait < 0 {
				wait = 0
			}
			e.logger.Info("all workable titles backing off; waiting", "until", eligible.UTC().Format(time.RFC3339))
			if err := sleepCtx(ctx, wait); err != nil {
				e.logger.Info("stopping; checkpoints saved", "processed", processed)
				return nil
			}
			continue
		}

		var ok, failed, skipped int
		for _, title := range titles {
			if ctx.Err() != nil {
				break
			}
			status, err := e.processTitle(ctx, title)
			switch status {
			case checkpoint.StatusOK:
				ok++
			case checkpoint.StatusSkipped:
				skipped++
			case checkpoint.StatusFailed:
				failed++
				e.logger.Error("title failed", "title", title, "err", err)
			}
		}

		processed += ok + failed + skipped
		if ctx.Err() != nil {
			e.logger.Info("stopping; checkpoints saved", "processed", processed)
			return nil
		}
		remaining, err := e.ledger.Stats(ctx, e.cfg.MaxRetries)
		if err != nil {
			return err
		}
		e.logger.Info("batch done",
			"ok", ok, "skipped", skipped, "failed", failed,
			"processed", processed, "remaining", remaining.Remaining)
	}

	final, err := e.ledger.Stats(ctx, e.cfg.MaxRetries)
	if err != nil {
		return err
	}
	e.logger.Info("done",
		"ok", final.OK, "skipped", final.Skipped,
		"failed_terminal", final.TerminalFailed, "retryable", final.Remaining)
	return nil
}

// processTitle runs one attempt for one title and records its outcome. The
// returned status is what was written to the ledger.
func (e *Engine) processTitle(ctx context.Context, title string) (string, error) {
	// Cancellation is honored between titles only. The in-flight title runs
	// to completion on an uncancellable context so a stop signal neither
	// burns an attempt on a spurious "context canceled" failure nor loses
	// the ledger bookkeeping.
	titleCtx := context.WithoutCancel(ctx)

	if err := e.ledger.RecordAttemptStart(titleCtx, title); err != nil {
		return checkpoint.StatusFailed, err
	}

	if e.cfg.SkipIndexed {
		indexed, err := e.lexical.HasTitle(titleCtx, title)
		if err == nil && indexed {
			if err := e.ledger.RecordOutcome(titleCtx, title, checkpoint.StatusSkipped, ""); err != nil {
				return checkpoint.StatusFailed, err
			}
			return checkpoint.StatusSkipped, nil
		}
	}

	status, workErr := e.ingest(titleCtx, title)
	var errText string
	if workErr != nil {
		errText = workErr.Error()
	}
	if err := e.ledger.RecordOutcome(titleCtx, title, status, errText); err != nil {
		return checkpoint.StatusFailed, err
	}
	return status, workErr
}

// ingest fetches, parses, and fans one page out to the sinks.
func (e *Engine) ingest(ctx context.Context, title string) (string, error) {
	page, err := e.fetcher.FetchPage(ctx, title)
	if err != nil {
		if wiki.IsMissingTitle(err) {
			// Deleted or never existed; nothing to retry.
			return checkpoint.StatusSkipped, nil
		}
		return checkpoint.StatusFailed, fmt.Errorf("fetch: %w", err)
	}

	box := wikitext.ParseInfobox(page.Wikitext)
	sections := wikitext.Sections(page.Wikitext)
	passages := passage.Extract(page.Title, page.URL, sections)

	if len(passages) > 0 {
		if err := e.lexical.Upsert(ctx, passages); err != nil {
			if ferr := e.sinkFailed(SinkLexical, title, err); ferr != nil {
				return checkpoint.StatusFailed, ferr
			}
		}
		if e.vector != nil {
			if err := e.vector.Upsert(ctx, passages); err != nil {
				if ferr := e.sinkFailed(SinkVector, title, err); ferr != nil {
					return checkpoint.StatusFailed, ferr
				}
			}
		}
	}

	if e.graph != nil {
		node := lore.BuildNode(page.Title, page.Categories, page.URL, box)
		edges := lore.ExtractRelations(page.Title, box, sections)
		if err := e.graph.UpsertNodes(ctx, []lore.Node{node}); err != nil {
			if ferr := e.sinkFailed(SinkGraph, title, err); ferr != nil {
				return checkpoint.StatusFailed, ferr
			}
		} else if len(edges) > 0 {
			if err := e.graph.UpsertEdges(ctx, edges); err != nil {
				if ferr := e.sinkFailed(SinkGraph, title, err); ferr != nil {
					return checkpoint.StatusFailed, ferr
				}
			}
		}
	}

	return checkpoint.StatusOK, nil
}

// sinkFailed applies the declared sink policy to a write error: fatal sinks
// fail the attempt, best-effort sinks log and move on.
func (e *Engine) sinkFailed(sink, title string, err error) error {
	if e.cfg.SinkPolicy[sink] == Fatal {
		return fmt.Errorf("%s: %w", sink, err)
	}
	e.logger.Warn("sink write failed", "sink", sink, "policy", BestEffort, "title", title, "err", err)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
