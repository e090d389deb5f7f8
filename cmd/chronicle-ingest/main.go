// Command chronicle-ingest crawls a MediaWiki instance and fans the pages
// out to the lexical, vector, and graph stores, checkpointing per title so
// interrupted runs resume where they stopped.
//
// Usage:
//
//	chronicle-ingest -config chronicle.yaml                 # full crawl, resumable
//	chronicle-ingest -config chronicle.yaml -recent-hours 24 # re-ingest recent edits
//	chronicle-ingest -config chronicle.yaml -reset-failed    # retry exhausted titles
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/horosvec"
	_ "modernc.org/sqlite"

	"github.com/duskhall/chronicle/checkpoint"
	"github.com/duskhall/chronicle/config"
	"github.com/duskhall/chronicle/dbopen"
	"github.com/duskhall/chronicle/graphstore"
	"github.com/duskhall/chronicle/ingest"
	"github.com/duskhall/chronicle/lexical"
	"github.com/duskhall/chronicle/vector"
	"github.com/duskhall/chronicle/wiki"
)

func main() {
	configPath := flag.String("config", "chronicle.yaml", "path to config file")
	namespace := flag.Int("namespace", -1, "MediaWiki namespace to crawl (-1 = config value)")
	limit := flag.Int("limit", 0, "cap the number of titles seeded (0 = no cap)")
	batchSize := flag.Int("batch-size", 0, "titles per checkpoint batch (0 = config value)")
	maxRetries := flag.Int("max-retries", 0, "attempts per title before giving up (0 = config value)")
	reset := flag.Bool("reset", false, "wipe the checkpoint ledger and exit")
	resetFailed := flag.Bool("reset-failed", false, "re-queue terminally failed titles and exit")
	skipIndexed := flag.Bool("skip-indexed", false, "skip titles already present in the lexical index")
	recentHours := flag.Int("recent-hours", 0, "re-queue titles edited in the last N hours before running")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, logger, options{
		configPath:  *configPath,
		namespace:   *namespace,
		limit:       *limit,
		batchSize:   *batchSize,
		maxRetries:  *maxRetries,
		reset:       *reset,
		resetFailed: *resetFailed,
		skipIndexed: *skipIndexed,
		recentHours: *recentHours,
	})
	if err != nil {
		logger.Error("ingest: fatal", "error", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	namespace   int
	limit       int
	batchSize   int
	maxRetries  int
	reset       bool
	resetFailed bool
	skipIndexed bool
	recentHours int
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.namespace < 0 {
		opts.namespace = cfg.Ingest.Namespace
	}
	if opts.batchSize <= 0 {
		opts.batchSize = cfg.Ingest.BatchSize
	}
	if opts.maxRetries <= 0 {
		opts.maxRetries = cfg.Ingest.MaxRetries
	}

	cpDB, err := dbopen.Open(cfg.Store.CheckpointPath,
		dbopen.WithMkdirAll(), dbopen.WithSchema(checkpoint.Schema))
	if err != nil {
		return fmt.Errorf("open checkpoints: %w", err)
	}
	defer cpDB.Close()
	ledger := checkpoint.NewLedger(cpDB)

	if opts.reset {
		if err := ledger.Reset(ctx); err != nil {
			return fmt.Errorf("reset ledger: %w", err)
		}
		logger.Info("checkpoint ledger reset")
		return nil
	}
	if opts.resetFailed {
		n, err := ledger.ResetFailed(ctx, opts.maxRetries)
		if err != nil {
			return fmt.Errorf("reset failed titles: %w", err)
		}
		logger.Info("failed titles re-queued", "count", n)
		return nil
	}

	lexDB, err := dbopen.Open(cfg.Store.LexicalPath,
		dbopen.WithMkdirAll(), dbopen.WithSchema(lexical.Schema))
	if err != nil {
		return fmt.Errorf("open lexical store: %w", err)
	}
	defer lexDB.Close()
	lex := lexical.NewIndex(lexDB)

	client := wiki.New(cfg.Wiki.BaseURL,
		wiki.WithUserAgent(cfg.Wiki.UserAgent),
		wiki.WithThrottle(cfg.Wiki.Throttle),
		wiki.WithLogger(logger),
	)

	var vec ingest.VectorSink
	if emb := vector.NewEmbedder(vector.EmbedConfig{
		Endpoint: cfg.Embed.Endpoint,
		Model:    cfg.Embed.Model,
		Logger:   logger,
	}); emb != nil {
		vecDB, err := dbopen.Open(cfg.Store.VectorPath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("open vector store: %w", err)
		}
		defer vecDB.Close()
		store, err := vector.NewStore(vecDB, horosvec.DefaultConfig(), emb, logger)
		if err != nil {
			return fmt.Errorf("vector store: %w", err)
		}
		defer store.Close()
		vec = store
	}

	var graph ingest.GraphSink
	if cfg.Neo4j.URI != "" {
		gs, err := graphstore.Connect(ctx, graphstore.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("graph store unavailable, continuing without it", "error", err)
		} else {
			defer gs.Close(context.Background())
			if err := gs.EnsureReady(ctx); err != nil {
				return fmt.Errorf("graph constraints: %w", err)
			}
			graph = gs
		}
	}

	engine := ingest.New(ingest.Config{
		Namespace:   opts.namespace,
		SeedLimit:   opts.limit,
		BatchSize:   opts.batchSize,
		MaxRetries:  opts.maxRetries,
		SkipIndexed: opts.skipIndexed,
		Logger:      logger,
	}, ledger, client, lex, vec, graph)

	if opts.recentHours > 0 {
		n, err := engine.SeedRecentChanges(ctx, time.Duration(opts.recentHours)*time.Hour)
		if err != nil {
			return fmt.Errorf("recent changes: %w", err)
		}
		logger.Info("recent titles re-queued", "count", n, "window_hours", opts.recentHours)
	}

	return engine.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
