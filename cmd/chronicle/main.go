// Command chronicle serves hybrid question answering over the ingested
// wiki plus the token-gated admin surface for reviewing extracted graph
// edges.
//
// Usage:
//
//	chronicle -config chronicle.yaml
//	CHRONICLE_ADMIN_TOKEN=... chronicle -config chronicle.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/horosvec"
	_ "modernc.org/sqlite"

	"github.com/duskhall/chronicle/audit"
	"github.com/duskhall/chronicle/config"
	"github.com/duskhall/chronicle/dbopen"
	"github.com/duskhall/chronicle/graphstore"
	"github.com/duskhall/chronicle/lexical"
	"github.com/duskhall/chronicle/qa"
	"github.com/duskhall/chronicle/vector"
)

func main() {
	configPath := flag.String("config", "chronicle.yaml", "path to config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *addr); err != nil {
		logger.Error("chronicle: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Serve.Addr
	}

	lexDB, err := dbopen.Open(cfg.Store.LexicalPath, dbopen.WithSchema(lexical.Schema))
	if err != nil {
		return fmt.Errorf("open lexical store: %w", err)
	}
	defer lexDB.Close()
	lex := lexical.NewIndex(lexDB)

	var vec qa.VectorSearcher
	if emb := vector.NewEmbedder(vector.EmbedConfig{
		Endpoint: cfg.Embed.Endpoint,
		Model:    cfg.Embed.Model,
		Logger:   logger,
	}); emb != nil {
		vecDB, err := dbopen.Open(cfg.Store.VectorPath)
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
	} else {
		logger.Info("vector search disabled, no embed endpoint configured")
	}

	var graph qa.GraphClient
	if cfg.Neo4j.URI != "" {
		gs, err := graphstore.Connect(ctx, graphstore.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("graph store unavailable, serving without it", "error", err)
		} else {
			defer gs.Close(context.Background())
			graph = gs
		}
	}

	auditDB, err := dbopen.Open(cfg.Store.AuditPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer auditDB.Close()
	auditLog := audit.NewSQLiteLogger(auditDB)
	if err := auditLog.Init(); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	defer auditLog.Close()

	adminToken := cfg.AdminToken()
	if adminToken == "" {
		logger.Info("admin surface disabled", "token_env", cfg.Serve.AdminTokenEnv)
	}

	server := qa.NewServer(qa.Config{
		AdminToken: adminToken,
		Logger:     logger,
	}, lex, vec, graph, auditLog)

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
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
