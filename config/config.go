// Package config loads the YAML configuration shared by the ingest and
// serving commands.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full chronicle configuration.
type Config struct {
	Wiki   WikiConfig   `yaml:"wiki"`
	Store  StoreConfig  `yaml:"store"`
	Embed  EmbedConfig  `yaml:"embed"`
	Neo4j  Neo4jConfig  `yaml:"neo4j"`
	Serve  ServeConfig  `yaml:"serve"`
	Ingest IngestConfig `yaml:"ingest"`
}

// WikiConfig points at the MediaWiki instance to ingest.
type WikiConfig struct {
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Throttle  time.Duration `yaml:"throttle"`
}

// StoreConfig holds the SQLite paths.
type StoreConfig struct {
	CheckpointPath string `yaml:"checkpoint_path"`
	LexicalPath    string `yaml:"lexical_path"`
	VectorPath     string `yaml:"vector_path"`
	AuditPath      string `yaml:"audit_path"`
}

// EmbedConfig configures the embeddings endpoint. An empty endpoint
// disables the vector sink.
type EmbedConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// Neo4jConfig configures the graph store. An empty URI disables it.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ServeConfig configures the QA/admin HTTP service. The admin token is
// read from the environment variable named by AdminTokenEnv so it never
// lives in the config file.
type ServeConfig struct {
	Addr          string `yaml:"addr"`
	AdminTokenEnv string `yaml:"admin_token_env"`
}

// IngestConfig holds ingest run defaults; flags override them.
type IngestConfig struct {
	Namespace  int `yaml:"namespace"`
	BatchSize  int `yaml:"batch_size"`
	MaxRetries int `yaml:"max_retries"`
}

// Default returns sane defaults.
func Default() *Config {
	return &Config{
		Wiki: WikiConfig{
			UserAgent: "chronicle/1.0 (ingest)",
			Throttle:  350 * time.Millisecond,
		},
		Store: StoreConfig{
			CheckpointPath: "data/checkpoints.db",
			LexicalPath:    "data/lexical.db",
			VectorPath:     "data/vectors.db",
			AuditPath:      "data/audit.db",
		},
		Embed: EmbedConfig{
			Model: "text-embedding-3-small",
		},
		Neo4j: Neo4jConfig{
			Username: "neo4j",
			Database: "neo4j",
		},
		Serve: ServeConfig{
			Addr:          ":8080",
			AdminTokenEnv: "CHRONICLE_ADMIN_TOKEN",
		},
		Ingest: IngestConfig{
			Namespace:  0,
			BatchSize:  100,
			MaxRetries: 3,
		},
	}
}

// Load reads a YAML config file over Default, then applies environment
// overrides. An empty path returns defaults with env overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv lets deployment environments override the file without
// editing it. Secrets (neo4j password, admin token) only come this way
// or from the file.
func (c *Config) applyEnv() {
	c.Wiki.BaseURL = env("CHRONICLE_WIKI_BASE_URL", c.Wiki.BaseURL)
	c.Store.CheckpointPath = env("CHRONICLE_CHECKPOINT_PATH", c.Store.CheckpointPath)
	c.Embed.Endpoint = env("CHRONICLE_EMBED_ENDPOINT", c.Embed.Endpoint)
	c.Neo4j.URI = env("CHRONICLE_NEO4J_URI", c.Neo4j.URI)
	c.Neo4j.Password = env("CHRONICLE_NEO4J_PASSWORD", c.Neo4j.Password)
	c.Serve.Addr = env("CHRONICLE_ADDR", c.Serve.Addr)
}

// AdminToken resolves the admin token from the configured environment
// variable. Empty means the admin surface stays disabled.
func (c *Config) AdminToken() string {
	if c.Serve.AdminTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Serve.AdminTokenEnv)
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Wiki.BaseURL == "" {
		return fmt.Errorf("config: wiki.base_url is required")
	}
	if c.Store.CheckpointPath == "" {
		return fmt.Errorf("config: store.checkpoint_path is required")
	}
	if c.Store.LexicalPath == "" {
		return fmt.Errorf("config: store.lexical_path is required")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batch_size must be > 0")
	}
	if c.Ingest.MaxRetries <= 0 {
		return fmt.Errorf("config: ingest.max_retries must be > 0")
	}
	if c.Embed.Endpoint != "" && c.Embed.Model == "" {
		return fmt.Errorf("config: embed.model is required when embed.endpoint is set")
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
