// Package vector is the semantic retrieval sink: passage text embedded via
// an OpenAI-compatible server and stored in a horosvec ANN index. The sink
// is best-effort by policy; when no embedding endpoint is configured the
// whole package degrades to a no-op.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is 0 until the first successful call when auto-detecting.
	Dimension() int
	Model() string
}

// EmbedConfig configures the embedding client.
type EmbedConfig struct {
	// Endpoint is the base URL of the embedding server. Empty disables
	// the vector sink entirely.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Model is the model name sent with each request.
	Model string `json:"model" yaml:"model"`

	// Dimension is the expected vector size. 0 means detect on first call.
	Dimension int `json:"dimension" yaml:"dimension"`

	// BatchSize caps texts per HTTP request. Default: 32.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Timeout per HTTP request. Default: 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *EmbedConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewEmbedder builds an Embedder from config. An empty endpoint returns nil,
// which callers treat as "vector search unavailable".
func NewEmbedder(cfg EmbedConfig) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		return nil
	}
	return &httpEmbedder{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		dim:       cfg.Dimension,
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    cfg.Logger,
	}
}

// httpEmbedder speaks the OpenAI /v1/embeddings wire format, which covers
// vLLM, Ollama, ONNX servers and OpenAI itself.
type httpEmbedder struct {
	endpoint  string
	model     string
	batchSize int
	client    *http.Client
	logger    *slog.Logger

	mu  sync.Mutex // guards dim during auto-detect
	dim int
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *httpEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.call(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("vector: embed batch [%d:%d]: %w", start, end, err)
		}
		copy(out[start:end], vecs)
	}
	return out, nil
}

func (e *httpEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	url := e.endpoint + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, msg)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned from %s", url)
	}

	if len(result.Data[0].Embedding) > 0 {
		e.mu.Lock()
		if e.dim == 0 {
			e.dim = len(result.Data[0].Embedding)
			e.logger.Info("vector: detected embedding dimension", "dimension", e.dim, "model", result.Model)
		}
		e.mu.Unlock()
	}

	// Servers return entries keyed by input index; reassemble in order.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return vecs, nil
}

func (e *httpEmbedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

func (e *httpEmbedder) Model() string { return e.model }
