// Package aiproxy talks to an OpenAI-compatible proxy for embeddings and
// chat-completion based proposal analysis.
package aiproxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"agora/api/internal/fault"
	"agora/api/internal/metrics"
	"agora/api/internal/remote"
)

const (
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultChatModel      = "gpt-4o-mini"
	DefaultDimension      = 1536
	DefaultCacheSize      = 1000

	userAgent = "agora-api/1.0"
)

// Config is the slice of process configuration the proxy clients need.
type Config struct {
	BaseURL        string
	APIKey         string
	EmbeddingModel string
	ChatModel      string
	Dimension      int
	CacheEnabled   bool
	CacheSize      int
	Language       string
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = DefaultEmbeddingModel
	}
	if c.ChatModel == "" {
		c.ChatModel = DefaultChatModel
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

// Configured reports whether a proxy endpoint is set.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

type base struct {
	cfg     Config
	exec    *remote.Executor
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newBase(cfg Config, exec *remote.Executor, logger *slog.Logger, m *metrics.Metrics) base {
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = remote.New("aiproxy", remote.DefaultPolicy(), remote.WithLogger(logger), remote.WithMetrics(m))
	}
	return base{cfg: cfg.withDefaults(), exec: exec, logger: logger, metrics: m}
}

func (b base) post(ctx context.Context, path string, payload any) (*remote.Response, error) {
	req, err := remote.NewJSONRequest(http.MethodPost, b.cfg.BaseURL+path, payload)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, path, err)
	}
	req.Header.Set("User-Agent", userAgent)
	return b.exec.Execute(ctx, req.WithBearer(b.cfg.APIKey))
}

// ModelList is the proxy's model catalogue, or the configured defaults when
// the catalogue cannot be fetched.
type ModelList struct {
	Embedding []string        `json:"embedding,omitempty"`
	Chat      []string        `json:"chat,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Note      string          `json:"note,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Models lists the proxy's models. It never fails.
func (b base) Models(ctx context.Context) ModelList {
	defaults := ModelList{
		Embedding: []string{b.cfg.EmbeddingModel},
		Chat:      []string{b.cfg.ChatModel},
	}
	if !b.cfg.Configured() {
		defaults.Note = "AI proxy not configured; returning default models"
		return defaults
	}

	req, err := remote.NewJSONRequest(http.MethodGet, b.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		defaults.Error = err.Error()
		return defaults
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := b.exec.Execute(ctx, req.WithBearer(b.cfg.APIKey))
	if err != nil {
		b.logger.Warn("list models failed", "error", err)
		defaults.Error = err.Error()
		return defaults
	}
	if !resp.OK() {
		defaults.Error = remote.StatusError("models", resp).Error()
		return defaults
	}

	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || len(body.Data) == 0 {
		defaults.Error = "unrecognised model catalogue: " + remote.Snippet(resp.Body)
		return defaults
	}
	return ModelList{Data: body.Data}
}
