package aiproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"agora/api/internal/fault"
	"agora/api/internal/metrics"
	"agora/api/internal/remote"
)

// EmbeddingClient turns text into vectors.
type EmbeddingClient struct {
	base
	cache *lru.Cache[cacheKey, []float32]
}

// cacheKey is the request that produced a memoized vector.
type cacheKey struct {
	model string
	input string
}

// NewEmbeddingClient builds a client. exec may be nil, in which case a
// default executor is used.
func NewEmbeddingClient(cfg Config, exec *remote.Executor, logger *slog.Logger, m *metrics.Metrics) (*EmbeddingClient, error) {
	c := &EmbeddingClient{base: newBase(cfg, exec, logger, m)}
	if c.cfg.CacheEnabled {
		cache, err := lru.New[cacheKey, []float32](c.cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Dimension is the vector length the index expects.
func (c *EmbeddingClient) Dimension() int {
	return c.cfg.Dimension
}

// Embed embeds text with the default model.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.EmbedWithModel(ctx, text, "")
}

// EmbedWithModel embeds text with model, or the default model when empty.
func (c *EmbeddingClient) EmbedWithModel(ctx context.Context, text, model string) ([]float32, error) {
	input := strings.TrimSpace(text)
	if input == "" {
		return nil, fault.Invalid("embed", "text must be a non-empty string")
	}
	if model == "" {
		model = c.cfg.EmbeddingModel
	}

	key := cacheKey{model: model, input: input}
	if c.cache != nil {
		// Peek leaves recency untouched, so eviction stays oldest-inserted first.
		if vector, ok := c.cache.Peek(key); ok {
			c.metrics.CacheLookup(true)
			return slices.Clone(vector), nil
		}
		c.metrics.CacheLookup(false)
	}

	if !c.cfg.Configured() {
		return nil, fault.New(fault.Unconfigured, "embed", "AI proxy URL is not configured")
	}

	resp, err := c.post(ctx, "/v1/embeddings", map[string]any{
		"input":           input,
		"model":           model,
		"encoding_format": "float",
	})
	if err != nil {
		c.logger.Error("embedding request failed", "error", err, "text_length", len(text), "model", model)
		return nil, fmt.Errorf("embed: %w", err)
	}
	if !resp.OK() {
		c.logger.Error("embedding request rejected", "status", resp.Status, "body", remote.Snippet(resp.Body), "text_length", len(text))
		return nil, remote.StatusError("embed", resp)
	}

	vector, err := normalizeEmbedding(resp.Body)
	if err != nil {
		c.logger.Error("unparsable embedding response", "error", err, "body", remote.Snippet(resp.Body))
		return nil, err
	}
	if c.cfg.Dimension > 0 && len(vector) != c.cfg.Dimension {
		c.logger.Warn("embedding dimension mismatch", "expected", c.cfg.Dimension, "got", len(vector), "model", model)
	}

	if c.cache != nil {
		c.cache.ContainsOrAdd(key, slices.Clone(vector))
	}
	return vector, nil
}

// EmbedBatch embeds texts sequentially and stops at the first failure.
func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fault.Invalid("embed batch", "texts must not be empty")
	}
	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vector, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch item %d: %w", i, err)
		}
		vectors = append(vectors, vector)
	}
	return vectors, nil
}

// normalizeEmbedding accepts data[0].embedding, embeddings[0].embedding or a
// bare embedding field, in that order.
func normalizeEmbedding(body []byte) ([]float32, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fault.Wrap(fault.Unparsable, "embed", fmt.Errorf("decode response: %w", err))
	}

	for _, key := range []string{"data", "embeddings"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		var items []struct {
			Embedding json.RawMessage `json:"embedding"`
		}
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			continue
		}
		if vector := decodeVector(items[0].Embedding); len(vector) > 0 {
			return vector, nil
		}
	}
	if raw, ok := envelope["embedding"]; ok {
		if vector := decodeVector(raw); len(vector) > 0 {
			return vector, nil
		}
	}
	return nil, fault.New(fault.Unparsable, "embed", "response carries no non-empty embedding")
}

func decodeVector(raw json.RawMessage) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil
	}
	return vector
}
