package aiproxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/api/internal/fault"
	"agora/api/internal/remote"
)

func fastExecutor() *remote.Executor {
	return remote.New("aiproxy", remote.Policy{MaxAttempts: 3, Timeout: time.Second, RetryDelay: time.Millisecond})
}

func newTestEmbedder(t *testing.T, cfg Config) *EmbeddingClient {
	t.Helper()
	c, err := NewEmbeddingClient(cfg, fastExecutor(), nil, nil)
	require.NoError(t, err)
	return c
}

func embeddingServer(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestEmbedNormalizesResponseShapes(t *testing.T) {
	cases := map[string]string{
		"openai":     `{"data":[{"embedding":[0.1,0.2,0.3]}]}`,
		"embeddings": `{"embeddings":[{"embedding":[0.1,0.2,0.3]}]}`,
		"bare":       `{"embedding":[0.1,0.2,0.3]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv, _ := embeddingServer(t, body)
			c := newTestEmbedder(t, Config{BaseURL: srv.URL, Dimension: 3})

			vector, err := c.Embed(context.Background(), "hello")
			require.NoError(t, err)
			assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
		})
	}
}

func TestEmbedFailsClosedOnUnknownShape(t *testing.T) {
	for name, body := range map[string]string{
		"unknown": `{"vectors":[[0.1]]}`,
		"empty":   `{"data":[{"embedding":[]}]}`,
		"garbage": `not json`,
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := embeddingServer(t, body)
			c := newTestEmbedder(t, Config{BaseURL: srv.URL})

			_, err := c.Embed(context.Background(), "hello")
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.Unparsable))
		})
	}
}

func TestEmbedRejectsBlankText(t *testing.T) {
	srv, calls := embeddingServer(t, `{"embedding":[1]}`)
	c := newTestEmbedder(t, Config{BaseURL: srv.URL})

	_, err := c.Embed(context.Background(), "   \n")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.InvalidInput))
	assert.Zero(t, calls.Load())
}

func TestEmbedUnconfigured(t *testing.T) {
	c := newTestEmbedder(t, Config{})
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Unconfigured))
}

func TestEmbedSendsTrimmedInputAndModel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"embedding":[1,2]}`)
	}))
	defer srv.Close()

	c := newTestEmbedder(t, Config{BaseURL: srv.URL + "/", APIKey: "key"})
	_, err := c.EmbedWithModel(context.Background(), "  hello  ", "custom-model")
	require.NoError(t, err)
	assert.Equal(t, "hello", got["input"])
	assert.Equal(t, "custom-model", got["model"])
	assert.Equal(t, "float", got["encoding_format"])
}

func TestEmbedClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	c := newTestEmbedder(t, Config{BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Permanent))
	assert.Equal(t, http.StatusUnauthorized, fault.StatusOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedServerErrorsAreRetriedThenTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestEmbedder(t, Config{BaseURL: srv.URL})
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transient))
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedCacheServesRepeatsAndEvictsOldest(t *testing.T) {
	srv, calls := embeddingServer(t, `{"embedding":[0.5]}`)
	c := newTestEmbedder(t, Config{BaseURL: srv.URL, CacheEnabled: true, CacheSize: 2})
	ctx := context.Background()

	for _, text := range []string{"a", "b", "a", "b"} {
		_, err := c.Embed(ctx, text)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load(), "repeats come from the memo")

	_, err := c.Embed(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	// "a" was inserted first and is evicted even though it was read recently.
	_, err = c.Embed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())

	_, err = c.Embed(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestEmbedCacheKeysOnModelAndTrimmedInput(t *testing.T) {
	srv, calls := embeddingServer(t, `{"embedding":[0.5]}`)
	c := newTestEmbedder(t, Config{BaseURL: srv.URL, CacheEnabled: true})
	ctx := context.Background()

	_, err := c.EmbedWithModel(ctx, "c", "a:b")
	require.NoError(t, err)
	_, err = c.EmbedWithModel(ctx, "b:c", "a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "different model and text pairs are cached apart")

	_, err = c.EmbedWithModel(ctx, "  b:c\n", "a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "surrounding whitespace is not part of the request")
}

func TestEmbedCacheReturnsCopies(t *testing.T) {
	srv, _ := embeddingServer(t, `{"embedding":[0.5,0.25]}`)
	c := newTestEmbedder(t, Config{BaseURL: srv.URL, CacheEnabled: true})

	first, err := c.Embed(context.Background(), "a")
	require.NoError(t, err)
	first[0] = 99

	second, err := c.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, second)
}

func TestEmbedDimensionMismatchOnlyWarns(t *testing.T) {
	srv, _ := embeddingServer(t, `{"embedding":[1,2]}`)
	c := newTestEmbedder(t, Config{BaseURL: srv.URL, Dimension: 1536})

	vector, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vector, 2)
}

func TestEmbedBatch(t *testing.T) {
	srv, calls := embeddingServer(t, `{"embedding":[1]}`)
	c := newTestEmbedder(t, Config{BaseURL: srv.URL})

	vectors, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)
	assert.Equal(t, int32(3), calls.Load())

	_, err = c.EmbedBatch(context.Background(), []string{"a", " "})
	assert.True(t, fault.Is(err, fault.InvalidInput))

	_, err = c.EmbedBatch(context.Background(), nil)
	assert.True(t, fault.Is(err, fault.InvalidInput))
}

func TestModels(t *testing.T) {
	t.Run("unconfigured", func(t *testing.T) {
		list := newTestEmbedder(t, Config{}).Models(context.Background())
		assert.Equal(t, []string{DefaultEmbeddingModel}, list.Embedding)
		assert.NotEmpty(t, list.Note)
	})

	t.Run("catalogue", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/models", r.URL.Path)
			_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"m1"}]}`)
		}))
		defer srv.Close()

		list := newTestEmbedder(t, Config{BaseURL: srv.URL}).Models(context.Background())
		assert.JSONEq(t, `[{"id":"m1"}]`, string(list.Data))
		assert.Empty(t, list.Error)
	})

	t.Run("failure falls back to defaults", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		list := newTestEmbedder(t, Config{BaseURL: srv.URL, ChatModel: "chat"}).Models(context.Background())
		assert.Equal(t, []string{"chat"}, list.Chat)
		assert.NotEmpty(t, list.Error)
	})
}
