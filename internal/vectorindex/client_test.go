package vectorindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/api/internal/fault"
	"agora/api/internal/remote"
)

// fakeIndex is an in-memory stand-in for the REST index.
type fakeIndex struct {
	mu          sync.Mutex
	collections map[string]bool
	entities    map[string]map[string]any
	pointLookup bool
	scalarOnly  bool
	creates     int
	searches    []map[string]any
}

func newFakeIndex(t *testing.T, pointLookup bool) (*fakeIndex, *httptest.Server) {
	t.Helper()
	f := &fakeIndex{
		collections: map[string]bool{},
		entities:    map[string]map[string]any{},
		pointLookup: pointLookup,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/collections/{name}", f.describe)
	mux.HandleFunc("POST /v2/collections", f.create)
	mux.HandleFunc("POST /v2/vectors", f.insert)
	mux.HandleFunc("POST /v2/vectors/search", f.search)
	mux.HandleFunc("GET /v2/collections/{name}/entities/{id}", f.get)
	mux.HandleFunc("GET /v2/collections/{name}/entities", f.list)
	mux.HandleFunc("DELETE /v2/collections/{name}/entities", f.delete)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeIndex) describe(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.collections[r.PathValue("name")] {
		reply(w, map[string]any{"code": 100, "message": "collection not exist"})
		return
	}
	reply(w, map[string]any{"code": 0, "data": map[string]any{"collectionName": r.PathValue("name")}})
}

func (f *fakeIndex) create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CollectionName string `json:"collectionName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.collections[body.CollectionName] {
		reply(w, map[string]any{"code": 65535, "message": "collection already exists"})
		return
	}
	f.collections[body.CollectionName] = true
	reply(w, map[string]any{"code": 0, "data": map[string]any{}})
}

func (f *fakeIndex) insert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data []map[string]any `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range body.Data {
		f.entities[e["id"].(string)] = e
	}
	reply(w, map[string]any{"code": 0, "data": map[string]any{"insertCount": len(body.Data)}})
}

func (f *fakeIndex) search(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, body)

	ids := make([]string, 0, len(f.entities))
	for id := range f.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	filter, _ := body["filter"].(string)
	var hits []map[string]any
	for i, id := range ids {
		if filter != "" && filter != `id == "`+id+`"` {
			continue
		}
		hit := map[string]any{"distance": 0.1 * float64(i)}
		for k, v := range f.entities[id] {
			hit[k] = v
		}
		hits = append(hits, hit)
	}
	reply(w, map[string]any{"code": 0, "data": hits})
}

func (f *fakeIndex) get(w http.ResponseWriter, r *http.Request) {
	if !f.pointLookup {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[r.PathValue("id")]
	if !ok {
		reply(w, map[string]any{"code": 0, "data": []any{}})
		return
	}
	if f.scalarOnly {
		scalars := map[string]any{}
		for k, v := range e {
			if k != "vector" {
				scalars[k] = v
			}
		}
		e = scalars
	}
	reply(w, map[string]any{"code": 0, "data": []any{e}})
}

func (f *fakeIndex) list(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, e := range f.entities {
		out = append(out, e)
	}
	reply(w, map[string]any{"entities": out})
}

func (f *fakeIndex) delete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range body.IDs {
		delete(f.entities, id)
	}
	reply(w, map[string]any{"code": 0, "data": map[string]any{}})
}

func newTestClient(baseURL string, dimension int) *Client {
	exec := remote.New("vectorindex", remote.Policy{MaxAttempts: 2, Timeout: time.Second, RetryDelay: time.Millisecond})
	return New(Config{BaseURL: baseURL, APIKey: "k", Dimension: dimension}, exec, nil, nil)
}

func entity(id string, votes int64) Entity {
	return Entity{ID: id, Title: "t-" + id, Content: "c-" + id, Category: "general", Risk: "medium", Status: "pending", Votes: votes, Vector: []float32{1, 0, 0}}
}

func TestEnsureCollectionIsIdempotent(t *testing.T) {
	f, srv := newFakeIndex(t, true)
	c := newTestClient(srv.URL, 3)
	ctx := context.Background()

	require.NoError(t, c.EnsureCollection(ctx, "proposals", 3))
	require.NoError(t, c.EnsureCollection(ctx, "proposals", 3))
	assert.Equal(t, 1, f.creates)

	// A fresh client sees the collection and does not create it again.
	require.NoError(t, newTestClient(srv.URL, 3).EnsureCollection(ctx, "proposals", 3))
	assert.Equal(t, 1, f.creates)
}

func TestEnsureCollectionToleratesCreateRace(t *testing.T) {
	var creates int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/collections/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /v2/collections", func(w http.ResponseWriter, _ *http.Request) {
		creates++
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"collection already exists"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL, 3).EnsureCollection(context.Background(), "proposals", 3))
	assert.Equal(t, 1, creates)
}

func TestUnconfiguredIsHardFailure(t *testing.T) {
	c := newTestClient("", 3)
	_, err := c.Get(context.Background(), "proposals", "p1")
	assert.True(t, fault.Is(err, fault.Unconfigured))
	err = c.EnsureCollection(context.Background(), "proposals", 3)
	assert.True(t, fault.Is(err, fault.Unconfigured))
}

func TestUpsertGetAndDelete(t *testing.T) {
	_, srv := newFakeIndex(t, true)
	c := newTestClient(srv.URL, 3)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, "proposals", entity("p1", 2)))

	got, err := c.Get(ctx, "proposals", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t-p1", got.Title)
	assert.Equal(t, int64(2), got.Votes)

	require.NoError(t, c.Delete(ctx, "proposals", "p1"))
	got, err = c.Get(ctx, "proposals", "p1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetFallsBackToFilteredSearch(t *testing.T) {
	f, srv := newFakeIndex(t, false)
	c := newTestClient(srv.URL, 3)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, "proposals", entity("p1", 0), entity("p2", 5)))

	got, err := c.Get(ctx, "proposals", "p2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.Votes)
	assert.Equal(t, []float32{1, 0, 0}, got.Vector)

	require.Len(t, f.searches, 1)
	assert.Equal(t, `id == "p2"`, f.searches[0]["filter"])
	assert.Equal(t, []any{0.0, 0.0, 0.0}, f.searches[0]["vector"])

	missing, err := c.Get(ctx, "proposals", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertRequiresVector(t *testing.T) {
	_, srv := newFakeIndex(t, true)
	e := entity("p1", 0)
	e.Vector = nil
	err := newTestClient(srv.URL, 3).Upsert(context.Background(), "proposals", e)
	assert.True(t, fault.Is(err, fault.InvalidInput))
}

func TestSearchClampsTopKAndNormalizesHits(t *testing.T) {
	f, srv := newFakeIndex(t, true)
	c := newTestClient(srv.URL, 3)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, "proposals", entity("a", 0), entity("b", 0)))

	hits, err := c.Search(ctx, "proposals", SearchRequest{Vector: []float32{1, 0, 0}, TopK: 500})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity(), 1e-9)
	assert.InDelta(t, 0.9, hits[1].Similarity(), 1e-9)
	assert.Equal(t, "t-b", hits[1].Entity().Title)

	assert.EqualValues(t, 100, f.searches[0]["topK"])
	assert.Equal(t, "COSINE", f.searches[0]["metricType"])

	_, err = c.Search(ctx, "proposals", SearchRequest{Vector: []float32{1, 0, 0}, TopK: 0})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.searches[1]["topK"])
}

func TestNormalizeHitsAcceptsResultsEnvelopeAndScores(t *testing.T) {
	env, err := decodeEnvelope("search", []byte(`{"results":[{"id":7,"score":0.75,"entity":{"title":"x"}}]}`))
	require.NoError(t, err)
	hits, err := normalizeHits(env)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "7", hits[0].ID)
	assert.InDelta(t, 0.25, hits[0].Distance, 1e-9)
	assert.InDelta(t, 0.75, hits[0].Similarity(), 1e-9)
	assert.Equal(t, "x", hits[0].Fields["title"])
}

func TestSimilarityClampsDistance(t *testing.T) {
	assert.InDelta(t, 1.0, Hit{Distance: -0.5}.Similarity(), 1e-9)
	assert.InDelta(t, 0.0, Hit{Distance: 1.7}.Similarity(), 1e-9)
}

func TestErrorCodesInBody(t *testing.T) {
	_, err := decodeEnvelope("upsert", []byte(`{"code":1800,"message":"rate limited"}`))
	assert.True(t, fault.Is(err, fault.Permanent))
	assert.Contains(t, err.Error(), "rate limited")

	_, err = decodeEnvelope("describe", []byte(`{"code":100,"message":"collection not exist"}`))
	assert.True(t, fault.Is(err, fault.NotFound))

	_, err = decodeEnvelope("x", []byte(`<html>`))
	assert.True(t, fault.Is(err, fault.Unparsable))
}

func TestUpdateFieldsMergesIntoExistingEntity(t *testing.T) {
	f, srv := newFakeIndex(t, true)
	c := newTestClient(srv.URL, 3)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, "proposals", entity("p1", 4)))

	status := "approved"
	merged, err := c.UpdateFields(ctx, "proposals", "p1", Patch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "approved", merged.Status)
	assert.Equal(t, "t-p1", merged.Title)
	assert.Equal(t, int64(4), merged.Votes)
	assert.Equal(t, []float32{1, 0, 0}, merged.Vector, "vector kept when not supplied")

	_, err = c.UpdateFields(ctx, "proposals", "p1", Patch{Vector: []float32{0, 1, 0}})
	require.NoError(t, err)
	f.mu.Lock()
	assert.Equal(t, []any{0.0, 1.0, 0.0}, f.entities["p1"]["vector"])
	f.mu.Unlock()

	_, err = c.UpdateFields(ctx, "proposals", "ghost", Patch{Status: &status})
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestIncrementCounter(t *testing.T) {
	_, srv := newFakeIndex(t, true)
	c := newTestClient(srv.URL, 3)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, "proposals", entity("p1", 3)))

	counter, err := c.IncrementCounter(ctx, "proposals", "p1", "votes", -5)
	require.NoError(t, err)
	assert.Equal(t, Counter{Previous: 3, Now: -2}, counter)

	counter, err = c.IncrementCounter(ctx, "proposals", "p1", "votes", 1)
	require.NoError(t, err)
	assert.Equal(t, Counter{Previous: -2, Now: -1}, counter)

	_, err = c.IncrementCounter(ctx, "proposals", "p1", "title", 1)
	assert.True(t, fault.Is(err, fault.InvalidInput))

	_, err = c.IncrementCounter(ctx, "proposals", "ghost", "votes", 1)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestIncrementCounterWhenLookupOmitsVector(t *testing.T) {
	f, srv := newFakeIndex(t, true)
	f.scalarOnly = true
	c := newTestClient(srv.URL, 3)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, "proposals", entity("p1", 2)))

	counter, err := c.IncrementCounter(ctx, "proposals", "p1", "votes", 1)
	require.NoError(t, err)
	assert.Equal(t, Counter{Previous: 2, Now: 3}, counter)

	f.mu.Lock()
	assert.Equal(t, []any{1.0, 0.0, 0.0}, f.entities["p1"]["vector"])
	assert.EqualValues(t, 3, f.entities["p1"]["votes"])
	f.mu.Unlock()

	status := "approved"
	merged, err := c.UpdateFields(ctx, "proposals", "p1", Patch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, merged.Vector)
}

func TestList(t *testing.T) {
	_, srv := newFakeIndex(t, true)
	c := newTestClient(srv.URL, 3)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, "proposals", entity("a", 1), entity("b", 2)))

	entities, err := c.List(ctx, "proposals", 0, 50)
	require.NoError(t, err)
	ids := []string{entities[0].ID, entities[1].ID}
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestServerErrorsSurfaceAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL, 3).Delete(context.Background(), "proposals", "p1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transient))
	assert.True(t, strings.Contains(err.Error(), "vector index delete"))
}
