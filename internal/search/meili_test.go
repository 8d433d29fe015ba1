package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMeili serves the handful of Meilisearch routes the mirror uses.
type fakeMeili struct {
	mu      sync.Mutex
	healthy bool
	docs    map[string]map[string]any
}

func newFakeMeili(t *testing.T, healthy bool) (*fakeMeili, *httptest.Server) {
	t.Helper()
	f := &fakeMeili{healthy: healthy, docs: map[string]map[string]any{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", f.health)
	mux.HandleFunc("POST /indexes/{uid}/documents", f.add)
	mux.HandleFunc("POST /indexes/{uid}/documents/fetch", f.fetch)
	mux.HandleFunc("POST /indexes/{uid}/documents/delete-batch", f.deleteBatch)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) { f.task(w) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeMeili) setHealthy(v bool) {
	f.mu.Lock()
	f.healthy = v
	f.mu.Unlock()
}

func (f *fakeMeili) put(id string) {
	f.mu.Lock()
	f.docs[id] = map[string]any{"id": id}
	f.mu.Unlock()
}

func (f *fakeMeili) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeMeili) health(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	healthy := f.healthy
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"down","code":"internal","type":"internal"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"available"}`))
}

func (f *fakeMeili) task(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"taskUid":    1,
		"indexUid":   idxProposals,
		"status":     "enqueued",
		"type":       "documentAdditionOrUpdate",
		"enqueuedAt": "2025-03-01T00:00:00Z",
	})
}

func (f *fakeMeili) add(w http.ResponseWriter, r *http.Request) {
	var docs []map[string]any
	_ = json.NewDecoder(r.Body).Decode(&docs)
	f.mu.Lock()
	for _, d := range docs {
		id, _ := d["id"].(string)
		f.docs[id] = d
	}
	f.mu.Unlock()
	f.task(w)
}

func (f *fakeMeili) fetch(w http.ResponseWriter, r *http.Request) {
	var q struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	}
	_ = json.NewDecoder(r.Body).Decode(&q)
	ids := f.ids()
	start := min(q.Offset, len(ids))
	end := min(start+q.Limit, len(ids))
	results := make([]map[string]any, 0, end-start)
	for _, id := range ids[start:end] {
		results = append(results, map[string]any{"id": id})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"results": results, "offset": q.Offset, "limit": q.Limit, "total": len(ids),
	})
}

func (f *fakeMeili) deleteBatch(w http.ResponseWriter, r *http.Request) {
	var ids []string
	_ = json.NewDecoder(r.Body).Decode(&ids)
	f.mu.Lock()
	for _, id := range ids {
		delete(f.docs, id)
	}
	f.mu.Unlock()
	f.task(w)
}

func TestReindexAllRemovesStaleDocuments(t *testing.T) {
	fake, srv := newFakeMeili(t, true)
	fake.put("ghost")
	m := NewMeili(srv.URL, "", nil)
	t.Cleanup(m.Close)
	svc := NewService(m, NewScan(fakeLister{proposals: proposals()}), nil)

	result, err := svc.ReindexAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Reindex{Indexed: 3, Removed: 1}, result)
	assert.Equal(t, []string{"1700000000000", "p_2", "p_3"}, fake.ids())
}

func TestMirrorCatchesUpAfterOutage(t *testing.T) {
	fake, srv := newFakeMeili(t, false)
	fake.put("ghost")
	m := NewMeili(srv.URL, "", nil, WithHealthInterval(10*time.Millisecond))
	t.Cleanup(m.Close)
	svc := NewService(m, NewScan(fakeLister{proposals: proposals()}), nil)
	require.True(t, svc.Configured())
	assert.False(t, svc.Healthy())

	// Skipped while the mirror is down.
	svc.IndexProposal(proposals()[0])
	_, err := svc.ReindexAll(context.Background())
	assert.ErrorIs(t, err, ErrMirrorUnavailable)
	assert.Equal(t, []string{"ghost"}, fake.ids())

	fake.setHealthy(true)
	require.Eventually(t, func() bool {
		ids := fake.ids()
		return len(ids) == 3 && ids[0] == "1700000000000" && ids[1] == "p_2" && ids[2] == "p_3"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, svc.Healthy())
}
