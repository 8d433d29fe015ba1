package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/api/internal/fault"
)

func sampleProposal(id string, created time.Time) Proposal {
	return Proposal{
		ID:        ID(id),
		Title:     "Title " + id,
		Content:   "Content " + id,
		Category:  "general",
		Risk:      "medium",
		Status:    StatusPending,
		Vector:    []float32{0.1, 0.2},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ApplyMigrations(ctx, db))
	return NewSQLStore(db)
}

func backends(t *testing.T) map[string]RecordStore {
	return map[string]RecordStore{
		"file":   NewFileStore(filepath.Join(t.TempDir(), "data", "proposals.json")),
		"sqlite": newSQLiteStore(t),
	}
}

func TestRecordStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

			missing, err := s.Find(ctx, "p_1")
			require.NoError(t, err)
			assert.Nil(t, missing)

			list, err := s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, s.Append(ctx, sampleProposal("p_1", base)))
			require.NoError(t, s.Append(ctx, sampleProposal("p_2", base.Add(time.Minute))))

			err = s.Append(ctx, sampleProposal("p_1", base))
			assert.True(t, fault.Is(err, fault.Conflict))

			got, err := s.Find(ctx, "p_1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "Title p_1", got.Title)
			assert.Equal(t, []float32{0.1, 0.2}, got.Vector)

			list, err = s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, ID("p_2"), list[0].ID, "newest first")

			updated := *got
			updated.Status = StatusApproved
			updated.Votes = 3
			updated.UpdatedAt = base.Add(time.Hour)
			require.NoError(t, s.Replace(ctx, "p_1", updated))

			got, err = s.Find(ctx, "p_1")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, got.Status)
			assert.Equal(t, int64(3), got.Votes)

			err = s.Replace(ctx, "ghost", updated)
			assert.True(t, fault.Is(err, fault.NotFound))

			n, err := s.Remove(ctx, "p_1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = s.Remove(ctx, "p_1")
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestRecordStoreLooseIDs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Append(ctx, sampleProposal("1700000000000", time.Now().UTC())))

			for _, id := range []string{"1700000000000", " 1700000000000", "1.7e12"} {
				got, err := s.Find(ctx, id)
				require.NoError(t, err)
				require.NotNil(t, got, id)
			}

			n, err := s.Remove(ctx, "1.7e12")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestFileStoreReadsLegacyNumericIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proposals.json")
	legacy := `[{"id":1700000000000,"title":"Old","content":"Body","votes":2,"status":"pending","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s := NewFileStore(path)
	got, err := s.Find(context.Background(), "1700000000000")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Old", got.Title)

	got.Votes = 3
	require.NoError(t, s.Replace(context.Background(), "1700000000000", *got))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(raw, &docs))
	assert.Equal(t, float64(1700000000000), docs[0]["id"], "numeric ids stay numeric on disk")
}

func TestFileStoreTreatsCorruptDocumentAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proposals.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewFileStore(path)
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Append(context.Background(), sampleProposal("p_1", time.Now().UTC())))
	list, err = s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "proposals.json"))
	require.NoError(t, s.Append(context.Background(), sampleProposal("p_1", time.Now().UTC())))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), tempFilePrefix), entry.Name())
	}
}

func TestFileStoreSerializesConcurrentAppends(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "proposals.json"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "p_" + string(rune('a'+i))
			assert.NoError(t, s.Append(ctx, sampleProposal(id, time.Now().UTC())))
		}(i)
	}
	wg.Wait()

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

func TestObjectStoreContract(t *testing.T) {
	endpoint := strings.TrimSpace(os.Getenv("AGORA_TEST_S3_ENDPOINT"))
	if endpoint == "" {
		t.Skip("AGORA_TEST_S3_ENDPOINT is not set")
	}
	ctx := context.Background()
	s, err := NewObjectStore(ctx, ObjectConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("AGORA_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("AGORA_TEST_S3_SECRET_KEY"),
		Bucket:    "agora-test",
		Object:    "proposals-" + time.Now().Format("20060102150405.000000000") + ".json",
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, sampleProposal("p_1", time.Now().UTC())))
	got, err := s.Find(ctx, "p_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	n, err := s.Remove(ctx, "p_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIDJSON(t *testing.T) {
	var p Proposal
	require.NoError(t, json.Unmarshal([]byte(`{"id":42}`), &p))
	assert.Equal(t, ID("42"), p.ID)
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p_1"}`), &p))
	assert.Equal(t, ID("p_1"), p.ID)

	out, err := json.Marshal(ID("007"))
	require.NoError(t, err)
	assert.Equal(t, `"007"`, string(out))

	assert.True(t, ID("42").Matches("042"))
	assert.False(t, ID("p_1").Matches("p_2"))
	assert.Equal(t, "0", CanonicalID("000"))
}

func TestProposalHelpers(t *testing.T) {
	p := Proposal{Title: "T", Description: "D", Voters: []Vote{{Voter: "alice", Delta: 1}}}
	assert.Equal(t, "T\nD", p.EmbeddingText())
	assert.True(t, p.HasVoter("alice"))
	assert.False(t, p.HasVoter(""))

	clone := p.Clone()
	clone.Voters[0].Voter = "bob"
	assert.Equal(t, "alice", p.Voters[0].Voter)
}
