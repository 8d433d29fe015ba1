package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/api/internal/store"
)

type fakeLister struct {
	proposals []store.Proposal
	err       error
}

func (f fakeLister) List(context.Context) ([]store.Proposal, error) {
	return f.proposals, f.err
}

func proposals() []store.Proposal {
	now := time.Now().UTC()
	return []store.Proposal{
		{ID: "p_3", Title: "Treasury diversification", Content: "Move 10% of the treasury into stablecoins", Status: store.StatusPending, Votes: 4, CreatedAt: now},
		{ID: "p_2", Title: "Raise quorum", Content: "Governance quorum goes to 10%", Status: store.StatusApproved, Tags: []string{"treasury"}, CreatedAt: now.Add(-time.Hour)},
		{ID: "1700000000000", Title: "Grants round", Description: "Fund community tooling", Status: store.StatusPending, CreatedAt: now.Add(-2 * time.Hour)},
	}
}

func TestScanMatchesAllTermsCaseInsensitively(t *testing.T) {
	s := NewScan(fakeLister{proposals: proposals()})

	results, total, err := s.Search(context.Background(), Query{Text: "TREASURY"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "p_3", results[0].ID)
	assert.Equal(t, "p_2", results[1].ID, "tags are searchable")

	results, total, err = s.Search(context.Background(), Query{Text: "treasury stablecoins"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, int64(4), results[0].Votes)

	results, _, err = s.Search(context.Background(), Query{Text: "community"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1700000000000", results[0].ID)
	assert.Equal(t, "Fund community tooling", results[0].Snippet)
}

func TestScanFiltersAndPaginates(t *testing.T) {
	s := NewScan(fakeLister{proposals: proposals()})

	results, total, err := s.Search(context.Background(), Query{Text: "treasury", Status: store.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "p_2", results[0].ID)

	results, total, err = s.Search(context.Background(), Query{Text: "treasury", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 1)
	assert.Equal(t, "p_2", results[0].ID)

	results, total, err = s.Search(context.Background(), Query{Text: "treasury", Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Empty(t, results)

	results, total, err = s.Search(context.Background(), Query{Text: "   "})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
}

func TestServiceFallsBackToScanWithoutMeili(t *testing.T) {
	svc := NewService(nil, NewScan(fakeLister{proposals: proposals()}), nil)

	resp := svc.Search(context.Background(), Query{Text: "quorum"})
	assert.Equal(t, "scan", resp.Source)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "quorum", resp.Query)
	assert.True(t, svc.Healthy())

	// Indexing without Meilisearch is a no-op.
	svc.IndexProposal(proposals()[0])
	svc.DeleteProposal("p_3")
	result, err := svc.ReindexAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Reindex{}, result)
	assert.False(t, svc.Configured())
}

func TestServiceScanErrorYieldsEmptyResults(t *testing.T) {
	svc := NewService(nil, NewScan(fakeLister{err: errors.New("disk gone")}), nil)
	resp := svc.Search(context.Background(), Query{Text: "quorum"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestSnippetCentersOnTerm(t *testing.T) {
	text := strings.Repeat("a ", 100) + "needle " + strings.Repeat("b ", 100)
	out := snippet(text, "needle")
	assert.Contains(t, out, "needle")
	assert.True(t, strings.HasPrefix(out, "..."))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestHitToResultPrefersFormattedFields(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"p_1"`),
		"title":      json.RawMessage(`"Raise quorum"`),
		"content":    json.RawMessage(`"Governance quorum goes to 10%"`),
		"status":     json.RawMessage(`"pending"`),
		"votes":      json.RawMessage(`7`),
		"_formatted": json.RawMessage(`{"title":"Raise <mark>quorum</mark>","votes":"7"}`),
	}
	r := hitToResult(hit)
	assert.Equal(t, "p_1", r.ID)
	assert.Equal(t, "Raise <mark>quorum</mark>", r.Title)
	assert.Equal(t, "Governance quorum goes to 10%", r.Snippet)
	assert.Equal(t, int64(7), r.Votes)
}

func TestRecordFromProposal(t *testing.T) {
	p := proposals()[2]
	rec := RecordFromProposal(p)
	assert.Equal(t, "1700000000000", rec.ID)
	assert.Equal(t, "Fund community tooling", rec.Content)
	assert.Equal(t, p.CreatedAt.UnixMilli(), rec.Created)
}
