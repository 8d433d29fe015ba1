// Package search is a keyword mirror of the proposal records.
package search

import "agora/api/internal/store"

// Result is a single keyword hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Category string `json:"category,omitempty"`
	Status   string `json:"status,omitempty"`
	Votes    int64  `json:"votes"`
}

// Query describes a keyword search request.
type Query struct {
	Text   string
	Status string // empty = any status
	Limit  int
	Offset int
}

// Response is the envelope returned by the keyword search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// ProposalRecord is the data we index for a proposal.
type ProposalRecord struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Summary  string   `json:"summary"`
	Category string   `json:"category"`
	Risk     string   `json:"risk"`
	Status   string   `json:"status"`
	Votes    int64    `json:"votes"`
	Tags     []string `json:"tags"`
	Created  int64    `json:"createdAt"`
}

// RecordFromProposal projects a stored proposal into its index document.
func RecordFromProposal(p store.Proposal) ProposalRecord {
	return ProposalRecord{
		ID:       store.CanonicalID(string(p.ID)),
		Title:    p.Title,
		Content:  p.Body(),
		Summary:  p.Summary,
		Category: p.Category,
		Risk:     p.Risk,
		Status:   p.Status,
		Votes:    p.Votes,
		Tags:     p.Tags,
		Created:  p.CreatedAt.UnixMilli(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

func normalizeQuery(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
