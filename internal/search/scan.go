package search

import (
	"context"
	"strings"
	"unicode/utf8"

	"agora/api/internal/store"
)

// Lister is the read side of the record store.
type Lister interface {
	List(ctx context.Context) ([]store.Proposal, error)
}

// Scan answers keyword queries by scanning the record store. It is the
// fallback when Meilisearch is not configured or unhealthy.
type Scan struct {
	records Lister
}

func NewScan(records Lister) *Scan {
	return &Scan{records: records}
}

// Healthy always returns true: when the record store is down there is
// nothing to search anyway.
func (s *Scan) Healthy() bool {
	return true
}

// Search matches every whitespace-separated term, case-insensitively,
// against title, summary, content and tags. Results keep the store's
// newest-first order.
func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	q = normalizeQuery(q)

	records, err := s.records.List(ctx)
	if err != nil {
		return nil, 0, err
	}

	var matched []Result
	for _, p := range records {
		if q.Status != "" && p.Status != q.Status {
			continue
		}
		haystack := strings.ToLower(strings.Join([]string{p.Title, p.Summary, p.Body(), strings.Join(p.Tags, " ")}, "\n"))
		if !containsAll(haystack, terms) {
			continue
		}
		matched = append(matched, Result{
			ID:       store.CanonicalID(string(p.ID)),
			Title:    p.Title,
			Snippet:  snippet(p.Body(), terms[0]),
			Category: p.Category,
			Status:   p.Status,
			Votes:    p.Votes,
		})
	}

	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := min(q.Offset+q.Limit, total)
	return matched[q.Offset:end], total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

// snippet returns up to 120 runes of text around the first occurrence of term.
func snippet(text, term string) string {
	const width = 120
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	start := 0
	lower := strings.ToLower(text)
	if i := strings.Index(lower, term); i >= 0 {
		start = min(max(utf8.RuneCountInString(lower[:i])-width/4, 0), len(runes)-1)
	}
	end := min(start+width, len(runes))
	out := string(runes[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}
