// Package store is the authoritative record store for proposals.
package store

import (
	"context"
	"sort"
)

// RecordStore holds complete proposal records keyed by id. Ids compare
// loosely (see CanonicalID).
type RecordStore interface {
	// Append adds a new record. A duplicate id is a fault.Conflict.
	Append(ctx context.Context, p Proposal) error
	// Find returns nil, nil when the id is absent.
	Find(ctx context.Context, id string) (*Proposal, error)
	// List returns every record, newest first.
	List(ctx context.Context) ([]Proposal, error)
	// Replace overwrites a record. An absent id is a fault.NotFound.
	Replace(ctx context.Context, id string, p Proposal) error
	// Remove deletes a record and reports how many were removed.
	Remove(ctx context.Context, id string) (int, error)
	Ping(ctx context.Context) error
	Name() string
}

// newestFirst sorts by creation time descending; equal timestamps keep the
// later-inserted record first.
func newestFirst(records []Proposal) []Proposal {
	out := make([]Proposal, len(records))
	for i, p := range records {
		out[len(records)-1-i] = p
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
