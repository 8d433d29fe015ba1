package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agora/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to a
// record-store scan.
type Service struct {
	meili  *Meili
	scan   *Scan
	logger *slog.Logger
}

const backfillTimeout = 5 * time.Minute

// ErrMirrorUnavailable is returned by ReindexAll while Meilisearch is down.
var ErrMirrorUnavailable = errors.New("meilisearch is unavailable")

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
// A recovering Meilisearch is reindexed from the record store.
func NewService(meili *Meili, scan *Scan, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{meili: meili, scan: scan, logger: logger}
	if meili != nil {
		meili.OnRecover(s.backfill)
	}
	return s
}

// Configured reports whether a Meilisearch mirror is in use.
func (s *Service) Configured() bool {
	return s.meili != nil
}

// Backfill reindexes the mirror in the background.
func (s *Service) Backfill() {
	if s.meili == nil {
		return
	}
	go s.backfill()
}

func (s *Service) backfill() {
	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	defer cancel()
	result, err := s.ReindexAll(ctx)
	if err != nil {
		s.logger.Warn("reindex keyword mirror", "error", err)
		return
	}
	s.logger.Info("keyword mirror reindexed", "indexed", result.Indexed, "removed", result.Removed)
}

// Search tries Meilisearch if healthy, otherwise falls back to the scan.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to scan", "error", err)
	}

	results, total, err := s.scan.Search(ctx, q)
	if err != nil {
		s.logger.Error("scan search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Source: "scan"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "scan"}
}

// Healthy reports whether the preferred backend is available.
func (s *Service) Healthy() bool {
	return s.meili == nil || s.meili.Healthy()
}

// IndexProposal indexes a proposal (fire-and-forget to Meilisearch).
func (s *Service) IndexProposal(p store.Proposal) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := RecordFromProposal(p)
	go func() {
		if err := s.meili.IndexProposal(rec); err != nil {
			s.logger.Warn("index proposal", "id", rec.ID, "error", err)
		}
	}()
}

// DeleteProposal removes a proposal from the index (fire-and-forget).
func (s *Service) DeleteProposal(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	id = store.CanonicalID(id)
	go func() {
		if err := s.meili.DeleteProposal(id); err != nil {
			s.logger.Warn("delete proposal from index", "id", id, "error", err)
		}
	}()
}

// Reindex is the outcome of ReindexAll.
type Reindex struct {
	Indexed int `json:"indexed" yaml:"indexed"`
	Removed int `json:"removed" yaml:"removed"`
}

// ReindexAll pushes every record-store proposal to Meilisearch and removes
// mirrored documents that no longer have a record.
func (s *Service) ReindexAll(ctx context.Context) (Reindex, error) {
	if s.meili == nil {
		return Reindex{}, nil
	}
	if !s.meili.Healthy() {
		return Reindex{}, ErrMirrorUnavailable
	}
	proposals, err := s.scan.records.List(ctx)
	if err != nil {
		return Reindex{}, fmt.Errorf("list records: %w", err)
	}
	records := make([]ProposalRecord, 0, len(proposals))
	keep := make(map[string]struct{}, len(proposals))
	for _, p := range proposals {
		rec := RecordFromProposal(p)
		records = append(records, rec)
		keep[rec.ID] = struct{}{}
	}
	if err := s.meili.IndexProposals(records); err != nil {
		return Reindex{}, fmt.Errorf("index proposals: %w", err)
	}

	mirrored, err := s.meili.DocumentIDs()
	if err != nil {
		return Reindex{Indexed: len(records)}, fmt.Errorf("list mirrored documents: %w", err)
	}
	var stale []string
	for _, id := range mirrored {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := s.meili.DeleteProposals(stale); err != nil {
		return Reindex{Indexed: len(records)}, fmt.Errorf("delete stale documents: %w", err)
	}
	return Reindex{Indexed: len(records), Removed: len(stale)}, nil
}
