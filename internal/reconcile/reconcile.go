// Package reconcile compares the record store with the vector index and
// optionally repairs the differences. The record store is authoritative for
// every field it holds.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"agora/api/internal/store"
	"agora/api/internal/vectorindex"
)

const pageSize = 1000

// Index is the part of the vector index client reconcile needs.
type Index interface {
	List(ctx context.Context, collection string, offset, limit int) ([]vectorindex.Entity, error)
	Upsert(ctx context.Context, collection string, entities ...vectorindex.Entity) error
	UpdateFields(ctx context.Context, collection, id string, patch vectorindex.Patch) (*vectorindex.Entity, error)
	Delete(ctx context.Context, collection, id string) error
}

// Embedder regenerates vectors for records that lack one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	Collection string
	// Repair writes missing and drifted entities from the record store into the index.
	Repair bool
	// Prune deletes index entities that have no record.
	Prune bool
}

// Drift is a proposal present in both stores whose mirrored fields differ.
type Drift struct {
	ID     string   `json:"id" yaml:"id"`
	Fields []string `json:"fields" yaml:"fields"`
}

type Report struct {
	Records          int      `json:"records" yaml:"records"`
	Indexed          int      `json:"indexed" yaml:"indexed"`
	MissingInIndex   []string `json:"missingInIndex" yaml:"missing_in_index"`
	MissingInRecords []string `json:"missingInRecords" yaml:"missing_in_records"`
	Drifted          []Drift  `json:"drifted" yaml:"drifted"`
	Repaired         int      `json:"repaired" yaml:"repaired"`
	Pruned           int      `json:"pruned" yaml:"pruned"`
	Failed           []string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Clean reports whether the stores agree.
func (r Report) Clean() bool {
	return len(r.MissingInIndex) == 0 && len(r.MissingInRecords) == 0 && len(r.Drifted) == 0
}

type Reconciler struct {
	records  store.RecordStore
	index    Index
	embedder Embedder
	logger   *slog.Logger
}

// New builds a Reconciler. embedder may be nil; records without a vector are
// then reported but not repaired.
func New(records store.RecordStore, index Index, embedder Embedder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{records: records, index: index, embedder: embedder, logger: logger}
}

func (r *Reconciler) Run(ctx context.Context, opts Options) (Report, error) {
	records, err := r.records.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list records: %w", err)
	}
	entities, err := r.listIndex(ctx, opts.Collection)
	if err != nil {
		return Report{}, fmt.Errorf("list index: %w", err)
	}

	report := Report{
		Records:          len(records),
		Indexed:          len(entities),
		MissingInIndex:   []string{},
		MissingInRecords: []string{},
		Drifted:          []Drift{},
	}
	byID := make(map[string]vectorindex.Entity, len(entities))
	for _, e := range entities {
		byID[store.CanonicalID(e.ID)] = e
	}

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		id := store.CanonicalID(string(rec.ID))
		seen[id] = struct{}{}
		ent, ok := byID[id]
		if !ok {
			report.MissingInIndex = append(report.MissingInIndex, id)
			if opts.Repair {
				r.tally(&report, id, r.restore(ctx, opts.Collection, rec), &report.Repaired)
			}
			continue
		}
		if fields := diff(rec, ent); len(fields) > 0 {
			report.Drifted = append(report.Drifted, Drift{ID: id, Fields: fields})
			if opts.Repair {
				r.tally(&report, id, r.realign(ctx, opts.Collection, id, rec), &report.Repaired)
			}
		}
	}

	for id := range byID {
		if _, ok := seen[id]; ok {
			continue
		}
		report.MissingInRecords = append(report.MissingInRecords, id)
		if opts.Prune {
			r.tally(&report, id, r.index.Delete(ctx, opts.Collection, id), &report.Pruned)
		}
	}
	sort.Strings(report.MissingInRecords)
	return report, nil
}

func (r *Reconciler) tally(report *Report, id string, err error, counter *int) {
	if err != nil {
		r.logger.Warn("reconcile repair failed", "id", id, "error", err)
		report.Failed = append(report.Failed, id)
		return
	}
	*counter++
}

func (r *Reconciler) listIndex(ctx context.Context, collection string) ([]vectorindex.Entity, error) {
	var all []vectorindex.Entity
	for offset := 0; ; offset += pageSize {
		page, err := r.index.List(ctx, collection, offset, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

func (r *Reconciler) restore(ctx context.Context, collection string, rec store.Proposal) error {
	if len(rec.Vector) == 0 {
		if r.embedder == nil {
			return fmt.Errorf("record %s has no vector", rec.ID)
		}
		vector, err := r.embedder.Embed(ctx, rec.EmbeddingText())
		if err != nil {
			return fmt.Errorf("embed %s: %w", rec.ID, err)
		}
		rec.Vector = vector
	}
	return r.index.Upsert(ctx, collection, vectorindex.Entity{
		ID:       store.CanonicalID(string(rec.ID)),
		Title:    rec.Title,
		Content:  rec.Body(),
		Category: rec.Category,
		Risk:     rec.Risk,
		Status:   rec.Status,
		Votes:    rec.Votes,
		Vector:   rec.Vector,
	})
}

func (r *Reconciler) realign(ctx context.Context, collection, id string, rec store.Proposal) error {
	body := rec.Body()
	_, err := r.index.UpdateFields(ctx, collection, id, vectorindex.Patch{
		Title:    &rec.Title,
		Content:  &body,
		Category: &rec.Category,
		Risk:     &rec.Risk,
		Status:   &rec.Status,
		Votes:    &rec.Votes,
		Vector:   rec.Vector,
	})
	return err
}

func diff(rec store.Proposal, ent vectorindex.Entity) []string {
	var fields []string
	if rec.Title != ent.Title {
		fields = append(fields, "title")
	}
	if rec.Body() != ent.Content {
		fields = append(fields, "content")
	}
	if rec.Category != ent.Category {
		fields = append(fields, "category")
	}
	if rec.Risk != ent.Risk {
		fields = append(fields, "risk")
	}
	if rec.Status != ent.Status {
		fields = append(fields, "status")
	}
	if rec.Votes != ent.Votes {
		fields = append(fields, "votes")
	}
	return fields
}
