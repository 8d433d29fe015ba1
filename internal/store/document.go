package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agora/api/internal/fault"
)

// Blob is a single durable document. Read returns nil, nil when the
// document does not exist yet. Write must replace the document atomically.
type Blob interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Name() string
}

// DocumentStore keeps every proposal in one JSON array. Each mutation reads
// the whole document, changes it in memory and writes it back.
type DocumentStore struct {
	blob   Blob
	logger *slog.Logger
	mu     sync.Mutex
}

func NewDocumentStore(blob Blob, logger *slog.Logger) *DocumentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentStore{blob: blob, logger: logger}
}

func (s *DocumentStore) Name() string { return s.blob.Name() }

func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.blob.Ping(ctx)
}

// load treats a missing or corrupt document as empty.
func (s *DocumentStore) load(ctx context.Context) ([]Proposal, error) {
	data, err := s.blob.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.blob.Name(), err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var records []Proposal
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("record document is corrupt, treating as empty", "store", s.blob.Name(), "error", err)
		return nil, nil
	}
	return records, nil
}

func (s *DocumentStore) save(ctx context.Context, records []Proposal) error {
	if records == nil {
		records = []Proposal{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := s.blob.Write(ctx, data); err != nil {
		return fmt.Errorf("write %s: %w", s.blob.Name(), err)
	}
	return nil
}

// readOnly loads the document for read paths, where an unreadable store
// is logged and served as empty.
func (s *DocumentStore) readOnly(ctx context.Context) []Proposal {
	records, err := s.load(ctx)
	if err != nil {
		s.logger.Warn("record store unreadable, serving empty", "store", s.blob.Name(), "error", err)
		return nil
	}
	return records
}

func (s *DocumentStore) mutate(ctx context.Context, fn func([]Proposal) ([]Proposal, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(records)
	if err != nil {
		return err
	}
	return s.save(ctx, next)
}

func indexOf(records []Proposal, id string) int {
	for i := range records {
		if records[i].ID.Matches(id) {
			return i
		}
	}
	return -1
}

func (s *DocumentStore) Append(ctx context.Context, p Proposal) error {
	if strings.TrimSpace(string(p.ID)) == "" {
		return fault.Invalid("append", "proposal id is required")
	}
	return s.mutate(ctx, func(records []Proposal) ([]Proposal, error) {
		if indexOf(records, string(p.ID)) >= 0 {
			return nil, fault.New(fault.Conflict, "append", "proposal "+string(p.ID)+" already exists")
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		return append(records, p.Clone()), nil
	})
}

func (s *DocumentStore) Find(ctx context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	records := s.readOnly(ctx)
	s.mu.Unlock()

	if i := indexOf(records, id); i >= 0 {
		p := records[i]
		return &p, nil
	}
	return nil, nil
}

func (s *DocumentStore) List(ctx context.Context) ([]Proposal, error) {
	s.mu.Lock()
	records := s.readOnly(ctx)
	s.mu.Unlock()
	return newestFirst(records), nil
}

func (s *DocumentStore) Replace(ctx context.Context, id string, p Proposal) error {
	return s.mutate(ctx, func(records []Proposal) ([]Proposal, error) {
		i := indexOf(records, id)
		if i < 0 {
			return nil, fault.New(fault.NotFound, "replace", "proposal "+id+" not found")
		}
		p.ID = records[i].ID
		records[i] = p.Clone()
		return records, nil
	})
}

func (s *DocumentStore) Remove(ctx context.Context, id string) (int, error) {
	removed := 0
	err := s.mutate(ctx, func(records []Proposal) ([]Proposal, error) {
		kept := records[:0]
		for _, p := range records {
			if p.ID.Matches(id) {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
