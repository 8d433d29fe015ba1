package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"agora/api/internal/fault"
	"agora/api/internal/store"
	"agora/api/internal/vectorindex"
)

// Per-store write states.
const (
	WriteOK     = "ok"
	WriteFailed = "failed"
	WriteAbsent = "absent"
)

type StoreWrite struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Outcome records what a mutation did to each store. The two stores are
// written independently and may drift.
type Outcome struct {
	Records StoreWrite `json:"records"`
	Index   StoreWrite `json:"index"`
}

func written(err error) StoreWrite {
	if err != nil {
		return StoreWrite{Status: WriteFailed, Error: err.Error()}
	}
	return StoreWrite{Status: WriteOK}
}

// indexWritten treats an index that is unconfigured or lacks the entity as
// not holding the proposal.
func indexWritten(err error) StoreWrite {
	if fault.Is(err, fault.NotFound) || fault.Is(err, fault.Unconfigured) {
		return StoreWrite{Status: WriteAbsent}
	}
	return written(err)
}

// Affected lists the stores that were changed.
func (o Outcome) Affected() []string {
	out := []string{}
	if o.Records.Status == WriteOK {
		out = append(out, storeRecords)
	}
	if o.Index.Status == WriteOK {
		out = append(out, storeIndex)
	}
	return out
}

// Partial reports whether a store that held the proposal failed to change.
func (o Outcome) Partial() bool {
	return len(o.Affected()) > 0 && (o.Records.Status == WriteFailed || o.Index.Status == WriteFailed)
}

func (s *Service) recordOutcome(op string, o Outcome) {
	for name, w := range map[string]StoreWrite{storeRecords: o.Records, storeIndex: o.Index} {
		if w.Status == WriteAbsent {
			continue
		}
		status := "ok"
		if w.Status == WriteFailed {
			status = "error"
		}
		s.metrics.StoreWrite(name, op, status)
	}
}

func storeWriteFailed(op, id string, o Outcome, cause error) *DomainError {
	return &DomainError{
		Status:  http.StatusInternalServerError,
		Code:    "STORE_WRITE_FAILED",
		Message: fmt.Sprintf("Could not %s proposal %s in any store", op, id),
		Details: map[string]any{"id": id, "outcome": o},
		Err:     cause,
	}
}

// updatableFields is the allow-list for Update. Everything else a caller
// sends is rejected, never silently dropped.
var updatableFields = map[string]struct{}{
	"title":       {},
	"content":     {},
	"description": {},
	"summary":     {},
	"budget":      {},
	"category":    {},
	"risk":        {},
	"status":      {},
	"tags":        {},
}

// Patch is a validated partial update. Nil fields are left unchanged.
type Patch struct {
	Title       *string   `json:"title" validate:"omitempty,max=100"`
	Content     *string   `json:"content" validate:"omitempty,max=5000"`
	Description *string   `json:"description" validate:"omitempty,max=5000"`
	Summary     *string   `json:"summary" validate:"omitempty,max=1000"`
	Budget      *float64  `json:"budget" validate:"omitempty,gte=0"`
	Category    *string   `json:"category" validate:"omitempty,oneof=tokenomics governance technical marketing community general"`
	Risk        *string   `json:"risk" validate:"omitempty,oneof=low medium high"`
	Status      *string   `json:"status" validate:"omitempty,oneof=pending active approved rejected closed"`
	Tags        *[]string `json:"tags" validate:"omitempty,max=10,dive,max=32"`
}

// ParsePatch checks raw fields against the allow-list and decodes them.
func ParsePatch(fields map[string]json.RawMessage) (Patch, error) {
	if len(fields) == 0 {
		return Patch{}, fault.Invalid("update proposal", "no fields to update")
	}
	var rejected []string
	for name := range fields {
		if _, ok := updatableFields[name]; !ok {
			rejected = append(rejected, name)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return Patch{}, fault.Invalid("update proposal", "fields not updatable: %s", strings.Join(rejected, ", "))
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return Patch{}, fault.Wrap(fault.InvalidInput, "update proposal", err)
	}
	var patch Patch
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patch); err != nil {
		return Patch{}, fault.Invalid("update proposal", "invalid field value: %v", err)
	}
	patch.trim()
	return patch, nil
}

func (p *Patch) trim() {
	for _, field := range []**string{&p.Title, &p.Content, &p.Description, &p.Summary} {
		if *field != nil {
			v := strings.TrimSpace(**field)
			*field = &v
		}
	}
	for _, field := range []**string{&p.Category, &p.Risk, &p.Status} {
		if *field != nil {
			v := strings.ToLower(strings.TrimSpace(**field))
			*field = &v
		}
	}
}

func (p Patch) check() error {
	if p.Title != nil && *p.Title == "" {
		return fault.Invalid("update proposal", "title must not be empty")
	}
	for _, field := range []*string{p.Category, p.Risk, p.Status} {
		if field != nil && *field == "" {
			return fault.Invalid("update proposal", "category, risk and status must not be empty")
		}
	}
	return nil
}

// textChanged reports whether the patch changes the embedded text of p.
func (p Patch) textChanged(current store.Proposal) bool {
	return (p.Title != nil && *p.Title != current.Title) ||
		(p.Content != nil && *p.Content != current.Content) ||
		(p.Description != nil && *p.Description != current.Description)
}

func (p Patch) apply(current store.Proposal) store.Proposal {
	out := current.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Content != nil {
		out.Content = *p.Content
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Summary != nil {
		out.Summary = *p.Summary
	}
	if p.Budget != nil {
		out.Budget = *p.Budget
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Risk != nil {
		out.Risk = *p.Risk
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Tags != nil {
		out.Tags = slices.Clone(*p.Tags)
	}
	return out
}

func (p Patch) indexPatch(updated store.Proposal, vector []float32) vectorindex.Patch {
	out := vectorindex.Patch{
		Category: p.Category,
		Risk:     p.Risk,
		Status:   p.Status,
		Vector:   vector,
	}
	if p.Title != nil {
		out.Title = p.Title
	}
	if p.Content != nil || p.Description != nil {
		body := updated.Body()
		out.Content = &body
	}
	return out
}

// UpdateResult reports the per-store outcome. VectorUpdated is false when
// the text did not change or re-embedding failed.
type UpdateResult struct {
	Proposal      store.Proposal `json:"proposal"`
	Outcome       Outcome        `json:"outcome"`
	Affected      []string       `json:"affected"`
	Partial       bool           `json:"partial"`
	VectorUpdated bool           `json:"vectorUpdated"`
}

// Update applies an allow-listed patch to both stores independently. A text
// change re-embeds the proposal; if that fails the rest of the patch still
// applies and the old vector is kept. At least one store must accept the write.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (UpdateResult, error) {
	id = store.CanonicalID(id)
	if id == "" {
		return UpdateResult{}, fault.Invalid("update proposal", "id is required")
	}
	if err := s.validateInput("update proposal", patch); err != nil {
		return UpdateResult{}, err
	}
	if err := patch.check(); err != nil {
		return UpdateResult{}, err
	}

	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update proposal %s: %w", id, err)
	}
	defer release()

	rec, recErr := s.records.Find(ctx, id)
	var ent *vectorindex.Entity
	var idxErr error
	if rec == nil {
		ent, idxErr = s.index.Get(ctx, s.collection, id)
	}
	if rec == nil && ent == nil {
		if recErr != nil {
			return UpdateResult{}, fmt.Errorf("update proposal %s: %w", id, recErr)
		}
		if idxErr != nil && !fault.Is(idxErr, fault.Unconfigured) {
			return UpdateResult{}, fmt.Errorf("update proposal %s: %w", id, idxErr)
		}
		return UpdateResult{}, fault.New(fault.NotFound, "update proposal", "proposal "+id+" not found")
	}

	current := store.Proposal{}
	if rec != nil {
		current = *rec
	} else {
		current = proposalFromEntity(*ent)
	}
	updated := patch.apply(current)
	if strings.TrimSpace(updated.Body()) == "" {
		return UpdateResult{}, fault.Invalid("update proposal", "content or description must not be empty")
	}
	updated.UpdatedAt = s.now()

	result := UpdateResult{}
	var vector []float32
	if patch.textChanged(current) {
		vector, err = s.embedder.Embed(ctx, updated.EmbeddingText())
		if err != nil {
			s.logger.Warn("re-embedding failed, keeping previous vector", "id", id, "error", err)
			vector = nil
		} else {
			updated.Vector = vector
			result.VectorUpdated = true
		}
	}

	outcome := Outcome{}
	if rec != nil {
		outcome.Records = written(s.records.Replace(ctx, id, updated))
	} else {
		outcome.Records = StoreWrite{Status: WriteAbsent}
	}

	_, err = s.index.UpdateFields(ctx, s.collection, id, patch.indexPatch(updated, vector))
	outcome.Index = indexWritten(err)

	s.recordOutcome("update", outcome)
	affected := outcome.Affected()
	if len(affected) == 0 {
		s.logger.Error("update failed in every store", "id", id, "outcome", outcome)
		return UpdateResult{}, storeWriteFailed("update", id, outcome, err)
	}
	if outcome.Partial() {
		s.logger.Warn("update applied partially", "id", id, "outcome", outcome)
	}
	if outcome.Records.Status == WriteOK {
		s.mirror(updated)
	}

	result.Proposal = updated
	result.Outcome = outcome
	result.Affected = affected
	result.Partial = outcome.Partial()
	return result, nil
}

type DeleteResult struct {
	ID       string   `json:"id"`
	Outcome  Outcome  `json:"outcome"`
	Affected []string `json:"affected"`
	Partial  bool     `json:"partial"`
}

// Delete removes a proposal from each store independently.
func (s *Service) Delete(ctx context.Context, id string) (DeleteResult, error) {
	id = store.CanonicalID(id)
	if id == "" {
		return DeleteResult{}, fault.Invalid("delete proposal", "id is required")
	}

	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete proposal %s: %w", id, err)
	}
	defer release()

	ent, lookupErr := s.index.Get(ctx, s.collection, id)
	indexAbsent := ent == nil && (lookupErr == nil || fault.Is(lookupErr, fault.Unconfigured))

	outcome := Outcome{}
	removed, recErr := s.records.Remove(ctx, id)
	switch {
	case recErr != nil:
		outcome.Records = written(recErr)
	case removed == 0:
		outcome.Records = StoreWrite{Status: WriteAbsent}
	default:
		outcome.Records = StoreWrite{Status: WriteOK}
	}

	var idxErr error
	if indexAbsent {
		outcome.Index = StoreWrite{Status: WriteAbsent}
	} else {
		idxErr = s.index.Delete(ctx, s.collection, id)
		outcome.Index = written(idxErr)
	}

	if outcome.Records.Status == WriteAbsent && outcome.Index.Status == WriteAbsent {
		return DeleteResult{}, fault.New(fault.NotFound, "delete proposal", "proposal "+id+" not found")
	}

	s.recordOutcome("delete", outcome)
	affected := outcome.Affected()
	if len(affected) == 0 {
		s.logger.Error("delete failed in every store", "id", id, "outcome", outcome)
		cause := recErr
		if cause == nil {
			cause = idxErr
		}
		return DeleteResult{}, storeWriteFailed("delete", id, outcome, cause)
	}
	if outcome.Partial() {
		s.logger.Warn("delete applied partially", "id", id, "outcome", outcome)
	}
	s.unmirror(id)

	return DeleteResult{ID: id, Outcome: outcome, Affected: affected, Partial: outcome.Partial()}, nil
}

const maxVoteDelta = 100

// VoteInput is a vote request. Delta defaults to 1 when omitted. Voter is
// optional; a named voter may vote once per proposal.
type VoteInput struct {
	Delta *int64 `json:"delta"`
	Voter string `json:"voter" validate:"max=64"`
}

type VoteResult struct {
	ID       string   `json:"id"`
	Previous int64    `json:"previous"`
	Votes    int64    `json:"votes"`
	Delta    int64    `json:"delta"`
	Outcome  Outcome  `json:"outcome"`
	Affected []string `json:"affected"`
	Partial  bool     `json:"partial"`
}

// Vote adds delta to the proposal's vote count under a per-id lock. The
// current count comes from the record store when it has the proposal and
// from the vector index otherwise; the new count is written to both.
func (s *Service) Vote(ctx context.Context, id string, input VoteInput) (VoteResult, error) {
	id = store.CanonicalID(id)
	if id == "" {
		return VoteResult{}, fault.Invalid("vote", "id is required")
	}
	input.Voter = strings.TrimSpace(input.Voter)
	if err := s.validateInput("vote", input); err != nil {
		return VoteResult{}, err
	}
	delta := int64(1)
	if input.Delta != nil {
		delta = *input.Delta
	}
	if delta == 0 || delta < -maxVoteDelta || delta > maxVoteDelta {
		return VoteResult{}, fault.Invalid("vote", "delta must be a non-zero integer between -%d and %d", maxVoteDelta, maxVoteDelta)
	}

	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return VoteResult{}, fmt.Errorf("vote on %s: %w", id, err)
	}
	defer release()

	rec, recErr := s.records.Find(ctx, id)
	if rec == nil {
		return s.voteIndexOnly(ctx, id, delta, recErr)
	}
	if input.Voter != "" && rec.HasVoter(input.Voter) {
		return VoteResult{}, fault.New(fault.Conflict, "vote", input.Voter+" has already voted on "+id)
	}

	now := s.now()
	previous := rec.Votes
	updated := rec.Clone()
	updated.Votes = previous + delta
	updated.Voters = append(updated.Voters, store.Vote{Voter: input.Voter, Delta: delta, Timestamp: now})
	updated.UpdatedAt = now

	outcome := Outcome{Records: written(s.records.Replace(ctx, id, updated))}
	next := updated.Votes
	_, idxErr := s.index.UpdateFields(ctx, s.collection, id, vectorindex.Patch{Votes: &next})
	outcome.Index = indexWritten(idxErr)

	s.recordOutcome("vote", outcome)
	affected := outcome.Affected()
	if len(affected) == 0 {
		return VoteResult{}, storeWriteFailed("vote on", id, outcome, idxErr)
	}
	if outcome.Partial() {
		s.logger.Warn("vote applied partially", "id", id, "outcome", outcome)
	}
	if outcome.Records.Status == WriteOK {
		s.mirror(updated)
	}
	return VoteResult{
		ID:       id,
		Previous: previous,
		Votes:    next,
		Delta:    delta,
		Outcome:  outcome,
		Affected: affected,
		Partial:  outcome.Partial(),
	}, nil
}

// voteIndexOnly handles proposals the record store does not hold. The named
// voter cannot be checked because the index does not keep voters.
func (s *Service) voteIndexOnly(ctx context.Context, id string, delta int64, recErr error) (VoteResult, error) {
	counter, err := s.index.IncrementCounter(ctx, s.collection, id, "votes", delta)
	if err != nil {
		if fault.Is(err, fault.NotFound) || fault.Is(err, fault.Unconfigured) {
			if recErr != nil {
				return VoteResult{}, fmt.Errorf("vote on %s: %w", id, recErr)
			}
			return VoteResult{}, fault.New(fault.NotFound, "vote", "proposal "+id+" not found")
		}
		return VoteResult{}, fmt.Errorf("vote on %s: %w", id, err)
	}
	outcome := Outcome{Records: StoreWrite{Status: WriteAbsent}, Index: StoreWrite{Status: WriteOK}}
	if recErr != nil {
		outcome.Records = written(recErr)
	}
	s.recordOutcome("vote", outcome)
	return VoteResult{
		ID:       id,
		Previous: counter.Previous,
		Votes:    counter.Now,
		Delta:    delta,
		Outcome:  outcome,
		Affected: outcome.Affected(),
		Partial:  outcome.Partial(),
	}, nil
}
