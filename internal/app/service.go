package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"agora/api/internal/aiproxy"
	"agora/api/internal/config"
	"agora/api/internal/fault"
	"agora/api/internal/lock"
	"agora/api/internal/metrics"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/util"
	"agora/api/internal/vectorindex"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 100
	createSimilarTopK  = 5
	defaultSimilarTopK = 5
	storeRecords       = "records"
	storeIndex         = "index"
	detailsUnavailable = "details unavailable"
	defaultAppendTries = 2
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Models(ctx context.Context) aiproxy.ModelList
}

// Analyzer classifies proposals. It never fails.
type Analyzer interface {
	Analyze(ctx context.Context, title, content string, opts aiproxy.Options) aiproxy.Analysis
}

// VectorIndex is the similarity side of the dual store.
type VectorIndex interface {
	Configured() bool
	Exists(ctx context.Context, collection string) (bool, error)
	EnsureCollection(ctx context.Context, collection string, dimension int) error
	Upsert(ctx context.Context, collection string, entities ...vectorindex.Entity) error
	Search(ctx context.Context, collection string, req vectorindex.SearchRequest) ([]vectorindex.Hit, error)
	Get(ctx context.Context, collection, id string) (*vectorindex.Entity, error)
	Delete(ctx context.Context, collection, id string) error
	UpdateFields(ctx context.Context, collection, id string, patch vectorindex.Patch) (*vectorindex.Entity, error)
	IncrementCounter(ctx context.Context, collection, id, field string, delta int64) (vectorindex.Counter, error)
}

// KeywordSearch is the keyword mirror. Index writes are fire-and-forget.
type KeywordSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	Healthy() bool
	IndexProposal(p store.Proposal)
	DeleteProposal(id string)
}

// Deps are the collaborators of the proposal service. Search, Locker and
// Metrics are optional.
type Deps struct {
	Records  store.RecordStore
	Index    VectorIndex
	Embedder Embedder
	Analyzer Analyzer
	Search   KeywordSearch
	Locker   lock.Locker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Service struct {
	cfg            config.Config
	records        store.RecordStore
	index          VectorIndex
	embedder       Embedder
	analyzer       Analyzer
	search         KeywordSearch
	locker         lock.Locker
	metrics        *metrics.Metrics
	logger         *slog.Logger
	validate       *validator.Validate
	collection     string
	appendAttempts int
	now            func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.Noop{}
	}
	collection := strings.TrimSpace(cfg.VectorCollection)
	if collection == "" {
		collection = "proposals"
	}
	attempts := cfg.StoreAppendAttempts
	if attempts < 1 {
		attempts = defaultAppendTries
	}
	return &Service{
		cfg:            cfg,
		records:        deps.Records,
		index:          deps.Index,
		embedder:       deps.Embedder,
		analyzer:       deps.Analyzer,
		search:         deps.Search,
		locker:         locker,
		metrics:        deps.Metrics,
		logger:         logger,
		validate:       newValidator(),
		collection:     collection,
		appendAttempts: attempts,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// validateInput runs struct validation and reports failures as InvalidInput.
func (s *Service) validateInput(op string, input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		names := make([]string, 0, len(fields))
		for _, fe := range fields {
			names = append(names, fe.Field()+" "+describeRule(fe))
		}
		return &fault.Error{Kind: fault.InvalidInput, Op: op, Message: strings.Join(names, "; "), Err: fields}
	}
	return fault.Wrap(fault.InvalidInput, op, err)
}

func (s *Service) Collection() string {
	return s.collection
}

// CreateInput is a new proposal as submitted by a caller.
type CreateInput struct {
	Title       string   `json:"title" validate:"required,max=100"`
	Content     string   `json:"content" validate:"required_without=Description,max=5000"`
	Description string   `json:"description" validate:"max=5000"`
	Budget      float64  `json:"budget" validate:"gte=0"`
	Tags        []string `json:"tags" validate:"max=10,dive,max=32"`
	CreatedBy   string   `json:"created_by" validate:"max=64"`
	Language    string   `json:"language" validate:"omitempty,oneof=zh en"`
}

func (in *CreateInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Content = strings.TrimSpace(in.Content)
	in.Description = strings.TrimSpace(in.Description)
	in.CreatedBy = strings.TrimSpace(in.CreatedBy)
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	tags := in.Tags[:0:0]
	for _, tag := range in.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	in.Tags = tags
}

// CreateResult carries the stored proposal, its analysis, and the existing
// proposals closest to it, found before it was indexed.
type CreateResult struct {
	Proposal store.Proposal   `json:"proposal"`
	Analysis aiproxy.Analysis `json:"analysis"`
	Similar  []SimilarItem    `json:"similar"`
}

// Create embeds and classifies a proposal, writes it to the vector index and
// then appends it to the record store. The index write is required; a record
// store failure after it is retried and then reported as an inconsistency.
func (s *Service) Create(ctx context.Context, input CreateInput) (CreateResult, error) {
	input.normalize()
	if err := s.validateInput("create proposal", input); err != nil {
		return CreateResult{}, err
	}

	now := s.now()
	draft := store.Proposal{
		ID:          store.ID(util.NewProposalID(now)),
		Title:       input.Title,
		Content:     input.Content,
		Description: input.Description,
		Budget:      input.Budget,
		Status:      store.StatusPending,
		Tags:        input.Tags,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	vector, err := s.embedder.Embed(ctx, draft.EmbeddingText())
	if err != nil {
		return CreateResult{}, fmt.Errorf("embed proposal: %w", err)
	}
	draft.Vector = vector

	analysis := s.analyzer.Analyze(ctx, draft.Title, draft.Body(), aiproxy.Options{Language: s.language(input.Language)})
	if analysis.Degraded() {
		s.logger.Warn("proposal analysis degraded",
			"id", draft.ID,
			"fallback", analysis.IsFallback,
			"missing_fields", analysis.HasMissingFields,
			"error", analysis.ErrorMessage,
		)
	}
	draft.Summary = analysis.Summary
	draft.Category = firstNonEmpty(analysis.Category, aiproxy.CategoryGeneral)
	draft.Risk = firstNonEmpty(analysis.Risk, aiproxy.RiskMedium)
	draft.Suggestions = analysis.Suggestions

	if err := s.index.EnsureCollection(ctx, s.collection, s.embedder.Dimension()); err != nil {
		return CreateResult{}, fmt.Errorf("ensure collection: %w", err)
	}

	similar := s.similarBeforeInsert(ctx, vector)

	if err := s.index.Upsert(ctx, s.collection, entityFromProposal(draft)); err != nil {
		s.metrics.StoreWrite(storeIndex, "create", "error")
		return CreateResult{}, fmt.Errorf("insert into vector index: %w", err)
	}
	s.metrics.StoreWrite(storeIndex, "create", "ok")

	if err := s.appendWithRetry(ctx, draft); err != nil {
		s.metrics.StoreWrite(storeRecords, "create", "error")
		s.logger.Error("record store append failed after index insert",
			"id", draft.ID,
			"attempts", s.appendAttempts,
			"error", err,
		)
		return CreateResult{}, &DomainError{
			Status:  http.StatusInternalServerError,
			Code:    "STORE_INCONSISTENT",
			Message: "Proposal was indexed but could not be saved to the record store",
			Details: map[string]any{"id": draft.ID, "indexed": true, "recorded": false},
			Err:     err,
		}
	}
	s.metrics.StoreWrite(storeRecords, "create", "ok")
	s.mirror(draft)

	return CreateResult{Proposal: draft, Analysis: analysis, Similar: similar}, nil
}

func (s *Service) appendWithRetry(ctx context.Context, p store.Proposal) error {
	var err error
	for attempt := 1; attempt <= s.appendAttempts; attempt++ {
		if err = s.records.Append(ctx, p); err == nil {
			return nil
		}
		if fault.Is(err, fault.Conflict) || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("record store append failed", "id", p.ID, "attempt", attempt, "error", err)
	}
	return err
}

func (s *Service) similarBeforeInsert(ctx context.Context, vector []float32) []SimilarItem {
	hits, err := s.index.Search(ctx, s.collection, vectorindex.SearchRequest{
		Vector:       vector,
		TopK:         createSimilarTopK,
		OutputFields: vectorindex.OutputFields,
	})
	if err != nil {
		s.logger.Warn("similar proposal lookup failed", "error", err)
		return []SimilarItem{}
	}
	return s.enrichHits(ctx, hits, SimilarFilter{})
}

func (s *Service) language(requested string) string {
	if requested != "" {
		return requested
	}
	return s.cfg.AnalysisLanguage
}

// GetResult reports which store answered. Partial is set when only the
// vector index had the proposal, so fields the index does not mirror are
// missing.
type GetResult struct {
	Proposal store.Proposal `json:"proposal"`
	Source   string         `json:"source"`
	Partial  bool           `json:"partial,omitempty"`
}

// Get reads from the record store first and falls back to the vector index.
func (s *Service) Get(ctx context.Context, id string) (GetResult, error) {
	id = store.CanonicalID(id)
	if id == "" {
		return GetResult{}, fault.Invalid("get proposal", "id is required")
	}

	rec, recErr := s.records.Find(ctx, id)
	if recErr != nil {
		s.logger.Warn("record store lookup failed, trying vector index", "id", id, "error", recErr)
	}
	if rec != nil {
		return GetResult{Proposal: *rec, Source: storeRecords}, nil
	}

	ent, idxErr := s.index.Get(ctx, s.collection, id)
	if ent != nil {
		return GetResult{Proposal: proposalFromEntity(*ent), Source: storeIndex, Partial: true}, nil
	}
	if recErr != nil {
		return GetResult{}, fmt.Errorf("get proposal %s: %w", id, recErr)
	}
	if idxErr != nil && !fault.Is(idxErr, fault.Unconfigured) {
		return GetResult{}, fmt.Errorf("get proposal %s: %w", id, idxErr)
	}
	return GetResult{}, fault.New(fault.NotFound, "get proposal", "proposal "+id+" not found")
}

type ListInput struct {
	Offset int    `json:"offset" validate:"gte=0"`
	Limit  int    `json:"limit" validate:"gte=0"`
	Status string `json:"status" validate:"omitempty,oneof=pending active approved rejected closed"`
}

type ListResult struct {
	Items  []store.Proposal `json:"items"`
	Total  int              `json:"total"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
}

// List pages through the record store, newest first.
func (s *Service) List(ctx context.Context, input ListInput) (ListResult, error) {
	input.Status = strings.ToLower(strings.TrimSpace(input.Status))
	if err := s.validateInput("list proposals", input); err != nil {
		return ListResult{}, err
	}
	if input.Limit == 0 {
		input.Limit = defaultListLimit
	}
	input.Limit = min(input.Limit, maxListLimit)

	all, err := s.records.List(ctx)
	if err != nil {
		return ListResult{}, fmt.Errorf("list proposals: %w", err)
	}
	filtered := all[:0:0]
	for _, p := range all {
		if input.Status == "" || p.Status == input.Status {
			filtered = append(filtered, p)
		}
	}

	result := ListResult{Items: []store.Proposal{}, Total: len(filtered), Offset: input.Offset, Limit: input.Limit}
	if input.Offset < len(filtered) {
		end := min(input.Offset+input.Limit, len(filtered))
		result.Items = filtered[input.Offset:end]
	}
	return result, nil
}

func (s *Service) mirror(p store.Proposal) {
	if s.search != nil {
		s.search.IndexProposal(p)
	}
}

func (s *Service) unmirror(id string) {
	if s.search != nil {
		s.search.DeleteProposal(id)
	}
}

func entityFromProposal(p store.Proposal) vectorindex.Entity {
	return vectorindex.Entity{
		ID:       store.CanonicalID(string(p.ID)),
		Title:    p.Title,
		Content:  p.Body(),
		Category: p.Category,
		Risk:     p.Risk,
		Status:   p.Status,
		Votes:    p.Votes,
		Vector:   p.Vector,
	}
}

func proposalFromEntity(e vectorindex.Entity) store.Proposal {
	return store.Proposal{
		ID:       store.ID(e.ID),
		Title:    e.Title,
		Content:  e.Content,
		Category: e.Category,
		Risk:     e.Risk,
		Status:   firstNonEmpty(e.Status, store.StatusPending),
		Votes:    e.Votes,
		Vector:   e.Vector,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
