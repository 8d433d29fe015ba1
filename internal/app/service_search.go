package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"agora/api/internal/aiproxy"
	"agora/api/internal/fault"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/vectorindex"
)

type SimilarInput struct {
	Text          string  `json:"text" validate:"required,max=5000"`
	TopK          int     `json:"topK" validate:"gte=0,lte=100"`
	Status        string  `json:"status" validate:"omitempty,oneof=pending active approved rejected closed"`
	MinSimilarity float64 `json:"minSimilarity" validate:"gte=0,lte=1"`
}

// SimilarFilter narrows enriched hits.
type SimilarFilter struct {
	Status        string
	MinSimilarity float64
}

// SimilarItem is a ranked search hit, enriched from the record store when
// the record store has the proposal. Note is "details unavailable" when only
// the fields mirrored in the index were found.
type SimilarItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Summary    string  `json:"summary,omitempty"`
	Content    string  `json:"content,omitempty"`
	Category   string  `json:"category,omitempty"`
	Risk       string  `json:"risk,omitempty"`
	Status     string  `json:"status,omitempty"`
	Votes      int64   `json:"votes"`
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
	Note       string  `json:"note,omitempty"`
}

type SimilarResult struct {
	Query string        `json:"query"`
	Items []SimilarItem `json:"items"`
}

// SearchSimilar embeds the query, asks the vector index for the nearest
// proposals and ranks the enriched hits by similarity.
func (s *Service) SearchSimilar(ctx context.Context, input SimilarInput) (SimilarResult, error) {
	input.Text = strings.TrimSpace(input.Text)
	input.Status = strings.ToLower(strings.TrimSpace(input.Status))
	if err := s.validateInput("search similar", input); err != nil {
		return SimilarResult{}, err
	}
	topK := input.TopK
	if topK == 0 {
		topK = defaultSimilarTopK
	}

	vector, err := s.embedder.Embed(ctx, input.Text)
	if err != nil {
		return SimilarResult{}, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.index.Search(ctx, s.collection, vectorindex.SearchRequest{
		Vector:       vector,
		TopK:         topK,
		OutputFields: vectorindex.OutputFields,
	})
	if err != nil {
		return SimilarResult{}, fmt.Errorf("search vector index: %w", err)
	}

	items := s.enrichHits(ctx, hits, SimilarFilter{Status: input.Status, MinSimilarity: input.MinSimilarity})
	return SimilarResult{Query: input.Text, Items: items}, nil
}

func (s *Service) enrichHits(ctx context.Context, hits []vectorindex.Hit, filter SimilarFilter) []SimilarItem {
	items := make([]SimilarItem, 0, len(hits))
	for _, hit := range hits {
		item, ok := s.resolveHit(ctx, hit)
		if !ok {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if item.Similarity < filter.MinSimilarity {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Similarity > items[j].Similarity
	})
	return items
}

// resolveHit prefers the record store. A hit neither store can describe is dropped.
func (s *Service) resolveHit(ctx context.Context, hit vectorindex.Hit) (SimilarItem, bool) {
	ent := hit.Entity()
	id := store.CanonicalID(ent.ID)
	if id == "" {
		return SimilarItem{}, false
	}
	item := SimilarItem{ID: id, Similarity: hit.Similarity(), Distance: hit.Distance}

	rec, err := s.records.Find(ctx, id)
	if err != nil {
		s.logger.Warn("enrich search hit", "id", id, "error", err)
	}
	if rec != nil {
		item.Title = rec.Title
		item.Summary = rec.Summary
		item.Content = rec.Body()
		item.Category = rec.Category
		item.Risk = rec.Risk
		item.Status = rec.Status
		item.Votes = rec.Votes
		return item, true
	}

	if strings.TrimSpace(ent.Title) == "" && strings.TrimSpace(ent.Content) == "" {
		return SimilarItem{}, false
	}
	item.Title = ent.Title
	item.Content = ent.Content
	item.Category = ent.Category
	item.Risk = ent.Risk
	item.Status = ent.Status
	item.Votes = ent.Votes
	item.Note = detailsUnavailable
	return item, true
}

// KeywordSearch runs a keyword query against the search mirror.
func (s *Service) KeywordSearch(ctx context.Context, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.Status = strings.ToLower(strings.TrimSpace(q.Status))
	if q.Text == "" {
		return search.Response{}, fault.Invalid("keyword search", "q is required")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return search.Response{}, fault.Invalid("keyword search", "limit and offset must not be negative")
	}
	if s.search == nil {
		return search.Response{}, fault.New(fault.Unconfigured, "keyword search", "keyword search is not configured")
	}
	return s.search.Search(ctx, q), nil
}

type AnalyzeInput struct {
	Title       string  `json:"title" validate:"required,max=100"`
	Content     string  `json:"content" validate:"required,max=5000"`
	Language    string  `json:"language" validate:"omitempty,oneof=zh en"`
	Model       string  `json:"model" validate:"max=100"`
	MaxTokens   int     `json:"maxTokens" validate:"gte=0,lte=4000"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2"`
}

// Analyze classifies text without storing anything.
func (s *Service) Analyze(ctx context.Context, input AnalyzeInput) (aiproxy.Analysis, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.Content = strings.TrimSpace(input.Content)
	input.Language = strings.ToLower(strings.TrimSpace(input.Language))
	if err := s.validateInput("analyze", input); err != nil {
		return aiproxy.Analysis{}, err
	}
	return s.analyzer.Analyze(ctx, input.Title, input.Content, aiproxy.Options{
		Model:       strings.TrimSpace(input.Model),
		MaxTokens:   input.MaxTokens,
		Temperature: input.Temperature,
		Language:    s.language(input.Language),
	}), nil
}

func (s *Service) Models(ctx context.Context) aiproxy.ModelList {
	return s.embedder.Models(ctx)
}

// Check is one dependency's readiness.
type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type Readiness struct {
	Ready  bool             `json:"ok"`
	Status string           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// Ready reports per-dependency status. Only the record store gates readiness;
// the other dependencies degrade individual operations.
func (s *Service) Ready(ctx context.Context) Readiness {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r := Readiness{Ready: true, Status: "ready", Checks: map[string]Check{}}

	if err := s.records.Ping(ctx); err != nil {
		r.Ready = false
		r.Status = "not_ready"
		r.Checks["records"] = Check{Status: "error", Error: err.Error(), Detail: s.records.Name()}
	} else {
		r.Checks["records"] = Check{Status: "ok", Detail: s.records.Name()}
	}

	switch {
	case !s.index.Configured():
		r.Checks["index"] = Check{Status: "unconfigured"}
	default:
		exists, err := s.index.Exists(ctx, s.collection)
		switch {
		case err != nil:
			r.Checks["index"] = Check{Status: "error", Error: err.Error()}
		case !exists:
			r.Checks["index"] = Check{Status: "ok", Detail: "collection " + s.collection + " not created yet"}
		default:
			r.Checks["index"] = Check{Status: "ok", Detail: "collection " + s.collection}
		}
	}

	if s.cfg.AIConfigured() {
		r.Checks["ai"] = Check{Status: "ok"}
	} else {
		r.Checks["ai"] = Check{Status: "unconfigured"}
	}

	switch {
	case s.search == nil:
		r.Checks["search"] = Check{Status: "unconfigured"}
	case s.search.Healthy():
		r.Checks["search"] = Check{Status: "ok"}
	default:
		r.Checks["search"] = Check{Status: "degraded", Detail: "serving from record store scan"}
	}
	return r
}
