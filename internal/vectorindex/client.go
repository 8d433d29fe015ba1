// Package vectorindex is a client for a Zilliz/Milvus style REST vector index.
//
// The index has no partial update and no atomic increment: both are
// implemented as read, merge, re-insert of the whole entity.
package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"agora/api/internal/fault"
	"agora/api/internal/metrics"
	"agora/api/internal/remote"
)

const (
	maxTopK      = 100
	listPageSize = 1000
)

type Config struct {
	BaseURL   string
	APIKey    string
	Dimension int
}

type Client struct {
	baseURL   string
	apiKey    string
	dimension int
	exec      *remote.Executor
	logger    *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// New builds a Client. exec may be nil, in which case a default executor is used.
func New(cfg Config, exec *remote.Executor, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = remote.New("vectorindex", remote.DefaultPolicy(), remote.WithLogger(logger), remote.WithMetrics(m))
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		exec:      exec,
		logger:    logger,
		ensured:   make(map[string]bool),
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Exists reports whether the collection is present.
func (c *Client) Exists(ctx context.Context, collection string) (bool, error) {
	_, err := c.call(ctx, "describe collection", http.MethodGet, "/v2/collections/"+url.PathEscape(collection), nil)
	if fault.Is(err, fault.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureCollection creates the collection with the proposal schema when it
// does not exist. Losing a create race to another caller is not an error.
func (c *Client) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	c.mu.Lock()
	done := c.ensured[collection]
	c.mu.Unlock()
	if done {
		return nil
	}
	if dimension <= 0 {
		return fault.Invalid("ensure collection", "dimension must be positive, got %d", dimension)
	}

	exists, err := c.Exists(ctx, collection)
	if err != nil {
		return err
	}
	if !exists {
		_, err = c.call(ctx, "create collection", http.MethodPost, "/v2/collections", collectionSchema(collection, dimension))
		if err != nil && !alreadyExists(err) {
			return err
		}
		if err != nil {
			c.logger.Info("collection created concurrently", "collection", collection)
		} else {
			c.logger.Info("collection created", "collection", collection, "dimension", dimension)
		}
	}

	c.mu.Lock()
	c.ensured[collection] = true
	c.mu.Unlock()
	return nil
}

func collectionSchema(collection string, dimension int) map[string]any {
	return map[string]any{
		"collectionName": collection,
		"dimension":      dimension,
		"primaryField":   "id",
		"fields": []map[string]any{
			{"name": "id", "dataType": "VarChar", "maxLength": 128, "isPrimary": true},
			{"name": "title", "dataType": "VarChar", "maxLength": 1024},
			{"name": "content", "dataType": "VarChar", "maxLength": 65535},
			{"name": "category", "dataType": "VarChar", "maxLength": 128},
			{"name": "risk", "dataType": "VarChar", "maxLength": 32},
			{"name": "status", "dataType": "VarChar", "maxLength": 32},
			{"name": "votes", "dataType": "Int64"},
			{"name": "vector", "dataType": "FloatVector", "dimension": dimension},
		},
	}
}

func alreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exist")
}

// Upsert inserts entities, replacing any with the same id.
func (c *Client) Upsert(ctx context.Context, collection string, entities ...Entity) error {
	if len(entities) == 0 {
		return nil
	}
	for _, e := range entities {
		if strings.TrimSpace(e.ID) == "" {
			return fault.Invalid("upsert", "entity id is required")
		}
		if len(e.Vector) == 0 {
			return fault.Invalid("upsert", "entity %s has no vector", e.ID)
		}
		if c.dimension > 0 && len(e.Vector) != c.dimension {
			c.logger.Warn("vector dimension mismatch", "id", e.ID, "expected", c.dimension, "got", len(e.Vector))
		}
	}
	_, err := c.call(ctx, "upsert", http.MethodPost, "/v2/vectors", map[string]any{
		"collectionName": collection,
		"data":           entities,
	})
	return err
}

// SearchRequest describes a nearest-neighbour query.
type SearchRequest struct {
	Vector       []float32
	TopK         int
	OutputFields []string
	Filter       string
}

// Hit is one ranked search result.
type Hit struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Distance float64        `json:"distance"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Similarity is 1 minus the distance clamped to [0, 1].
func (h Hit) Similarity() float64 {
	return 1 - min(max(h.Distance, 0), 1)
}

// Entity decodes the hit's fields.
func (h Hit) Entity() Entity {
	e := entityFromMap(h.Fields)
	if e.ID == "" {
		e.ID = h.ID
	}
	return e
}

// Search returns up to TopK hits (clamped to 1..100).
func (c *Client) Search(ctx context.Context, collection string, req SearchRequest) ([]Hit, error) {
	if len(req.Vector) == 0 {
		return nil, fault.Invalid("search", "query vector is empty")
	}
	topK := min(max(req.TopK, 1), maxTopK)
	fields := req.OutputFields
	if len(fields) == 0 {
		fields = OutputFields
	}
	payload := map[string]any{
		"collectionName": collection,
		"vector":         req.Vector,
		"topK":           topK,
		"metricType":     "COSINE",
		"outputFields":   fields,
	}
	if req.Filter != "" {
		payload["filter"] = req.Filter
	}

	env, err := c.call(ctx, "search", http.MethodPost, "/v2/vectors/search", payload)
	if err != nil {
		return nil, err
	}
	return normalizeHits(env)
}

func normalizeHits(env *envelope) ([]Hit, error) {
	raw := env.Data
	if len(raw) == 0 || string(raw) == "null" {
		raw = env.Results
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []map[string]any
	if err := unmarshalNumbers(raw, &items); err != nil {
		return nil, fault.Wrap(fault.Unparsable, "search", fmt.Errorf("decode hits: %w", err))
	}

	hits := make([]Hit, 0, len(items))
	for _, item := range items {
		hit := Hit{Fields: map[string]any{}}
		if nested, ok := item["entity"].(map[string]any); ok {
			for k, v := range nested {
				hit.Fields[k] = v
			}
		}
		for k, v := range item {
			switch k {
			case "entity", "distance", "score":
			default:
				hit.Fields[k] = v
			}
		}
		hit.ID = asString(hit.Fields["id"])
		if hit.ID == "" {
			hit.ID = asString(item["id"])
		}

		distance, hasDistance := asFloat(item["distance"])
		score, hasScore := asFloat(item["score"])
		switch {
		case hasDistance && hasScore:
			hit.Distance, hit.Score = distance, score
		case hasDistance:
			hit.Distance, hit.Score = distance, 1-distance
		case hasScore:
			hit.Distance, hit.Score = 1-score, score
		default:
			hit.Distance = 1
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Get looks an entity up by id. It returns nil, nil when nothing is found.
//
// The direct lookup is tried first; when the index does not expose it, a
// zero-vector search filtered on id is used instead.
func (c *Client) Get(ctx context.Context, collection, id string) (*Entity, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fault.Invalid("get", "id is required")
	}
	env, err := c.call(ctx, "get", http.MethodGet,
		"/v2/collections/"+url.PathEscape(collection)+"/entities/"+url.PathEscape(id), nil)
	switch {
	case err == nil:
		if e, ok := firstEntity(env); ok {
			if e.ID == "" {
				e.ID = id
			}
			return &e, nil
		}
	case fault.Is(err, fault.NotFound), fault.Is(err, fault.Permanent):
		c.logger.Debug("point lookup unavailable, falling back to filtered search", "id", id, "error", err)
	default:
		return nil, err
	}
	return c.getBySearch(ctx, collection, id)
}

func (c *Client) getBySearch(ctx context.Context, collection, id string) (*Entity, error) {
	dimension := c.dimension
	if dimension <= 0 {
		return nil, nil
	}
	hits, err := c.Search(ctx, collection, SearchRequest{
		Vector:       make([]float32, dimension),
		TopK:         1,
		OutputFields: append(append([]string(nil), OutputFields...), "vector"),
		Filter:       fmt.Sprintf("id == %s", strconv.Quote(id)),
	})
	if fault.Is(err, fault.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, hit := range hits {
		if hit.ID == id {
			e := hit.Entity()
			return &e, nil
		}
	}
	return nil, nil
}

func firstEntity(env *envelope) (Entity, bool) {
	for _, raw := range []json.RawMessage{env.Data, env.Entities, env.Rows} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var one map[string]any
		if unmarshalNumbers(raw, &one) == nil && len(one) > 0 {
			return entityFromMap(one), true
		}
		var many []map[string]any
		if unmarshalNumbers(raw, &many) == nil && len(many) > 0 {
			return entityFromMap(many[0]), true
		}
	}
	return Entity{}, false
}

// Delete removes an entity by id. Deleting an absent id is not an error.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if strings.TrimSpace(id) == "" {
		return fault.Invalid("delete", "id is required")
	}
	_, err := c.call(ctx, "delete", http.MethodDelete,
		"/v2/collections/"+url.PathEscape(collection)+"/entities", map[string]any{"ids": []string{id}})
	return err
}

// UpdateFields merges patch into the stored entity and re-inserts it.
func (c *Client) UpdateFields(ctx context.Context, collection, id string, patch Patch) (*Entity, error) {
	current, err := c.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fault.New(fault.NotFound, "update fields", "entity "+id+" not found")
	}
	merged := patch.apply(*current)
	merged.ID = id
	if len(merged.Vector) == 0 {
		// Point lookups may return scalar fields only.
		full, err := c.getBySearch(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		if full != nil {
			merged.Vector = full.Vector
		}
	}
	if len(merged.Vector) == 0 {
		return nil, fault.New(fault.Permanent, "update fields", "entity "+id+" has no stored vector to re-insert")
	}
	if err := c.Upsert(ctx, collection, merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// Counter is the result of IncrementCounter.
type Counter struct {
	Previous int64 `json:"previous"`
	Now      int64 `json:"now"`
}

// IncrementCounter adds delta to a numeric field by read-modify-write.
// Concurrent increments on the same id can lose updates.
func (c *Client) IncrementCounter(ctx context.Context, collection, id, field string, delta int64) (Counter, error) {
	if field != "votes" {
		return Counter{}, fault.Invalid("increment counter", "unsupported counter field %q", field)
	}
	current, err := c.Get(ctx, collection, id)
	if err != nil {
		return Counter{}, err
	}
	if current == nil {
		return Counter{}, fault.New(fault.NotFound, "increment counter", "entity "+id+" not found")
	}
	next := current.Votes + delta
	if _, err := c.UpdateFields(ctx, collection, id, Patch{Votes: &next}); err != nil {
		return Counter{}, err
	}
	return Counter{Previous: current.Votes, Now: next}, nil
}

// List pages through the entities of a collection.
func (c *Client) List(ctx context.Context, collection string, offset, limit int) ([]Entity, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > listPageSize {
		limit = listPageSize
	}
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	env, err := c.call(ctx, "list", http.MethodGet,
		"/v2/collections/"+url.PathEscape(collection)+"/entities?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	for _, raw := range []json.RawMessage{env.Entities, env.Data, env.Rows} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var items []map[string]any
		if err := unmarshalNumbers(raw, &items); err != nil {
			return nil, fault.Wrap(fault.Unparsable, "list", fmt.Errorf("decode entities: %w", err))
		}
		out := make([]Entity, 0, len(items))
		for _, item := range items {
			out = append(out, entityFromMap(item))
		}
		return out, nil
	}
	return nil, nil
}
