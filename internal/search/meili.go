package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxProposals = "agora_proposals"
	docPageSize  = 1000
)

// Meili mirrors proposals into a Meilisearch index.
type Meili struct {
	client   meili.ServiceManager
	logger   *slog.Logger
	interval time.Duration
	healthy  atomic.Bool
	done     chan struct{}

	mu        sync.Mutex
	onRecover func()
}

type MeiliOption func(*Meili)

// WithHealthInterval sets how often the health loop polls the server.
func WithHealthInterval(d time.Duration) MeiliOption {
	return func(m *Meili) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMeili creates a Meilisearch client and configures the index.
// An unreachable server is not an error: the mirror reports unhealthy and
// the health loop reconfigures it once it comes back.
func NewMeili(url, apiKey string, logger *slog.Logger, opts ...MeiliOption) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client:   client,
		logger:   logger,
		interval: 10 * time.Second,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxProposals,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxProposals, "error", err)
	}

	index := m.client.Index(idxProposals)
	filterable := []interface{}{"status", "category", "risk"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxProposals, "error", err)
	}
	searchable := []string{"title", "summary", "content", "tags"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxProposals, "error", err)
	}
}

// OnRecover registers fn to run after the server comes back and the index
// has been reconfigured. Writes skipped during the outage are restored there.
func (m *Meili) OnRecover(fn func()) {
	m.mu.Lock()
	m.onRecover = fn
	m.mu.Unlock()
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
				m.mu.Lock()
				fn := m.onRecover
				m.mu.Unlock()
				if fn != nil {
					fn()
				}
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	q = normalizeQuery(q)

	sr := &meili.SearchRequest{
		IndexUID:              idxProposals,
		Query:                 q.Text,
		Limit:                 int64(q.Limit),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"title", "summary", "content"},
		AttributesToCrop:      []string{"content"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.Status != "" {
		sr.Filter = fmt.Sprintf("status = %q", q.Status)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:       decodeString(hit, "id"),
		Title:    firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:  firstNonBlank(decodeFormattedString(hit, "summary"), decodeFormattedString(hit, "content"), decodeString(hit, "summary"), decodeString(hit, "content")),
		Category: decodeString(hit, "category"),
		Status:   decodeString(hit, "status"),
		Votes:    decodeInt(hit, "votes"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexProposal adds or updates a proposal in the index.
func (m *Meili) IndexProposal(rec ProposalRecord) error {
	_, err := m.client.Index(idxProposals).AddDocuments([]ProposalRecord{rec}, nil)
	return err
}

// IndexProposals bulk-indexes proposals.
func (m *Meili) IndexProposals(records []ProposalRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProposals).AddDocuments(records, nil)
	return err
}

// DocumentIDs returns the id of every mirrored proposal.
func (m *Meili) DocumentIDs() ([]string, error) {
	index := m.client.Index(idxProposals)
	var ids []string
	for offset := int64(0); ; offset += docPageSize {
		var page meili.DocumentsResult
		err := index.GetDocuments(&meili.DocumentsQuery{Offset: offset, Limit: docPageSize, Fields: []string{"id"}}, &page)
		if err != nil {
			return nil, err
		}
		for _, hit := range page.Results {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
		if int64(len(page.Results)) < docPageSize {
			return ids, nil
		}
	}
}

// DeleteProposals removes several proposals from the index.
func (m *Meili) DeleteProposals(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProposals).DeleteDocuments(ids, nil)
	return err
}

// DeleteProposal removes a proposal from the index.
func (m *Meili) DeleteProposal(id string) error {
	_, err := m.client.Index(idxProposals).DeleteDocument(id, nil)
	return err
}
