package aiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"agora/api/internal/metrics"
	"agora/api/internal/remote"
)

const (
	defaultMaxTokens   = 800
	defaultTemperature = 0.1
	rawSummaryLimit    = 200
)

var jsonFragment = regexp.MustCompile(`(?s)\{.*\}`)

// Analysis is the structured model judgement of a proposal. The flags tell
// callers which degradation path, if any, produced it.
type Analysis struct {
	Summary          string   `json:"summary"`
	Category         string   `json:"category"`
	Risk             string   `json:"risk"`
	Suggestions      []string `json:"suggestions"`
	Confidence       float64  `json:"confidence"`
	IsFallback       bool     `json:"isFallback,omitempty"`
	HasMissingFields bool     `json:"hasMissingFields,omitempty"`
	IsError          bool     `json:"isError,omitempty"`
	ErrorMessage     string   `json:"errorMessage,omitempty"`
	RawResponse      string   `json:"rawResponse,omitempty"`
}

// Degraded reports whether the result did not come from a complete model reply.
func (a Analysis) Degraded() bool {
	return a.IsFallback || a.IsError || a.HasMissingFields
}

// Options tune a single analysis. Zero values select the defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Language    string
}

// AnalysisClient asks a chat model to summarise and classify proposals.
type AnalysisClient struct {
	base
}

func NewAnalysisClient(cfg Config, exec *remote.Executor, logger *slog.Logger, m *metrics.Metrics) *AnalysisClient {
	return &AnalysisClient{base: newBase(cfg, exec, logger, m)}
}

// Analyze never fails: every failure mode yields a flagged Analysis.
func (c *AnalysisClient) Analyze(ctx context.Context, title, content string, opts Options) Analysis {
	if opts.Language == "" {
		opts.Language = c.cfg.Language
	}
	t := templateFor(opts.Language)

	if strings.TrimSpace(title) == "" || strings.TrimSpace(content) == "" {
		return c.unavailable(t, title, content, errors.New("title and content are required"))
	}

	if !c.cfg.Configured() {
		c.logger.Warn("AI proxy not configured, returning placeholder analysis")
		category, risk := Heuristic(title, content)
		return Analysis{
			Summary:     fmt.Sprintf(t.placeholderSummary, truncateRunes(title, 50)),
			Category:    category,
			Risk:        risk,
			Suggestions: append([]string(nil), t.placeholderSuggestions...),
			Confidence:  0,
			IsFallback:  true,
		}
	}

	if opts.Model == "" {
		opts.Model = c.cfg.ChatModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature <= 0 {
		opts.Temperature = defaultTemperature
	}

	resp, err := c.post(ctx, "/v1/chat/completions", map[string]any{
		"model":           opts.Model,
		"messages":        []map[string]string{{"role": "user", "content": t.render(title, content)}},
		"max_tokens":      opts.MaxTokens,
		"temperature":     opts.Temperature,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return c.unavailable(t, title, content, err)
	}
	if !resp.OK() {
		return c.unavailable(t, title, content, remote.StatusError("analyze", resp))
	}

	reply, err := extractReply(resp.Body)
	if err != nil {
		return c.unavailable(t, title, content, err)
	}
	return c.parseReply(t, title, reply)
}

func (c *AnalysisClient) unavailable(t template, title, content string, cause error) Analysis {
	c.logger.Error("analysis failed", "error", cause, "title", truncateRunes(title, 50), "content_length", len(content))
	category, risk := Heuristic(title, content)
	return Analysis{
		Summary:      fmt.Sprintf(t.unavailableSummary, truncateRunes(title, 100)),
		Category:     category,
		Risk:         risk,
		Suggestions:  []string{t.unavailableSuggestion},
		Confidence:   0,
		IsError:      true,
		ErrorMessage: cause.Error(),
	}
}

// extractReply reads choices[0].message.content, then choices[0].text, then output.
func extractReply(body []byte) (string, error) {
	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	var reply string
	if len(envelope.Choices) > 0 {
		reply = envelope.Choices[0].Message.Content
		if reply == "" {
			reply = envelope.Choices[0].Text
		}
	}
	if reply == "" {
		reply = envelope.Output
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("model returned an empty reply")
	}
	return reply, nil
}

func (c *AnalysisClient) parseReply(t template, title, reply string) Analysis {
	fields, err := decodeObject(reply)
	if err != nil {
		fragment := jsonFragment.FindString(reply)
		if fragment != "" {
			fields, err = decodeObject(fragment)
		}
	}
	if err != nil {
		c.logger.Warn("unparsable analysis reply, using raw text", "error", err)
		return Analysis{
			Summary:     truncateRunesWithEllipsis(reply, rawSummaryLimit),
			Category:    CategoryGeneral,
			Risk:        RiskMedium,
			Suggestions: []string{t.fallbackSuggestion},
			Confidence:  0.1,
			IsFallback:  true,
			RawResponse: reply,
		}
	}
	return fromFields(t, title, fields, c.logger)
}

func decodeObject(text string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("reply is not a JSON object")
	}
	return fields, nil
}

func fromFields(t template, title string, fields map[string]any, logger *slog.Logger) Analysis {
	var missing []string
	out := Analysis{Confidence: 0.5}

	if s, _ := fields["summary"].(string); strings.TrimSpace(s) != "" {
		out.Summary = s
	} else {
		missing = append(missing, "summary")
		out.Summary = fmt.Sprintf(t.defaultSummary, title)
	}
	if s, _ := fields["category"].(string); strings.TrimSpace(s) != "" {
		out.Category = normalizeCategory(s)
	} else {
		missing = append(missing, "category")
		out.Category = CategoryGeneral
	}
	if s, _ := fields["risk"].(string); strings.TrimSpace(s) != "" {
		out.Risk = normalizeRisk(s)
	} else {
		missing = append(missing, "risk")
		out.Risk = RiskMedium
	}
	if suggestions, ok := stringList(fields["suggestions"]); ok {
		out.Suggestions = suggestions
	} else {
		missing = append(missing, "suggestions")
		out.Suggestions = []string{t.reviewSuggestion}
	}
	if v, ok := fields["confidence"].(float64); ok && v > 0 {
		out.Confidence = min(v, 1)
	}

	if len(missing) > 0 {
		logger.Warn("analysis reply missing fields", "fields", missing)
		out.HasMissingFields = true
	}
	return out
}

func stringList(v any) ([]string, bool) {
	switch value := v.(type) {
	case string:
		if strings.TrimSpace(value) == "" {
			return nil, false
		}
		return []string{value}, true
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func truncateRunesWithEllipsis(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
