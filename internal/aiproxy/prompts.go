package aiproxy

import (
	"fmt"
	"strings"
)

type template struct {
	prompt string

	placeholderSummary     string
	placeholderSuggestions []string
	defaultSummary         string
	reviewSuggestion       string
	fallbackSuggestion     string
	unavailableSummary     string
	unavailableSuggestion  string
}

var templates = map[string]template{
	"zh": {
		prompt: `请分析以下提案并返回一个 JSON 对象，包含以下字段：
{
  "summary": "对提案的简洁中文摘要（50-120字）",
  "category": "代币经济/治理/技术/市场/社区/综合",
  "risk": "low/medium/high",
  "suggestions": ["具体建议1", "具体建议2", "具体建议3"],
  "confidence": 0.0到1.0之间的数值，表示分析置信度
}

要求：
1. 只返回 JSON，不要有其他文本
2. 摘要要突出核心内容和潜在影响
3. 风险评估要基于可行性、社区影响和潜在风险
4. 建议要具体可操作

提案标题：%s
提案内容：%s`,
		placeholderSummary:     `模拟摘要：这是一个关于"%s..."的提案分析。`,
		placeholderSuggestions: []string{"建议进行更详细的技术评估", "考虑社区反馈机制", "制定实施时间表"},
		defaultSummary:         `关于"%s"的提案分析`,
		reviewSuggestion:       "请进行人工审核",
		fallbackSuggestion:     "建议进行人工审核",
		unavailableSummary:     "分析服务暂时不可用。提案标题: %s...",
		unavailableSuggestion:  "系统分析服务暂时不可用，请稍后重试或进行人工审核",
	},
	"en": {
		prompt: `Please analyze the following proposal and return a JSON object with these fields:
{
  "summary": "Concise English summary of the proposal (50-120 words)",
  "category": "tokenomics/governance/technical/marketing/community/general",
  "risk": "low/medium/high",
  "suggestions": ["specific suggestion 1", "specific suggestion 2", "specific suggestion 3"],
  "confidence": a number between 0.0 and 1.0 indicating analysis confidence
}

Requirements:
1. Return only JSON, no other text
2. Summary should highlight key points and potential impact
3. Risk assessment based on feasibility, community impact, and potential risks
4. Suggestions should be specific and actionable

Proposal Title: %s
Proposal Content: %s`,
		placeholderSummary:     `Placeholder summary: an analysis of the proposal "%s...".`,
		placeholderSuggestions: []string{"Run a more detailed technical review", "Collect community feedback", "Draft an implementation timeline"},
		defaultSummary:         `Analysis of the proposal "%s"`,
		reviewSuggestion:       "Please review manually",
		fallbackSuggestion:     "Manual review recommended",
		unavailableSummary:     "Analysis service is temporarily unavailable. Proposal title: %s...",
		unavailableSuggestion:  "The analysis service is temporarily unavailable; retry later or review manually",
	},
}

// templateFor returns the template for language, falling back to Chinese.
func templateFor(language string) template {
	if t, ok := templates[strings.ToLower(strings.TrimSpace(language))]; ok {
		return t
	}
	return templates["zh"]
}

func (t template) render(title, content string) string {
	return fmt.Sprintf(t.prompt, title, content)
}

var categoryAliases = map[string]string{
	"代币经济": CategoryTokenomics,
	"治理":   CategoryGovernance,
	"技术":   CategoryTechnical,
	"市场":   CategoryMarketing,
	"社区":   CategoryCommunity,
	"综合":   CategoryGeneral,
}

var riskAliases = map[string]string{
	"低": RiskLow,
	"中": RiskMedium,
	"高": RiskHigh,
}

// normalizeCategory maps model output onto the category enumeration.
func normalizeCategory(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := categoryAliases[value]; ok {
		return alias
	}
	switch value {
	case CategoryTokenomics, CategoryGovernance, CategoryTechnical, CategoryMarketing, CategoryCommunity, CategoryGeneral:
		return value
	}
	return CategoryGeneral
}

// normalizeRisk maps model output onto the risk enumeration.
func normalizeRisk(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := riskAliases[value]; ok {
		return alias
	}
	switch value {
	case RiskLow, RiskMedium, RiskHigh:
		return value
	}
	return RiskMedium
}
