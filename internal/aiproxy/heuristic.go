package aiproxy

import "strings"

// Categories produced by analysis.
const (
	CategoryTokenomics = "tokenomics"
	CategoryGovernance = "governance"
	CategoryTechnical  = "technical"
	CategoryMarketing  = "marketing"
	CategoryCommunity  = "community"
	CategoryGeneral    = "general"
)

// Risk levels produced by analysis.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var (
	governanceKeywords = []string{"治理", "dao", "governance"}
	tokenomicsKeywords = []string{"代币", "token"}
	highRiskKeywords   = []string{"漏洞", "分叉", "exploit", "vulnerability", "hard fork"}
)

// Heuristic classifies a proposal by keyword when the model is unavailable.
// Token keywords take precedence over governance keywords.
func Heuristic(title, content string) (category, risk string) {
	text := strings.ToLower(title + " " + content)
	category, risk = CategoryGeneral, RiskMedium
	if containsAny(text, governanceKeywords) {
		category = CategoryGovernance
	}
	if containsAny(text, tokenomicsKeywords) {
		category = CategoryTokenomics
	}
	if containsAny(text, highRiskKeywords) {
		risk = RiskHigh
	}
	return category, risk
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
