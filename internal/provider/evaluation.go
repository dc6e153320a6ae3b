package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scan-orchestrator/internal/models"
)

const evaluationSystemPrompt = `You grade AI assistant answers for brand visibility.
Reply with a single JSON object and nothing else:
{"visibilityScore": 0-100, "sentimentScore": 0-100, "recommendationScore": 0-100, "brandMentioned": true|false}
visibilityScore is 0 when none of the brands appear.`

func buildEvaluationPrompt(content string, brandNames []string, domain string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Brands: %s\n", strings.Join(brandNames, ", "))
	if domain != "" {
		fmt.Fprintf(&b, "Domain: %s\n", domain)
	}
	b.WriteString("Answer to grade:\n")
	b.WriteString(content)
	return b.String()
}

var errNoJSONObject = errors.New("no JSON object in evaluation output")

type rawMetrics struct {
	VisibilityScore     *float64 `json:"visibilityScore"`
	SentimentScore      *float64 `json:"sentimentScore"`
	RecommendationScore *float64 `json:"recommendationScore"`
	BrandMentioned      *bool    `json:"brandMentioned"`
}

// ParseMetrics extracts the metrics object from evaluator output. Models
// often wrap JSON in prose or code fences, so the outermost braces are used.
// Scores are clamped to [0, 100].
func ParseMetrics(output string) (*models.Metrics, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return nil, errNoJSONObject
	}

	var raw rawMetrics
	if err := json.Unmarshal([]byte(output[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("invalid evaluation JSON: %w", err)
	}
	if raw.VisibilityScore == nil || raw.SentimentScore == nil || raw.RecommendationScore == nil {
		return nil, errors.New("evaluation JSON is missing scores")
	}

	m := &models.Metrics{
		VisibilityScore:     clampScore(*raw.VisibilityScore),
		SentimentScore:      clampScore(*raw.SentimentScore),
		RecommendationScore: clampScore(*raw.RecommendationScore),
	}
	if raw.BrandMentioned != nil {
		m.BrandMentioned = *raw.BrandMentioned
	} else {
		m.BrandMentioned = m.VisibilityScore > 0
	}
	return m, nil
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
