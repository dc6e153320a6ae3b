package models

import (
	"encoding/json"
	"time"

	"github.com/scan-orchestrator/internal/types"
)

// Scan is the aggregate record for one run of a project's queries
type Scan struct {
	ID                string           `json:"id" db:"id"`
	UserID            string           `json:"userId" db:"user_id"`
	ProjectID         string           `json:"projectId" db:"project_id"`
	QueueItemID       string           `json:"queueItemId" db:"queue_item_id"`
	ReservationID     string           `json:"reservationId" db:"reservation_id"`
	Status            types.ScanStatus `json:"status" db:"status"`
	TotalQueries      int              `json:"totalQueries" db:"total_queries"`
	TotalResults      int              `json:"totalResults" db:"total_results"`
	TotalCostCents    int64            `json:"totalCostCents" db:"total_cost_cents"`
	TotalInputTokens  int64            `json:"totalInputTokens" db:"total_input_tokens"`
	TotalOutputTokens int64            `json:"totalOutputTokens" db:"total_output_tokens"`
	Scores            *ScanScores      `json:"scores,omitempty" db:"scores"`
	CreatedAt         time.Time        `json:"createdAt" db:"created_at"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty" db:"completed_at"`
}

// ScanScores are the final scores written when a scan finishes
type ScanScores struct {
	Overall             float64 `json:"overall"`
	Visibility          float64 `json:"visibility"`
	Sentiment           float64 `json:"sentiment"`
	Recommendation      float64 `json:"recommendation"`
	InitialScore        float64 `json:"initialScore"`
	BrandPersistence    float64 `json:"brandPersistence"`
	ConversationalBonus float64 `json:"conversationalBonus"`
	FollowUpActive      bool    `json:"followUpActive"`
}

// ScanTotals is an increment applied to a scan's running totals
type ScanTotals struct {
	Results      int
	CostCents    int64
	InputTokens  int64
	OutputTokens int64
}

// ScanResult is one (query, model, follow-up level) response.
// Results of one query and model form a chain through ParentResultID.
type ScanResult struct {
	ID             string          `json:"id" db:"id"`
	ScanID         string          `json:"scanId" db:"scan_id"`
	QueryID        string          `json:"queryId" db:"query_id"`
	QueryText      string          `json:"queryText" db:"query_text"`
	ModelID        string          `json:"modelId" db:"model_id"`
	Response       string          `json:"response" db:"response"`
	MetricsJSON    json.RawMessage `json:"metrics,omitempty" db:"metrics_json"`
	InputTokens    int64           `json:"inputTokens" db:"input_tokens"`
	OutputTokens   int64           `json:"outputTokens" db:"output_tokens"`
	CostCents      int64           `json:"costCents" db:"cost_cents"`
	FollowUpLevel  int             `json:"followUpLevel" db:"follow_up_level"`
	ParentResultID *string         `json:"parentResultId,omitempty" db:"parent_result_id"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// Metrics decodes MetricsJSON. It returns nil when the result carries no valid metrics.
func (r *ScanResult) Metrics() *Metrics {
	if len(r.MetricsJSON) == 0 || string(r.MetricsJSON) == "null" {
		return nil
	}
	var m Metrics
	if err := json.Unmarshal(r.MetricsJSON, &m); err != nil {
		return nil
	}
	return &m
}

// Metrics are the evaluation scores of one response, each in 0..100
type Metrics struct {
	VisibilityScore     float64 `json:"visibilityScore"`
	SentimentScore      float64 `json:"sentimentScore"`
	RecommendationScore float64 `json:"recommendationScore"`
	BrandMentioned      bool    `json:"brandMentioned"`
	// Unparsed marks neutral metrics stored in place of an unusable evaluation.
	Unparsed bool `json:"unparsed,omitempty"`
}

// Valid reports whether m holds real evaluation scores
func (m *Metrics) Valid() bool {
	return m != nil && !m.Unparsed
}

// NeutralMetrics is substituted when an evaluation cannot be parsed
func NeutralMetrics() Metrics {
	return Metrics{SentimentScore: 50, Unparsed: true}
}

// Message is one turn of a probe conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
