package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/scan-orchestrator/internal/models"
)

// ResultArchive copies finished chunk results into ClickHouse for analytics.
// Rows are deduplicated by the ReplacingMergeTree key, so re-archiving a
// re-run chunk is harmless.
type ResultArchive struct {
	db *ClickHouseDB
}

// NewResultArchive creates an archive writer
func NewResultArchive(db *ClickHouseDB) *ResultArchive {
	return &ResultArchive{db: db}
}

// ArchiveRow is the flattened analytics view of one result
type ArchiveRow struct {
	ID                  string
	ScanID              string
	UserID              string
	ProjectID           string
	QueryID             string
	ModelID             string
	FollowUpLevel       uint8
	VisibilityScore     *float64
	SentimentScore      *float64
	RecommendationScore *float64
	BrandMentioned      *uint8
	InputTokens         uint64
	OutputTokens        uint64
	CostCents           uint64
	CreatedAt           time.Time
}

// NewArchiveRow flattens a result of scan into an archive row
func NewArchiveRow(scan *models.Scan, res *models.ScanResult) ArchiveRow {
	row := ArchiveRow{
		ID:            res.ID,
		ScanID:        res.ScanID,
		UserID:        scan.UserID,
		ProjectID:     scan.ProjectID,
		QueryID:       res.QueryID,
		ModelID:       res.ModelID,
		FollowUpLevel: uint8(min(res.FollowUpLevel, 255)), // #nosec G115 - clamped
		InputTokens:   uint64(max(res.InputTokens, 0)),   // #nosec G115 - clamped
		OutputTokens:  uint64(max(res.OutputTokens, 0)),  // #nosec G115 - clamped
		CostCents:     uint64(max(res.CostCents, 0)),     // #nosec G115 - clamped
		CreatedAt:     res.CreatedAt,
	}
	if m := res.Metrics(); m.Valid() {
		var mentioned uint8
		if m.BrandMentioned {
			mentioned = 1
		}
		row.VisibilityScore = &m.VisibilityScore
		row.SentimentScore = &m.SentimentScore
		row.RecommendationScore = &m.RecommendationScore
		row.BrandMentioned = &mentioned
	}
	return row
}

const archiveInsert = `
	INSERT INTO scan_results_archive (
		id, scan_id, user_id, project_id, query_id, model_id, follow_up_level,
		visibility_score, sentiment_score, recommendation_score, brand_mentioned,
		input_tokens, output_tokens, cost_cents, created_at
	)`

// values lists the row in archiveInsert column order
func (r ArchiveRow) values() []any {
	return []any{
		r.ID, r.ScanID, r.UserID, r.ProjectID, r.QueryID, r.ModelID, r.FollowUpLevel,
		r.VisibilityScore, r.SentimentScore, r.RecommendationScore, r.BrandMentioned,
		r.InputTokens, r.OutputTokens, r.CostCents, r.CreatedAt,
	}
}

// Archive writes the results of one chunk in a single batch
func (a *ResultArchive) Archive(ctx context.Context, scan *models.Scan, results []*models.ScanResult) error {
	rows := make([][]any, 0, len(results))
	for _, res := range results {
		rows = append(rows, NewArchiveRow(scan, res).values())
	}
	if err := a.db.InsertRows(ctx, archiveInsert, rows); err != nil {
		return fmt.Errorf("failed to archive results of scan %s: %w", scan.ID, err)
	}
	return nil
}
