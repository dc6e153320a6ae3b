package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

const scanColumns = `
	id, user_id, project_id, queue_item_id, reservation_id, status,
	total_queries, total_results, total_cost_cents, total_input_tokens, total_output_tokens,
	scores, created_at, completed_at`

// ScanRepository persists scans and their results
type ScanRepository struct {
	db *PostgresDB
}

// NewScanRepository creates a new scan repository
func NewScanRepository(db *PostgresDB) *ScanRepository {
	return &ScanRepository{db: db}
}

func scanScan(row pgx.Row) (*models.Scan, error) {
	var s models.Scan
	var scores []byte
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ProjectID,
		&s.QueueItemID,
		&s.ReservationID,
		&s.Status,
		&s.TotalQueries,
		&s.TotalResults,
		&s.TotalCostCents,
		&s.TotalInputTokens,
		&s.TotalOutputTokens,
		&scores,
		&s.CreatedAt,
		&s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(scores) > 0 {
		var sc models.ScanScores
		if err := json.Unmarshal(scores, &sc); err != nil {
			return nil, fmt.Errorf("failed to decode scan scores: %w", err)
		}
		s.Scores = &sc
	}
	return &s, nil
}

// Create inserts a running scan
func (r *ScanRepository) Create(ctx context.Context, scan *models.Scan) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO scans (
			id, user_id, project_id, queue_item_id, reservation_id, status, total_queries, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		scan.ID,
		scan.UserID,
		scan.ProjectID,
		scan.QueueItemID,
		scan.ReservationID,
		scan.Status,
		scan.TotalQueries,
		scan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}
	return nil
}

// Get retrieves a scan by ID
func (r *ScanRepository) Get(ctx context.Context, id string) (*models.Scan, error) {
	s, err := scanScan(r.db.Pool().QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("scan", id)
		}
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return s, nil
}

// UpsertResults writes a batch of results. Rows are keyed by
// (scan, query, model, level), so re-running a chunk overwrites instead of
// duplicating.
func (r *ScanRepository) UpsertResults(ctx context.Context, results []*models.ScanResult) error {
	if len(results) == 0 {
		return nil
	}

	query := `
		INSERT INTO scan_results (
			id, scan_id, query_id, query_text, model_id, response, metrics_json,
			input_tokens, output_tokens, cost_cents, follow_up_level, parent_result_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (scan_id, query_id, model_id, follow_up_level) DO UPDATE SET
			response = EXCLUDED.response,
			metrics_json = EXCLUDED.metrics_json,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cost_cents = EXCLUDED.cost_cents,
			parent_result_id = EXCLUDED.parent_result_id
	`

	batch := &pgx.Batch{}
	for _, res := range results {
		var metrics any
		if len(res.MetricsJSON) > 0 {
			metrics = string(res.MetricsJSON)
		}
		batch.Queue(query,
			res.ID,
			res.ScanID,
			res.QueryID,
			res.QueryText,
			res.ModelID,
			res.Response,
			metrics,
			res.InputTokens,
			res.OutputTokens,
			res.CostCents,
			res.FollowUpLevel,
			res.ParentResultID,
			res.CreatedAt,
		)
	}

	br := r.db.Pool().SendBatch(ctx, batch)
	defer br.Close()

	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert scan result: %w", err)
		}
	}
	return nil
}

// ListResults returns a scan's results ordered by chain
func (r *ScanRepository) ListResults(ctx context.Context, scanID string) ([]*models.ScanResult, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, scan_id, query_id, query_text, model_id, response, metrics_json,
			   input_tokens, output_tokens, cost_cents, follow_up_level, parent_result_id, created_at
		FROM scan_results
		WHERE scan_id = $1
		ORDER BY query_id, model_id, follow_up_level
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan results: %w", err)
	}
	defer rows.Close()

	var results []*models.ScanResult
	for rows.Next() {
		var res models.ScanResult
		var metrics []byte
		err := rows.Scan(
			&res.ID,
			&res.ScanID,
			&res.QueryID,
			&res.QueryText,
			&res.ModelID,
			&res.Response,
			&metrics,
			&res.InputTokens,
			&res.OutputTokens,
			&res.CostCents,
			&res.FollowUpLevel,
			&res.ParentResultID,
			&res.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		res.MetricsJSON = metrics
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan results: %w", err)
	}
	return results, nil
}

// RefreshTotals recomputes a scan's running totals from its stored results,
// so a re-run chunk never double counts.
func (r *ScanRepository) RefreshTotals(ctx context.Context, scanID string) (*models.ScanTotals, error) {
	var t models.ScanTotals
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE scans s
		SET total_results = agg.results,
			total_cost_cents = agg.cost,
			total_input_tokens = agg.input_tokens,
			total_output_tokens = agg.output_tokens
		FROM (
			SELECT COUNT(*)::int AS results,
				   COALESCE(SUM(cost_cents), 0)::bigint AS cost,
				   COALESCE(SUM(input_tokens), 0)::bigint AS input_tokens,
				   COALESCE(SUM(output_tokens), 0)::bigint AS output_tokens
			FROM scan_results
			WHERE scan_id = $1
		) agg
		WHERE s.id = $1
		RETURNING s.total_results, s.total_cost_cents, s.total_input_tokens, s.total_output_tokens
	`, scanID).Scan(&t.Results, &t.CostCents, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("scan", scanID)
		}
		return nil, fmt.Errorf("failed to refresh scan totals: %w", err)
	}
	return &t, nil
}

// Finish moves a running scan to a final status, storing scores when given
func (r *ScanRepository) Finish(ctx context.Context, scanID string, status types.ScanStatus, scores *models.ScanScores) error {
	var scoresJSON any
	if scores != nil {
		b, err := json.Marshal(scores)
		if err != nil {
			return fmt.Errorf("failed to encode scan scores: %w", err)
		}
		scoresJSON = string(b)
	}

	_, err := r.db.Pool().Exec(ctx, `
		UPDATE scans
		SET status = $2, scores = COALESCE($3::jsonb, scores), completed_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, scanID, status, scoresJSON)
	if err != nil {
		return fmt.Errorf("failed to finish scan: %w", err)
	}
	return nil
}
