package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

const queueColumns = `
	id, user_id, project_id, status, priority,
	progress_current, progress_total, progress_message,
	scan_id, is_scheduled, error,
	created_at, started_at, completed_at, updated_at`

// StuckCeilings are the thresholds the sweep applies to running items
type StuckCeilings struct {
	Hard         time.Duration
	ZeroProgress time.Duration
	Stall        time.Duration
}

// QueueRepository persists queue items. The status column is the only
// coordination point between workers.
type QueueRepository struct {
	db *PostgresDB
	// optimistic switches ClaimNext to select-then-update.
	optimistic bool
}

// NewQueueRepository creates a queue repository using the atomic claim
func NewQueueRepository(db *PostgresDB) *QueueRepository {
	return &QueueRepository{db: db}
}

// NewOptimisticQueueRepository creates a queue repository using the
// select-then-conditional-update claim
func NewOptimisticQueueRepository(db *PostgresDB) *QueueRepository {
	return &QueueRepository{db: db, optimistic: true}
}

func scanQueueItem(row pgx.Row) (*models.QueueItem, error) {
	var item models.QueueItem
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.ProjectID,
		&item.Status,
		&item.Priority,
		&item.ProgressCurrent,
		&item.ProgressTotal,
		&item.ProgressMessage,
		&item.ScanID,
		&item.IsScheduled,
		&item.Error,
		&item.CreatedAt,
		&item.StartedAt,
		&item.CompletedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func collectQueueItems(rows pgx.Rows) ([]*models.QueueItem, error) {
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

// Enqueue inserts a pending item. The partial unique index on active
// items turns a concurrent duplicate into ErrAlreadyQueued.
func (r *QueueRepository) Enqueue(ctx context.Context, item *models.QueueItem) error {
	query := `
		INSERT INTO queue_items (
			id, user_id, project_id, status, priority, is_scheduled, created_at, updated_at
		)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		item.ID,
		item.UserID,
		item.ProjectID,
		item.Priority,
		item.IsScheduled,
		item.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "uq_queue_items_active") {
			return apperrors.NewAlreadyQueuedError(item.ProjectID)
		}
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	item.Status = types.QueueStatusPending
	item.UpdatedAt = item.CreatedAt
	return nil
}

// HasActive reports whether the project has a pending, running or paused item
func (r *QueueRepository) HasActive(ctx context.Context, userID, projectID string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_items
			WHERE user_id = $1 AND project_id = $2 AND status IN ('pending', 'running', 'paused')
		)
	`, userID, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active items: %w", err)
	}
	return exists, nil
}

// ClaimNext moves the best pending item to running and returns it, or nil
// when nothing is claimable. Items in exclude are skipped.
func (r *QueueRepository) ClaimNext(ctx context.Context, exclude []string) (*models.QueueItem, error) {
	if r.optimistic {
		return r.claimOptimistic(ctx, exclude)
	}
	return r.claimAtomic(ctx, exclude)
}

func (r *QueueRepository) claimAtomic(ctx context.Context, exclude []string) (*models.QueueItem, error) {
	query := `
		UPDATE queue_items
		SET status = 'running', started_at = NOW(), updated_at = NOW(), error = NULL
		WHERE id = (
			SELECT id FROM queue_items
			WHERE status = 'pending' AND NOT (id = ANY($1))
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pending'
		RETURNING ` + queueColumns

	item, err := scanQueueItem(r.db.Pool().QueryRow(ctx, query, nonNil(exclude)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}
	return item, nil
}

func (r *QueueRepository) claimOptimistic(ctx context.Context, exclude []string) (*models.QueueItem, error) {
	var id string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id FROM queue_items
		WHERE status = 'pending' AND NOT (id = ANY($1))
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`, nonNil(exclude)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select pending item: %w", err)
	}

	item, err := scanQueueItem(r.db.Pool().QueryRow(ctx, `
		UPDATE queue_items
		SET status = 'running', started_at = NOW(), updated_at = NOW(), error = NULL
		WHERE id = $1 AND status = 'pending'
		RETURNING `+queueColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewClaimConflictError(id)
		}
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}
	return item, nil
}

// Sweep force-fails running items that exceeded a ceiling and returns them.
// Only rows still running are touched, so repeated sweeps are no-ops.
func (r *QueueRepository) Sweep(ctx context.Context, now time.Time, c StuckCeilings) ([]*models.QueueItem, error) {
	query := `
		UPDATE queue_items
		SET status = 'failed',
			completed_at = $1::timestamptz,
			updated_at = $1::timestamptz,
			error = CASE
				WHEN started_at < $1 - $2::interval
					THEN 'stuck: exceeded hard ceiling of ' || ($2::interval)::text
				WHEN progress_current = 0 AND started_at < $1 - $3::interval
					THEN 'stuck: no progress within ' || ($3::interval)::text
				ELSE 'stuck: progress stalled for ' || ($4::interval)::text
			END
		WHERE status = 'running'
		AND (
			started_at < $1 - $2::interval
			OR (progress_current = 0 AND started_at < $1 - $3::interval)
			OR (progress_current > 0 AND updated_at < $1 - $4::interval)
		)
		RETURNING ` + queueColumns

	rows, err := r.db.Pool().Query(ctx, query, now, c.Hard, c.ZeroProgress, c.Stall)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stuck items: %w", err)
	}
	return collectQueueItems(rows)
}

// ListUnsettled returns failed or cancelled items, last touched before
// before, whose scan is still running. Their reservation has not been settled.
func (r *QueueRepository) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*models.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM queue_items
		WHERE status IN ('failed', 'cancelled')
		AND scan_id IS NOT NULL
		AND updated_at < $1
		AND EXISTS (
			SELECT 1 FROM scans s
			WHERE s.id = queue_items.scan_id AND s.status = 'running'
		)
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled items: %w", err)
	}
	return collectQueueItems(rows)
}

// CountPending returns the number of claimable items
func (r *QueueRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return n, nil
}

// Get retrieves a queue item by ID
func (r *QueueRepository) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	item, err := scanQueueItem(r.db.Pool().QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("queue item", id)
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// GetStatus reads only the status column, for polling between chunks
func (r *QueueRepository) GetStatus(ctx context.Context, id string) (types.QueueStatus, error) {
	var status types.QueueStatus
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.NewNotFoundError("queue item", id)
		}
		return "", fmt.Errorf("failed to get queue status: %w", err)
	}
	return status, nil
}

// UpdateProgress records progress of a running item. Current and total never
// decrease and current never exceeds total.
func (r *QueueRepository) UpdateProgress(ctx context.Context, id string, p models.Progress) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE queue_items
		SET progress_total = GREATEST(progress_total, $2),
			progress_current = LEAST(GREATEST(progress_current, $3), GREATEST(progress_total, $2)),
			progress_message = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, p.Total, p.Current, p.Message)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, types.QueueStatusRunning)
	}
	return nil
}

// SetScanID links the scan created for a running item. The link is set once.
func (r *QueueRepository) SetScanID(ctx context.Context, id, scanID string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE queue_items
		SET scan_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND (scan_id IS NULL OR scan_id = $2)
	`, id, scanID)
	if err != nil {
		return fmt.Errorf("failed to set scan id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, types.QueueStatusRunning)
	}
	return nil
}

// Transition moves an item from one of the from statuses to to, recording
// errMsg when non-nil. It fails with ErrInvalidTransition when the item is
// no longer in an allowed status.
func (r *QueueRepository) Transition(ctx context.Context, id string, from []types.QueueStatus, to types.QueueStatus, errMsg *string) (*models.QueueItem, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	query := `
		UPDATE queue_items
		SET status = $3,
			error = COALESCE($4, error),
			completed_at = CASE WHEN $5::boolean THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + queueColumns

	item, err := scanQueueItem(r.db.Pool().QueryRow(ctx, query, id, fromStrs, to, errMsg, to.IsTerminal()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.transitionError(ctx, id, to)
		}
		if isUniqueViolation(err, "uq_queue_items_active") {
			if current, gerr := r.Get(ctx, id); gerr == nil {
				return nil, apperrors.NewAlreadyQueuedError(current.ProjectID)
			}
		}
		return nil, fmt.Errorf("failed to transition queue item: %w", err)
	}
	return item, nil
}

func (r *QueueRepository) transitionError(ctx context.Context, id string, to types.QueueStatus) error {
	current, err := r.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.NewInvalidTransitionError(id, current, to)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
