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

const projectColumns = `
	p.id, p.user_id, p.name, p.brand_names, p.domain, p.model_ids,
	p.follow_up_enabled, p.follow_up_depth,
	p.schedule_frequency, p.schedule_hour, p.schedule_day_of_week, p.schedule_day_of_month,
	p.schedule_timezone, p.next_run_at`

// ProjectRepository reads project definitions and maintains their schedule cursor
type ProjectRepository struct {
	db *PostgresDB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *PostgresDB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var (
		p          models.Project
		frequency  *string
		hour       *int
		dayOfWeek  *int
		dayOfMonth *int
		timezone   string
		nextRunAt  *time.Time
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.BrandNames,
		&p.Domain,
		&p.ModelIDs,
		&p.FollowUpEnabled,
		&p.FollowUpDepth,
		&frequency,
		&hour,
		&dayOfWeek,
		&dayOfMonth,
		&timezone,
		&nextRunAt,
	)
	if err != nil {
		return nil, err
	}

	if frequency != nil {
		sc := &models.ScheduleConfig{
			Frequency:  types.Frequency(*frequency),
			DayOfMonth: dayOfMonth,
			Timezone:   timezone,
			NextRunAt:  nextRunAt,
		}
		if hour != nil {
			sc.Hour = *hour
		}
		if dayOfWeek != nil {
			wd := time.Weekday(*dayOfWeek)
			sc.DayOfWeek = &wd
		}
		p.Schedule = sc
	}
	return &p, nil
}

// GetProject retrieves a project by ID
func (r *ProjectRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := scanProject(r.db.Pool().QueryRow(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("project", id)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// GetScanPlan loads the project, its active queries in creation order, and
// the owning account.
func (r *ProjectRepository) GetScanPlan(ctx context.Context, projectID string) (*models.ScanPlan, error) {
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, project_id, text
		FROM queries
		WHERE project_id = $1 AND active
		ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var queries []*models.Query
	for rows.Next() {
		var q models.Query
		if err := rows.Scan(&q.ID, &q.ProjectID, &q.Text); err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		queries = append(queries, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queries: %w", err)
	}

	var account models.UserAccount
	err = r.db.Pool().QueryRow(ctx, `SELECT id, tier, balance_cents FROM accounts WHERE id = $1`, project.UserID).
		Scan(&account.ID, &account.Tier, &account.BalanceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("account", project.UserID)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &models.ScanPlan{Project: project, Queries: queries, Account: &account}, nil
}

// ListDueSchedules returns scheduled projects whose next run is at or before
// now. Projects with no next run yet are included so they get initialised.
func (r *ProjectRepository) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.Project, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.schedule_frequency IS NOT NULL
		AND (p.next_run_at IS NULL OR p.next_run_at <= $1)
		ORDER BY p.next_run_at NULLS FIRST, p.id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// AdvanceSchedule moves next_run_at from prev to next. It returns false when
// another scheduler already advanced it.
func (r *ProjectRepository) AdvanceSchedule(ctx context.Context, projectID string, prev *time.Time, next time.Time) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE projects
		SET next_run_at = $3
		WHERE id = $1 AND next_run_at IS NOT DISTINCT FROM $2::timestamptz
	`, projectID, prev, next)
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
