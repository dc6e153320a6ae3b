package schedule

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

// PriorityScheduled ranks scheduled scans below user-initiated ones
const PriorityScheduled = -10

const defaultBatchSize = 100

// ProjectStore lists due schedules and moves their cursor
type ProjectStore interface {
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.Project, error)
	AdvanceSchedule(ctx context.Context, projectID string, prev *time.Time, next time.Time) (bool, error)
}

// AccountStore reads the billing view of a user
type AccountStore interface {
	GetAccount(ctx context.Context, userID string) (*models.UserAccount, error)
}

// Enqueuer creates queue items. It rejects duplicates with ErrAlreadyQueued
// and unaffordable scans with ErrInsufficientCredits.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID, projectID string, priority int, scheduled bool) (*models.QueueItem, error)
}

// Result summarises one EnqueueDue pass
type Result struct {
	Due      int `json:"due"`
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

// Service turns due schedules into queue items
type Service struct {
	projects  ProjectStore
	accounts  AccountStore
	queue     Enqueuer
	batchSize int
	logger    *logging.Logger
	now       func() time.Time
}

// NewService creates a schedule service
func NewService(projects ProjectStore, accounts AccountStore, queue Enqueuer) *Service {
	return &Service{
		projects:  projects,
		accounts:  accounts,
		queue:     queue,
		batchSize: defaultBatchSize,
		logger:    logging.GetGlobalLogger().WithComponent("scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueDue advances every due schedule and enqueues a scan for the
// eligible ones. The cursor moves forward whether or not a scan was created,
// so ineligible projects never pile up.
func (s *Service) EnqueueDue(ctx context.Context) (*Result, error) {
	now := s.now()

	projects, err := s.projects.ListDueSchedules(ctx, now, s.batchSize)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list due schedules", err)
	}

	result := &Result{Due: len(projects)}
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if s.processProject(ctx, p, now) {
			result.Enqueued++
		} else {
			result.Skipped++
		}
	}

	if result.Due > 0 {
		s.logger.WithFields(map[string]interface{}{
			"due":      result.Due,
			"enqueued": result.Enqueued,
			"skipped":  result.Skipped,
		}).Info("Scheduled scans processed")
	}
	return result, nil
}

func (s *Service) processProject(ctx context.Context, p *models.Project, now time.Time) bool {
	log := s.logger.WithFields(map[string]interface{}{
		logging.FieldProjectID: p.ID,
		logging.FieldUserID:    p.UserID,
	})

	next, err := NextRun(p.Schedule, now)
	if err != nil {
		log.WithError(err).Warn("Invalid schedule, skipping")
		return false
	}

	prev := p.Schedule.NextRunAt
	advanced, err := s.projects.AdvanceSchedule(ctx, p.ID, prev, next)
	if err != nil {
		log.WithError(err).Error("Failed to advance schedule")
		return false
	}
	if !advanced {
		log.Debug("Schedule already advanced by another run")
		return false
	}
	if prev == nil {
		log.WithField("nextRunAt", next).Info("Schedule initialised")
		return false
	}

	account, err := s.accounts.GetAccount(ctx, p.UserID)
	if err != nil {
		log.WithError(err).Warn("Account lookup failed, skipping scheduled scan")
		return false
	}
	if account.Tier == types.TierFree {
		log.Debug("Free tier, skipping scheduled scan")
		return false
	}

	item, err := s.queue.Enqueue(ctx, p.UserID, p.ID, PriorityScheduled, true)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrAlreadyQueued):
			log.Debug("Project already queued, skipping scheduled scan")
		case errors.Is(err, apperrors.ErrInsufficientCredits):
			log.Info("Insufficient credits, skipping scheduled scan")
		default:
			log.WithError(err).Error("Failed to enqueue scheduled scan")
		}
		return false
	}

	log.WithFields(map[string]interface{}{
		logging.FieldQueueID: item.ID,
		"nextRunAt":          next,
	}).Info("Scheduled scan enqueued")
	return true
}
