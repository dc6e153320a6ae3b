// Package queue hands scan requests to short-lived workers. Persisted queue
// item status is the only coordination between workers: claims are atomic
// conditional updates, and a sweep recovers items whose worker died.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/ledger"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/storage"
	"github.com/scan-orchestrator/internal/types"
)

// Store persists queue items
type Store interface {
	Enqueue(ctx context.Context, item *models.QueueItem) error
	HasActive(ctx context.Context, userID, projectID string) (bool, error)
	ClaimNext(ctx context.Context, exclude []string) (*models.QueueItem, error)
	Sweep(ctx context.Context, now time.Time, c storage.StuckCeilings) ([]*models.QueueItem, error)
	ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*models.QueueItem, error)
	CountPending(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (*models.QueueItem, error)
	GetStatus(ctx context.Context, id string) (types.QueueStatus, error)
	UpdateProgress(ctx context.Context, id string, p models.Progress) error
	SetScanID(ctx context.Context, id, scanID string) error
	Transition(ctx context.Context, id string, from []types.QueueStatus, to types.QueueStatus, errMsg *string) (*models.QueueItem, error)
}

// ScanStore persists scans and their results
type ScanStore interface {
	Create(ctx context.Context, scan *models.Scan) error
	Get(ctx context.Context, id string) (*models.Scan, error)
	ListResults(ctx context.Context, scanID string) ([]*models.ScanResult, error)
	RefreshTotals(ctx context.Context, scanID string) (*models.ScanTotals, error)
	Finish(ctx context.Context, scanID string, status types.ScanStatus, scores *models.ScanScores) error
}

// PlanStore loads what a scan of a project needs
type PlanStore interface {
	GetScanPlan(ctx context.Context, projectID string) (*models.ScanPlan, error)
}

// Ledger is the credit ledger as seen by the queue
type Ledger interface {
	Estimate(queryCount int, modelIDs []string, followUpDepth int) ledger.Estimate
	CanAfford(ctx context.Context, userID string, amountCents int64) (bool, error)
	Reserve(ctx context.Context, userID string, amountCents int64, projectID string) (string, error)
	Consume(ctx context.Context, reservationID string, actualCents int64, scanID string) (int64, error)
	Release(ctx context.Context, reservationID, reason string) error
}

// Deps are the collaborators of the engine
type Deps struct {
	Queue  Store
	Scans  ScanStore
	Plans  PlanStore
	Ledger Ledger
}

// Config holds the claim engine settings
type Config struct {
	Ceilings         storage.StuckCeilings
	MaxClaimAttempts int
}

// DefaultConfig returns the default sweep ceilings and claim attempts
func DefaultConfig() Config {
	return Config{
		Ceilings: storage.StuckCeilings{
			Hard:         2 * time.Hour,
			ZeroProgress: 15 * time.Minute,
			Stall:        10 * time.Minute,
		},
		MaxClaimAttempts: 3,
	}
}

// unsettledBatch caps how many orphaned scans one sweep settles
const unsettledBatch = 50

// Engine is the queue claim engine
type Engine struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// NewEngine creates a queue engine
func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.MaxClaimAttempts <= 0 {
		cfg.MaxClaimAttempts = 1
	}
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logging.GetGlobalLogger().WithComponent("queue"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// followUpDepth is the number of follow-up turns a project's chains run
func followUpDepth(p *models.Project) int {
	if !p.FollowUpEnabled || p.FollowUpDepth < 0 {
		return 0
	}
	return p.FollowUpDepth
}

// Enqueue adds a pending scan of projectID for userID. Paid users whose
// balance cannot cover the reservation are refused up front.
func (e *Engine) Enqueue(ctx context.Context, userID, projectID string, priority int, scheduled bool) (*models.QueueItem, error) {
	plan, err := e.deps.Plans.GetScanPlan(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if plan.Project.UserID != userID {
		return nil, apperrors.NewNotFoundError("project", projectID)
	}
	if len(plan.Queries) == 0 {
		return nil, apperrors.NewInvalidParameterError("projectId", "project has no active queries")
	}
	if len(plan.Project.ModelIDs) == 0 {
		return nil, apperrors.NewInvalidParameterError("projectId", "project has no models")
	}

	active, err := e.deps.Queue.HasActive(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, apperrors.NewAlreadyQueuedError(projectID)
	}

	if plan.Account.Tier.Billable() {
		est := e.deps.Ledger.Estimate(len(plan.Queries), plan.Project.ModelIDs, followUpDepth(plan.Project))
		ok, err := e.deps.Ledger.CanAfford(ctx, userID, est.ReserveCents)
		if err != nil {
			return nil, apperrors.NewServiceUnavailableError("credit ledger", err)
		}
		if !ok {
			return nil, apperrors.NewInsufficientCreditsError(userID, est.ReserveCents)
		}
	}

	item := &models.QueueItem{
		ID:          uuid.NewString(),
		UserID:      userID,
		ProjectID:   projectID,
		Priority:    priority,
		IsScheduled: scheduled,
		CreatedAt:   e.now(),
	}
	if err := e.deps.Queue.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		logging.FieldQueueID:   item.ID,
		logging.FieldUserID:    userID,
		logging.FieldProjectID: projectID,
		"priority":             priority,
		"scheduled":            scheduled,
	}).Info("Scan enqueued")
	return item, nil
}

// Sweep force-fails running items whose worker is gone. Scans owned by swept
// items are failed and their reservation is settled at the cost already spent.
// It then settles scans left running behind failed or cancelled items, such as
// a running item cancelled after its worker died.
func (e *Engine) Sweep(ctx context.Context) ([]*models.QueueItem, error) {
	now := e.now()
	swept, err := e.deps.Queue.Sweep(ctx, now, e.cfg.Ceilings)
	if err != nil {
		return nil, err
	}

	for _, item := range swept {
		log := e.logger.WithField(logging.FieldQueueID, item.ID)
		if item.Error != nil {
			log = log.WithError(apperrors.NewStuckJobError(item.ID, *item.Error))
		}
		log.Warn("Swept stuck queue item")

		if item.ScanID == nil {
			continue
		}
		if err := e.settleScan(ctx, *item.ScanID, types.ScanStatusFailed); err != nil {
			log.WithError(err).Error("Failed to settle scan of stuck item")
		}
	}

	unsettled, err := e.deps.Queue.ListUnsettled(ctx, now.Add(-e.cfg.Ceilings.Stall), unsettledBatch)
	if err != nil {
		return nil, err
	}
	for _, item := range unsettled {
		status := types.ScanStatusFailed
		if item.Status == types.QueueStatusCancelled {
			status = types.ScanStatusCancelled
		}
		log := e.logger.WithJob(item.ID, *item.ScanID).WithField("status", item.Status)
		if err := e.settleScan(ctx, *item.ScanID, status); err != nil {
			log.WithError(err).Error("Failed to settle orphaned scan")
			continue
		}
		log.Warn("Settled orphaned scan")
	}
	return swept, nil
}

// settleScan closes a scan that will not complete and consumes its
// reservation at the cost actually spent. The reservation is settled before
// the scan leaves running, so a failed settlement is retried by a later
// sweep. Repeated calls are no-ops.
func (e *Engine) settleScan(ctx context.Context, scanID string, status types.ScanStatus) error {
	scan, err := e.deps.Scans.Get(ctx, scanID)
	if err != nil {
		return err
	}
	totals, err := e.deps.Scans.RefreshTotals(ctx, scanID)
	if err != nil {
		return err
	}
	if _, err := e.deps.Ledger.Consume(ctx, scan.ReservationID, totals.CostCents, scanID); err != nil && !ledger.IsSettled(err) {
		return err
	}
	return e.deps.Scans.Finish(ctx, scanID, status, nil)
}

// ClaimNext claims the highest priority pending item, or returns nil when
// there is none. A claim lost to another worker is retried with that item
// excluded, up to MaxClaimAttempts times.
func (e *Engine) ClaimNext(ctx context.Context) (*models.QueueItem, error) {
	var exclude []string
	for attempt := 1; attempt <= e.cfg.MaxClaimAttempts; attempt++ {
		item, err := e.deps.Queue.ClaimNext(ctx, exclude)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, apperrors.ErrClaimConflict) {
			return nil, err
		}

		id := conflictID(err)
		e.logger.WithField(logging.FieldQueueID, id).
			WithField("attempt", attempt).
			Debug("Claim lost to another worker")
		if id == "" {
			continue
		}
		exclude = append(exclude, id)
	}
	return nil, nil
}

func conflictID(err error) string {
	var ce *apperrors.CategorizedError
	if !errors.As(err, &ce) {
		return ""
	}
	id, _ := ce.Details["queueId"].(string)
	return id
}

// Status returns a queue item owned by userID
func (e *Engine) Status(ctx context.Context, userID, id string) (*models.QueueItem, error) {
	item, err := e.deps.Queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.UserID != userID {
		return nil, apperrors.NewNotFoundError("queue item", id)
	}
	return item, nil
}

// Cancel cancels a pending, running or paused item. A running item is
// settled by its worker at the next chunk boundary, or by the sweep once the
// item has been quiet for the stall ceiling. An idle item that already owns a
// scan is settled here.
func (e *Engine) Cancel(ctx context.Context, userID, id string) (*models.QueueItem, error) {
	before, err := e.Status(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	item, err := e.deps.Queue.Transition(ctx, id,
		[]types.QueueStatus{types.QueueStatusPending, types.QueueStatusRunning, types.QueueStatusPaused},
		types.QueueStatusCancelled, nil)
	if err != nil {
		return nil, err
	}

	log := e.logger.WithJob(id, "")
	if before.Status != types.QueueStatusRunning && item.ScanID != nil {
		if err := e.settleScan(ctx, *item.ScanID, types.ScanStatusCancelled); err != nil {
			log.WithError(err).Error("Failed to settle cancelled scan")
		}
	}
	log.WithField("from", before.Status).Info("Queue item cancelled")
	return item, nil
}

// Pause parks a running item. Its worker stops at the next chunk boundary
// and the scan keeps its reservation.
func (e *Engine) Pause(ctx context.Context, userID, id string) (*models.QueueItem, error) {
	if _, err := e.Status(ctx, userID, id); err != nil {
		return nil, err
	}
	return e.deps.Queue.Transition(ctx, id,
		[]types.QueueStatus{types.QueueStatusRunning}, types.QueueStatusPaused, nil)
}

// Resume puts a paused item back in the queue. The next worker continues
// its scan where it stopped.
func (e *Engine) Resume(ctx context.Context, userID, id string) (*models.QueueItem, error) {
	if _, err := e.Status(ctx, userID, id); err != nil {
		return nil, err
	}
	return e.deps.Queue.Transition(ctx, id,
		[]types.QueueStatus{types.QueueStatusPaused}, types.QueueStatusPending, nil)
}

// Yield hands a running item back to the queue when its worker is out of
// time. Progress and the scan link are kept.
func (e *Engine) Yield(ctx context.Context, id string) error {
	_, err := e.deps.Queue.Transition(ctx, id,
		[]types.QueueStatus{types.QueueStatusRunning}, types.QueueStatusPending, nil)
	return err
}

// Fail moves a running item to failed with msg
func (e *Engine) Fail(ctx context.Context, id, msg string) error {
	_, err := e.deps.Queue.Transition(ctx, id,
		[]types.QueueStatus{types.QueueStatusRunning}, types.QueueStatusFailed, &msg)
	return err
}

// Complete moves a running item to completed
func (e *Engine) Complete(ctx context.Context, id string) error {
	_, err := e.deps.Queue.Transition(ctx, id,
		[]types.QueueStatus{types.QueueStatusRunning}, types.QueueStatusCompleted, nil)
	return err
}

// CountPending returns the number of claimable items
func (e *Engine) CountPending(ctx context.Context) (int, error) {
	n, err := e.deps.Queue.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return n, nil
}
