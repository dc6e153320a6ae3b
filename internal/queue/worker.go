package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/executor"
	"github.com/scan-orchestrator/internal/ledger"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/scoring"
	"github.com/scan-orchestrator/internal/types"
)

// ChunkRunner plans and executes a scan's chunks
type ChunkRunner interface {
	PlanChunks(queryCount, modelCount int) []executor.Chunk
	EstimateSeconds(c executor.Chunk, modelCount int) float64
	ExecuteChunk(ctx context.Context, job *executor.Job, chunk executor.Chunk, queries []*models.Query) (*executor.ChunkResult, error)
}

// Trigger starts another worker invocation
type Trigger interface {
	Trigger(ctx context.Context)
}

// RunResult is the outcome of one worker invocation
type RunResult struct {
	Processed  int   `json:"processed"`
	Remaining  int   `json:"remaining"`
	DurationMs int64 `json:"durationMs"`
}

// Outcome is how processing a claimed item ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomePaused    Outcome = "paused"
	OutcomeYielded   Outcome = "yielded"
)

// Worker processes one queue item per invocation within a wall-clock budget
type Worker struct {
	engine  *Engine
	chunks  ChunkRunner
	trigger Trigger
	budget  time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// NewWorker creates a worker. trigger may be nil to disable chaining.
func NewWorker(engine *Engine, chunks ChunkRunner, trigger Trigger, budget time.Duration) *Worker {
	return &Worker{
		engine:  engine,
		chunks:  chunks,
		trigger: trigger,
		budget:  budget,
		logger:  logging.GetGlobalLogger().WithComponent("worker"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps stuck items, claims and processes one item, and chains the next
// worker when more items are pending. Only failures of the queue itself are
// returned; a failed scan is recorded on its item.
func (w *Worker) Run(ctx context.Context) (*RunResult, error) {
	start := w.now()
	deadline := start.Add(w.budget)

	if _, err := w.engine.Sweep(ctx); err != nil {
		return nil, apperrors.NewServiceUnavailableError("queue", err)
	}

	item, err := w.engine.ClaimNext(ctx)
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError("queue", err)
	}

	result := &RunResult{}
	if item != nil {
		outcome, err := w.ProcessOne(ctx, item, deadline)
		log := w.logger.WithJob(item.ID, "").WithField("outcome", outcome)
		if err != nil {
			log.WithError(err).Error("Queue item processing stopped")
		} else {
			log.Info("Queue item processed")
		}
		result.Processed = 1
	}

	remaining, err := w.engine.CountPending(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to count pending items")
	}
	result.Remaining = remaining

	if result.Processed > 0 && remaining > 0 && w.trigger != nil {
		w.trigger.Trigger(ctx)
	}

	result.DurationMs = w.now().Sub(start).Milliseconds()
	return result, nil
}

// ProcessOne runs a claimed item's scan until it completes, fails, is
// cancelled or paused, or the deadline leaves no room for another chunk.
// A resumed item keeps its scan and reservation and skips finished queries.
func (w *Worker) ProcessOne(ctx context.Context, item *models.QueueItem, deadline time.Time) (Outcome, error) {
	deps := w.engine.deps
	log := w.logger.WithJob(item.ID, "").WithFields(map[string]interface{}{
		logging.FieldUserID:    item.UserID,
		logging.FieldProjectID: item.ProjectID,
	})

	plan, err := deps.Plans.GetScanPlan(ctx, item.ProjectID)
	if err != nil {
		return w.fail(ctx, item, nil, fmt.Errorf("failed to load scan plan: %w", err))
	}
	if len(plan.Queries) == 0 || len(plan.Project.ModelIDs) == 0 {
		return w.fail(ctx, item, nil, errors.New("project has no active queries or models"))
	}

	var scan *models.Scan
	if item.ScanID != nil {
		scan, err = deps.Scans.Get(ctx, *item.ScanID)
		if err != nil {
			return w.fail(ctx, item, nil, fmt.Errorf("failed to load scan: %w", err))
		}
		log.WithField(logging.FieldScanID, scan.ID).
			WithField("progress", item.ProgressCurrent).
			Info("Resuming scan")
	} else {
		scan, err = w.startScan(ctx, item, plan)
		if err != nil {
			return w.fail(ctx, item, nil, err)
		}
	}
	log = log.WithField(logging.FieldScanID, scan.ID)

	job := &executor.Job{
		Scan:            scan,
		ModelIDs:        plan.Project.ModelIDs,
		BrandNames:      plan.Project.BrandNames,
		Domain:          plan.Project.Domain,
		FollowUpEnabled: plan.Project.FollowUpEnabled,
		FollowUpDepth:   plan.Project.FollowUpDepth,
	}

	total := len(plan.Queries)
	modelCount := len(plan.Project.ModelIDs)
	done := min(item.ProgressCurrent, total)
	if err := deps.Queue.UpdateProgress(ctx, item.ID, models.Progress{
		Current: done,
		Total:   total,
		Message: progressMessage(done, total),
	}); err != nil {
		log.WithError(err).Warn("Failed to record initial progress")
	}

	ran := 0
	for _, chunk := range w.chunks.PlanChunks(total, modelCount) {
		if chunk.End <= done {
			continue
		}

		if outcome, owned, err := w.checkOwnership(ctx, item.ID, scan.ID, log); !owned {
			return outcome, err
		}

		// The first chunk of an invocation always runs so every claim makes progress.
		estimate := time.Duration(w.chunks.EstimateSeconds(chunk, modelCount) * float64(time.Second))
		if ran > 0 && w.now().Add(estimate).After(deadline) {
			if err := w.engine.Yield(ctx, item.ID); err != nil {
				return OutcomeYielded, err
			}
			log.WithField(logging.FieldChunk, chunk.Index).Info("Out of time, yielded item")
			return OutcomeYielded, nil
		}

		res, err := w.chunks.ExecuteChunk(ctx, job, chunk, plan.Queries[chunk.Start:chunk.End])
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.WithField(logging.FieldChunk, chunk.Index).WithError(err).Warn("Chunk failed")
		} else {
			log.WithFields(map[string]interface{}{
				logging.FieldChunk: chunk.Index,
				"succeeded":        res.SuccessCount,
				"failed":           res.FailedCount,
				"costCents":        res.CostCents,
			}).Debug("Chunk done")
		}
		ran++

		if _, err := deps.Scans.RefreshTotals(ctx, scan.ID); err != nil {
			log.WithError(err).Warn("Failed to refresh scan totals")
		}
		if err := deps.Queue.UpdateProgress(ctx, item.ID, models.Progress{
			Current: chunk.End,
			Total:   total,
			Message: progressMessage(chunk.End, total),
		}); err != nil {
			log.WithError(err).Warn("Failed to record progress")
		}
	}

	if outcome, owned, err := w.checkOwnership(ctx, item.ID, scan.ID, log); !owned {
		return outcome, err
	}
	return w.finish(ctx, item, scan, job.FollowUpEnabled && job.FollowUpDepth > 0)
}

// checkOwnership polls the item's status. It reports false when the item was
// cancelled or paused under the worker, settling a cancelled scan first.
func (w *Worker) checkOwnership(ctx context.Context, itemID, scanID string, log *logging.Logger) (Outcome, bool, error) {
	status, err := w.engine.deps.Queue.GetStatus(ctx, itemID)
	if err != nil {
		return "", false, fmt.Errorf("failed to poll queue status: %w", err)
	}
	switch status {
	case types.QueueStatusRunning:
		return "", true, nil
	case types.QueueStatusCancelled:
		if err := w.engine.settleScan(ctx, scanID, types.ScanStatusCancelled); err != nil {
			return OutcomeCancelled, false, err
		}
		log.Info("Scan cancelled")
		return OutcomeCancelled, false, nil
	case types.QueueStatusPaused:
		log.Info("Scan paused")
		return OutcomePaused, false, nil
	default:
		return "", false, fmt.Errorf("queue item is %s, no longer owned by this worker", status)
	}
}

// startScan reserves credits and creates the scan of a freshly claimed item
func (w *Worker) startScan(ctx context.Context, item *models.QueueItem, plan *models.ScanPlan) (*models.Scan, error) {
	deps := w.engine.deps

	est := deps.Ledger.Estimate(len(plan.Queries), plan.Project.ModelIDs, followUpDepth(plan.Project))
	reservationID, err := deps.Ledger.Reserve(ctx, item.UserID, est.ReserveCents, item.ProjectID)
	if err != nil {
		return nil, err
	}

	scan := &models.Scan{
		ID:            uuid.NewString(),
		UserID:        item.UserID,
		ProjectID:     item.ProjectID,
		QueueItemID:   item.ID,
		ReservationID: reservationID,
		Status:        types.ScanStatusRunning,
		TotalQueries:  len(plan.Queries),
		CreatedAt:     w.now(),
	}
	if err := deps.Scans.Create(ctx, scan); err != nil {
		if rerr := deps.Ledger.Release(ctx, reservationID, "scan creation failed"); rerr != nil {
			w.logger.WithJob(item.ID, "").WithError(rerr).Error("Failed to release reservation")
		}
		return nil, apperrors.NewScanCreationError(err)
	}

	if err := deps.Queue.SetScanID(ctx, item.ID, scan.ID); err != nil {
		if serr := w.engine.settleScan(ctx, scan.ID, types.ScanStatusCancelled); serr != nil {
			w.logger.WithJob(item.ID, scan.ID).WithError(serr).Error("Failed to settle orphaned scan")
		}
		return nil, err
	}
	item.ScanID = &scan.ID

	w.logger.WithJob(item.ID, scan.ID).WithFields(map[string]interface{}{
		"queries":       len(plan.Queries),
		"models":        len(plan.Project.ModelIDs),
		"reservedCents": est.ReserveCents,
	}).Info("Scan started")
	return scan, nil
}

// finish scores a scan whose chunks all ran, settles its reservation and
// completes the item. A scan without a single stored result fails instead.
// When the reservation cannot be settled the scan stays running and the item
// goes back to pending, so the next worker finishes it again.
func (w *Worker) finish(ctx context.Context, item *models.QueueItem, scan *models.Scan, followUp bool) (Outcome, error) {
	deps := w.engine.deps

	totals, err := deps.Scans.RefreshTotals(ctx, scan.ID)
	if err != nil {
		return w.fail(ctx, item, scan, fmt.Errorf("failed to refresh scan totals: %w", err))
	}
	if totals.Results == 0 {
		return w.fail(ctx, item, scan, errors.New("no probe produced a result"))
	}

	results, err := deps.Scans.ListResults(ctx, scan.ID)
	if err != nil {
		return w.fail(ctx, item, scan, fmt.Errorf("failed to list scan results: %w", err))
	}
	scores := scoring.Summarize(results, followUp)

	refund, err := deps.Ledger.Consume(ctx, scan.ReservationID, totals.CostCents, scan.ID)
	if err != nil && !ledger.IsSettled(err) {
		if yerr := w.engine.Yield(ctx, item.ID); yerr != nil {
			return OutcomeYielded, yerr
		}
		return OutcomeYielded, fmt.Errorf("failed to consume reservation, item handed back: %w", err)
	}

	if err := deps.Scans.Finish(ctx, scan.ID, types.ScanStatusCompleted, scores); err != nil {
		return w.fail(ctx, item, scan, err)
	}

	if err := w.engine.Complete(ctx, item.ID); err != nil {
		return OutcomeCompleted, err
	}

	w.logger.WithJob(item.ID, scan.ID).WithFields(map[string]interface{}{
		"results":      totals.Results,
		"costCents":    totals.CostCents,
		"refundCents":  refund,
		"overallScore": scores.Overall,
	}).Info("Scan completed")
	return OutcomeCompleted, nil
}

// fail records cause on the item and settles its scan when one exists
func (w *Worker) fail(ctx context.Context, item *models.QueueItem, scan *models.Scan, cause error) (Outcome, error) {
	log := w.logger.WithJob(item.ID, "").WithError(cause)

	if scan == nil && item.ScanID != nil {
		if s, err := w.engine.deps.Scans.Get(ctx, *item.ScanID); err == nil {
			scan = s
		}
	}
	if scan != nil {
		if err := w.engine.settleScan(ctx, scan.ID, types.ScanStatusFailed); err != nil {
			log.WithField(logging.FieldScanID, scan.ID).Error("Failed to settle failed scan")
		}
	}

	if err := w.engine.Fail(ctx, item.ID, cause.Error()); err != nil {
		return OutcomeFailed, err
	}
	log.Warn("Scan failed")
	return OutcomeFailed, nil
}

func progressMessage(done, total int) string {
	return fmt.Sprintf("Processed %d of %d queries", done, total)
}
