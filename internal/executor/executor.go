// Package executor runs a scan's (query x model) cross product in chunks
// sized to fit a worker's wall-clock budget.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scan-orchestrator/internal/circuitbreaker"
	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/provider"
	"github.com/scan-orchestrator/internal/retry"
)

// resultNamespace seeds deterministic result ids
var resultNamespace = uuid.MustParse("6f1c2a7e-4b8d-5e3f-9a0b-2c4d6e8f1a3b")

// ResultStore persists chunk results, keyed by (scan, query, model, level)
type ResultStore interface {
	UpsertResults(ctx context.Context, results []*models.ScanResult) error
}

// Archive mirrors results to an analytics store. Failures never fail a chunk.
type Archive interface {
	Archive(ctx context.Context, scan *models.Scan, results []*models.ScanResult) error
}

// Config holds the chunking and concurrency settings
type Config struct {
	MaxQueriesPerChunk  int
	PerOperationSeconds float64
	BudgetSeconds       float64
	Concurrency         int
	FollowUpPrompts     []string
	RetryDelay          time.Duration
}

// DefaultConfig returns the default executor settings
func DefaultConfig() Config {
	return Config{
		MaxQueriesPerChunk:  5,
		PerOperationSeconds: 15,
		BudgetSeconds:       270,
		Concurrency:         8,
		FollowUpPrompts:     []string{"Can you tell me more about the options you mentioned?"},
		RetryDelay:          time.Second,
	}
}

// Chunk is a contiguous range [Start, End) of a scan's queries
type Chunk struct {
	Index int
	Start int
	End   int
}

// Size returns the number of queries in the chunk
func (c Chunk) Size() int {
	return c.End - c.Start
}

// ChunkResult is the outcome of one chunk
type ChunkResult struct {
	SuccessCount int                  `json:"successCount"`
	FailedCount  int                  `json:"failedCount"`
	CostCents    int64                `json:"costCents"`
	InputTokens  int64                `json:"inputTokens"`
	OutputTokens int64                `json:"outputTokens"`
	Results      []*models.ScanResult `json:"-"`
}

// Job is what a chunk needs to know about the scan it belongs to
type Job struct {
	Scan            *models.Scan
	ModelIDs        []string
	BrandNames      []string
	Domain          string
	FollowUpEnabled bool
	FollowUpDepth   int
}

// depth is the number of follow-up turns each chain runs
func (j *Job) depth() int {
	if !j.FollowUpEnabled || j.FollowUpDepth < 0 {
		return 0
	}
	return j.FollowUpDepth
}

// Executor runs chunks
type Executor struct {
	probe     provider.ProbeClient
	evaluator provider.EvaluationClient
	pricing   provider.PricingTable
	results   ResultStore
	archive   Archive
	breakers  *circuitbreaker.Set
	cfg       Config
	logger    *logging.Logger
	now       func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithArchive mirrors every stored chunk to archive
func WithArchive(archive Archive) Option {
	return func(e *Executor) { e.archive = archive }
}

// New creates an executor
func New(probe provider.ProbeClient, evaluator provider.EvaluationClient, pricing provider.PricingTable, results ResultStore, cfg Config, opts ...Option) *Executor {
	if cfg.MaxQueriesPerChunk <= 0 {
		cfg.MaxQueriesPerChunk = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	e := &Executor{
		probe:     probe,
		evaluator: evaluator,
		pricing:   pricing,
		results:   results,
		cfg:       cfg,
		logger:    logging.GetGlobalLogger().WithComponent("executor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.breakers = circuitbreaker.NewSet(func(name string) *circuitbreaker.Config {
		c := circuitbreaker.DefaultConfig(name)
		c.IsFailure = isBreakerFailure
		return c
	})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// isBreakerFailure counts only provider failures against a model's circuit
func isBreakerFailure(err error) bool {
	var perr *provider.Error
	return errors.As(err, &perr)
}

// ChunkSize returns how many queries fit in one chunk:
// max(1, min(MaxQueriesPerChunk, floor(BudgetSeconds / (PerOperationSeconds x modelCount))))
func ChunkSize(modelCount int, cfg Config) int {
	size := cfg.MaxQueriesPerChunk
	if modelCount > 0 && cfg.PerOperationSeconds > 0 && cfg.BudgetSeconds > 0 {
		fit := int(math.Floor(cfg.BudgetSeconds / (cfg.PerOperationSeconds * float64(modelCount))))
		size = min(size, fit)
	}
	return max(1, size)
}

// PlanChunks splits queryCount queries into chunks
func PlanChunks(queryCount, modelCount int, cfg Config) []Chunk {
	if queryCount <= 0 {
		return nil
	}
	size := ChunkSize(modelCount, cfg)

	chunks := make([]Chunk, 0, (queryCount+size-1)/size)
	for start := 0; start < queryCount; start += size {
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Start: start,
			End:   min(start+size, queryCount),
		})
	}
	return chunks
}

// PlanChunks splits queryCount queries into chunks under the executor's config
func (e *Executor) PlanChunks(queryCount, modelCount int) []Chunk {
	return PlanChunks(queryCount, modelCount, e.cfg)
}

// EstimateSeconds is the expected wall-clock time of a chunk
func (e *Executor) EstimateSeconds(c Chunk, modelCount int) float64 {
	return float64(c.Size()*modelCount) * e.cfg.PerOperationSeconds
}

// ResultID is the stable id of a result, so a re-run chunk overwrites its
// own rows and parent links stay consistent.
func ResultID(scanID, queryID, modelID string, level int) string {
	name := scanID + "|" + queryID + "|" + modelID + "|" + strconv.Itoa(level)
	return uuid.NewSHA1(resultNamespace, []byte(name)).String()
}

// ExecuteChunk runs a chunk, retrying it once in full when it fails. A chunk
// that fails twice is reported with all its operations failed and a
// PartialChunkFailure error; the caller moves on to the next chunk.
func (e *Executor) ExecuteChunk(ctx context.Context, job *Job, chunk Chunk, queries []*models.Query) (*ChunkResult, error) {
	var result *ChunkResult
	cfg := retry.OnceConfig(e.cfg.RetryDelay)
	cfg.Retryable = apperrors.IsRetryable

	err := retry.WithRetry(ctx, cfg, func(ctx context.Context, attempt int) error {
		res, err := e.RunChunk(ctx, job, queries)
		if err != nil {
			e.logger.WithJob(job.Scan.QueueItemID, job.Scan.ID).
				WithField(logging.FieldChunk, chunk.Index).
				WithField("attempt", attempt).
				WithError(err).Warn("Chunk failed")
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		ops := len(queries) * len(job.ModelIDs)
		return &ChunkResult{FailedCount: ops}, apperrors.NewPartialChunkFailureError(chunk.Index, ops, err)
	}
	return result, nil
}

// RunChunk probes every (query, model) pair of queries in parallel, stores
// the results and returns the chunk totals. Individual operation failures
// are logged and counted; the chunk only fails when nothing succeeded or the
// results could not be stored.
func (e *Executor) RunChunk(ctx context.Context, job *Job, queries []*models.Query) (*ChunkResult, error) {
	var (
		mu  sync.Mutex
		out = &ChunkResult{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, q := range queries {
		for _, modelID := range job.ModelIDs {
			g.Go(func() error {
				chain, err := e.runChain(gctx, job, q, modelID)

				mu.Lock()
				defer mu.Unlock()
				for _, r := range chain {
					out.Results = append(out.Results, r)
					out.CostCents += r.CostCents
					out.InputTokens += r.InputTokens
					out.OutputTokens += r.OutputTokens
				}
				if len(chain) > 0 {
					out.SuccessCount++
				} else {
					out.FailedCount++
				}

				if err != nil && !errors.Is(err, context.Canceled) {
					e.logger.WithJob(job.Scan.QueueItemID, job.Scan.ID).
						WithField(logging.FieldModelID, modelID).
						WithField("queryId", q.ID).
						WithField("results", len(chain)).
						WithError(err).Warn("Operation failed")
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if out.SuccessCount == 0 && out.FailedCount > 0 {
		return nil, fmt.Errorf("all %d operations failed", out.FailedCount)
	}

	if err := e.results.UpsertResults(ctx, out.Results); err != nil {
		return nil, apperrors.NewDatabaseError("store chunk results", err)
	}

	if e.archive != nil {
		if err := e.archive.Archive(ctx, job.Scan, out.Results); err != nil {
			e.logger.WithJob(job.Scan.QueueItemID, job.Scan.ID).WithError(err).Warn("Failed to archive chunk results")
		}
	}

	return out, nil
}

// runChain runs the initial turn and every follow-up turn for one query on
// one model. It returns the results produced before the first failure.
func (e *Executor) runChain(ctx context.Context, job *Job, q *models.Query, modelID string) ([]*models.ScanResult, error) {
	var (
		chain   []*models.ScanResult
		history []models.Message
		parent  *string
	)

	prompt := q.Text
	for level := 0; level <= job.depth(); level++ {
		if level > 0 {
			prompt = e.followUpPrompt(level)
		}

		res, err := e.runTurn(ctx, job, q, modelID, level, prompt, history)
		if err != nil {
			return chain, err
		}
		res.ParentResultID = parent
		chain = append(chain, res)

		history = append(history,
			models.Message{Role: "user", Content: prompt},
			models.Message{Role: "assistant", Content: res.Response},
		)
		id := res.ID
		parent = &id
	}
	return chain, nil
}

func (e *Executor) followUpPrompt(level int) string {
	if len(e.cfg.FollowUpPrompts) == 0 {
		return "Can you tell me more?"
	}
	return e.cfg.FollowUpPrompts[(level-1)%len(e.cfg.FollowUpPrompts)]
}

// runTurn makes one probe call and evaluates it. Evaluation that fails or
// cannot be parsed stores neutral metrics and is not billed.
func (e *Executor) runTurn(ctx context.Context, job *Job, q *models.Query, modelID string, level int, prompt string, history []models.Message) (*models.ScanResult, error) {
	var resp *provider.ProbeResponse
	err := e.breakers.Get(modelID).Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.probe.Call(ctx, modelID, prompt, history)
		return err
	})
	if err != nil {
		return nil, apperrors.NewProviderError(modelID, err)
	}

	res := &models.ScanResult{
		ID:            ResultID(job.Scan.ID, q.ID, modelID, level),
		ScanID:        job.Scan.ID,
		QueryID:       q.ID,
		QueryText:     q.Text,
		ModelID:       modelID,
		Response:      resp.Content,
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
		CostCents:     e.pricing.CostCents(modelID, resp.InputTokens, resp.OutputTokens),
		FollowUpLevel: level,
		CreatedAt:     e.now(),
	}

	metrics := models.NeutralMetrics()
	eval, err := e.evaluator.Evaluate(ctx, resp.Content, job.BrandNames, job.Domain)
	switch {
	case err != nil:
		e.logger.WithJob(job.Scan.QueueItemID, job.Scan.ID).
			WithField(logging.FieldModelID, modelID).
			WithError(apperrors.NewEvaluationParseError(err)).
			Warn("Evaluation failed, storing neutral metrics")
	case eval.Metrics == nil:
		e.logger.WithJob(job.Scan.QueueItemID, job.Scan.ID).
			WithField(logging.FieldModelID, modelID).
			Debug("Evaluation unparseable, storing neutral metrics")
	default:
		metrics = *eval.Metrics
		res.InputTokens += eval.InputTokens
		res.OutputTokens += eval.OutputTokens
		res.CostCents += e.pricing.CostCents(e.evaluator.Model(), eval.InputTokens, eval.OutputTokens)
	}

	raw, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metrics: %w", err)
	}
	res.MetricsJSON = raw
	return res, nil
}

// BreakerStats exposes the per-model circuit states for /api/worker/limits
func (e *Executor) BreakerStats() map[string]circuitbreaker.Stats {
	return e.breakers.Stats()
}
