package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan-orchestrator/internal/circuitbreaker"
	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/provider"
)

type fakeProbe struct {
	mu        sync.Mutex
	failFor   map[string]bool
	rejectFor map[string]bool
	calls     int
	histories []int
}

func (f *fakeProbe) Call(_ context.Context, modelID, prompt string, history []models.Message) (*provider.ProbeResponse, error) {
	f.mu.Lock()
	f.calls++
	f.histories = append(f.histories, len(history))
	f.mu.Unlock()

	if f.rejectFor[modelID] {
		return nil, errors.New("prompt rejected before dispatch")
	}
	if f.failFor[modelID] {
		return nil, &provider.Error{ModelID: modelID, StatusCode: 500, Message: "upstream down", Retryable: true}
	}
	return &provider.ProbeResponse{
		Content:      fmt.Sprintf("%s answers %q", modelID, prompt),
		InputTokens:  int64(10 + 5*len(history)),
		OutputTokens: 20,
	}, nil
}

type fakeEvaluator struct {
	unparseable bool
	err         error
}

func (f *fakeEvaluator) Evaluate(context.Context, string, []string, string) (*provider.Evaluation, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.unparseable {
		return &provider.Evaluation{InputTokens: 100, OutputTokens: 7}, nil
	}
	return &provider.Evaluation{
		Metrics:      &models.Metrics{VisibilityScore: 70, SentimentScore: 60, RecommendationScore: 50, BrandMentioned: true},
		InputTokens:  3,
		OutputTokens: 2,
	}, nil
}

func (f *fakeEvaluator) Model() string { return "judge" }

// tokenPricing charges one cent per token
type tokenPricing struct{}

func (tokenPricing) CostCents(_ string, in, out int64) int64 { return in + out }

type memResults struct {
	mu      sync.Mutex
	rows    map[string]*models.ScanResult
	failN   int
	upserts int
}

func newMemResults() *memResults {
	return &memResults{rows: make(map[string]*models.ScanResult)}
}

func (m *memResults) UpsertResults(_ context.Context, results []*models.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failN > 0 {
		m.failN--
		return errors.New("connection reset")
	}
	for _, r := range results {
		key := fmt.Sprintf("%s|%s|%s|%d", r.ScanID, r.QueryID, r.ModelID, r.FollowUpLevel)
		m.rows[key] = r
	}
	return nil
}

func (m *memResults) totals() (count int, cost, in, out int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		count++
		cost += r.CostCents
		in += r.InputTokens
		out += r.OutputTokens
	}
	return
}

type memArchive struct {
	rows int
	err  error
}

func (a *memArchive) Archive(_ context.Context, _ *models.Scan, results []*models.ScanResult) error {
	a.rows += len(results)
	return a.err
}

func testQueries(n int) []*models.Query {
	qs := make([]*models.Query, n)
	for i := range qs {
		qs[i] = &models.Query{ID: fmt.Sprintf("q%d", i), ProjectID: "p1", Text: fmt.Sprintf("best tool %d?", i)}
	}
	return qs
}

func testJob(modelIDs ...string) *Job {
	return &Job{
		Scan:       &models.Scan{ID: "scan-1", QueueItemID: "queue-1", UserID: "u1", ProjectID: "p1"},
		ModelIDs:   modelIDs,
		BrandNames: []string{"Acme"},
		Domain:     "acme.test",
	}
}

func testConfig(maxQueries int) Config {
	cfg := DefaultConfig()
	cfg.MaxQueriesPerChunk = maxQueries
	cfg.BudgetSeconds = 10_000
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestPlanChunks(t *testing.T) {
	chunks := PlanChunks(7, 3, testConfig(2))

	sizes := make([]int, len(chunks))
	for i, c := range chunks {
		sizes[i] = c.Size()
		assert.Equal(t, i, c.Index)
	}
	assert.Equal(t, []int{2, 2, 2, 1}, sizes)
	assert.Equal(t, 6, chunks[3].Start)
	assert.Equal(t, 7, chunks[3].End)

	assert.Nil(t, PlanChunks(0, 3, testConfig(2)))
}

func TestChunkSize(t *testing.T) {
	cfg := Config{MaxQueriesPerChunk: 5, PerOperationSeconds: 15, BudgetSeconds: 270}

	assert.Equal(t, 5, ChunkSize(3, cfg))  // floor(270/45) = 6, capped at 5
	assert.Equal(t, 3, ChunkSize(6, cfg))  // floor(270/90) = 3
	assert.Equal(t, 1, ChunkSize(20, cfg)) // floor(270/300) = 0, at least 1
	assert.Equal(t, 5, ChunkSize(0, cfg))
}

func TestRunChunk_SingleTurn(t *testing.T) {
	store := newMemResults()
	archive := &memArchive{}
	exec := New(&fakeProbe{}, &fakeEvaluator{}, tokenPricing{}, store, testConfig(5), WithArchive(archive))

	res, err := exec.RunChunk(context.Background(), testJob("a", "b"), testQueries(3))
	require.NoError(t, err)

	assert.Equal(t, 6, res.SuccessCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.Len(t, res.Results, 6)
	// probe 10+20 plus evaluation 3+2 per operation
	assert.Equal(t, int64(6*35), res.CostCents)
	assert.Equal(t, int64(6*13), res.InputTokens)
	assert.Equal(t, 6, archive.rows)

	for _, r := range res.Results {
		m := r.Metrics()
		require.NotNil(t, m)
		assert.True(t, m.Valid())
		assert.Nil(t, r.ParentResultID)
		assert.Equal(t, ResultID("scan-1", r.QueryID, r.ModelID, 0), r.ID)
	}
}

func TestRunChunk_UnparseableEvaluationIsNotBilled(t *testing.T) {
	exec := New(&fakeProbe{}, &fakeEvaluator{unparseable: true}, tokenPricing{}, newMemResults(), testConfig(5))

	res, err := exec.RunChunk(context.Background(), testJob("a"), testQueries(1))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)

	r := res.Results[0]
	assert.Equal(t, int64(30), r.CostCents)
	assert.Equal(t, int64(10), r.InputTokens)
	m := r.Metrics()
	require.NotNil(t, m)
	assert.False(t, m.Valid())
	assert.Equal(t, models.NeutralMetrics(), *m)
}

func TestRunChunk_EvaluationErrorStoresNeutralMetrics(t *testing.T) {
	exec := New(&fakeProbe{}, &fakeEvaluator{err: errors.New("timeout")}, tokenPricing{}, newMemResults(), testConfig(5))

	res, err := exec.RunChunk(context.Background(), testJob("a"), testQueries(1))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, int64(30), res.CostCents)
	assert.False(t, res.Results[0].Metrics().Valid())
}

func TestRunChunk_ProviderErrorIsSwallowed(t *testing.T) {
	probe := &fakeProbe{failFor: map[string]bool{"broken": true}}
	exec := New(probe, &fakeEvaluator{}, tokenPricing{}, newMemResults(), testConfig(5))

	res, err := exec.RunChunk(context.Background(), testJob("a", "broken"), testQueries(2))
	require.NoError(t, err)

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 2, res.FailedCount)
	for _, r := range res.Results {
		assert.Equal(t, "a", r.ModelID)
	}
}

func TestRunChunk_AllOperationsFailed(t *testing.T) {
	probe := &fakeProbe{failFor: map[string]bool{"broken": true}}
	store := newMemResults()
	exec := New(probe, &fakeEvaluator{}, tokenPricing{}, store, testConfig(5))

	_, err := exec.RunChunk(context.Background(), testJob("broken"), testQueries(2))
	require.Error(t, err)
	assert.Zero(t, store.upserts)
}

func TestRunChunk_FollowUpChains(t *testing.T) {
	probe := &fakeProbe{}
	cfg := testConfig(5)
	cfg.FollowUpPrompts = []string{"tell me more", "which one?"}
	exec := New(probe, &fakeEvaluator{}, tokenPricing{}, newMemResults(), cfg)

	job := testJob("a")
	job.FollowUpEnabled = true
	job.FollowUpDepth = 2

	res, err := exec.RunChunk(context.Background(), job, testQueries(1))
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, 1, res.SuccessCount)

	byLevel := make(map[int]*models.ScanResult)
	for _, r := range res.Results {
		byLevel[r.FollowUpLevel] = r
	}
	require.Len(t, byLevel, 3)
	assert.Nil(t, byLevel[0].ParentResultID)
	for level := 1; level <= 2; level++ {
		require.NotNil(t, byLevel[level].ParentResultID)
		assert.Equal(t, byLevel[level-1].ID, *byLevel[level].ParentResultID)
	}
	assert.Contains(t, byLevel[2].Response, "which one?")
	assert.Equal(t, []int{0, 2, 4}, probe.histories)
}

func TestRunChunk_FollowUpDisabledIgnoresDepth(t *testing.T) {
	exec := New(&fakeProbe{}, &fakeEvaluator{}, tokenPricing{}, newMemResults(), testConfig(5))

	job := testJob("a")
	job.FollowUpDepth = 3

	res, err := exec.RunChunk(context.Background(), job, testQueries(2))
	require.NoError(t, err)
	assert.Len(t, res.Results, 2)
}

func TestChunkingDoesNotChangeTotals(t *testing.T) {
	run := func(maxQueries int) (int, int64, int64, int64, int) {
		store := newMemResults()
		exec := New(&fakeProbe{}, &fakeEvaluator{}, tokenPricing{}, store, testConfig(maxQueries))
		job := testJob("a", "b")
		job.FollowUpEnabled = true
		job.FollowUpDepth = 1
		queries := testQueries(5)

		chunks := exec.PlanChunks(len(queries), len(job.ModelIDs))
		for _, c := range chunks {
			_, err := exec.ExecuteChunk(context.Background(), job, c, queries[c.Start:c.End])
			require.NoError(t, err)
		}
		count, cost, in, out := store.totals()
		return count, cost, in, out, len(chunks)
	}

	c1, cost1, in1, out1, n1 := run(5)
	c5, cost5, in5, out5, n5 := run(1)

	assert.Equal(t, 1, n1)
	assert.Equal(t, 5, n5)
	assert.Equal(t, c1, c5)
	assert.Equal(t, cost1, cost5)
	assert.Equal(t, in1, in5)
	assert.Equal(t, out1, out5)
}

func TestRerunChunkIsIdempotent(t *testing.T) {
	store := newMemResults()
	exec := New(&fakeProbe{}, &fakeEvaluator{}, tokenPricing{}, store, testConfig(5))
	job := testJob("a", "b")
	queries := testQueries(3)

	_, err := exec.RunChunk(context.Background(), job, queries)
	require.NoError(t, err)
	count1, cost1, _, _ := store.totals()

	_, err = exec.RunChunk(context.Background(), job, queries)
	require.NoError(t, err)
	count2, cost2, _, _ := store.totals()

	assert.Equal(t, count1, count2)
	assert.Equal(t, cost1, cost2)
}

func TestExecuteChunk_RetriesOnce(t *testing.T) {
	store := newMemResults()
	store.failN = 1
	exec := New(&fakeProbe{}, &fakeEvaluator{}, tokenPricing{}, store, testConfig(5))
	queries := testQueries(2)

	res, err := exec.ExecuteChunk(context.Background(), testJob("a"), Chunk{Index: 0, Start: 0, End: 2}, queries)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 2, store.upserts)
}

func TestExecuteChunk_FailsAfterRetry(t *testing.T) {
	store := newMemResults()
	store.failN = 2
	exec := New(&fakeProbe{}, &fakeEvaluator{}, tokenPricing{}, store, testConfig(5))
	queries := testQueries(2)

	res, err := exec.ExecuteChunk(context.Background(), testJob("a", "b"), Chunk{Index: 3, Start: 0, End: 2}, queries)
	require.Error(t, err)
	assert.Equal(t, 4, res.FailedCount)
	assert.Equal(t, 2, store.upserts)

	var ce *apperrors.CategorizedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, apperrors.CodePartialChunkFailure, ce.Code)
}

func TestArchiveFailureDoesNotFailChunk(t *testing.T) {
	archive := &memArchive{err: errors.New("clickhouse down")}
	exec := New(&fakeProbe{}, &fakeEvaluator{}, tokenPricing{}, newMemResults(), testConfig(5), WithArchive(archive))

	_, err := exec.RunChunk(context.Background(), testJob("a"), testQueries(1))
	require.NoError(t, err)
}

func TestResultIDIsDeterministic(t *testing.T) {
	assert.Equal(t, ResultID("s", "q", "m", 1), ResultID("s", "q", "m", 1))
	assert.NotEqual(t, ResultID("s", "q", "m", 1), ResultID("s", "q", "m", 2))
	assert.NotEqual(t, ResultID("s", "q", "m", 0), ResultID("s2", "q", "m", 0))
}

func TestBreakersCountOnlyProviderFailures(t *testing.T) {
	probe := &fakeProbe{rejectFor: map[string]bool{"a": true}, failFor: map[string]bool{"b": true}}
	exec := New(probe, &fakeEvaluator{}, tokenPricing{}, newMemResults(), testConfig(10))

	_, err := exec.RunChunk(context.Background(), testJob("a", "b"), testQueries(6))
	require.Error(t, err)

	stats := exec.BreakerStats()
	require.Contains(t, stats, "a")
	assert.Equal(t, 0, stats["a"].Failures)
	assert.Equal(t, circuitbreaker.StateClosed, stats["a"].State)
	assert.Equal(t, circuitbreaker.StateOpen, stats["b"].State)
}
