package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/executor"
	"github.com/scan-orchestrator/internal/ledger"
	"github.com/scan-orchestrator/internal/ledger/ledgertest"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/provider"
	"github.com/scan-orchestrator/internal/storage"
	"github.com/scan-orchestrator/internal/types"
)

// memQueue mirrors the conditional updates of the Postgres queue repository
type memQueue struct {
	mu    sync.Mutex
	items map[string]*models.QueueItem
	// conflicts makes the next n claims of an item lose to another worker.
	conflicts map[string]int
	// scanRunning stands in for the join on scans in ListUnsettled.
	scanRunning func(scanID string) bool
}

func newMemQueue() *memQueue {
	return &memQueue{
		items:     make(map[string]*models.QueueItem),
		conflicts: make(map[string]int),
	}
}

func (q *memQueue) put(item *models.QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *item
	q.items[item.ID] = &cp
}

func (q *memQueue) item(id string) models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.items[id]
}

func (q *memQueue) Enqueue(_ context.Context, item *models.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.UserID == item.UserID && it.ProjectID == item.ProjectID && it.Status.IsActive() {
			return apperrors.NewAlreadyQueuedError(item.ProjectID)
		}
	}
	item.Status = types.QueueStatusPending
	item.UpdatedAt = item.CreatedAt
	cp := *item
	q.items[item.ID] = &cp
	return nil
}

func (q *memQueue) HasActive(_ context.Context, userID, projectID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.UserID == userID && it.ProjectID == projectID && it.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) ListUnsettled(_ context.Context, before time.Time, limit int) ([]*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.QueueItem
	for _, it := range q.items {
		if it.Status != types.QueueStatusFailed && it.Status != types.QueueStatusCancelled {
			continue
		}
		if it.ScanID == nil || !it.UpdatedAt.Before(before) {
			continue
		}
		if q.scanRunning != nil && !q.scanRunning(*it.ScanID) {
			continue
		}
		cp := *it
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// age moves an item's last update back by d, as if its worker went quiet
func (q *memQueue) age(id string, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.items[id]
	it.UpdatedAt = it.UpdatedAt.Add(-d)
	if it.StartedAt != nil {
		started := it.StartedAt.Add(-d)
		it.StartedAt = &started
	}
}

func (q *memQueue) ClaimNext(_ context.Context, exclude []string) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var best *models.QueueItem
	for _, it := range q.items {
		if it.Status != types.QueueStatusPending || skip[it.ID] {
			continue
		}
		if best == nil || it.Priority > best.Priority ||
			(it.Priority == best.Priority && it.CreatedAt.Before(best.CreatedAt)) {
			best = it
		}
	}
	if best == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	if q.conflicts[best.ID] > 0 {
		q.conflicts[best.ID]--
		best.Status = types.QueueStatusRunning
		best.StartedAt = &now
		return nil, apperrors.NewClaimConflictError(best.ID)
	}

	best.Status = types.QueueStatusRunning
	best.StartedAt = &now
	best.UpdatedAt = now
	best.Error = nil
	cp := *best
	return &cp, nil
}

func (q *memQueue) Sweep(_ context.Context, now time.Time, c storage.StuckCeilings) ([]*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var swept []*models.QueueItem
	for _, it := range q.items {
		if it.Status != types.QueueStatusRunning || it.StartedAt == nil {
			continue
		}
		var msg string
		switch {
		case it.StartedAt.Before(now.Add(-c.Hard)):
			msg = "stuck: exceeded hard ceiling"
		case it.ProgressCurrent == 0 && it.StartedAt.Before(now.Add(-c.ZeroProgress)):
			msg = "stuck: no progress"
		case it.ProgressCurrent > 0 && it.UpdatedAt.Before(now.Add(-c.Stall)):
			msg = "stuck: progress stalled"
		default:
			continue
		}
		it.Status = types.QueueStatusFailed
		it.Error = &msg
		it.CompletedAt = &now
		it.UpdatedAt = now
		cp := *it
		swept = append(swept, &cp)
	}
	return swept, nil
}

func (q *memQueue) CountPending(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Status == types.QueueStatusPending {
			n++
		}
	}
	return n, nil
}

func (q *memQueue) Get(_ context.Context, id string) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("queue item", id)
	}
	cp := *it
	return &cp, nil
}

func (q *memQueue) GetStatus(ctx context.Context, id string) (types.QueueStatus, error) {
	it, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return it.Status, nil
}

func (q *memQueue) UpdateProgress(_ context.Context, id string, p models.Progress) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return apperrors.NewNotFoundError("queue item", id)
	}
	if it.Status != types.QueueStatusRunning {
		return apperrors.NewInvalidTransitionError(id, it.Status, types.QueueStatusRunning)
	}
	it.ProgressTotal = max(it.ProgressTotal, p.Total)
	it.ProgressCurrent = min(max(it.ProgressCurrent, p.Current), it.ProgressTotal)
	it.ProgressMessage = p.Message
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *memQueue) SetScanID(_ context.Context, id, scanID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.items[id]
	if it.Status != types.QueueStatusRunning || (it.ScanID != nil && *it.ScanID != scanID) {
		return apperrors.NewInvalidTransitionError(id, it.Status, types.QueueStatusRunning)
	}
	it.ScanID = &scanID
	return nil
}

func (q *memQueue) Transition(_ context.Context, id string, from []types.QueueStatus, to types.QueueStatus, errMsg *string) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("queue item", id)
	}

	allowed := false
	for _, s := range from {
		if it.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, apperrors.NewInvalidTransitionError(id, it.Status, to)
	}

	now := time.Now().UTC()
	it.Status = to
	if errMsg != nil {
		it.Error = errMsg
	}
	if to.IsTerminal() {
		it.CompletedAt = &now
	}
	it.UpdatedAt = now
	cp := *it
	return &cp, nil
}

// memScans keys results by their deterministic id, like the upsert key
type memScans struct {
	mu        sync.Mutex
	scans     map[string]*models.Scan
	results   map[string]*models.ScanResult
	createErr error
}

func newMemScans() *memScans {
	return &memScans{
		scans:   make(map[string]*models.Scan),
		results: make(map[string]*models.ScanResult),
	}
}

func (s *memScans) scan(id string) models.Scan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.scans[id]
}

func (s *memScans) Create(_ context.Context, scan *models.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *scan
	s.scans[scan.ID] = &cp
	return nil
}

func (s *memScans) Get(_ context.Context, id string) (*models.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("scan", id)
	}
	cp := *sc
	return &cp, nil
}

func (s *memScans) UpsertResults(_ context.Context, results []*models.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		cp := *r
		s.results[r.ID] = &cp
	}
	return nil
}

func (s *memScans) ListResults(_ context.Context, scanID string) ([]*models.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ScanResult
	for _, r := range s.results {
		if r.ScanID == scanID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.QueryID != b.QueryID {
			return a.QueryID < b.QueryID
		}
		if a.ModelID != b.ModelID {
			return a.ModelID < b.ModelID
		}
		return a.FollowUpLevel < b.FollowUpLevel
	})
	return out, nil
}

func (s *memScans) RefreshTotals(_ context.Context, scanID string) (*models.ScanTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return nil, apperrors.NewNotFoundError("scan", scanID)
	}
	var t models.ScanTotals
	for _, r := range s.results {
		if r.ScanID == scanID {
			t.Results++
			t.CostCents += r.CostCents
			t.InputTokens += r.InputTokens
			t.OutputTokens += r.OutputTokens
		}
	}
	sc.TotalResults = t.Results
	sc.TotalCostCents = t.CostCents
	sc.TotalInputTokens = t.InputTokens
	sc.TotalOutputTokens = t.OutputTokens
	return &t, nil
}

func (s *memScans) Finish(_ context.Context, scanID string, status types.ScanStatus, scores *models.ScanScores) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[scanID]
	if !ok || sc.Status != types.ScanStatusRunning {
		return nil
	}
	now := time.Now().UTC()
	sc.Status = status
	if scores != nil {
		sc.Scores = scores
	}
	sc.CompletedAt = &now
	return nil
}

type memPlans map[string]*models.ScanPlan

func (p memPlans) GetScanPlan(_ context.Context, projectID string) (*models.ScanPlan, error) {
	plan, ok := p[projectID]
	if !ok {
		return nil, apperrors.NewNotFoundError("project", projectID)
	}
	return plan, nil
}

type countingProbe struct {
	mu      sync.Mutex
	calls   int
	failAll bool
}

func (p *countingProbe) Call(_ context.Context, modelID, prompt string, history []models.Message) (*provider.ProbeResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.failAll {
		return nil, &provider.Error{ModelID: modelID, StatusCode: 503, Message: "unavailable"}
	}
	return &provider.ProbeResponse{Content: "Acme is a solid choice for " + prompt, InputTokens: 10, OutputTokens: 20}, nil
}

func (p *countingProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type staticEvaluator struct{}

func (staticEvaluator) Evaluate(context.Context, string, []string, string) (*provider.Evaluation, error) {
	return &provider.Evaluation{
		Metrics:      &models.Metrics{VisibilityScore: 80, SentimentScore: 70, RecommendationScore: 60, BrandMentioned: true},
		InputTokens:  5,
		OutputTokens: 5,
	}, nil
}

func (staticEvaluator) Model() string { return "gpt-4o-mini" }

// flatPricing charges one cent for every call that used tokens
type flatPricing struct{}

func (flatPricing) CostCents(_ string, in, out int64) int64 {
	if in == 0 && out == 0 {
		return 0
	}
	return 1
}

// hookedRunner calls after once each chunk has run
type hookedRunner struct {
	ChunkRunner
	after func(chunk executor.Chunk)
}

func (h *hookedRunner) ExecuteChunk(ctx context.Context, job *executor.Job, chunk executor.Chunk, queries []*models.Query) (*executor.ChunkResult, error) {
	res, err := h.ChunkRunner.ExecuteChunk(ctx, job, chunk, queries)
	if h.after != nil {
		h.after(chunk)
	}
	return res, err
}

type countingTrigger struct {
	mu    sync.Mutex
	fired int
}

func (t *countingTrigger) Trigger(context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fired++
}

func (t *countingTrigger) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

type harness struct {
	queue    *memQueue
	scans    *memScans
	plans    memPlans
	accounts *ledgertest.Store
	probe    *countingProbe
	runner   *hookedRunner
	trigger  *countingTrigger
	engine   *Engine
	worker   *Worker
}

// newHarness wires a project p1 of user u1 with 4 queries on 2 models.
// Each call costs one cent, so a full scan costs 16 and reserves 20.
func newHarness(t *testing.T, tier types.UserTier, balance int64) *harness {
	t.Helper()

	h := &harness{
		queue:    newMemQueue(),
		scans:    newMemScans(),
		plans:    memPlans{},
		accounts: ledgertest.NewStore(),
		probe:    &countingProbe{},
		trigger:  &countingTrigger{},
	}
	h.accounts.AddAccount("u1", tier, balance)
	h.addProject("p1", "u1", tier, 4)
	h.queue.scanRunning = func(scanID string) bool {
		sc, err := h.scans.Get(context.Background(), scanID)
		return err == nil && sc.Status == types.ScanStatusRunning
	}

	ledgerSvc := ledger.NewService(h.accounts, flatPricing{}, ledger.DefaultConfig())
	h.engine = NewEngine(Deps{Queue: h.queue, Scans: h.scans, Plans: h.plans, Ledger: ledgerSvc}, DefaultConfig())

	cfg := executor.DefaultConfig()
	cfg.MaxQueriesPerChunk = 2
	cfg.RetryDelay = 0
	exec := executor.New(h.probe, staticEvaluator{}, flatPricing{}, h.scans, cfg)
	h.runner = &hookedRunner{ChunkRunner: exec}

	h.worker = NewWorker(h.engine, h.runner, h.trigger, time.Hour)
	return h
}

func (h *harness) addProject(projectID, userID string, tier types.UserTier, queries int) {
	plan := &models.ScanPlan{
		Project: &models.Project{
			ID:         projectID,
			UserID:     userID,
			Name:       "Acme " + projectID,
			BrandNames: []string{"Acme"},
			Domain:     "acme.test",
			ModelIDs:   []string{"gpt-4o", "sonar"},
		},
		Account: &models.UserAccount{ID: userID, Tier: tier},
	}
	for i := 0; i < queries; i++ {
		plan.Queries = append(plan.Queries, &models.Query{
			ID:        fmt.Sprintf("%s-q%d", projectID, i),
			ProjectID: projectID,
			Text:      fmt.Sprintf("best tool number %d", i),
		})
	}
	h.plans[projectID] = plan
}

func (h *harness) enqueue(t *testing.T, projectID string) *models.QueueItem {
	t.Helper()
	item, err := h.engine.Enqueue(context.Background(), h.plans[projectID].Project.UserID, projectID, 0, false)
	require.NoError(t, err)
	return item
}
