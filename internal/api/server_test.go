package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan-orchestrator/internal/circuitbreaker"
	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/queue"
	"github.com/scan-orchestrator/internal/ratelimit"
	"github.com/scan-orchestrator/internal/schedule"
	"github.com/scan-orchestrator/internal/types"
)

// Mock services for testing
type mockQueueService struct {
	enqueueFunc func(ctx context.Context, userID, projectID string, priority int) (*models.QueueItem, error)
	items       map[string]*models.QueueItem
}

func (m *mockQueueService) Enqueue(ctx context.Context, userID, projectID string, priority int, scheduled bool) (*models.QueueItem, error) {
	if m.enqueueFunc != nil {
		return m.enqueueFunc(ctx, userID, projectID, priority)
	}
	return &models.QueueItem{ID: "q-1", UserID: userID, ProjectID: projectID, Status: types.QueueStatusPending}, nil
}

func (m *mockQueueService) lookup(userID, id string) (*models.QueueItem, error) {
	item, ok := m.items[id]
	if !ok || item.UserID != userID {
		return nil, apperrors.NewNotFoundError("queue item", id)
	}
	return item, nil
}

func (m *mockQueueService) Status(_ context.Context, userID, id string) (*models.QueueItem, error) {
	return m.lookup(userID, id)
}

func (m *mockQueueService) move(userID, id string, to types.QueueStatus) (*models.QueueItem, error) {
	item, err := m.lookup(userID, id)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(item.Status, to) {
		return nil, apperrors.NewInvalidTransitionError(id, item.Status, to)
	}
	item.Status = to
	return item, nil
}

func (m *mockQueueService) Cancel(_ context.Context, userID, id string) (*models.QueueItem, error) {
	return m.move(userID, id, types.QueueStatusCancelled)
}

func (m *mockQueueService) Pause(_ context.Context, userID, id string) (*models.QueueItem, error) {
	return m.move(userID, id, types.QueueStatusPaused)
}

func (m *mockQueueService) Resume(_ context.Context, userID, id string) (*models.QueueItem, error) {
	return m.move(userID, id, types.QueueStatusPending)
}

type mockWorker struct {
	runFunc func(ctx context.Context) (*queue.RunResult, error)
}

func (m *mockWorker) Run(ctx context.Context) (*queue.RunResult, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx)
	}
	return &queue.RunResult{Processed: 1, Remaining: 2, DurationMs: 1500}, nil
}

type mockScheduler struct {
	result *schedule.Result
}

func (m *mockScheduler) EnqueueDue(context.Context) (*schedule.Result, error) {
	return m.result, nil
}

type mockTrigger struct {
	fired int
}

func (m *mockTrigger) Trigger(context.Context) { m.fired++ }

type mockChecker struct {
	err error
}

func (m mockChecker) Ping(context.Context) error { return m.err }

func testConfig() *ServerConfig {
	return &ServerConfig{
		Host:              "127.0.0.1",
		Port:              "0",
		RequestsPerSecond: 100,
		Burst:             100,
		WorkerSecret:      "s3cret",
		WorkerTimeout:     time.Minute,
	}
}

func newTestServer(cfg *ServerConfig, qs *mockQueueService) (*Server, *mockTrigger) {
	trigger := &mockTrigger{}
	s := NewServer(cfg, qs, &mockWorker{}, &mockScheduler{result: &schedule.Result{Due: 3, Enqueued: 2, Skipped: 1}},
		trigger, map[string]HealthChecker{"postgres": mockChecker{}})
	return s, trigger
}

func doRequest(t *testing.T, h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandleEnqueue(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		body       any
		enqueueErr error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "created",
			userID:     "u1",
			body:       EnqueueRequest{ProjectID: "p1", Priority: 2},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing user",
			body:       EnqueueRequest{ProjectID: "p1"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrCodeUnauthorized,
		},
		{
			name:       "missing project",
			userID:     "u1",
			body:       EnqueueRequest{},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeInvalidInput,
		},
		{
			name:       "unknown field",
			userID:     "u1",
			body:       map[string]any{"projectId": "p1", "color": "red"},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeInvalidInput,
		},
		{
			name:       "already queued",
			userID:     "u1",
			body:       EnqueueRequest{ProjectID: "p1"},
			enqueueErr: apperrors.NewAlreadyQueuedError("p1"),
			wantStatus: http.StatusConflict,
			wantCode:   apperrors.CodeAlreadyQueued,
		},
		{
			name:       "insufficient credits",
			userID:     "u1",
			body:       EnqueueRequest{ProjectID: "p1"},
			enqueueErr: apperrors.NewInsufficientCreditsError("u1", 1200),
			wantStatus: http.StatusPaymentRequired,
			wantCode:   apperrors.CodeInsufficientCredits,
		},
		{
			name:       "unexpected failure hides details",
			userID:     "u1",
			body:       EnqueueRequest{ProjectID: "p1"},
			enqueueErr: errors.New("pq: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   apperrors.CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qs := &mockQueueService{}
			var gotPriority int
			qs.enqueueFunc = func(_ context.Context, userID, projectID string, priority int) (*models.QueueItem, error) {
				gotPriority = priority
				if tt.enqueueErr != nil {
					return nil, tt.enqueueErr
				}
				return &models.QueueItem{ID: "q-1", Status: types.QueueStatusPending}, nil
			}
			s, _ := newTestServer(testConfig(), qs)

			rec := doRequest(t, s.Handler(), http.MethodPost, "/api/queue", tt.userID, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantCode != "" {
				resp := decodeError(t, rec)
				assert.Equal(t, tt.wantCode, resp.Error.Code)
				assert.NotContains(t, resp.Error.Message, "connection refused")
				return
			}
			var resp EnqueueResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, "q-1", resp.QueueID)
			assert.Equal(t, types.QueueStatusPending, resp.Status)
			assert.Equal(t, 2, gotPriority)
		})
	}
}

func TestHandleQueueStatusAndTransitions(t *testing.T) {
	scanID := "scan-9"
	qs := &mockQueueService{items: map[string]*models.QueueItem{
		"q-1": {
			ID:              "q-1",
			UserID:          "u1",
			Status:          types.QueueStatusRunning,
			ProgressCurrent: 2,
			ProgressTotal:   7,
			ProgressMessage: "Processed 2 of 7 queries",
			ScanID:          &scanID,
		},
	}}
	s, _ := newTestServer(testConfig(), qs)
	h := s.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/queue/q-1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view QueueItemView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, types.QueueStatusRunning, view.Status)
	assert.Equal(t, ProgressView{Current: 2, Total: 7, Message: "Processed 2 of 7 queries"}, view.Progress)
	require.NotNil(t, view.ScanID)
	assert.Equal(t, scanID, *view.ScanID)

	rec = doRequest(t, h, http.MethodGet, "/api/queue/q-1", "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/queue/q-1/pause", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/api/queue/q-1/resume", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/api/queue/q-1/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/queue/q-1/cancel", "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidTransition, decodeError(t, rec).Error.Code)
}

func TestWorkerAuth(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		devBypass  bool
		header     string
		wantStatus int
	}{
		{name: "valid bearer", secret: "s3cret", header: "Bearer s3cret", wantStatus: http.StatusOK},
		{name: "wrong bearer", secret: "s3cret", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "missing header", secret: "s3cret", wantStatus: http.StatusUnauthorized},
		{name: "bypass ignored when secret set", secret: "s3cret", devBypass: true, wantStatus: http.StatusUnauthorized},
		{name: "dev bypass without secret", devBypass: true, wantStatus: http.StatusOK},
		{name: "no secret no bypass", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.WorkerSecret = tt.secret
			cfg.DevBypass = tt.devBypass
			s, _ := newTestServer(cfg, &mockQueueService{})

			req := httptest.NewRequest(http.MethodPost, "/api/worker", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleRunWorker(t *testing.T) {
	s, _ := newTestServer(testConfig(), &mockQueueService{})

	req := httptest.NewRequest(http.MethodPost, "/api/worker", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got queue.RunResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, queue.RunResult{Processed: 1, Remaining: 2, DurationMs: 1500}, got)
}

func TestHandleRunWorker_DetachedFromCaller(t *testing.T) {
	var runCtxErr error
	s := NewServer(testConfig(), &mockQueueService{}, &mockWorker{runFunc: func(ctx context.Context) (*queue.RunResult, error) {
		runCtxErr = ctx.Err()
		return &queue.RunResult{}, nil
	}}, &mockScheduler{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/worker", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, runCtxErr)
}

func TestHandleRunWorker_QueueUnavailable(t *testing.T) {
	s := NewServer(testConfig(), &mockQueueService{}, &mockWorker{runFunc: func(context.Context) (*queue.RunResult, error) {
		return nil, apperrors.NewServiceUnavailableError("queue", errors.New("connection refused"))
	}}, &mockScheduler{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/worker", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleRunSchedule(t *testing.T) {
	s, trigger := newTestServer(testConfig(), &mockQueueService{})

	req := httptest.NewRequest(http.MethodPost, "/api/worker/schedule", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got schedule.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, schedule.Result{Due: 3, Enqueued: 2, Skipped: 1}, got)
	assert.Equal(t, 1, trigger.fired)
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(testConfig(), &mockQueueService{})
	rec := doRequest(t, s.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(testConfig(), &mockQueueService{}, &mockWorker{}, &mockScheduler{}, nil,
		map[string]HealthChecker{"postgres": mockChecker{err: errors.New("down")}})
	rec = doRequest(t, down.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1
	cfg.Burst = 2
	qs := &mockQueueService{items: map[string]*models.QueueItem{
		"q-1": {ID: "q-1", UserID: "u1", Status: types.QueueStatusPending},
	}}
	s, _ := newTestServer(cfg, qs)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, doRequest(t, h, http.MethodGet, "/api/queue/q-1", "u1", nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(t, h, http.MethodGet, "/api/queue/q-1", "u1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(t, h, http.MethodGet, "/api/queue/q-1", "u1", nil).Code)

	// limits are per user
	assert.Equal(t, http.StatusNotFound, doRequest(t, h, http.MethodGet, "/api/queue/q-1", "u2", nil).Code)
}

func TestHandleLimits(t *testing.T) {
	s, _ := newTestServer(testConfig(), &mockQueueService{})

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/worker/limits", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := get()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())

	s.SetBreakers(func() map[string]circuitbreaker.Stats {
		return map[string]circuitbreaker.Stats{"gpt-4o": {Name: "gpt-4o", State: circuitbreaker.StateOpen, Failures: 5, TotalCalls: 5, ConsecutiveFails: 5, FailureRate: 1}}
	})
	rec = get()
	require.Equal(t, http.StatusOK, rec.Code)
	var withBreakers struct {
		Enabled  bool                            `json:"enabled"`
		Breakers map[string]circuitbreaker.Stats `json:"breakers"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&withBreakers))
	assert.False(t, withBreakers.Enabled)
	assert.Equal(t, circuitbreaker.StateOpen, withBreakers.Breakers["gpt-4o"].State)

	s.SetLimits(func(context.Context) (*ratelimit.UsageReport, error) {
		return &ratelimit.UsageReport{
			WindowSize: "1m0s",
			Providers:  []ratelimit.ProviderUsage{{Provider: types.ProviderOpenAI, Used: 3, Budget: 10, Utilization: 30}},
		}, nil
	})
	rec = get()
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Enabled bool                  `json:"enabled"`
		Report  ratelimit.UsageReport `json:"report"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.True(t, got.Enabled)
	require.Len(t, got.Report.Providers, 1)
	assert.Equal(t, int64(3), got.Report.Providers[0].Used)

	s.SetLimits(func(context.Context) (*ratelimit.UsageReport, error) {
		return nil, errors.New("redis down")
	})
	assert.Equal(t, http.StatusServiceUnavailable, get().Code)
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(testConfig(), &mockQueueService{})

	req := httptest.NewRequest(http.MethodGet, "/api/queue/missing", nil)
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "req-42", decodeError(t, rec).RequestID)

	rec = doRequest(t, s.Handler(), http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestRateLimiter_RetryAfterAndEviction(t *testing.T) {
	rl := NewRateLimiter(0.5, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.reserve("u1")
	require.True(t, ok)
	ok, wait := rl.reserve("u1")
	require.False(t, ok)
	assert.Equal(t, 2*time.Second, wait)

	h := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "first request of a new key passes")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	assert.Equal(t, 2, rl.size())
	now = now.Add(limiterIdleTTL + time.Minute)
	ok, _ = rl.reserve("u2")
	assert.True(t, ok)
	assert.Equal(t, 1, rl.size())
}

func TestParseJSONBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"projectId":"p1","priority":2}`, false},
		{"unknown field", `{"projectId":"p1","extra":true}`, true},
		{"trailing object", `{"projectId":"p1"}{"projectId":"p2"}`, true},
		{"not json", `projectId=p1`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewBufferString(tt.body))
			var got EnqueueRequest
			err := parseJSONBody(httptest.NewRecorder(), req, &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, EnqueueRequest{ProjectID: "p1", Priority: 2}, got)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := logging.NewLogger(logging.LevelFatal, logging.FormatJSON)
	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := doRequest(t, h, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decodeError(t, rec)
	assert.Equal(t, apperrors.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "An internal error occurred", resp.Error.Message)
}
