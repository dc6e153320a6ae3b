package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scan-orchestrator/internal/types"
)

// Redis key prefixes for throttle tracking.
const (
	KeyPrefixThrottle = "scan:provider:throttle:count:"
	KeyPrefixWaitTime = "scan:provider:throttle:waitns:"

	throttleKeyTTL = 5 * time.Minute
)

// ProviderUsage is a snapshot of one provider's budget in the current window
type ProviderUsage struct {
	Provider      types.ProviderTag `json:"provider"`
	Used          int64             `json:"used"`
	Budget        int64             `json:"budget"`
	Utilization   float64           `json:"utilization"`
	ThrottleCount int64             `json:"throttleCount"`
	WaitTimeMs    int64             `json:"waitTimeMs"`
}

// UsageReport is what Usage returns across providers
type UsageReport struct {
	WindowStart time.Time       `json:"windowStart"`
	WindowSize  string          `json:"windowSize"`
	Providers   []ProviderUsage `json:"providers"`
	CollectedAt time.Time       `json:"collectedAt"`
}

func throttleKeys(provider types.ProviderTag, now time.Time) (string, string) {
	minute := now.Truncate(time.Minute).Unix()
	return fmt.Sprintf("%s%s:%d", KeyPrefixThrottle, provider, minute),
		fmt.Sprintf("%s%s:%d", KeyPrefixWaitTime, provider, minute)
}

// recordThrottle counts a denied call and the time spent waiting for it.
// Metrics are best-effort.
func (t *ProviderBudgetTracker) recordThrottle(ctx context.Context, provider types.ProviderTag, wait time.Duration) {
	countKey, waitKey := throttleKeys(provider, time.Now())

	pipe := t.redis.Pipeline()
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, throttleKeyTTL)
	pipe.IncrBy(ctx, waitKey, int64(wait))
	pipe.Expire(ctx, waitKey, throttleKeyTTL)
	_, _ = pipe.Exec(ctx)
}

// Usage reports the current window and the last minute of throttling for
// each provider, sorted by tag
func (t *ProviderBudgetTracker) Usage(ctx context.Context, providers []types.ProviderTag) (*UsageReport, error) {
	now := time.Now()
	start := t.windowStart(now)

	sorted := append([]types.ProviderTag(nil), providers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	keys := make([]string, 0, len(sorted)*3)
	for _, p := range sorted {
		countKey, waitKey := throttleKeys(p, now)
		keys = append(keys, t.key(p, start), countKey, waitKey)
	}

	var values []interface{}
	if len(keys) > 0 {
		var err error
		values, err = t.redis.MGet(ctx, keys...).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read provider usage: %w", err)
		}
	}

	report := &UsageReport{
		WindowStart: start,
		WindowSize:  t.windowSize.String(),
		Providers:   make([]ProviderUsage, 0, len(sorted)),
		CollectedAt: now,
	}
	for i, p := range sorted {
		u := ProviderUsage{
			Provider:      p,
			Used:          parseCounter(values, i*3),
			Budget:        t.Budget(p),
			ThrottleCount: parseCounter(values, i*3+1),
			WaitTimeMs:    time.Duration(parseCounter(values, i*3+2)).Milliseconds(),
		}
		if u.Budget > 0 {
			u.Utilization = float64(u.Used) * 100 / float64(u.Budget)
		}
		report.Providers = append(report.Providers, u)
	}
	return report, nil
}

func parseCounter(values []interface{}, i int) int64 {
	if i >= len(values) {
		return 0
	}
	s, ok := values[i].(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
