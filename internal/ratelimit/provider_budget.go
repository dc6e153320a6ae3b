// Package ratelimit coordinates AI provider call budgets across workers using Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/types"
)

// Default budget configuration values.
const (
	DefaultCallsPerWindow = 600
	DefaultWindowSize     = time.Minute
	DefaultMaxWait        = 30 * time.Second
)

// KeyPrefixProvider prefixes the per-provider window counters.
const KeyPrefixProvider = "scan:provider:calls:"

// ErrMaxWaitExceeded is returned when the maximum wait time for budget is exceeded.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for provider budget")

// consumeScript atomically checks and increments one provider window counter.
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local calls = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local used = tonumber(redis.call('GET', key) or '0')
	if used + calls > budget then
		return {0, used}
	end

	redis.call('INCRBY', key, calls)
	redis.call('EXPIRE', key, ttl)
	return {1, used + calls}
`)

// ProviderBudgetTracker limits how many provider calls all workers together
// make per window, per provider tag. Workers share nothing but Redis.
type ProviderBudgetTracker struct {
	redis      redis.Cmdable
	budgets    map[types.ProviderTag]int64
	defaultCap int64
	windowSize time.Duration
	maxWait    time.Duration
}

// ProviderBudgetConfig holds configuration for the tracker.
type ProviderBudgetConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// CallsPerWindow applies to every provider without an override.
	CallsPerWindow int64

	// Overrides sets a different budget for specific providers.
	Overrides map[types.ProviderTag]int64

	WindowSize time.Duration
	MaxWait    time.Duration
}

// Validate checks if the configuration is valid.
func (c *ProviderBudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.CallsPerWindow < 0 {
		return errors.New("calls per window cannot be negative")
	}
	for p, v := range c.Overrides {
		if v <= 0 {
			return fmt.Errorf("override for %s must be positive", p)
		}
	}
	return nil
}

// NewProviderBudgetTracker creates a tracker with the given configuration.
func NewProviderBudgetTracker(cfg *ProviderBudgetConfig) (*ProviderBudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	t := &ProviderBudgetTracker{
		redis:      cfg.Redis,
		budgets:    make(map[types.ProviderTag]int64, len(cfg.Overrides)),
		defaultCap: cfg.CallsPerWindow,
		windowSize: cfg.WindowSize,
		maxWait:    cfg.MaxWait,
	}
	if t.defaultCap == 0 {
		t.defaultCap = DefaultCallsPerWindow
	}
	if t.windowSize == 0 {
		t.windowSize = DefaultWindowSize
	}
	if t.maxWait == 0 {
		t.maxWait = DefaultMaxWait
	}
	for p, v := range cfg.Overrides {
		t.budgets[p] = v
	}
	return t, nil
}

// Budget returns the per-window budget of a provider.
func (t *ProviderBudgetTracker) Budget(provider types.ProviderTag) int64 {
	if b, ok := t.budgets[provider]; ok {
		return b
	}
	return t.defaultCap
}

func (t *ProviderBudgetTracker) windowStart(now time.Time) time.Time {
	return now.Truncate(t.windowSize)
}

func (t *ProviderBudgetTracker) key(provider types.ProviderTag, windowStart time.Time) string {
	return KeyPrefixProvider + string(provider) + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// TryConsume attempts to take calls from the provider's current window.
// It returns whether the calls were allowed and, when denied, how long
// until the next window opens.
func (t *ProviderBudgetTracker) TryConsume(ctx context.Context, provider types.ProviderTag, calls int64) (bool, time.Duration) {
	if calls <= 0 {
		return true, 0
	}

	start := t.windowStart(time.Now())
	ttlSeconds := int(t.windowSize.Seconds()) * 2
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{t.key(provider, start)},
		calls, t.Budget(provider), ttlSeconds).Int64Slice()
	if err != nil {
		// Deny on Redis failure; the caller waits for the next window.
		return false, t.untilNextWindow(start)
	}

	if result[0] != 1 {
		return false, t.untilNextWindow(start)
	}
	return true, 0
}

func (t *ProviderBudgetTracker) untilNextWindow(start time.Time) time.Duration {
	wait := time.Until(start.Add(t.windowSize))
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Wait blocks until one call is available for provider, ctx is done, or the
// configured maximum wait would be exceeded.
func (t *ProviderBudgetTracker) Wait(ctx context.Context, provider types.ProviderTag) error {
	logger := logging.FromContext(ctx).WithField("provider", provider)
	deadline := time.Now().Add(t.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := t.TryConsume(ctx, provider, 1)
		if allowed {
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			logger.Warn("provider budget exhausted past max wait")
			return ErrMaxWaitExceeded
		}

		logger.Debugf("waiting %v for provider budget", wait)
		t.recordThrottle(ctx, provider, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Used returns the calls consumed from provider's current window.
func (t *ProviderBudgetTracker) Used(ctx context.Context, provider types.ProviderTag) (int64, error) {
	v, err := t.redis.Get(ctx, t.key(provider, t.windowStart(time.Now()))).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}
