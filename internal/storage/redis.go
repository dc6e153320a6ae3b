package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scan-orchestrator/internal/config"
)

// BudgetStore is the Redis connection shared by every worker for the
// provider call budget. Nothing durable lives there: losing it only resets
// the current window.
type BudgetStore struct {
	client *redis.Client
}

// budgetStoreOptions keeps timeouts short. A slow Redis must delay a probe
// by at most a few seconds before the tracker denies the call.
func budgetStoreOptions(cfg *config.RedisConfig) *redis.Options {
	poolSize := cfg.MaxConnections
	if poolSize <= 0 {
		poolSize = 10
	}
	return &redis.Options{
		Addr:            fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		ClientName:      "scan-orchestrator",
		PoolSize:        poolSize,
		MinIdleConns:    1,
		MaxRetries:      1,
		DialTimeout:     2 * time.Second,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		PoolTimeout:     2 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// NewBudgetStore connects to Redis and checks it answers
func NewBudgetStore(cfg *config.RedisConfig) (*BudgetStore, error) {
	client := redis.NewClient(budgetStoreOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	return &BudgetStore{client: client}, nil
}

// Close closes the Redis connection
func (s *BudgetStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (s *BudgetStore) Client() *redis.Client {
	return s.client
}

// Ping checks if Redis is reachable
func (s *BudgetStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
