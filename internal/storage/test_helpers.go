package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/scan-orchestrator/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("TEST_POSTGRES_HOST", "localhost"),
		Port:           envOr("TEST_POSTGRES_PORT", "5432"),
		Database:       envOr("TEST_POSTGRES_DB", "scan_orchestrator_test"),
		User:           envOr("TEST_POSTGRES_USER", "scanner"),
		Password:       envOr("TEST_POSTGRES_PASSWORD", "scanner_dev_password"),
		MaxConnections: 10,
	}
}

// testPostgres connects to the integration database, migrates it and
// truncates every table. The test is skipped when Postgres is unavailable.
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := NewMigrator(DatabaseURL(cfg), "../../migrations/postgres").Up(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), `
		TRUNCATE credit_transactions, credit_reservations, scan_results, scans,
			queue_items, queries, projects, accounts
	`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func seedAccount(t *testing.T, db *PostgresDB, id, tier string, balance int64) {
	t.Helper()
	_, err := db.Pool().Exec(testContext(t),
		`INSERT INTO accounts (id, tier, balance_cents) VALUES ($1, $2, $3)`, id, tier, balance)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
