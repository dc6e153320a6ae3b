package storage

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/scan-orchestrator/internal/config"
)

func TestNewPostgresDB(t *testing.T) {
	db := testPostgres(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &config.PostgresConfig{
		Host:     "db",
		Port:     "5433",
		Database: "scans",
		User:     "svc",
		Password: "p@ss/word",
	}

	assert.Equal(t, "postgres://svc:p%40ss%2Fword@db:5433/scans?sslmode=disable", DatabaseURL(cfg))
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "uq_queue_items_active"}

	assert.True(t, isUniqueViolation(dup, "uq_queue_items_active"))
	assert.True(t, isUniqueViolation(dup, ""))
	assert.False(t, isUniqueViolation(dup, "other"))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, isUniqueViolation(errors.New("boom"), ""))
}
