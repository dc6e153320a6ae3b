package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scan-orchestrator/internal/logging"
)

const archiveMigrationsTable = `
	CREATE TABLE IF NOT EXISTS archive_migrations (
		name String,
		applied_at DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree ORDER BY name`

// RunClickHouseMigrations applies the .sql files of migrationsPath in name
// order, skipping files already recorded in archive_migrations. A file that
// fails halfway is retried in full on the next run, so its statements must be
// idempotent (CREATE ... IF NOT EXISTS).
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, migrationsPath string) error {
	logger := logging.GetGlobalLogger().WithComponent("clickhouse-migrate")

	pending, err := migrationFiles(migrationsPath)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Info("No ClickHouse migration files found")
		return nil
	}

	if err := db.Exec(ctx, archiveMigrationsTable); err != nil {
		return fmt.Errorf("failed to create archive_migrations: %w", err)
	}
	applied, err := db.QueryStrings(ctx, "SELECT DISTINCT name FROM archive_migrations")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	for _, filename := range pending {
		fileLogger := logger.WithField("file", filename)
		if done[filename] {
			fileLogger.Debug("Migration already applied")
			continue
		}

		content, err := os.ReadFile(filepath.Join(migrationsPath, filename)) // #nosec G304 - name comes from a directory listing
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			fileLogger.Debugf("executing statement %d: %s", i+1, truncate(stmt, 80))
			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, filename, err)
			}
		}

		if err := db.Exec(ctx, "INSERT INTO archive_migrations (name) VALUES (?)", filename); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", filename, err)
		}
		fileLogger.Info("Applied ClickHouse migration")
	}

	return nil
}

// migrationFiles lists the .sql files of dir in name order
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitSQLStatements splits a migration file on statement-ending semicolons.
// Comment lines are dropped.
func splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
