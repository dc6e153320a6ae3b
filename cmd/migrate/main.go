// Package main provides a CLI tool for running database migrations.
//
// Postgres holds the queue, scans, results and the credit ledger and is
// required. ClickHouse only holds the optional result archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scan-orchestrator/internal/config"
	"github.com/scan-orchestrator/internal/storage"
)

type action func(cfg *config.Config, dir string) error

func main() {
	var (
		name    = flag.String("action", "up", "Migration action: "+strings.Join(actionNames(), ", "))
		dir     = flag.String("dir", "migrations", "Root directory holding postgres/ and clickhouse/")
		version = flag.Int("version", -1, "Target version for -action force")
	)
	flag.Parse()

	forceVersion = *version

	run, ok := actions[*name]
	if !ok {
		log.Fatalf("Unknown action %q, expected one of %s", *name, strings.Join(actionNames(), ", "))
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg, *dir); err != nil {
		log.Fatalf("Migration %s failed: %v", *name, err)
	}
}

var forceVersion int

var actions = map[string]action{
	"up": func(cfg *config.Config, dir string) error {
		log.Println("Running Postgres migrations...")
		if err := postgresMigrator(cfg, dir).Up(); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")
		return nil
	},
	"down": func(cfg *config.Config, dir string) error {
		log.Println("Rolling back the last Postgres migration...")
		if err := postgresMigrator(cfg, dir).Down(); err != nil {
			return err
		}
		log.Println("Postgres migration rolled back successfully")
		return nil
	},
	"version": func(cfg *config.Config, dir string) error {
		version, dirty, err := postgresMigrator(cfg, dir).Version()
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)
		return nil
	},
	"force": func(cfg *config.Config, dir string) error {
		if forceVersion < 0 {
			return fmt.Errorf("-version is required with -action force")
		}
		if err := postgresMigrator(cfg, dir).Force(forceVersion); err != nil {
			return err
		}
		log.Printf("Postgres migration version forced to %d", forceVersion)
		return nil
	},
	"archive": runArchiveMigrations,
}

func actionNames() []string {
	names := make([]string, 0, len(actions))
	for n := range actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func postgresMigrator(cfg *config.Config, dir string) *storage.Migrator {
	return storage.NewMigrator(storage.DatabaseURL(&cfg.Database.Postgres), filepath.Join(dir, "postgres"))
}

func runArchiveMigrations(cfg *config.Config, dir string) error {
	if cfg.Database.ClickHouse.Host == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is not set, the result archive is disabled")
	}

	migrationsPath := filepath.Join(dir, "clickhouse")
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	log.Println("Connecting to ClickHouse...")
	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing ClickHouse connection: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("Running ClickHouse migrations...")
	if err := storage.RunClickHouseMigrations(ctx, db, migrationsPath); err != nil {
		return err
	}
	log.Println("ClickHouse migrations completed successfully")
	return nil
}
