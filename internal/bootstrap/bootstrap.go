// Package bootstrap connects the stores and assembles the queue engine,
// worker and scheduler shared by the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/scan-orchestrator/internal/config"
	"github.com/scan-orchestrator/internal/executor"
	"github.com/scan-orchestrator/internal/ledger"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/provider"
	"github.com/scan-orchestrator/internal/queue"
	"github.com/scan-orchestrator/internal/ratelimit"
	"github.com/scan-orchestrator/internal/schedule"
	"github.com/scan-orchestrator/internal/storage"
	"github.com/scan-orchestrator/internal/types"
)

// App holds the wired components of one process
type App struct {
	Postgres   *storage.PostgresDB
	Redis      *storage.BudgetStore  // nil when REDIS_HOST is unset
	ClickHouse *storage.ClickHouseDB // nil when CLICKHOUSE_HOST is unset

	Engine    *queue.Engine
	Executor  *executor.Executor
	Worker    *queue.Worker
	Scheduler *schedule.Service
	Chainer   *queue.Chainer                   // nil when chaining is disabled
	Budget    *ratelimit.ProviderBudgetTracker // nil without Redis

	providers []types.ProviderTag
}

// Options adjusts how Build wires the worker
type Options struct {
	// DisableChain leaves the worker without a continuation trigger.
	DisableChain bool
}

// Build connects every configured store and wires the services. Close
// releases the connections.
func Build(cfg *config.Config, opts Options) (*App, error) {
	logger := logging.GetGlobalLogger().WithComponent("bootstrap")
	app := &App{}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	app.Postgres = postgres

	if cfg.Database.Redis.Host != "" {
		redis, err := storage.NewBudgetStore(&cfg.Database.Redis)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		app.Redis = redis
	} else {
		logger.Warn("REDIS_HOST not set - provider call budget is per process only")
	}

	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		app.ClickHouse = clickhouse
	}

	catalog, err := config.LoadModelCatalog(cfg.Models.Path)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}
	pricing := provider.NewStaticPricing(catalog)
	app.providers = catalogProviders(catalog)

	gatewayCfg := provider.GatewayConfig{
		Catalog:         catalog,
		Endpoints:       make(map[types.ProviderTag]provider.Endpoint, len(cfg.Gateway.Endpoints)),
		Timeout:         cfg.Gateway.Timeout,
		EvaluationModel: cfg.Ledger.EvaluationModel,
	}
	for tag, ep := range cfg.Gateway.Endpoints {
		gatewayCfg.Endpoints[types.ProviderTag(tag)] = provider.Endpoint{BaseURL: ep.BaseURL, APIKey: ep.APIKey}
	}
	if app.Redis != nil {
		tracker, err := ratelimit.NewProviderBudgetTracker(&ratelimit.ProviderBudgetConfig{
			Redis:          app.Redis.Client(),
			CallsPerWindow: cfg.ProviderLimits.CallsPerWindow,
			WindowSize:     cfg.ProviderLimits.Window,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to create provider budget tracker. Continuing without shared limits.")
		} else {
			gatewayCfg.Limiter = tracker
			app.Budget = tracker
		}
	}
	gateway, err := provider.NewGatewayClient(gatewayCfg)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create provider gateway: %w", err)
	}

	// Repositories
	queueRepo := storage.NewQueueRepository(postgres)
	if cfg.Queue.OptimisticClaims {
		queueRepo = storage.NewOptimisticQueueRepository(postgres)
	}
	scanRepo := storage.NewScanRepository(postgres)
	projectRepo := storage.NewProjectRepository(postgres)
	creditRepo := storage.NewCreditRepository(postgres)

	credits := ledger.NewService(creditRepo, pricing, ledger.Config{
		BufferMultiplier:     cfg.Ledger.BufferMultiplier,
		ExpectedInputTokens:  cfg.Ledger.ExpectedInputTokens,
		ExpectedOutputTokens: cfg.Ledger.ExpectedOutputTokens,
		EvaluationModel:      cfg.Ledger.EvaluationModel,
		EvalInputTokens:      cfg.Ledger.EvalInputTokens,
		EvalOutputTokens:     cfg.Ledger.EvalOutputTokens,
	})

	execCfg := executor.DefaultConfig()
	execCfg.MaxQueriesPerChunk = cfg.Chunk.MaxQueriesPerChunk
	execCfg.PerOperationSeconds = cfg.Chunk.PerOperationSeconds
	execCfg.BudgetSeconds = cfg.Worker.Budget.Seconds()
	execCfg.Concurrency = cfg.Chunk.Concurrency
	execCfg.FollowUpPrompts = cfg.Chunk.FollowUpPrompts

	var execOpts []executor.Option
	if app.ClickHouse != nil {
		execOpts = append(execOpts, executor.WithArchive(storage.NewResultArchive(app.ClickHouse)))
	}
	app.Executor = executor.New(gateway, gateway, pricing, scanRepo, execCfg, execOpts...)

	app.Engine = queue.NewEngine(queue.Deps{
		Queue:  queueRepo,
		Scans:  scanRepo,
		Plans:  projectRepo,
		Ledger: credits,
	}, queue.Config{
		Ceilings: storage.StuckCeilings{
			Hard:         cfg.Queue.HardCeiling,
			ZeroProgress: cfg.Queue.ZeroProgressCeiling,
			Stall:        cfg.Queue.StallCeiling,
		},
		MaxClaimAttempts: cfg.Queue.MaxClaimAttempts,
	})

	var trigger queue.Trigger
	if !opts.DisableChain && !cfg.Worker.ChainDisabled {
		app.Chainer = queue.NewChainer(cfg.Worker.SelfURL, cfg.Worker.Secret, cfg.Worker.ChainTimeout)
		trigger = app.Chainer
	}
	app.Worker = queue.NewWorker(app.Engine, app.Executor, trigger, cfg.Worker.Budget)
	app.Scheduler = schedule.NewService(projectRepo, creditRepo, app.Engine)

	return app, nil
}

// ProviderUsage reports the shared call budget of every provider in the
// model catalog
func (a *App) ProviderUsage(ctx context.Context) (*ratelimit.UsageReport, error) {
	if a.Budget == nil {
		return nil, fmt.Errorf("provider budget tracking is disabled")
	}
	return a.Budget.Usage(ctx, a.providers)
}

func catalogProviders(catalog *config.ModelCatalog) []types.ProviderTag {
	seen := make(map[types.ProviderTag]bool)
	var tags []types.ProviderTag
	for _, id := range catalog.IDs() {
		tag, ok := catalog.Provider(id)
		if !ok || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// Close releases every open connection
func (a *App) Close() {
	logger := logging.GetGlobalLogger().WithComponent("bootstrap")
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
