// Package main provides the API server entry point for the scan orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scan-orchestrator/internal/api"
	"github.com/scan-orchestrator/internal/bootstrap"
	"github.com/scan-orchestrator/internal/config"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/queue"
)

func main() {
	fmt.Println("Scan Orchestrator API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	logger.Info("Connecting to databases...")
	app, err := bootstrap.Build(cfg, bootstrap.Options{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer app.Close()

	if cfg.Worker.Secret == "" && !cfg.Worker.DevBypass {
		logger.Warn("WORKER_SECRET not set - worker endpoints will reject every request")
	}

	health := map[string]api.HealthChecker{"postgres": app.Postgres}
	if app.Redis != nil {
		health["redis"] = app.Redis
	}
	if app.ClickHouse != nil {
		health["clickhouse"] = app.ClickHouse
	}

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Worker.Budget + time.Minute,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		WorkerSecret:      cfg.Worker.Secret,
		DevBypass:         cfg.Worker.DevBypass,
		WorkerTimeout:     cfg.Worker.Budget + 30*time.Second,
	}

	var trigger queue.Trigger
	if app.Chainer != nil {
		trigger = app.Chainer
	}
	server := api.NewServer(serverConfig, app.Engine, app.Worker, app.Scheduler, trigger, health)
	server.SetBreakers(app.Executor.BreakerStats)
	if app.Budget != nil {
		server.SetLimits(app.ProviderUsage)
	}

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"chained": app.Chainer != nil,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
