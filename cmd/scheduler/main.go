// Package main provides the backstop timer. On a cron schedule it asks the
// API to enqueue due scheduled scans and to start a worker, so the queue
// keeps moving when a worker chain breaks.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scan-orchestrator/internal/config"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/queue"
)

func main() {
	fmt.Println("Scan Orchestrator Scheduler")
	log.Println("Scheduler starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("scheduler")

	if cfg.Worker.Secret == "" {
		logger.Warn("WORKER_SECRET not set - requests succeed only against a dev bypass server")
	}

	client := queue.NewChainer(cfg.Worker.SelfURL, cfg.Worker.Secret, cfg.Worker.Budget+time.Minute)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	jobs := []struct {
		name string
		spec string
		path string
	}{
		{"enqueue", cfg.Scheduler.EnqueueSpec, queue.SchedulePath},
		{"worker", cfg.Scheduler.WorkerSpec, queue.WorkerPath},
	}
	for _, j := range jobs {
		if j.spec == "" || j.spec == "off" {
			logger.WithField("job", j.name).Info("Job disabled")
			continue
		}
		if _, err := c.AddFunc(j.spec, tick(client, j.path, logger.WithField("job", j.name))); err != nil {
			logger.WithError(err).WithField("spec", j.spec).Fatalf("Invalid cron spec for %s", j.name)
		}
		logger.WithFields(map[string]interface{}{
			"job":  j.name,
			"spec": j.spec,
			"url":  cfg.Worker.SelfURL + j.path,
		}).Info("Job scheduled")
	}

	c.Start()

	// Set up graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, waiting for running jobs...")

	<-c.Stop().Done()
	logger.Info("Scheduler stopped. Goodbye!")
}

func tick(client *queue.Chainer, path string, logger *logging.Logger) func() {
	return func() {
		start := time.Now()
		if err := client.Post(context.Background(), path); err != nil {
			logger.WithError(err).Error("Backstop call failed")
			return
		}
		logger.WithField("durationMs", time.Since(start).Milliseconds()).Debug("Backstop call finished")
	}
}
