// Package main provides a standalone worker that drains the scan queue
// without going through the HTTP chain. It runs invocations back to back
// until the queue is empty, or forever with -follow.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scan-orchestrator/internal/bootstrap"
	"github.com/scan-orchestrator/internal/config"
	"github.com/scan-orchestrator/internal/logging"
)

func main() {
	var (
		follow       = flag.Bool("follow", false, "Keep polling after the queue is empty")
		pollInterval = flag.Duration("poll", 15*time.Second, "Poll interval when following an empty queue")
		schedule     = flag.Bool("schedule", false, "Enqueue due scheduled scans before each drain")
	)
	flag.Parse()

	fmt.Println("Scan Orchestrator Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("worker")

	// Invocations run in-process, so the HTTP chain stays off.
	app, err := bootstrap.Build(cfg, bootstrap.Options{DisableChain: true})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	for {
		if *schedule {
			res, err := app.Scheduler.EnqueueDue(ctx)
			if err != nil {
				logger.WithError(err).Error("Schedule pass failed")
			} else if res.Enqueued > 0 {
				logger.WithField("enqueued", res.Enqueued).Info("Scheduled scans enqueued")
			}
		}

		if err := drain(ctx, app, logger); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Worker invocation failed")
		}

		if !*follow {
			break
		}

		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, worker stopped")
			return
		case <-ticker.C:
		}
	}

	logger.Info("Queue drained. Goodbye!")
}

// drain runs worker invocations until one finds nothing to do
func drain(ctx context.Context, app *bootstrap.App, logger *logging.Logger) error {
	for ctx.Err() == nil {
		result, err := app.Worker.Run(ctx)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"processed":  result.Processed,
			"remaining":  result.Remaining,
			"durationMs": result.DurationMs,
		}).Info("Worker invocation finished")

		if result.Processed == 0 || result.Remaining == 0 {
			return nil
		}
	}
	return ctx.Err()
}
