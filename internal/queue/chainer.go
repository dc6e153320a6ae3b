package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scan-orchestrator/internal/logging"
)

// Worker routes served by the API
const (
	WorkerPath   = "/api/worker"
	SchedulePath = "/api/worker/schedule"
)

// Chainer triggers the next worker with a fire-and-forget HTTP call carrying
// the worker secret
type Chainer struct {
	client  *http.Client
	baseURL string
	secret  string
	timeout time.Duration
	logger  *logging.Logger
}

// NewChainer creates a chainer that posts to baseURL + WorkerPath
func NewChainer(baseURL, secret string, timeout time.Duration) *Chainer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Chainer{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		secret:  secret,
		timeout: timeout,
		logger:  logging.GetGlobalLogger().WithComponent("chainer"),
	}
}

// Trigger fires the next worker in the background. The call outlives ctx so
// the current request can return; failures are only logged, the external
// timer picks up what the chain drops.
func (c *Chainer) Trigger(ctx context.Context) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	go func() {
		defer cancel()
		if err := c.fire(detached); err != nil {
			c.logger.WithError(err).Warn("Failed to chain next worker")
		}
	}()
}

func (c *Chainer) fire(ctx context.Context) error {
	return c.Post(ctx, WorkerPath)
}

// Post calls a worker route synchronously and reports a non-2xx answer as
// an error
func (c *Chainer) Post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build worker trigger: %w", err)
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker trigger %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker trigger %s returned status %d", path, resp.StatusCode)
	}
	c.logger.WithField("path", path).Debug("Worker route called")
	return nil
}
