// Package provider defines the AI collaborators the engine consumes: probing a
// model, evaluating a response, and pricing a call.
package provider

import (
	"context"
	"fmt"

	"github.com/scan-orchestrator/internal/models"
)

// ProbeResponse is the content and token usage of one model call.
type ProbeResponse struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

// Evaluation is the result of scoring a response. Metrics is nil when the
// evaluator's output could not be parsed; tokens are still reported so the
// caller can decide whether to bill.
type Evaluation struct {
	Metrics      *models.Metrics
	InputTokens  int64
	OutputTokens int64
}

// ProbeClient calls an AI model with a prompt and optional history.
type ProbeClient interface {
	Call(ctx context.Context, modelID, prompt string, history []models.Message) (*ProbeResponse, error)
}

// EvaluationClient scores a model response for brand visibility.
type EvaluationClient interface {
	Evaluate(ctx context.Context, content string, brandNames []string, domain string) (*Evaluation, error)
	// Model is the model the evaluator bills against.
	Model() string
}

// PricingTable prices one call in whole cents.
type PricingTable interface {
	CostCents(modelID string, inputTokens, outputTokens int64) int64
}

// Error is a failed provider call.
type Error struct {
	ModelID    string
	StatusCode int
	Message    string
	// Retryable marks throttling and upstream 5xx failures.
	Retryable bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error for %s: http %d: %s", e.ModelID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error for %s: %s", e.ModelID, e.Message)
}
