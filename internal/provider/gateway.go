package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scan-orchestrator/internal/config"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

// Limiter gates calls per provider across workers.
type Limiter interface {
	Wait(ctx context.Context, provider types.ProviderTag) error
}

// Endpoint is an OpenAI-compatible chat completions base URL.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// GatewayClient implements ProbeClient and EvaluationClient against one
// OpenAI-compatible endpoint per provider tag. The model catalog decides
// which endpoint serves a model.
type GatewayClient struct {
	catalog         *config.ModelCatalog
	endpoints       map[types.ProviderTag]Endpoint
	http            *http.Client
	limiter         Limiter
	evaluationModel string
}

// GatewayConfig holds configuration for the gateway client.
type GatewayConfig struct {
	Catalog         *config.ModelCatalog
	Endpoints       map[types.ProviderTag]Endpoint
	Timeout         time.Duration
	Limiter         Limiter // optional
	EvaluationModel string
	HTTPClient      *http.Client // optional, overrides Timeout
}

// NewGatewayClient creates a gateway client.
func NewGatewayClient(cfg GatewayConfig) (*GatewayClient, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("model catalog is required")
	}
	if cfg.EvaluationModel == "" {
		return nil, fmt.Errorf("evaluation model is required")
	}
	if _, ok := cfg.Catalog.Lookup(cfg.EvaluationModel); !ok {
		return nil, fmt.Errorf("evaluation model %s is not in the catalog", cfg.EvaluationModel)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &GatewayClient{
		catalog:         cfg.Catalog,
		endpoints:       cfg.Endpoints,
		http:            client,
		limiter:         cfg.Limiter,
		evaluationModel: cfg.EvaluationModel,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call implements ProbeClient.
func (g *GatewayClient) Call(ctx context.Context, modelID, prompt string, history []models.Message) (*ProbeResponse, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	return g.complete(ctx, modelID, messages, nil)
}

// Model implements EvaluationClient.
func (g *GatewayClient) Model() string {
	return g.evaluationModel
}

// Evaluate implements EvaluationClient. A response that is not the
// requested JSON yields an Evaluation with nil Metrics and no error.
func (g *GatewayClient) Evaluate(ctx context.Context, content string, brandNames []string, domain string) (*Evaluation, error) {
	zero := 0.0
	messages := []chatMessage{
		{Role: "system", Content: evaluationSystemPrompt},
		{Role: "user", Content: buildEvaluationPrompt(content, brandNames, domain)},
	}

	resp, err := g.complete(ctx, g.evaluationModel, messages, &zero)
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	metrics, perr := ParseMetrics(resp.Content)
	if perr != nil {
		logging.FromContext(ctx).WithError(perr).Debug("evaluation output not parseable")
		return eval, nil
	}
	eval.Metrics = metrics
	return eval, nil
}

func (g *GatewayClient) complete(ctx context.Context, modelID string, messages []chatMessage, temperature *float64) (*ProbeResponse, error) {
	spec, ok := g.catalog.Lookup(modelID)
	if !ok {
		return nil, &Error{ModelID: modelID, Message: "model is not in the catalog"}
	}
	endpoint, ok := g.endpoints[spec.Provider]
	if !ok {
		return nil, &Error{ModelID: modelID, Message: fmt.Sprintf("no gateway configured for provider %s", spec.Provider)}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, spec.Provider); err != nil {
			return nil, &Error{ModelID: modelID, Message: "provider budget: " + err.Error(), Retryable: true}
		}
	}

	upstream := spec.UpstreamName
	if upstream == "" {
		upstream = spec.ID
	}
	body, err := json.Marshal(chatRequest{Model: upstream, Messages: messages, Temperature: temperature})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, &Error{ModelID: modelID, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{ModelID: modelID, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			ModelID:    modelID,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(raw), 200),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{ModelID: modelID, StatusCode: resp.StatusCode, Message: "malformed response body"}
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return nil, &Error{ModelID: modelID, StatusCode: resp.StatusCode, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{ModelID: modelID, StatusCode: resp.StatusCode, Message: "response has no choices"}
	}

	return &ProbeResponse{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var (
	_ ProbeClient      = (*GatewayClient)(nil)
	_ EvaluationClient = (*GatewayClient)(nil)
)
