package provider

import (
	"context"

	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/resilience"
	"github.com/sells-group/fieldfill/pkg/anthropic"
)

// LLM is a single text-in, text-out model call.
type LLM interface {
	Generate(ctx context.Context, req Request) (*Generation, error)
	Model() string
}

// Request is one model call.
type Request struct {
	System    string
	Prompt    string
	Phase     string // cost attribution label, e.g. "extract_batch"
	MaxTokens int
}

// Generation is the model's raw reply.
type Generation struct {
	Text  string
	Usage model.TokenUsage
}

const defaultMaxTokens = 2048

// AnthropicLLM adapts an anthropic.Client to LLM.
type AnthropicLLM struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	cacheTTL  string
}

// NewAnthropicLLM creates an LLM backed by the Anthropic Messages API.
func NewAnthropicLLM(client anthropic.Client, modelID string, maxTokens int) *AnthropicLLM {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicLLM{client: client, model: modelID, maxTokens: int64(maxTokens), cacheTTL: "5m"}
}

// Model returns the Anthropic model id.
func (a *AnthropicLLM) Model() string { return a.model }

// Generate sends the request with the system text as a cached prefix.
// Transient API statuses are marked retryable.
func (a *AnthropicLLM) Generate(ctx context.Context, req Request) (*Generation, error) {
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	temp := 0.0

	mreq := anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	}
	if req.System != "" {
		mreq.System = anthropic.BuildCachedSystemBlocks(req.System, a.cacheTTL)
	}

	resp, err := a.client.CreateMessage(ctx, mreq)
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, err
	}

	resp.Usage.LogCost(a.model, req.Phase)
	return &Generation{
		Text: resp.Text(),
		Usage: model.TokenUsage{
			InputTokens:         int(resp.Usage.InputTokens),
			OutputTokens:        int(resp.Usage.OutputTokens),
			CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
			Cost:                resp.Usage.EstimateCost(a.model),
		},
	}, nil
}
