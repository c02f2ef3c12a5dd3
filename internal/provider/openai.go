package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// LangChainLLM adapts any langchaingo chat model to LLM. It serves the
// OpenAI-compatible second provider of an ensemble.
type LangChainLLM struct {
	llm       llms.Model
	model     string
	maxTokens int
}

// NewLangChainLLM wraps an existing langchaingo model.
func NewLangChainLLM(llm llms.Model, modelID string, maxTokens int) *LangChainLLM {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &LangChainLLM{llm: llm, model: modelID, maxTokens: maxTokens}
}

// NewOpenAILLM creates an OpenAI-compatible chat model. baseURL may be empty.
func NewOpenAILLM(apiKey, modelID, baseURL string, maxTokens int) (*LangChainLLM, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(modelID),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create client")
	}
	return NewLangChainLLM(llm, modelID, maxTokens), nil
}

// Model returns the model id.
func (l *LangChainLLM) Model() string { return l.model }

// Generate sends a system and a human message and returns the first choice.
func (l *LangChainLLM) Generate(ctx context.Context, req Request) (*Generation, error) {
	maxTokens := l.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	msgs := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeSystem, req.System))
	}
	msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt))

	resp, err := l.llm.GenerateContent(ctx, msgs,
		llms.WithTemperature(0),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "langchain: generate %s", l.model)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, eris.Errorf("langchain: %s returned no choices", l.model)
	}

	choice := resp.Choices[0]
	gen := &Generation{Text: choice.Content}
	gen.Usage.InputTokens = intInfo(choice.GenerationInfo, "PromptTokens")
	gen.Usage.OutputTokens = intInfo(choice.GenerationInfo, "CompletionTokens")

	zap.L().Debug("cost attribution",
		zap.String("model", l.model),
		zap.String("phase", req.Phase),
		zap.Int("input_tokens", gen.Usage.InputTokens),
		zap.Int("output_tokens", gen.Usage.OutputTokens),
	)
	return gen, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
