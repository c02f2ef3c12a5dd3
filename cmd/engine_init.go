package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fieldfill/internal/config"
	"github.com/sells-group/fieldfill/internal/pipeline"
	"github.com/sells-group/fieldfill/internal/provider"
	"github.com/sells-group/fieldfill/internal/resilience"
	"github.com/sells-group/fieldfill/internal/retrieval"
	"github.com/sells-group/fieldfill/internal/store"
	anthropicpkg "github.com/sells-group/fieldfill/pkg/anthropic"
)

// engineEnv holds the engine and the resources it was built from.
type engineEnv struct {
	Engine    *pipeline.Engine
	Retriever *retrieval.Retriever // nil when retrieval is disabled
	index     retrieval.Index
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.index != nil {
		if err := e.index.Close(); err != nil {
			zap.L().Warn("close exemplar index", zap.Error(err))
		}
	}
}

// extractionPolicy is the retry policy shared by every provider call.
func extractionPolicy(c *config.Config) resilience.Policy {
	x := c.Extraction
	return resilience.FromSettings(x.Retries, x.RetryBaseMs, x.RetryMaxMs, x.TimeoutSecs)
}

// engineConfig maps configuration onto the engine.
func engineConfig(c *config.Config) pipeline.EngineConfig {
	x := c.Extraction
	return pipeline.EngineConfig{
		Granularity:            pipeline.Granularity(x.Granularity),
		Reconciliation:         pipeline.Reconciliation(x.Reconciliation),
		MaxConcurrency:         x.MaxConcurrency,
		FewShotK:               x.FewShotK,
		Aliases:                x.Aliases,
		MinCandidateConfidence: x.MinCandidateConfidence,
	}
}

// initProviders builds one provider per configured name, in order, plus the
// verifier when a dedicated verifier model is configured.
func initProviders(c *config.Config) ([]pipeline.Provider, pipeline.Provider, error) {
	pcfg := provider.Config{
		Policy:    extractionPolicy(c),
		RateLimit: c.Extraction.RateLimitRPS,
		Burst:     c.Extraction.RateLimitBurst,
	}

	var anthropicClient anthropicpkg.Client
	providers := make([]pipeline.Provider, 0, len(c.Extraction.Providers))
	for _, name := range c.Extraction.Providers {
		pcfg.Name = name
		switch name {
		case "anthropic":
			if anthropicClient == nil {
				anthropicClient = anthropicpkg.NewClient(c.Anthropic.Key)
			}
			llm := provider.NewAnthropicLLM(anthropicClient, c.Anthropic.Model, c.Anthropic.MaxTokens)
			providers = append(providers, provider.New(llm, pcfg))
		case "openai":
			llm, err := provider.NewOpenAILLM(c.OpenAI.Key, c.OpenAI.Model, c.OpenAI.BaseURL, c.Anthropic.MaxTokens)
			if err != nil {
				return nil, nil, err
			}
			providers = append(providers, provider.New(llm, pcfg))
		default:
			return nil, nil, eris.Errorf("unknown provider %q", name)
		}
	}

	var verifier pipeline.Provider
	if anthropicClient != nil && c.Anthropic.VerifierModel != "" && c.Anthropic.VerifierModel != c.Anthropic.Model {
		pcfg.Name = "verifier"
		llm := provider.NewAnthropicLLM(anthropicClient, c.Anthropic.VerifierModel, c.Anthropic.MaxTokens)
		verifier = provider.New(llm, pcfg)
	}
	return providers, verifier, nil
}

// initIndex opens the configured exemplar index, or returns nil when
// retrieval is disabled.
func initIndex(c *config.Config) (retrieval.Index, error) {
	r := c.Retrieval
	switch r.Backend {
	case "", "none":
		return nil, nil
	case "qdrant":
		return retrieval.NewQdrantIndex(retrieval.QdrantConfig{
			Host:       r.Qdrant.Host,
			Port:       r.Qdrant.Port,
			UseTLS:     r.Qdrant.UseTLS,
			APIKey:     r.Qdrant.APIKey,
			Collection: r.Collection,
		})
	case "chromem":
		return retrieval.NewChromemIndex(r.Chromem.Path, r.Chromem.Compress, r.Collection)
	default:
		return nil, eris.Errorf("unknown retrieval backend %q", r.Backend)
	}
}

// initRetriever wires the embedder, its cache and the index.
func initRetriever(c *config.Config) (*retrieval.Retriever, retrieval.Index, error) {
	index, err := initIndex(c)
	if err != nil || index == nil {
		return nil, nil, err
	}
	embedder, err := retrieval.NewOpenAIEmbedder(c.OpenAI.Key, c.OpenAI.EmbeddingModel, c.OpenAI.BaseURL)
	if err != nil {
		_ = index.Close()
		return nil, nil, err
	}
	ttl := time.Duration(c.Retrieval.CacheTTLMins) * time.Minute
	r := retrieval.NewRetriever(retrieval.NewCachedEmbedder(embedder, ttl), index, retrieval.Config{
		Policy:          extractionPolicy(c),
		MaxExampleChars: c.Retrieval.MaxExampleChars,
	})
	return r, index, nil
}

// initEngine validates configuration and builds the engine. Callers should
// defer env.Close().
func initEngine() (*engineEnv, error) {
	if err := cfg.Validate("fill"); err != nil {
		return nil, err
	}

	providers, verifier, err := initProviders(cfg)
	if err != nil {
		return nil, err
	}
	retriever, index, err := initRetriever(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "init retrieval")
	}

	// A nil *Retriever must not become a non-nil interface.
	var exemplars pipeline.ExemplarRetriever
	if retriever != nil {
		exemplars = retriever
	}

	eng, err := pipeline.NewEngine(engineConfig(cfg), providers, verifier, nil, exemplars)
	if err != nil {
		if index != nil {
			_ = index.Close()
		}
		return nil, err
	}
	zap.L().Debug("engine ready",
		zap.String("model", eng.ModelIdentifier()),
		zap.String("retrieval", cfg.Retrieval.Backend),
	)
	return &engineEnv{Engine: eng, Retriever: retriever, index: index}, nil
}

// initStore opens and migrates the configured run store.
func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		Path:        cfg.Store.Path,
	})
}
