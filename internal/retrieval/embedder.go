package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder turns text into vectors. langchaingo's embeddings.Embedder
// satisfies it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// NewOpenAIEmbedder creates an embedder backed by an OpenAI-compatible
// embeddings endpoint. baseURL may be empty.
func NewOpenAIEmbedder(apiKey, modelID, baseURL string) (Embedder, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(modelID),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: create embedding client")
	}
	emb, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: create embedder")
	}
	return emb, nil
}

// CachedEmbedder memoizes query embeddings. Repeated requests against the
// same transcript skip the embedding call.
type CachedEmbedder struct {
	inner Embedder
	cache *gocache.Cache
}

// NewCachedEmbedder wraps inner with a TTL cache.
func NewCachedEmbedder(inner Embedder, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CachedEmbedder{inner: inner, cache: gocache.New(ttl, 2*ttl)}
}

// EmbedQuery returns the cached vector for text or computes it.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, gocache.DefaultExpiration)
	return vec, nil
}

// EmbedDocuments is not cached; it runs at ingestion time only.
func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedDocuments(ctx, texts)
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
