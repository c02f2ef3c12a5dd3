// Package retrieval finds previously solved transcripts similar to a new one
// and feeds them to extraction prompts as few-shot exemplars.
package retrieval

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/resilience"
)

// Bounds on the number of exemplars per request.
const (
	MinK = 1
	MaxK = 5
)

const (
	defaultMaxExampleChars = 1200
	ingestBatchSize        = 32
)

// Config tunes a Retriever.
type Config struct {
	Policy          resilience.Policy
	MaxExampleChars int
}

// Retriever queries an Index for exemplars. It holds no per-request state.
type Retriever struct {
	embedder        Embedder
	index           Index
	policy          resilience.Policy
	maxExampleChars int
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder Embedder, index Index, cfg Config) *Retriever {
	maxChars := cfg.MaxExampleChars
	if maxChars <= 0 {
		maxChars = defaultMaxExampleChars
	}
	return &Retriever{
		embedder:        embedder,
		index:           index,
		policy:          cfg.Policy,
		maxExampleChars: maxChars,
	}
}

// QueryText prefixes text with its domain so embeddings of different form
// templates do not mix.
func QueryText(domain, text string) string {
	return "domain=" + domain + "\n" + text
}

// ClampK bounds k to [MinK, MaxK].
func ClampK(k int) int {
	if k < MinK {
		return MinK
	}
	if k > MaxK {
		return MaxK
	}
	return k
}

// Retrieve returns up to k exemplars for query, most similar first. The
// single nearest hit is dropped because it is usually a near-duplicate of
// the query itself. Each exemplar's expected values are projected onto the
// schema's fields. Any failure degrades to no exemplars.
func (r *Retriever) Retrieve(ctx context.Context, query string, schema *model.Schema, k int) []model.Exemplar {
	if r == nil || strings.TrimSpace(query) == "" || k <= 0 {
		return nil
	}
	k = ClampK(k)
	log := zap.L().With(zap.String("domain", schema.Domain), zap.Int("k", k))

	vec, err := resilience.DoVal(ctx, r.policy.Named("embedding", "query"), func(ctx context.Context) ([]float32, error) {
		return r.embedder.EmbedQuery(ctx, QueryText(schema.Domain, query))
	})
	if err != nil {
		log.Warn("retrieval: embedding failed, continuing without exemplars", zap.Error(err))
		return nil
	}

	hits, err := resilience.DoVal(ctx, r.policy.Named("index", "search"), func(ctx context.Context) ([]Hit, error) {
		return r.index.Search(ctx, schema.Domain, vec, k+1)
	})
	if err != nil {
		log.Warn("retrieval: search failed, continuing without exemplars", zap.Error(err))
		return nil
	}
	if len(hits) <= 1 {
		return nil
	}

	out := make([]model.Exemplar, 0, k)
	for _, h := range hits[1:] {
		if len(out) == k {
			break
		}
		ex, ok := r.project(h.Exemplar, schema)
		if !ok {
			continue
		}
		out = append(out, ex)
	}
	log.Debug("retrieval: exemplars selected", zap.Int("hits", len(hits)), zap.Int("selected", len(out)))
	return out
}

// project keeps only the schema's fields and truncates the transcript.
func (r *Retriever) project(ex model.Exemplar, schema *model.Schema) (model.Exemplar, bool) {
	expected := make(map[string]any)
	for _, f := range schema.Fields {
		if v, ok := ex.Expected[f.ID]; ok {
			expected[f.ID] = v
		}
	}
	if len(expected) == 0 {
		return model.Exemplar{}, false
	}
	transcript := ex.Transcript
	if runes := []rune(transcript); len(runes) > r.maxExampleChars {
		transcript = string(runes[:r.maxExampleChars])
	}
	return model.Exemplar{
		ID:         ex.ID,
		Domain:     ex.Domain,
		Transcript: transcript,
		Expected:   expected,
	}, true
}

// Ingest embeds exemplars under domain and upserts them into the index.
// Exemplars without an id get a random one. Returns the number indexed.
func (r *Retriever) Ingest(ctx context.Context, domain string, exemplars []model.Exemplar) (int, error) {
	if strings.TrimSpace(domain) == "" {
		return 0, eris.New("retrieval: ingest requires a domain")
	}

	total := 0
	for start := 0; start < len(exemplars); start += ingestBatchSize {
		end := min(start+ingestBatchSize, len(exemplars))
		batch := make([]model.Exemplar, 0, end-start)
		texts := make([]string, 0, end-start)
		for _, ex := range exemplars[start:end] {
			if strings.TrimSpace(ex.Transcript) == "" {
				zap.L().Warn("retrieval: skipping exemplar without transcript", zap.String("id", ex.ID))
				continue
			}
			if ex.ID == "" {
				ex.ID = uuid.NewString()
			}
			ex.Domain = domain
			batch = append(batch, ex)
			texts = append(texts, QueryText(domain, ex.Transcript))
		}
		if len(batch) == 0 {
			continue
		}

		vecs, err := resilience.DoVal(ctx, r.policy.Named("embedding", "documents"), func(ctx context.Context) ([][]float32, error) {
			return r.embedder.EmbedDocuments(ctx, texts)
		})
		if err != nil {
			return total, eris.Wrap(err, "retrieval: embed exemplars")
		}
		if len(vecs) != len(batch) {
			return total, eris.Errorf("retrieval: embedder returned %d vectors for %d exemplars", len(vecs), len(batch))
		}

		docs := make([]Document, len(batch))
		for i := range batch {
			docs[i] = Document{Exemplar: batch[i], Vector: vecs[i]}
		}
		if err := resilience.Do(ctx, r.policy.Named("index", "upsert"), func(ctx context.Context) error {
			return r.index.Upsert(ctx, docs)
		}); err != nil {
			return total, eris.Wrap(err, "retrieval: upsert exemplars")
		}
		total += len(docs)
	}

	zap.L().Info("retrieval: exemplars ingested", zap.String("domain", domain), zap.Int("count", total))
	return total, nil
}
