// Package pipeline is the field extraction engine: it runs one or more
// providers over a transcript, reconciles their candidates, escalates weak
// fields and applies the overwrite policy to produce the filled form.
package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fieldfill/internal/coerce"
	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/provider"
)

// Provider is an extraction client. *provider.Provider implements it.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req provider.Request) (*provider.Generation, error)
	ExtractFields(ctx context.Context, fields []*model.FieldSpec, pc provider.PromptContext) (*provider.Extraction, error)
	ExtractField(ctx context.Context, f *model.FieldSpec, pc provider.PromptContext) (*provider.Extraction, error)
}

// Granularity selects how many fields go into one provider prompt.
type Granularity string

const (
	GranularityBatch    Granularity = "batch"
	GranularityPerField Granularity = "per_field"
)

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	return g == GranularityBatch || g == GranularityPerField
}

// defaultMaxConcurrency limits concurrent per-field calls for one provider.
const defaultMaxConcurrency = 8

// Extractor runs a single provider over a field set.
type Extractor struct {
	provider       Provider
	granularity    Granularity
	maxConcurrency int
}

// NewExtractor creates an Extractor. An unknown granularity falls back to batch.
func NewExtractor(p Provider, g Granularity, maxConcurrency int) *Extractor {
	if !g.Valid() {
		g = GranularityBatch
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Extractor{provider: p, granularity: g, maxConcurrency: maxConcurrency}
}

// Extract returns one normalized candidate per field. It never fails: a
// provider that exhausts its retries yields provider_failure candidates.
func (e *Extractor) Extract(ctx context.Context, fields []*model.FieldSpec, pc provider.PromptContext) (map[string]model.CandidateValue, model.TokenUsage) {
	if e.granularity == GranularityPerField {
		return e.extractPerField(ctx, fields, pc)
	}
	return e.extractBatch(ctx, fields, pc)
}

func (e *Extractor) extractBatch(ctx context.Context, fields []*model.FieldSpec, pc provider.PromptContext) (map[string]model.CandidateValue, model.TokenUsage) {
	out := make(map[string]model.CandidateValue, len(fields))
	ext, err := e.provider.ExtractFields(ctx, fields, pc)
	if err != nil {
		zap.L().Warn("extract: batch call failed, no candidates from provider",
			zap.String("provider", e.provider.Name()),
			zap.Int("fields", len(fields)),
			zap.Error(err),
		)
		for _, f := range fields {
			out[f.ID] = failedCandidate(e.provider.Name())
		}
		return out, model.TokenUsage{}
	}
	for _, f := range fields {
		out[f.ID] = normalizeCandidate(ext.Candidates[f.ID], f)
	}
	return out, ext.Usage
}

// extractPerField issues one call per field. Each goroutine owns its slot,
// so a failure on one field cannot touch its siblings.
func (e *Extractor) extractPerField(ctx context.Context, fields []*model.FieldSpec, pc provider.PromptContext) (map[string]model.CandidateValue, model.TokenUsage) {
	cands := make([]model.CandidateValue, len(fields))
	usages := make([]model.TokenUsage, len(fields))

	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i, f := range fields {
		g.Go(func() error {
			cand, usage := e.extractOne(ctx, f, pc)
			cands[i] = cand
			usages[i] = usage
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]model.CandidateValue, len(fields))
	var total model.TokenUsage
	for i, f := range fields {
		out[f.ID] = cands[i]
		total.Add(usages[i])
	}
	return out, total
}

// extractOne runs a single-field call and normalizes the result.
func (e *Extractor) extractOne(ctx context.Context, f *model.FieldSpec, pc provider.PromptContext) (model.CandidateValue, model.TokenUsage) {
	ext, err := e.provider.ExtractField(ctx, f, pc)
	if err != nil {
		zap.L().Warn("extract: field call failed",
			zap.String("provider", e.provider.Name()),
			zap.String("field", f.ID),
			zap.Error(err),
		)
		return failedCandidate(e.provider.Name()), model.TokenUsage{}
	}
	return normalizeCandidate(ext.Candidates[f.ID], f), ext.Usage
}

// normalizeCandidate canonicalizes an extracted value. A value the coercer
// rejects is dropped to null. Missing candidates are absent.
func normalizeCandidate(c model.CandidateValue, f *model.FieldSpec) model.CandidateValue {
	if c.Status == "" {
		c.Status = model.StatusAbsent
		if c.Reason == "" {
			c.Reason = model.ReasonNotFound
		}
	}
	if c.Status != model.StatusExtracted {
		c.Value = nil
		return c
	}
	norm := coerce.Normalize(c.Value, f)
	if norm == nil {
		zap.L().Warn("extract: value rejected by coercer",
			zap.String("provider", c.Provider),
			zap.String("field", f.ID),
			zap.Any("raw_value", c.Value),
		)
		return model.CandidateValue{
			Status:     model.StatusAbsent,
			Reason:     model.ReasonFormatMismatch,
			Confidence: c.Confidence,
			Provider:   c.Provider,
		}
	}
	c.Value = norm
	return c
}

func failedCandidate(providerName string) model.CandidateValue {
	c := model.Absent(model.ReasonProviderFailure)
	c.Provider = providerName
	return c
}
