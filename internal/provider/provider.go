// Package provider turns one language-model call into candidate field
// values. It owns prompt assembly, output parsing, structural and grounding
// checks, rate limiting and the shared retry policy.
package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/resilience"
)

// Config tunes a Provider.
type Config struct {
	// Name identifies the provider in logs and candidates. Defaults to the model id.
	Name string
	// Policy bounds every call: per-attempt timeout and jittered retries.
	Policy resilience.Policy
	// RateLimit is the sustained requests per second; zero disables limiting.
	RateLimit float64
	// Burst is the limiter burst size. Default: 1.
	Burst int
}

// Provider is a stateless, concurrency-safe extraction client over one LLM.
type Provider struct {
	name    string
	llm     LLM
	policy  resilience.Policy
	limiter *rate.Limiter
}

// New creates a Provider.
func New(llm LLM, cfg Config) *Provider {
	name := cfg.Name
	if name == "" {
		name = llm.Model()
	}
	p := &Provider{
		name:   name,
		llm:    llm,
		policy: cfg.Policy.Named(name, "generate"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Model returns the underlying model id.
func (p *Provider) Model() string { return p.llm.Model() }

// Extraction is the outcome of one extraction call.
type Extraction struct {
	Candidates map[string]model.CandidateValue
	Usage      model.TokenUsage
}

// Complete runs one model call under the rate limiter and retry policy.
func (p *Provider) Complete(ctx context.Context, req Request) (*Generation, error) {
	gen, err := resilience.DoVal(ctx, p.policy, func(ctx context.Context) (*Generation, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return p.llm.Generate(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "provider: %s %s", p.name, req.Phase)
	}
	return gen, nil
}

// ExtractFields asks for every field in one prompt. A transport failure
// after all retries is returned; callers degrade it to "no candidate".
func (p *Provider) ExtractFields(ctx context.Context, fields []*model.FieldSpec, pc PromptContext) (*Extraction, error) {
	gen, err := p.Complete(ctx, Request{
		System:    SystemText(pc.RequireEvidence),
		Prompt:    BuildBatchPrompt(fields, pc),
		Phase:     "extract_batch",
		MaxTokens: batchMaxTokens(len(fields)),
	})
	if err != nil {
		return nil, err
	}

	cands := parseBatch(gen.Text, fields, pc, p.name)
	zap.L().Debug("provider: batch extracted",
		zap.String("provider", p.name),
		zap.Int("fields", len(fields)),
		zap.Int("extracted", countExtracted(cands)),
	)
	return &Extraction{Candidates: cands, Usage: gen.Usage}, nil
}

// ExtractField asks for a single field.
func (p *Provider) ExtractField(ctx context.Context, f *model.FieldSpec, pc PromptContext) (*Extraction, error) {
	gen, err := p.Complete(ctx, Request{
		System:    SystemText(pc.RequireEvidence),
		Prompt:    BuildFieldPrompt(f, pc),
		Phase:     "extract_field",
		MaxTokens: 512,
	})
	if err != nil {
		return nil, err
	}
	return &Extraction{
		Candidates: map[string]model.CandidateValue{f.ID: parseSingle(gen.Text, f, pc, p.name)},
		Usage:      gen.Usage,
	}, nil
}

// batchMaxTokens sizes the reply budget to the field count.
func batchMaxTokens(n int) int {
	const perField, floor, ceiling = 160, 1024, 8192
	t := n * perField
	if t < floor {
		return floor
	}
	if t > ceiling {
		return ceiling
	}
	return t
}

func countExtracted(cands map[string]model.CandidateValue) int {
	n := 0
	for _, c := range cands {
		if c.Status == model.StatusExtracted {
			n++
		}
	}
	return n
}
