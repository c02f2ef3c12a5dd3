package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fieldfill/internal/coerce"
	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/provider"
	"github.com/sells-group/fieldfill/internal/retrieval"
)

// ExemplarRetriever supplies few-shot exemplars. *retrieval.Retriever
// implements it.
type ExemplarRetriever interface {
	Retrieve(ctx context.Context, query string, schema *model.Schema, k int) []model.Exemplar
}

// EngineConfig parameterizes the extraction pipeline. The provider count is
// the number of providers passed to NewEngine.
type EngineConfig struct {
	Granularity    Granularity
	Reconciliation Reconciliation
	// MaxConcurrency bounds concurrent per-field calls per provider.
	MaxConcurrency int
	// FewShotK is the number of exemplars to retrieve; zero disables retrieval.
	FewShotK int
	// Aliases canonicalizes multi-value items during merges.
	Aliases map[string]string
	// MinCandidateConfidence is the floor below which reconciliation treats
	// a candidate as low-confidence.
	MinCandidateConfidence float64
}

func (c EngineConfig) withDefaults() EngineConfig {
	if !c.Granularity.Valid() {
		c.Granularity = GranularityBatch
	}
	if !c.Reconciliation.Valid() {
		c.Reconciliation = ReconciliationVerifier
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.FewShotK > 0 {
		c.FewShotK = retrieval.ClampK(c.FewShotK)
	}
	if c.MinCandidateConfidence <= 0 || c.MinCandidateConfidence > 1 {
		c.MinCandidateConfidence = defaultMinCandidateConfidence
	}
	return c
}

// Engine fills form fields from transcripts. It holds no per-request state
// and is safe for concurrent use.
type Engine struct {
	cfg        EngineConfig
	providers  []Provider
	extractors []*Extractor
	reconciler *Reconciler
	escalator  *Escalator
	retriever  ExemplarRetriever
}

// NewEngine creates an Engine. verifier and escalator default to the first
// provider; retriever may be nil.
func NewEngine(cfg EngineConfig, providers []Provider, verifier, escalator Provider, retriever ExemplarRetriever) (*Engine, error) {
	if len(providers) == 0 {
		return nil, eris.New("pipeline: at least one provider is required")
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if seen[p.Name()] {
			return nil, eris.Errorf("pipeline: duplicate provider name %q", p.Name())
		}
		seen[p.Name()] = true
	}
	cfg = cfg.withDefaults()
	if verifier == nil {
		verifier = providers[0]
	}
	if escalator == nil {
		escalator = providers[0]
	}

	extractors := make([]*Extractor, len(providers))
	for i, p := range providers {
		extractors[i] = NewExtractor(p, cfg.Granularity, cfg.MaxConcurrency)
	}
	return &Engine{
		cfg:        cfg,
		providers:  providers,
		extractors: extractors,
		reconciler: NewReconciler(verifier, cfg.Aliases, cfg.MinCandidateConfidence),
		escalator:  NewEscalator(escalator, cfg.MaxConcurrency),
		retriever:  retriever,
	}, nil
}

// ModelIdentifier names the model(s) behind results: the single provider's
// model, or ensemble:<a>+<b> for several.
func (e *Engine) ModelIdentifier() string {
	if len(e.providers) == 1 {
		return e.providers[0].Model()
	}
	models := make([]string, len(e.providers))
	for i, p := range e.providers {
		models[i] = p.Model()
	}
	return "ensemble:" + strings.Join(models, "+")
}

// ExtractAllFields fills every field of the request. Only a
// *model.ValidationError is ever returned; every other failure degrades
// the affected fields to their current values.
func (e *Engine) ExtractAllFields(ctx context.Context, req *model.ExtractionRequest) (*model.ExtractionResult, error) {
	schema, err := req.Validate()
	if err != nil {
		return nil, err
	}
	out := e.run(ctx, req, schema, schema.Specs(), e.extractors)

	result := &model.ExtractionResult{
		Filled:          out.filled,
		ModelIdentifier: e.ModelIdentifier(),
		Transcript: model.TranscriptEcho{
			Old:      req.OldTranscript,
			New:      req.NewTranscript,
			Combined: req.CombinedTranscript(),
		},
		Completeness: completeness(schema, out.filled),
		Issues:       issues(schema, out.filled),
		Escalations:  out.escalations,
		FewShotCount: out.fewShots,
		TokenUsage:   out.usage,
		TimingsMs:    out.timings,
	}
	zap.L().Info("pipeline: extraction complete",
		zap.String("domain", req.Domain),
		zap.String("model", result.ModelIdentifier),
		zap.Int("fields", len(schema.Fields)),
		zap.Float64("completeness", result.Completeness),
		zap.Int("escalations", result.Escalations),
		zap.Float64("cost", result.TokenUsage.Cost),
		zap.Int64("total_ms", out.timings["total"]),
	)
	return result, nil
}

// ExtractOneField fills a single field of the request with per-field
// prompts, regardless of the configured granularity.
func (e *Engine) ExtractOneField(ctx context.Context, req *model.ExtractionRequest, fieldID string) (*model.FilledField, error) {
	schema, err := req.Validate()
	if err != nil {
		return nil, err
	}
	f := schema.ByID(fieldID)
	if f == nil {
		return nil, &model.ValidationError{Field: fieldID, Reason: "unknown field"}
	}

	extractors := make([]*Extractor, len(e.providers))
	for i, p := range e.providers {
		extractors[i] = NewExtractor(p, GranularityPerField, e.cfg.MaxConcurrency)
	}
	out := e.run(ctx, req, schema, []*model.FieldSpec{f}, extractors)
	ff := out.filled[f.ID]
	return &ff, nil
}

type runOutcome struct {
	filled      map[string]model.FilledField
	escalations int
	fewShots    int
	usage       model.TokenUsage
	timings     map[string]int64
}

// run is the shared pipeline: retrieve, propose, reconcile or quality-check,
// escalate, then apply the overwrite policy.
func (e *Engine) run(ctx context.Context, req *model.ExtractionRequest, schema *model.Schema, fields []*model.FieldSpec, extractors []*Extractor) runOutcome {
	start := time.Now()
	opts := req.Options.WithDefaults()
	out := runOutcome{timings: make(map[string]int64)}
	stage := func(name string, t time.Time) {
		out.timings[name] = time.Since(t).Milliseconds()
	}

	t := time.Now()
	fewShots := e.fewShots(ctx, req, schema)
	out.fewShots = len(fewShots)
	stage("retrieval", t)

	pc := provider.ContextFromRequest(req, fewShots)

	t = time.Now()
	perProvider, usage := e.propose(ctx, fields, pc, extractors)
	out.usage.Add(usage)
	stage("extraction", t)

	t = time.Now()
	cands, contradictions, usage := e.resolve(ctx, req, fields, perProvider)
	out.usage.Add(usage)
	stage("reconcile", t)

	t = time.Now()
	calls, usage := e.escalator.Escalate(ctx, fields, cands, req.CurrentValues, opts, pc)
	out.escalations = calls
	out.usage.Add(usage)
	stage("escalation", t)

	policy := OverwritePolicy{OverwriteUserValues: opts.OverwriteUserValues}
	out.filled = make(map[string]model.FilledField, len(fields))
	for _, f := range fields {
		cur := req.Current(f.ID)
		cand := cands[f.ID]
		ff := policy.Apply(cur, cand)
		if c, ok := contradictions[f.ID]; ok && !cur.Locked && ff.Status == model.StatusExtracted && coerce.Equal(ff.Value, cand.Value) {
			ff.Contradiction = c
		}
		if f.Required && ff.Status != model.StatusExtracted && !cur.Locked && model.IsEmpty(ff.Value) {
			ff.ActionMessage = actionMessage(f, ff.Status)
		}
		out.filled[f.ID] = ff
	}
	stage("total", start)
	return out
}

// fewShots returns the caller's exemplars, or retrieves them against the
// combined transcript.
func (e *Engine) fewShots(ctx context.Context, req *model.ExtractionRequest, schema *model.Schema) []model.Exemplar {
	if len(req.FewShots) > 0 {
		return req.FewShots
	}
	if e.retriever == nil || e.cfg.FewShotK <= 0 {
		return nil
	}
	return e.retriever.Retrieve(ctx, req.CombinedTranscript(), schema, e.cfg.FewShotK)
}

// propose runs every provider concurrently and waits for all of them. A
// failed provider contributes provider_failure candidates.
func (e *Engine) propose(ctx context.Context, fields []*model.FieldSpec, pc provider.PromptContext, extractors []*Extractor) ([]map[string]model.CandidateValue, model.TokenUsage) {
	results := make([]map[string]model.CandidateValue, len(extractors))
	usages := make([]model.TokenUsage, len(extractors))

	var g errgroup.Group
	for i, x := range extractors {
		g.Go(func() error {
			results[i], usages[i] = x.Extract(ctx, fields, pc)
			return nil
		})
	}
	_ = g.Wait()

	var total model.TokenUsage
	for _, u := range usages {
		total.Add(u)
	}
	return results, total
}

// resolve reduces per-provider candidates to one candidate per field. With
// several providers it reconciles; with one provider and a verifier it runs
// the quality pass, whose confidence replaces the provider's.
func (e *Engine) resolve(
	ctx context.Context,
	req *model.ExtractionRequest,
	fields []*model.FieldSpec,
	perProvider []map[string]model.CandidateValue,
) (map[string]model.CandidateValue, map[string]*model.Contradiction, model.TokenUsage) {
	cands := make(map[string]model.CandidateValue, len(fields))
	contradictions := make(map[string]*model.Contradiction)

	if len(e.providers) > 1 {
		in := ReconcileInput{
			Fields:     fields,
			Current:    req.CurrentValues,
			Providers:  make([]string, len(e.providers)),
			Candidates: make(map[string]map[string]model.CandidateValue, len(e.providers)),
			Transcript: req.CombinedTranscript(),
		}
		for i, p := range e.providers {
			in.Providers[i] = p.Name()
			in.Candidates[p.Name()] = perProvider[i]
		}

		var res map[string]Resolution
		var usage model.TokenUsage
		if e.cfg.Reconciliation == ReconciliationVerifier {
			res, usage = e.reconciler.Reconcile(ctx, in)
		} else {
			res = e.reconciler.Heuristic(in)
		}
		for _, f := range fields {
			r := res[f.ID]
			zap.L().Debug("pipeline: field reconciled",
				zap.String("field", f.ID),
				zap.Stringer("decision", r.Decision),
				zap.Bool("fallback", r.Decision.Fallback),
			)
			cands[f.ID] = r.Candidate
		}
		return cands, contradictions, usage
	}

	for _, f := range fields {
		c := perProvider[0][f.ID]
		if req.Current(f.ID).Locked {
			c = model.Absent(model.ReasonLocked)
		}
		cands[f.ID] = c
	}
	if e.cfg.Reconciliation != ReconciliationVerifier {
		return cands, contradictions, model.TokenUsage{}
	}

	scores, usage := e.reconciler.QualityPass(ctx, QualityInput{
		Fields:        fields,
		Candidates:    cands,
		Transcript:    req.CombinedTranscript(),
		NewTranscript: req.NewTranscript,
	})
	for id, s := range scores {
		c := cands[id]
		if c.Status != model.StatusExtracted {
			continue
		}
		if s.Confidence != nil {
			c.Confidence = s.Confidence
		}
		if s.Quote != "" {
			c.Evidence = s.Quote
		}
		cands[id] = c
		if s.Contradiction != nil {
			contradictions[id] = s.Contradiction
		}
	}
	return cands, contradictions, usage
}
