package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/fieldfill/internal/coerce"
	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/provider"
)

// Reconciliation selects whether candidates are arbitrated by a verifier.
type Reconciliation string

const (
	ReconciliationNone     Reconciliation = "none"
	ReconciliationVerifier Reconciliation = "verifier"
)

// Valid reports whether r is a known reconciliation mode.
func (r Reconciliation) Valid() bool {
	return r == ReconciliationNone || r == ReconciliationVerifier
}

// DecisionKind is the verifier's choice for one field.
type DecisionKind string

const (
	DecisionAdopt       DecisionKind = "adopt"
	DecisionMerge       DecisionKind = "merge"
	DecisionKeepCurrent DecisionKind = "keep_current"
)

// Decision is the resolved choice for one field.
type Decision struct {
	Kind DecisionKind
	// Provider is set for adopt decisions.
	Provider string
	// Fallback marks decisions made by the confidence heuristic instead of
	// the verifier.
	Fallback bool
}

func (d Decision) String() string {
	if d.Kind == DecisionAdopt {
		return "adopt-" + d.Provider
	}
	return string(d.Kind)
}

// Resolution pairs a decision with the candidate it accepts. Keep-current
// resolutions carry a non-extracted candidate.
type Resolution struct {
	Decision  Decision
	Candidate model.CandidateValue
}

// Verifier limits.
const (
	maxVerifierContextChars = 6000
	verifierMaxTokens       = 4096
	qualityQuoteMaxChars    = 240
)

// defaultMinCandidateConfidence is the floor below which a candidate counts
// as low-confidence during reconciliation.
const defaultMinCandidateConfidence = 0.3

// ReconcileInput is a consistent snapshot of every provider's candidates.
type ReconcileInput struct {
	Fields  []*model.FieldSpec
	Current map[string]model.CurrentFieldValue
	// Providers fixes the provider order used for merges and tie breaks.
	Providers  []string
	Candidates map[string]map[string]model.CandidateValue
	// Transcript is the combined transcript shown to the verifier.
	Transcript string
}

// Reconciler arbitrates between providers with one verifier call per
// request, and doubles as a quality pass over a single provider's output.
type Reconciler struct {
	verifier      Provider
	aliases       map[string]string
	minConfidence float64
}

// NewReconciler creates a Reconciler. aliases maps long-form items to their
// canonical short form for multi-value merges.
func NewReconciler(verifier Provider, aliases map[string]string, minConfidence float64) *Reconciler {
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = defaultMinCandidateConfidence
	}
	folded := make(map[string]string, len(aliases))
	for long, short := range aliases {
		folded[aliasKey(long)] = strings.TrimSpace(short)
	}
	return &Reconciler{verifier: verifier, aliases: folded, minConfidence: minConfidence}
}

// Reconcile resolves every field. Locked fields and fields without a usable
// candidate are decided locally; the rest go to the verifier in a single
// call. Any verifier failure falls back to the highest-confidence candidate.
func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) (map[string]Resolution, model.TokenUsage) {
	out := make(map[string]Resolution, len(in.Fields))
	var pending []*model.FieldSpec

	for _, f := range in.Fields {
		if in.Current[f.ID].Locked {
			out[f.ID] = Resolution{
				Decision:  Decision{Kind: DecisionKeepCurrent},
				Candidate: model.Absent(model.ReasonLocked),
			}
			continue
		}
		usable := r.usable(in, f.ID)
		switch {
		case len(usable) == 0:
			out[f.ID] = Resolution{Decision: Decision{Kind: DecisionKeepCurrent}, Candidate: r.keepCandidate(in, f.ID)}
		case unanimous(usable):
			out[f.ID] = Resolution{Decision: Decision{Kind: DecisionAdopt, Provider: usable[0].Provider}, Candidate: usable[0]}
		default:
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return out, model.TokenUsage{}
	}

	gen, err := r.verifier.Complete(ctx, provider.Request{
		System:    reconcileSystemText,
		Prompt:    r.buildReconcilePrompt(pending, in),
		Phase:     "reconcile",
		MaxTokens: verifierMaxTokens,
	})
	if err != nil {
		zap.L().Warn("reconcile: verifier failed, falling back to confidence",
			zap.String("provider", r.verifier.Name()),
			zap.Int("fields", len(pending)),
			zap.Error(err),
		)
		for _, f := range pending {
			out[f.ID] = r.fallback(in, f)
		}
		return out, model.TokenUsage{}
	}

	decisions, err := parseDecisions(gen.Text)
	if err != nil {
		zap.L().Warn("reconcile: unparseable verifier output, falling back to confidence", zap.Error(err))
	}
	for _, f := range pending {
		out[f.ID] = r.enforce(in, f, decisions[f.ID])
	}
	return out, gen.Usage
}

// Heuristic resolves every field without a verifier: locked fields keep
// their value and the rest adopt the highest-confidence usable candidate.
func (r *Reconciler) Heuristic(in ReconcileInput) map[string]Resolution {
	out := make(map[string]Resolution, len(in.Fields))
	for _, f := range in.Fields {
		if in.Current[f.ID].Locked {
			out[f.ID] = Resolution{
				Decision:  Decision{Kind: DecisionKeepCurrent},
				Candidate: model.Absent(model.ReasonLocked),
			}
			continue
		}
		out[f.ID] = r.fallback(in, f)
	}
	return out
}

// enforce turns a raw verifier decision into a legal resolution.
func (r *Reconciler) enforce(in ReconcileInput, f *model.FieldSpec, raw string) Resolution {
	log := zap.L().With(zap.String("field", f.ID), zap.String("decision", raw))
	d := normalizeDecision(raw)

	switch {
	case d == "":
		log.Warn("reconcile: no decision for field, falling back to confidence")
		return r.fallback(in, f)

	case d == string(DecisionKeepCurrent):
		return Resolution{Decision: Decision{Kind: DecisionKeepCurrent}, Candidate: r.keepCandidate(in, f.ID)}

	case d == string(DecisionMerge):
		if f.Type != model.FieldMultiValue {
			log.Warn("reconcile: merge is only legal for multi-value fields")
			return r.fallback(in, f)
		}
		return r.merge(in, f)
	}

	name := r.matchProvider(in.Providers, d)
	if name == "" {
		log.Warn("reconcile: unknown decision, falling back to confidence")
		return r.fallback(in, f)
	}
	cand := in.Candidates[name][f.ID]
	if !r.isUsable(cand) {
		log.Warn("reconcile: adopted provider has no usable candidate", zap.String("provider", name))
		return r.fallback(in, f)
	}
	cand.Provider = name
	return Resolution{Decision: Decision{Kind: DecisionAdopt, Provider: name}, Candidate: cand}
}

// merge unions the usable candidates' items in provider order.
func (r *Reconciler) merge(in ReconcileInput, f *model.FieldSpec) Resolution {
	usable := r.usable(in, f.ID)
	lists := make([][]string, 0, len(usable))
	var best float64
	var evidence string
	var names []string
	for _, c := range usable {
		lists = append(lists, coerce.SplitItems(coerce.Format(c.Value)))
		best = max(best, c.ConfidenceOr(0))
		if evidence == "" {
			evidence = c.Evidence
		}
		names = append(names, c.Provider)
	}

	items := MergeItems(lists, r.aliases)
	if len(items) == 0 {
		return Resolution{Decision: Decision{Kind: DecisionKeepCurrent}, Candidate: r.keepCandidate(in, f.ID)}
	}
	return Resolution{
		Decision: Decision{Kind: DecisionMerge},
		Candidate: model.CandidateValue{
			Value:      coerce.Normalize(strings.Join(items, coerce.ItemSeparator), f),
			Confidence: model.Float64(best),
			Evidence:   evidence,
			Status:     model.StatusExtracted,
			Provider:   strings.Join(names, "+"),
		},
	}
}

// fallback adopts the candidate with the highest self-reported confidence;
// ties go to the earlier provider. Without a usable candidate it keeps the
// current value.
func (r *Reconciler) fallback(in ReconcileInput, f *model.FieldSpec) Resolution {
	usable := r.usable(in, f.ID)
	if len(usable) == 0 {
		return Resolution{Decision: Decision{Kind: DecisionKeepCurrent, Fallback: true}, Candidate: r.keepCandidate(in, f.ID)}
	}
	best := usable[0]
	for _, c := range usable[1:] {
		if c.ConfidenceOr(0) > best.ConfidenceOr(0) {
			best = c
		}
	}
	return Resolution{Decision: Decision{Kind: DecisionAdopt, Provider: best.Provider, Fallback: true}, Candidate: best}
}

// usable returns the extracted, non-null, not low-confidence candidates for
// id in provider order. A candidate without a confidence is usable.
func (r *Reconciler) usable(in ReconcileInput, id string) []model.CandidateValue {
	var out []model.CandidateValue
	for _, name := range in.Providers {
		c, ok := in.Candidates[name][id]
		if !ok || !r.isUsable(c) {
			continue
		}
		c.Provider = name
		out = append(out, c)
	}
	return out
}

func (r *Reconciler) isUsable(c model.CandidateValue) bool {
	return c.Status == model.StatusExtracted && c.HasValue() && c.ConfidenceOr(1) >= r.minConfidence
}

// keepCandidate summarizes why no value was accepted: low confidence when a
// provider proposed something, a conflict when any provider reported one,
// otherwise the first provider's reason.
func (r *Reconciler) keepCandidate(in ReconcileInput, id string) model.CandidateValue {
	var proposed, conflict, first *model.CandidateValue
	for _, name := range in.Providers {
		c, ok := in.Candidates[name][id]
		if !ok {
			continue
		}
		c.Provider = name
		switch {
		case c.Status == model.StatusExtracted && c.HasValue():
			if proposed == nil || c.ConfidenceOr(0) > proposed.ConfidenceOr(0) {
				proposed = &c
			}
		case c.Status == model.StatusConflict:
			if conflict == nil {
				conflict = &c
			}
		}
		if first == nil {
			first = &c
		}
	}

	switch {
	case conflict != nil:
		return model.CandidateValue{Status: model.StatusConflict, Reason: conflict.Reason, Provider: conflict.Provider}
	case proposed != nil:
		return model.CandidateValue{
			Status:     model.StatusAbsent,
			Reason:     model.ReasonLowConfidence,
			Confidence: proposed.Confidence,
			Provider:   proposed.Provider,
		}
	case first != nil:
		return model.CandidateValue{Status: first.Status, Reason: first.Reason, Provider: first.Provider}
	}
	return model.Absent(model.ReasonNotFound)
}

func (r *Reconciler) matchProvider(providers []string, d string) string {
	d = strings.TrimPrefix(strings.TrimPrefix(d, "adopt-"), "adopt:")
	for _, name := range providers {
		if strings.EqualFold(name, d) {
			return name
		}
	}
	return ""
}

func unanimous(cands []model.CandidateValue) bool {
	for _, c := range cands[1:] {
		if !coerce.Equal(c.Value, cands[0].Value) {
			return false
		}
	}
	return len(cands) > 1
}

// MergeItems unions item lists preserving first-seen order. Duplicates are
// detected case-insensitively. When aliases are configured, parenthesised
// text is stripped and long forms are replaced by their canonical alias.
func MergeItems(lists [][]string, aliases map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	fold := cases.Fold()
	for _, list := range lists {
		for _, item := range list {
			item = strings.TrimSpace(item)
			if len(aliases) > 0 {
				stripped := stripParens(item)
				if short, ok := aliases[aliasKey(stripped)]; ok {
					item = short
				} else {
					item = stripped
				}
			}
			if item == "" || item == coerce.Placeholder {
				continue
			}
			key := fold.String(item)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
		}
	}
	return out
}

var parenRe = regexp.MustCompile(`\([^)]*\)`)

func stripParens(s string) string {
	return strings.Join(strings.Fields(parenRe.ReplaceAllString(s, " ")), " ")
}

func aliasKey(s string) string {
	return cases.Fold().String(stripParens(s))
}

// tailRunes keeps the last n runes of s.
func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

const reconcileSystemText = `You arbitrate between candidate values that different extraction models proposed for form fields.
Only the transcript supports a value. Respond with JSON only.`

const reconcilePrompt = `Choose EXACTLY ONE decision per field: the name of the provider whose candidate to adopt (%s), "merge", or "keep_current".

Rules:
- Adopt the candidate best supported by the transcript.
- If all candidates are empty or uncertain, use "keep_current".
- "merge" is ONLY allowed for fields of type multiValue; it unions the candidates' items.
- For enum, text, number and date fields never merge; pick the better single candidate.

OUTPUT FORMAT:
{"decisions": {"<field id>": {"decision": "<provider>|merge|keep_current", "reason": "<short reason>"}}}

FIELDS:
%s

CONTEXT (most recent transcript text):
%s`

type verifierField struct {
	ID         string                    `json:"id"`
	Label      string                    `json:"label"`
	Type       model.FieldType           `json:"type"`
	Options    []string                  `json:"options,omitempty"`
	Current    any                       `json:"current"`
	Candidates map[string]verifierChoice `json:"candidates"`
}

type verifierChoice struct {
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
	Evidence   string   `json:"evidence,omitempty"`
}

func (r *Reconciler) buildReconcilePrompt(fields []*model.FieldSpec, in ReconcileInput) string {
	summaries := make([]verifierField, 0, len(fields))
	for _, f := range fields {
		vf := verifierField{
			ID:         f.ID,
			Label:      f.DisplayName(),
			Type:       f.Type,
			Options:    f.Options,
			Current:    in.Current[f.ID].Value,
			Candidates: make(map[string]verifierChoice, len(in.Providers)),
		}
		for _, name := range in.Providers {
			c := in.Candidates[name][f.ID]
			vf.Candidates[name] = verifierChoice{Value: c.Value, Confidence: c.Confidence, Evidence: c.Evidence}
		}
		summaries = append(summaries, vf)
	}
	b, _ := json.MarshalIndent(summaries, "", "  ")
	return fmt.Sprintf(reconcilePrompt,
		strings.Join(in.Providers, ", "),
		string(b),
		tailRunes(in.Transcript, maxVerifierContextChars),
	)
}

// parseDecisions accepts {"decisions": {...}} or a bare field map, with
// each entry either an object carrying "decision" or a plain string.
func parseDecisions(text string) (map[string]string, error) {
	var raw map[string]any
	if err := provider.DecodeJSON(text, &raw); err != nil {
		return nil, err
	}
	if inner, ok := raw["decisions"].(map[string]any); ok {
		raw = inner
	}
	out := make(map[string]string, len(raw))
	for id, v := range raw {
		switch t := v.(type) {
		case string:
			out[id] = t
		case map[string]any:
			if d, ok := t["decision"].(string); ok {
				out[id] = d
			}
		}
	}
	return out, nil
}

func normalizeDecision(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	switch d {
	case "keep_current", "keep-current", "keep current", "keep":
		return string(DecisionKeepCurrent)
	}
	return d
}

// QualityScore is the quality pass verdict for one field.
type QualityScore struct {
	Confidence    *float64
	Quote         string
	Contradiction *model.Contradiction
}

// QualityInput is a single provider's accepted candidates.
type QualityInput struct {
	Fields     []*model.FieldSpec
	Candidates map[string]model.CandidateValue
	// Transcript is the combined transcript; NewTranscript grounds quotes.
	Transcript    string
	NewTranscript string
}

const qualitySystemText = `You review values that were extracted from a transcript. Do NOT change values; only score them.
Respond with JSON only.`

const qualityPrompt = `For each field, rate how well the value is supported by the transcript.

Rules:
- "confidence" is between 0 and 1 (0 = unsupported, 1 = certain).
- "quote" is a short verbatim quote (at most 120 characters) from the transcript supporting the value.
- Set "contradiction" ONLY when the transcript clearly conflicts with the value; give a short reason and the conflicting verbatim quote. Otherwise null.

OUTPUT FORMAT:
{"scores": {"<field id>": {"confidence": <0.0-1.0>, "quote": "<verbatim quote>", "contradiction": {"reason": "<short reason>", "quote": "<verbatim quote>"} | null}}}

FIELDS AND VALUES:
%s

TRANSCRIPT (most recent text):
%s`

// QualityPass scores extracted values against the transcript and flags
// clear contradictions. Quotes that do not occur in the transcript are
// dropped. On failure it returns no scores.
func (r *Reconciler) QualityPass(ctx context.Context, in QualityInput) (map[string]QualityScore, model.TokenUsage) {
	var lines []string
	for _, f := range in.Fields {
		c, ok := in.Candidates[f.ID]
		if !ok || c.Status != model.StatusExtracted || !c.HasValue() {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s, type=%s): %s", f.ID, f.DisplayName(), f.Type, coerce.Format(c.Value)))
	}
	if len(lines) == 0 {
		return nil, model.TokenUsage{}
	}

	gen, err := r.verifier.Complete(ctx, provider.Request{
		System:    qualitySystemText,
		Prompt:    fmt.Sprintf(qualityPrompt, strings.Join(lines, "\n"), tailRunes(in.Transcript, maxVerifierContextChars)),
		Phase:     "quality",
		MaxTokens: verifierMaxTokens,
	})
	if err != nil {
		zap.L().Warn("reconcile: quality pass failed, keeping provider confidence",
			zap.String("provider", r.verifier.Name()),
			zap.Error(err),
		)
		return nil, model.TokenUsage{}
	}

	var raw map[string]any
	if err := provider.DecodeJSON(gen.Text, &raw); err != nil {
		zap.L().Warn("reconcile: unparseable quality output", zap.Error(err))
		return nil, gen.Usage
	}
	if inner, ok := raw["scores"].(map[string]any); ok {
		raw = inner
	}

	out := make(map[string]QualityScore)
	for _, f := range in.Fields {
		entry, ok := raw[f.ID].(map[string]any)
		if !ok {
			continue
		}
		if _, scored := in.Candidates[f.ID]; !scored {
			continue
		}
		out[f.ID] = parseQualityScore(entry, in, f.ID)
	}
	return out, gen.Usage
}

func parseQualityScore(entry map[string]any, in QualityInput, id string) QualityScore {
	var s QualityScore
	if conf, ok := number(entry["confidence"]); ok {
		s.Confidence = model.Float64(model.ClampConfidence(conf))
	}
	if q, _ := entry["quote"].(string); q != "" && coerce.Grounded(q, in.NewTranscript) {
		s.Quote = truncateRunes(strings.TrimSpace(q), qualityQuoteMaxChars)
	}
	if c, ok := entry["contradiction"].(map[string]any); ok {
		reason, _ := c["reason"].(string)
		quote, _ := c["quote"].(string)
		reason, quote = strings.TrimSpace(reason), strings.TrimSpace(quote)
		switch {
		case reason == "" || quote == "":
		case !coerce.Grounded(quote, in.Transcript):
			zap.L().Warn("reconcile: contradiction quote not in transcript", zap.String("field", id))
		default:
			s.Contradiction = &model.Contradiction{Reason: reason, Quote: truncateRunes(quote, qualityQuoteMaxChars)}
		}
	}
	return s
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
