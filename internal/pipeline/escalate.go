package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/provider"
)

// needsEscalation reports whether a field deserves a targeted second pass:
// an extracted value below the field's threshold, or a non-extracted
// required or high-priority field.
func needsEscalation(f *model.FieldSpec, c model.CandidateValue, threshold float64) bool {
	if c.Status == model.StatusExtracted {
		return c.ConfidenceOr(0) < f.Threshold(threshold)
	}
	return f.Required || f.Priority == model.PriorityHigh
}

// improves reports whether next should replace prev: a more confident
// extraction, or anything but absent when prev was not extracted.
func improves(prev, next model.CandidateValue) bool {
	if next.Status == model.StatusExtracted && next.ConfidenceOr(0) > prev.ConfidenceOr(0) {
		return true
	}
	return prev.Status != model.StatusExtracted && next.Status != model.StatusAbsent
}

// settled reports whether escalation of a field can stop. Non-extracted
// outcomes are accepted after one try.
func settled(f *model.FieldSpec, c model.CandidateValue, threshold float64) bool {
	if c.Status != model.StatusExtracted {
		return true
	}
	return c.ConfidenceOr(0) >= f.Threshold(threshold)
}

// budget is the request-wide escalation cap.
type budget struct {
	limit int64
	used  atomic.Int64
}

func (b *budget) take() bool {
	if b.used.Add(1) > b.limit {
		b.used.Add(-1)
		return false
	}
	return true
}

// Escalator re-runs single-field extraction for weak fields.
type Escalator struct {
	provider       Provider
	maxConcurrency int
}

// NewEscalator creates an Escalator over p.
func NewEscalator(p Provider, maxConcurrency int) *Escalator {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Escalator{provider: p, maxConcurrency: maxConcurrency}
}

// escalationOutcome is one field's result after escalation.
type escalationOutcome struct {
	candidate model.CandidateValue
	calls     int
	usage     model.TokenUsage
}

// Escalate improves candidates in place. Locked fields are never
// escalated, nor are unextracted fields whose current value is non-empty. Each flagged field gets at most opts.MaxEscalationsPerField
// calls and the request at most that many times the field count. Returns
// the number of calls made.
func (e *Escalator) Escalate(
	ctx context.Context,
	fields []*model.FieldSpec,
	cands map[string]model.CandidateValue,
	current map[string]model.CurrentFieldValue,
	opts model.Options,
	pc provider.PromptContext,
) (int, model.TokenUsage) {
	perField := opts.MaxEscalationsPerField
	if perField <= 0 {
		return 0, model.TokenUsage{}
	}
	b := &budget{limit: int64(perField * len(fields))}

	var flagged []*model.FieldSpec
	for _, f := range fields {
		cur := current[f.ID]
		if cur.Locked {
			continue
		}
		if cands[f.ID].Status != model.StatusExtracted && !model.IsEmpty(cur.Value) {
			continue
		}
		if needsEscalation(f, cands[f.ID], opts.ConfidenceThreshold) {
			flagged = append(flagged, f)
		}
	}
	if len(flagged) == 0 {
		return 0, model.TokenUsage{}
	}

	outcomes := make([]escalationOutcome, len(flagged))
	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i, f := range flagged {
		g.Go(func() error {
			outcomes[i] = e.escalateField(ctx, f, cands[f.ID], perField, opts.ConfidenceThreshold, pc, b)
			return nil
		})
	}
	_ = g.Wait()

	calls := 0
	var usage model.TokenUsage
	for i, f := range flagged {
		cands[f.ID] = outcomes[i].candidate
		calls += outcomes[i].calls
		usage.Add(outcomes[i].usage)
	}
	zap.L().Debug("escalate: done",
		zap.Int("flagged", len(flagged)),
		zap.Int("calls", calls),
	)
	return calls, usage
}

func (e *Escalator) escalateField(
	ctx context.Context,
	f *model.FieldSpec,
	cur model.CandidateValue,
	maxTries int,
	threshold float64,
	pc provider.PromptContext,
	b *budget,
) escalationOutcome {
	out := escalationOutcome{candidate: cur}
	for try := 0; try < maxTries; try++ {
		if !b.take() {
			zap.L().Warn("escalate: global budget exhausted", zap.String("field", f.ID))
			break
		}
		out.calls++

		ext, err := e.provider.ExtractField(ctx, f, pc)
		if err != nil {
			zap.L().Warn("escalate: call failed, keeping prior result",
				zap.String("provider", e.provider.Name()),
				zap.String("field", f.ID),
				zap.Error(err),
			)
			break
		}
		out.usage.Add(ext.Usage)

		next := normalizeCandidate(ext.Candidates[f.ID], f)
		if improves(out.candidate, next) {
			out.candidate = next
		}
		if settled(f, out.candidate, threshold) {
			break
		}
	}
	return out
}

// completeness is the share of required fields whose final status is
// extracted; 1 when nothing is required.
func completeness(schema *model.Schema, filled map[string]model.FilledField) float64 {
	required := schema.Required()
	if len(required) == 0 {
		return 1
	}
	ok := 0
	for _, f := range required {
		if filled[f.ID].Status == model.StatusExtracted {
			ok++
		}
	}
	return float64(ok) / float64(len(required))
}

// issues lists required fields that were never extracted and that the form
// does not already hold. Locked fields are never reported.
func issues(schema *model.Schema, filled map[string]model.FilledField) []string {
	var out []string
	for _, f := range schema.Required() {
		ff := filled[f.ID]
		if ff.Status == model.StatusExtracted || ff.Reason == model.ReasonLocked || !model.IsEmpty(ff.Value) {
			continue
		}
		reason := ff.Reason
		if reason == "" {
			reason = string(ff.Status)
		}
		out = append(out, fmt.Sprintf("Missing required field: %s (%s)", f.DisplayName(), reason))
	}
	return out
}

// actionMessage asks the user to resolve a required field the transcript
// did not settle.
func actionMessage(f *model.FieldSpec, status model.FieldStatus) string {
	if status == model.StatusConflict {
		return fmt.Sprintf("We found conflicting values for %s. Which is correct?", f.DisplayName())
	}
	return fmt.Sprintf("Please provide %s.", f.DisplayName())
}
