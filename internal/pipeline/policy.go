package pipeline

import (
	"github.com/sells-group/fieldfill/internal/coerce"
	"github.com/sells-group/fieldfill/internal/model"
)

// OverwritePolicy decides the final value of a field from its current value
// and the accepted candidate. Every code path that produces a FilledField
// goes through Apply.
type OverwritePolicy struct {
	// OverwriteUserValues lets AI output replace non-empty user-sourced values.
	OverwriteUserValues bool
}

// Apply resolves one field.
//
//  1. Locked: keep the current value, unchanged.
//  2. Accepted value present: take it; changed when it differs from the
//     current value, in which case the previous value is recorded and the
//     source becomes ai. Non-empty user values are kept unless
//     OverwriteUserValues is set.
//  3. Otherwise keep the current value, unchanged.
//
// Status and reason always describe the extraction outcome. Confidence and
// evidence are kept only when the final value is the candidate's.
func (p OverwritePolicy) Apply(cur model.CurrentFieldValue, cand model.CandidateValue) model.FilledField {
	out := model.FilledField{
		Value:  cur.Value,
		Source: cur.Source,
		Status: cand.Status,
		Reason: cand.Reason,
	}
	if cur.Locked {
		return out
	}

	out.Confidence = cand.Confidence
	if cand.Status != model.StatusExtracted || !cand.HasValue() {
		return out
	}
	out.Evidence = cand.Evidence

	if cur.Source == model.SourceUser && !model.IsEmpty(cur.Value) && !p.OverwriteUserValues {
		if !coerce.Equal(cand.Value, cur.Value) {
			out.Confidence = nil
			out.Evidence = ""
		}
		return out
	}
	if coerce.Equal(cand.Value, cur.Value) {
		return out
	}

	out.Value = cand.Value
	out.Changed = true
	out.PreviousValue = cur.Value
	out.Source = model.SourceAI
	return out
}
