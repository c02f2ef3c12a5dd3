package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/fieldfill/internal/model"
)

func TestOverwritePolicy_Apply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		policy      OverwritePolicy
		cur         model.CurrentFieldValue
		cand        model.CandidateValue
		wantValue   any
		wantChanged bool
		wantPrev    any
		wantSource  model.Source
	}{
		{
			name:       "locked keeps current",
			cur:        model.CurrentFieldValue{Value: "do not change", Source: model.SourceUser, Locked: true},
			cand:       cand("something else", 0.99, "else"),
			wantValue:  "do not change",
			wantSource: model.SourceUser,
		},
		{
			name:        "new value over null",
			cur:         model.CurrentFieldValue{},
			cand:        cand("CLOSED", 0.9, "closed"),
			wantValue:   "CLOSED",
			wantChanged: true,
			wantPrev:    nil,
			wantSource:  model.SourceAI,
		},
		{
			name:        "new value over ai value",
			cur:         model.CurrentFieldValue{Value: "OPEN", Source: model.SourceAI},
			cand:        cand("CLOSED", 0.9, "closed"),
			wantValue:   "CLOSED",
			wantChanged: true,
			wantPrev:    "OPEN",
			wantSource:  model.SourceAI,
		},
		{
			name:       "equal value is unchanged",
			cur:        model.CurrentFieldValue{Value: float64(12), Source: model.SourceUser},
			cand:       cand(float64(12), 0.9, "12"),
			wantValue:  float64(12),
			wantSource: model.SourceUser,
		},
		{
			name:       "user value preserved by default",
			cur:        model.CurrentFieldValue{Value: "Alice", Source: model.SourceUser},
			cand:       cand("Bob", 0.95, "Bob"),
			wantValue:  "Alice",
			wantSource: model.SourceUser,
		},
		{
			name:        "user value overwritten when permitted",
			policy:      OverwritePolicy{OverwriteUserValues: true},
			cur:         model.CurrentFieldValue{Value: "Alice", Source: model.SourceUser},
			cand:        cand("Bob", 0.95, "Bob"),
			wantValue:   "Bob",
			wantChanged: true,
			wantPrev:    "Alice",
			wantSource:  model.SourceAI,
		},
		{
			name:        "empty user value is filled",
			cur:         model.CurrentFieldValue{Value: "", Source: model.SourceUser},
			cand:        cand("Bob", 0.95, "Bob"),
			wantValue:   "Bob",
			wantChanged: true,
			wantPrev:    "",
			wantSource:  model.SourceAI,
		},
		{
			name:       "absent candidate keeps current",
			cur:        model.CurrentFieldValue{Value: "OPEN", Source: model.SourceAI},
			cand:       model.Absent(model.ReasonNotFound),
			wantValue:  "OPEN",
			wantSource: model.SourceAI,
		},
		{
			name:       "provider failure keeps current",
			cur:        model.CurrentFieldValue{Value: "OPEN", Source: model.SourceAI},
			cand:       model.Absent(model.ReasonProviderFailure),
			wantValue:  "OPEN",
			wantSource: model.SourceAI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.policy.Apply(tt.cur, tt.cand)
			assert.Equal(t, tt.wantValue, got.Value)
			assert.Equal(t, tt.wantChanged, got.Changed)
			assert.Equal(t, tt.wantPrev, got.PreviousValue)
			assert.Equal(t, tt.wantSource, got.Source)
		})
	}
}

func TestOverwritePolicy_LockedHidesCandidateDetails(t *testing.T) {
	t.Parallel()

	got := OverwritePolicy{}.Apply(
		model.CurrentFieldValue{Value: "x", Locked: true},
		cand("y", 0.9, "y"),
	)
	assert.Nil(t, got.Confidence)
	assert.Empty(t, got.Evidence)
	assert.False(t, got.Changed)
}

func TestOverwritePolicy_KeptUserValueDropsCandidateDetails(t *testing.T) {
	t.Parallel()

	got := OverwritePolicy{}.Apply(
		model.CurrentFieldValue{Value: "Alice", Source: model.SourceUser},
		cand("Bob", 0.8, "Bob said"),
	)
	assert.Equal(t, model.StatusExtracted, got.Status)
	assert.Equal(t, "Alice", got.Value)
	assert.Empty(t, got.Evidence)
	assert.Nil(t, got.Confidence)

	got = OverwritePolicy{}.Apply(
		model.CurrentFieldValue{Value: "Alice", Source: model.SourceUser},
		cand("Alice", 0.8, "Alice said"),
	)
	assert.Equal(t, "Alice said", got.Evidence)
	assert.InDelta(t, 0.8, *got.Confidence, 1e-9)
}
