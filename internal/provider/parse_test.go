package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/fieldfill/internal/model"
)

func TestCleanJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go: {\"a\":1} hope this helps", `{"a":1}`},
		{"no object", "nothing", "nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CleanJSON(tt.in))
		})
	}
}

func TestParseCandidate(t *testing.T) {
	t.Parallel()

	fields := testFields(t)
	status, attendees, amount := fields[0], fields[1], fields[2]
	pc := testContext()

	t.Run("ungrounded evidence is discarded", func(t *testing.T) {
		t.Parallel()
		c := parseCandidate(map[string]any{
			"value": "OPEN", "confidence": 0.99, "evidence": "the ticket was reopened",
		}, status, pc, "a")
		assert.Nil(t, c.Value)
		assert.Equal(t, model.StatusAbsent, c.Status)
		assert.Equal(t, model.ReasonUngrounded, c.Reason)
		assert.Nil(t, c.Confidence)
	})

	t.Run("evidence from old transcript is discarded", func(t *testing.T) {
		t.Parallel()
		c := parseCandidate(map[string]any{
			"value": "Alice", "evidence": "Alice opened the ticket",
		}, attendees, pc, "a")
		assert.Nil(t, c.Value)
		assert.Equal(t, model.ReasonUngrounded, c.Reason)
	})

	t.Run("missing evidence tolerated unless required", func(t *testing.T) {
		t.Parallel()
		c := parseCandidate(map[string]any{"value": "CLOSED"}, status, pc, "a")
		assert.Equal(t, model.StatusExtracted, c.Status)

		strict := pc
		strict.RequireEvidence = true
		c = parseCandidate(map[string]any{"value": "CLOSED"}, status, strict, "a")
		assert.Nil(t, c.Value)
		assert.Equal(t, model.ReasonUngrounded, c.Reason)
	})

	t.Run("structural violation drops to null", func(t *testing.T) {
		t.Parallel()
		c := parseCandidate(map[string]any{"value": "120", "evidence": "120 dollars"}, amount, pc, "a")
		assert.Nil(t, c.Value)
		assert.Equal(t, model.ReasonFormatMismatch, c.Reason)

		c = parseCandidate(map[string]any{"value": map[string]any{"x": 1}}, status, pc, "a")
		assert.Nil(t, c.Value)
	})

	t.Run("conflict status kept for null value", func(t *testing.T) {
		t.Parallel()
		c := parseCandidate(map[string]any{"value": nil, "status": "conflict", "confidence": 0.4}, status, pc, "a")
		assert.Equal(t, model.StatusConflict, c.Status)
		assert.Equal(t, model.ReasonConflict, c.Reason)
	})

	t.Run("blank string is absent", func(t *testing.T) {
		t.Parallel()
		c := parseCandidate(map[string]any{"value": "  ", "status": "extracted"}, status, pc, "a")
		assert.Equal(t, model.StatusAbsent, c.Status)
		assert.Equal(t, model.ReasonNotFound, c.Reason)
	})

	t.Run("non numeric confidence ignored", func(t *testing.T) {
		t.Parallel()
		c := parseCandidate(map[string]any{"value": "CLOSED", "confidence": "high"}, status, pc, "a")
		assert.Nil(t, c.Confidence)
	})
}

func TestParseBatch_Unparseable(t *testing.T) {
	t.Parallel()
	fields := testFields(t)
	out := parseBatch("sorry, I cannot help", fields, testContext(), "a")
	assert.Len(t, out, len(fields))
	for _, c := range out {
		assert.Equal(t, model.ReasonFormatMismatch, c.Reason)
		assert.Equal(t, "a", c.Provider)
	}
}

func TestParseSingle_AcceptsKeyedShape(t *testing.T) {
	t.Parallel()
	fields := testFields(t)
	c := parseSingle(`{"status": {"value": "CLOSED", "evidence": "now closed"}}`, fields[0], testContext(), "a")
	assert.Equal(t, "CLOSED", c.Value)

	c = parseSingle(`{"fields": {"status": {"value": "CLOSED"}}}`, fields[0], testContext(), "a")
	assert.Equal(t, "CLOSED", c.Value)
}
