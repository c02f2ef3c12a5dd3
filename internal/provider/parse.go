package provider

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fieldfill/internal/coerce"
	"github.com/sells-group/fieldfill/internal/model"
)

// CleanJSON strips markdown fences and surrounding prose from a model reply,
// keeping the outermost JSON object.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// DecodeJSON decodes a model reply into v. Numbers decode as json.Number so
// numeric field values keep their precision until coercion.
func DecodeJSON(text string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(CleanJSON(text))))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return eris.Wrap(err, "provider: decode model output")
	}
	return nil
}

// parseBatch maps a batch reply onto the requested fields. Fields the model
// omitted are absent.
func parseBatch(text string, fields []*model.FieldSpec, pc PromptContext, providerName string) map[string]model.CandidateValue {
	out := make(map[string]model.CandidateValue, len(fields))

	var raw map[string]any
	if err := DecodeJSON(text, &raw); err != nil {
		zap.L().Warn("provider: unparseable batch output",
			zap.String("provider", providerName),
			zap.Error(err),
		)
		for _, f := range fields {
			out[f.ID] = withProvider(model.Absent(model.ReasonFormatMismatch), providerName)
		}
		return out
	}

	entries := raw
	if nested, ok := raw["fields"].(map[string]any); ok {
		entries = nested
	}

	for _, f := range fields {
		entry, ok := entries[f.ID].(map[string]any)
		if !ok {
			out[f.ID] = withProvider(model.Absent(model.ReasonNotFound), providerName)
			continue
		}
		out[f.ID] = withProvider(parseCandidate(entry, f, pc, providerName), providerName)
	}
	return out
}

// parseSingle parses a single-field reply.
func parseSingle(text string, f *model.FieldSpec, pc PromptContext, providerName string) model.CandidateValue {
	var raw map[string]any
	if err := DecodeJSON(text, &raw); err != nil {
		zap.L().Warn("provider: unparseable field output",
			zap.String("provider", providerName),
			zap.String("field", f.ID),
			zap.Error(err),
		)
		return withProvider(model.Absent(model.ReasonFormatMismatch), providerName)
	}
	// Some models answer single-field prompts in the batch shape.
	if nested, ok := raw["fields"].(map[string]any); ok {
		if entry, ok := nested[f.ID].(map[string]any); ok {
			raw = entry
		}
	} else if entry, ok := raw[f.ID].(map[string]any); ok {
		if _, hasValue := raw["value"]; !hasValue {
			raw = entry
		}
	}
	return withProvider(parseCandidate(raw, f, pc, providerName), providerName)
}

// parseCandidate applies the structural schema and the grounding rule to
// one raw entry. Violations drop the value to null.
func parseCandidate(entry map[string]any, f *model.FieldSpec, pc PromptContext, providerName string) model.CandidateValue {
	c := model.CandidateValue{Value: decodeNumbers(entry["value"])}

	if conf, ok := toFloat64(entry["confidence"]); ok {
		c.Confidence = model.Float64(model.ClampConfidence(conf))
	}
	c.Evidence, _ = entry["evidence"].(string)
	c.Evidence = strings.TrimSpace(c.Evidence)
	reported, _ := entry["status"].(string)
	c.Reason, _ = entry["reason"].(string)

	if s, ok := c.Value.(string); ok && strings.TrimSpace(s) == "" {
		c.Value = nil
	}

	if !coerce.Conforms(c.Value, f) {
		zap.L().Warn("provider: schema violation",
			zap.String("provider", providerName),
			zap.String("field", f.ID),
			zap.String("type", string(f.Type)),
			zap.Any("raw_value", c.Value),
		)
		return model.CandidateValue{Status: model.StatusAbsent, Reason: model.ReasonFormatMismatch, Confidence: c.Confidence}
	}

	if c.Value != nil {
		grounded := coerce.Grounded(c.Evidence, pc.NewTranscript)
		if (c.Evidence != "" && !grounded) || (c.Evidence == "" && pc.RequireEvidence) {
			zap.L().Warn("provider: grounding violation",
				zap.String("provider", providerName),
				zap.String("field", f.ID),
				zap.String("evidence", c.Evidence),
			)
			return model.CandidateValue{Status: model.StatusAbsent, Reason: model.ReasonUngrounded}
		}
		c.Status = model.StatusExtracted
		c.Reason = ""
		return c
	}

	c.Evidence = ""
	if model.FieldStatus(reported) == model.StatusConflict {
		c.Status = model.StatusConflict
		if c.Reason == "" {
			c.Reason = model.ReasonConflict
		}
		return c
	}
	c.Status = model.StatusAbsent
	if c.Reason == "" {
		c.Reason = model.ReasonNotFound
	}
	return c
}

func withProvider(c model.CandidateValue, name string) model.CandidateValue {
	c.Provider = name
	return c
}

// decodeNumbers converts json.Number into float64, recursing into lists.
func decodeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = decodeNumbers(item)
		}
		return out
	}
	return v
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
