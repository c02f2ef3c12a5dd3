package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/fieldfill/internal/coerce"
	"github.com/sells-group/fieldfill/internal/model"
)

// MaxFewShotsPerField bounds the exemplars shown for any one field.
const MaxFewShotsPerField = 3

// exemplarPreviewChars truncates exemplar transcripts inside prompts.
const exemplarPreviewChars = 300

// PromptContext is the request-scoped material every extraction prompt shares.
type PromptContext struct {
	Domain          string
	OldTranscript   string
	NewTranscript   string
	Current         map[string]model.CurrentFieldValue
	FewShots        []model.Exemplar
	Today           string
	RequireEvidence bool
}

// ContextFromRequest builds a PromptContext from an extraction request.
func ContextFromRequest(req *model.ExtractionRequest, fewShots []model.Exemplar) PromptContext {
	opts := req.Options.WithDefaults()
	return PromptContext{
		Domain:          req.Domain,
		OldTranscript:   req.OldTranscript,
		NewTranscript:   req.NewTranscript,
		Current:         req.CurrentValues,
		FewShots:        fewShots,
		Today:           opts.Today,
		RequireEvidence: opts.RequireEvidence,
	}
}

const extractionSystemText = `You fill structured form fields from conversation transcripts.

Rules:
- Only the NEW transcript is a source of new values. The OLD transcript is context only; never extract from it.
- If the NEW transcript does not mention a field, return null for it so the current value is kept.
- Never change a field marked LOCKED; return null for it.
- Dates are YYYY-MM-DD. Resolve relative dates against the reference date.
- Numbers are plain numerals without units, currency symbols or thousands separators.
- Enum values must be exactly one of the listed options.
- Multiple values are one comma-separated string, e.g. "value1, value2".
- "evidence" must be a short quote copied verbatim from the NEW transcript that supports the value.
- "confidence" is a number between 0 and 1.
- "status" is "extracted" when a value is given, "absent" when the NEW transcript has no information, "conflict" when it makes contradictory statements.
- Respond with JSON only.`

const batchPrompt = `Domain: %s | Reference date: %s

OUTPUT FORMAT:
{"fields": {"<field id>": {"value": <value or null>, "confidence": <0.0-1.0>, "evidence": "<verbatim quote>", "status": "extracted|absent|conflict"}}}
Include every field id listed below.
%s
FIELDS:
%s

OLD transcript (context only; do not extract from this):
%s

NEW transcript (extract ONLY from this):
%s`

const fieldPrompt = `Domain: %s | Reference date: %s

OUTPUT FORMAT:
{"value": <value or null>, "confidence": <0.0-1.0>, "evidence": "<verbatim quote>", "status": "extracted|absent|conflict"}
%s
FIELD:
%s

OLD transcript (context only; do not extract from this):
%s

NEW transcript (extract ONLY from this):
%s`

// SystemText returns the shared extraction rules. requireEvidence adds the
// rule that values without a quote are rejected.
func SystemText(requireEvidence bool) string {
	if !requireEvidence {
		return extractionSystemText
	}
	return extractionSystemText + "\n- Every non-null value MUST include evidence; values without evidence are discarded."
}

// BuildBatchPrompt renders one prompt asking for every field at once.
func BuildBatchPrompt(fields []*model.FieldSpec, pc PromptContext) string {
	var fb strings.Builder
	for _, f := range fields {
		fb.WriteString(describeField(f, pc.Current[f.ID]))
		fb.WriteString("\n")
	}
	return fmt.Sprintf(batchPrompt,
		domainOrUnspecified(pc.Domain),
		pc.Today,
		formatFewShots(fields, pc.FewShots),
		strings.TrimRight(fb.String(), "\n"),
		emptyOr(pc.OldTranscript, "(empty)"),
		pc.NewTranscript,
	)
}

// BuildFieldPrompt renders a prompt for a single field.
func BuildFieldPrompt(f *model.FieldSpec, pc PromptContext) string {
	return fmt.Sprintf(fieldPrompt,
		domainOrUnspecified(pc.Domain),
		pc.Today,
		formatFewShots([]*model.FieldSpec{f}, pc.FewShots),
		describeField(f, pc.Current[f.ID]),
		emptyOr(pc.OldTranscript, "(empty)"),
		pc.NewTranscript,
	)
}

func describeField(f *model.FieldSpec, cur model.CurrentFieldValue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- id: %s | label: %s | type: %s", f.ID, f.DisplayName(), f.Type)
	if f.Required {
		b.WriteString(" | required")
	}
	if len(f.Options) > 0 {
		fmt.Fprintf(&b, " | options: %s", strings.Join(f.Options, ", "))
	}
	if f.Pattern != "" {
		fmt.Fprintf(&b, " | pattern: %s", f.Pattern)
	}
	if d := strings.TrimSpace(f.Description); d != "" {
		fmt.Fprintf(&b, "\n  description: %s", d)
	}
	fmt.Fprintf(&b, "\n  current value: %s", jsonValue(cur.Value))
	if cur.Locked {
		b.WriteString(" (LOCKED: do not change)")
	}
	return b.String()
}

// formatFewShots renders up to MaxFewShotsPerField exemplars, each projected
// onto the requested fields. Exemplars with no value for any of them are skipped.
func formatFewShots(fields []*model.FieldSpec, shots []model.Exemplar) string {
	if len(shots) == 0 {
		return ""
	}
	var b strings.Builder
	n := 0
	for _, ex := range shots {
		if n == MaxFewShotsPerField {
			break
		}
		expected := make(map[string]any)
		for _, f := range fields {
			if v, ok := ex.Expected[f.ID]; ok {
				expected[f.ID] = v
			}
		}
		if len(expected) == 0 {
			continue
		}
		n++
		if n == 1 {
			b.WriteString("\nEXAMPLES (solved transcripts of the same domain):\n")
		}
		fmt.Fprintf(&b, "Text %d: %s\nExpected: %s\n", n, truncate(ex.Transcript, exemplarPreviewChars), jsonValue(expected))
	}
	return b.String()
}

func jsonValue(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return coerce.Format(v)
	}
	return string(b)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

func domainOrUnspecified(d string) string {
	return emptyOr(d, "(unspecified)")
}

func emptyOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
