package model

import (
	"encoding/json"
	"strings"
)

// Source identifies who produced a field's current value.
type Source string

const (
	SourceUser Source = "user"
	SourceAI   Source = "ai"
)

// FieldStatus is the extraction outcome for one field.
type FieldStatus string

const (
	StatusExtracted FieldStatus = "extracted"
	StatusAbsent    FieldStatus = "absent"
	StatusConflict  FieldStatus = "conflict"
)

// Reasons attached to non-extracted candidates.
const (
	ReasonNotFound        = "info_not_found"
	ReasonFormatMismatch  = "format_mismatch"
	ReasonUngrounded      = "evidence_not_in_transcript"
	ReasonProviderFailure = "provider_failure"
	ReasonConflict        = "conflicting_statements"
	ReasonLowConfidence   = "low_confidence"
	ReasonLocked          = "locked"
)

// CurrentFieldValue is the caller-owned value of a field before extraction.
// Value is a string, a float64 or nil.
type CurrentFieldValue struct {
	Value  any    `json:"value" yaml:"value"`
	Source Source `json:"source,omitempty" yaml:"source,omitempty"`
	Locked bool   `json:"locked,omitempty" yaml:"locked,omitempty"`
}

// CandidateValue is one provider's proposal for a field.
type CandidateValue struct {
	Value      any         `json:"value"`
	Confidence *float64    `json:"confidence,omitempty"`
	Evidence   string      `json:"evidence,omitempty"`
	Status     FieldStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	Provider   string      `json:"provider,omitempty"`
}

// HasValue reports whether the candidate carries a non-null value.
func (c CandidateValue) HasValue() bool {
	return !IsEmpty(c.Value)
}

// ConfidenceOr returns the confidence, or def when none was reported.
func (c CandidateValue) ConfidenceOr(def float64) float64 {
	if c.Confidence == nil {
		return def
	}
	return *c.Confidence
}

// Absent builds a non-extracted candidate with the given reason.
func Absent(reason string) CandidateValue {
	return CandidateValue{Status: StatusAbsent, Reason: reason}
}

// Contradiction flags transcript text that conflicts with an accepted value.
type Contradiction struct {
	Reason string `json:"reason"`
	Quote  string `json:"quote"`
}

// FilledField is the engine's final answer for one field.
type FilledField struct {
	Value         any            `json:"value"`
	Changed       bool           `json:"changed"`
	PreviousValue any            `json:"-"`
	Source        Source         `json:"source,omitempty"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Evidence      string         `json:"evidence,omitempty"`
	Contradiction *Contradiction `json:"contradiction,omitempty"`
	Status        FieldStatus    `json:"status,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ActionMessage string         `json:"action_message,omitempty"`
}

// MarshalJSON emits previous_value only when the field changed, so a null
// previous value is distinguishable from an unchanged field.
func (f FilledField) MarshalJSON() ([]byte, error) {
	type alias FilledField
	if !f.Changed {
		return json.Marshal(alias(f))
	}
	return json.Marshal(struct {
		alias
		PreviousValue any `json:"previous_value"`
	}{alias(f), f.PreviousValue})
}

// IsEmpty reports whether v is nil or a blank string.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// Float64 returns a pointer to v. Used for optional confidences.
func Float64(v float64) *float64 {
	return &v
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
