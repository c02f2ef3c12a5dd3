package model

import (
	"regexp"
	"strings"
)

// FieldType is the closed set of value shapes a form field can hold.
type FieldType string

const (
	FieldText       FieldType = "text"
	FieldMultiValue FieldType = "multiValue"
	FieldNumber     FieldType = "number"
	FieldDate       FieldType = "date"
	FieldEnum       FieldType = "enum"
)

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldMultiValue, FieldNumber, FieldDate, FieldEnum:
		return true
	}
	return false
}

// Field priorities. Fields with PriorityHigh are escalated when missing even
// if they are not required.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// FieldSpec describes one slot of a structured form.
type FieldSpec struct {
	ID                  string         `json:"id" yaml:"id"`
	Label               string         `json:"label" yaml:"label"`
	Type                FieldType      `json:"type" yaml:"type"`
	Required            bool           `json:"required,omitempty" yaml:"required,omitempty"`
	Options             []string       `json:"options,omitempty" yaml:"options,omitempty"`
	Pattern             string         `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Description         string         `json:"description,omitempty" yaml:"description,omitempty"`
	Priority            string         `json:"priority,omitempty" yaml:"priority,omitempty"`
	ConfidenceThreshold float64        `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	PatternRegex        *regexp.Regexp `json:"-" yaml:"-"` // compiled from Pattern by NewSchema
}

// DisplayName returns the label, falling back to the id.
func (f FieldSpec) DisplayName() string {
	if strings.TrimSpace(f.Label) != "" {
		return f.Label
	}
	return f.ID
}

// Threshold returns the field's confidence threshold or def when unset.
func (f FieldSpec) Threshold(def float64) float64 {
	if f.ConfidenceThreshold > 0 && f.ConfidenceThreshold <= 1 {
		return f.ConfidenceThreshold
	}
	return def
}

// Validate checks the per-variant constraints of a single field.
func (f *FieldSpec) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return &ValidationError{Reason: "field id is empty"}
	}
	if !f.Type.Valid() {
		return &ValidationError{Field: f.ID, Reason: "unknown field type " + string(f.Type)}
	}
	if f.Type == FieldEnum && len(f.Options) == 0 {
		return &ValidationError{Field: f.ID, Reason: "enum field declares no options"}
	}
	if f.Type != FieldEnum && len(f.Options) > 0 {
		return &ValidationError{Field: f.ID, Reason: "options are only allowed on enum fields"}
	}
	if f.Pattern != "" {
		if f.Type != FieldText {
			return &ValidationError{Field: f.ID, Reason: "pattern is only allowed on text fields"}
		}
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return &ValidationError{Field: f.ID, Reason: "invalid pattern: " + err.Error()}
		}
		f.PatternRegex = re
	}
	switch f.Priority {
	case "", PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return &ValidationError{Field: f.ID, Reason: "unknown priority " + f.Priority}
	}
	if f.ConfidenceThreshold < 0 || f.ConfidenceThreshold > 1 {
		return &ValidationError{Field: f.ID, Reason: "confidence threshold must be within [0,1]"}
	}
	return nil
}

// Schema is a validated, ordered collection of field specs with indexed lookups.
type Schema struct {
	Domain   string
	Fields   []FieldSpec
	byID     map[string]*FieldSpec
	required []*FieldSpec
}

// NewSchema validates fields and builds a Schema. Field order is preserved.
// Patterns are compiled once here.
func NewSchema(domain string, fields []FieldSpec) (*Schema, error) {
	if len(fields) == 0 {
		return nil, &ValidationError{Reason: "field list is empty"}
	}
	s := &Schema{
		Domain: domain,
		Fields: make([]FieldSpec, len(fields)),
		byID:   make(map[string]*FieldSpec, len(fields)),
	}
	copy(s.Fields, fields)
	for i := range s.Fields {
		f := &s.Fields[i]
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byID[f.ID]; dup {
			return nil, &ValidationError{Field: f.ID, Reason: "duplicate field id"}
		}
		s.byID[f.ID] = f
		if f.Required {
			s.required = append(s.required, f)
		}
	}
	return s, nil
}

// ByID returns the field with the given id, or nil if not found.
func (s *Schema) ByID(id string) *FieldSpec {
	return s.byID[id]
}

// Required returns the required fields in schema order.
func (s *Schema) Required() []*FieldSpec {
	return s.required
}

// IDs returns the field ids in schema order.
func (s *Schema) IDs() []string {
	ids := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		ids[i] = f.ID
	}
	return ids
}

// Specs returns pointers to the fields in schema order.
func (s *Schema) Specs() []*FieldSpec {
	out := make([]*FieldSpec, len(s.Fields))
	for i := range s.Fields {
		out[i] = &s.Fields[i]
	}
	return out
}
