package model

import (
	"strings"
	"time"
)

// Defaults applied by Options.WithDefaults.
const (
	DefaultConfidenceThreshold    = 0.7
	DefaultMaxEscalationsPerField = 1
)

// Exemplar is a previously solved transcript with its expected values.
type Exemplar struct {
	ID         string         `json:"id" yaml:"id"`
	Domain     string         `json:"domain,omitempty" yaml:"domain,omitempty"`
	Transcript string         `json:"transcript" yaml:"transcript"`
	Expected   map[string]any `json:"expected" yaml:"expected"`
}

// Options tune one extraction request.
type Options struct {
	ConfidenceThreshold    float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	MaxEscalationsPerField int     `json:"max_escalations_per_field,omitempty" yaml:"max_escalations_per_field,omitempty"`
	RequireEvidence        bool    `json:"require_evidence,omitempty" yaml:"require_evidence,omitempty"`
	// OverwriteUserValues permits AI output to replace non-empty,
	// user-sourced values. Off by default.
	OverwriteUserValues bool `json:"overwrite_user_values,omitempty" yaml:"overwrite_user_values,omitempty"`
	// DisableEscalation skips the targeted second pass.
	DisableEscalation bool `json:"disable_escalation,omitempty" yaml:"disable_escalation,omitempty"`
	// Today anchors relative dates (YYYY-MM-DD). Defaults to the current date.
	Today string `json:"today,omitempty" yaml:"today,omitempty"`
}

// WithDefaults fills zero-valued options.
func (o Options) WithDefaults() Options {
	if o.ConfidenceThreshold <= 0 || o.ConfidenceThreshold > 1 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if o.MaxEscalationsPerField < 0 {
		o.MaxEscalationsPerField = 0
	} else if o.MaxEscalationsPerField == 0 && !o.DisableEscalation {
		o.MaxEscalationsPerField = DefaultMaxEscalationsPerField
	}
	if o.DisableEscalation {
		o.MaxEscalationsPerField = 0
	}
	if o.Today == "" {
		o.Today = time.Now().Format(time.DateOnly)
	}
	return o
}

// ExtractionRequest is the input of one engine call.
type ExtractionRequest struct {
	Domain        string                       `json:"domain" yaml:"domain"`
	OldTranscript string                       `json:"old_transcript,omitempty" yaml:"old_transcript,omitempty"`
	NewTranscript string                       `json:"new_transcript" yaml:"new_transcript"`
	Fields        []FieldSpec                  `json:"fields" yaml:"fields"`
	CurrentValues map[string]CurrentFieldValue `json:"current_values,omitempty" yaml:"current_values,omitempty"`
	FewShots      []Exemplar                   `json:"few_shots,omitempty" yaml:"few_shots,omitempty"`
	Options       Options                      `json:"options,omitempty" yaml:"options,omitempty"`
}

// Validate checks the request shape and returns the compiled schema.
func (r *ExtractionRequest) Validate() (*Schema, error) {
	if strings.TrimSpace(r.NewTranscript) == "" {
		return nil, &ValidationError{Reason: "new transcript is empty"}
	}
	schema, err := NewSchema(r.Domain, r.Fields)
	if err != nil {
		return nil, err
	}
	for id := range r.CurrentValues {
		if schema.ByID(id) == nil {
			return nil, &ValidationError{Field: id, Reason: "current value for unknown field"}
		}
	}
	for id, cv := range r.CurrentValues {
		switch cv.Source {
		case "", SourceUser, SourceAI:
		default:
			return nil, &ValidationError{Field: id, Reason: "unknown value source " + string(cv.Source)}
		}
	}
	return schema, nil
}

// Current returns the current value for id, or the zero value.
func (r *ExtractionRequest) Current(id string) CurrentFieldValue {
	return r.CurrentValues[id]
}

// CombinedTranscript joins the old and new transcripts.
func (r *ExtractionRequest) CombinedTranscript() string {
	old := strings.TrimSpace(r.OldTranscript)
	if old == "" {
		return strings.TrimSpace(r.NewTranscript)
	}
	return old + "\n" + strings.TrimSpace(r.NewTranscript)
}

// TranscriptEcho returns the transcripts the engine worked from.
type TranscriptEcho struct {
	Old      string `json:"old"`
	New      string `json:"new"`
	Combined string `json:"combined"`
}

// TokenUsage tracks token consumption across provider calls.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}

// ExtractionResult is the output of ExtractAllFields.
type ExtractionResult struct {
	Filled          map[string]FilledField `json:"filled"`
	ModelIdentifier string                 `json:"model_identifier"`
	Transcript      TranscriptEcho         `json:"transcript"`
	Completeness    float64                `json:"completeness"`
	Issues          []string               `json:"issues"`
	Escalations     int                    `json:"escalations"`
	FewShotCount    int                    `json:"few_shot_count"`
	TokenUsage      TokenUsage             `json:"token_usage"`
	TimingsMs       map[string]int64       `json:"timings_ms,omitempty"`
}

// Run is a recorded extraction result, persisted by the CLI.
type Run struct {
	ID           string            `json:"id"`
	Domain       string            `json:"domain"`
	Model        string            `json:"model"`
	Completeness float64           `json:"completeness"`
	Result       *ExtractionResult `json:"result"`
	CreatedAt    time.Time         `json:"created_at"`
}

// RunFilter narrows run listings.
type RunFilter struct {
	Domain string
	Limit  int
}
