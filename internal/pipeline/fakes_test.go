package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/provider"
	"github.com/sells-group/fieldfill/internal/resilience"
)

// scriptLLM answers each request with respond and records every call.
type scriptLLM struct {
	model   string
	respond func(req provider.Request) (string, error)

	mu    sync.Mutex
	calls []provider.Request
}

func (s *scriptLLM) Model() string { return s.model }

func (s *scriptLLM) Generate(_ context.Context, req provider.Request) (*provider.Generation, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	text, err := s.respond(req)
	if err != nil {
		return nil, err
	}
	return &provider.Generation{
		Text:  text,
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 20, Cost: 0.001},
	}, nil
}

func (s *scriptLLM) phaseCalls(phase string) []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []provider.Request
	for _, c := range s.calls {
		if c.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}

func (s *scriptLLM) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// byPhase routes requests to a canned reply per phase. Missing phases
// reply with an empty object.
func byPhase(replies map[string]string) func(provider.Request) (string, error) {
	return func(req provider.Request) (string, error) {
		if r, ok := replies[req.Phase]; ok {
			return r, nil
		}
		return "{}", nil
	}
}

func testPolicy() resilience.Policy {
	return resilience.Policy{Retries: -1, AttemptTimeout: 2 * time.Second}
}

func newTestProvider(name string, respond func(provider.Request) (string, error)) (*provider.Provider, *scriptLLM) {
	llm := &scriptLLM{model: name + "-model", respond: respond}
	return provider.New(llm, provider.Config{Name: name, Policy: testPolicy()}), llm
}

func mustSchema(t *testing.T, fields ...model.FieldSpec) *model.Schema {
	t.Helper()
	s, err := model.NewSchema("support", fields)
	require.NoError(t, err)
	return s
}

func statusField() model.FieldSpec {
	return model.FieldSpec{ID: "status", Label: "Status", Type: model.FieldEnum, Options: []string{"OPEN", "CLOSED"}}
}

func attendeesField() model.FieldSpec {
	return model.FieldSpec{ID: "attendees", Label: "Attendees", Type: model.FieldMultiValue}
}

func notesField() model.FieldSpec {
	return model.FieldSpec{ID: "notes", Label: "Notes", Type: model.FieldText}
}

// promptMentions reports whether a field prompt is about id.
func promptMentions(req provider.Request, id string) bool {
	return strings.Contains(req.Prompt, "- id: "+id+" ")
}

func conf(v float64) *float64 { return &v }

func cand(value any, confidence float64, evidence string) model.CandidateValue {
	return model.CandidateValue{
		Value:      value,
		Confidence: conf(confidence),
		Evidence:   evidence,
		Status:     model.StatusExtracted,
	}
}
