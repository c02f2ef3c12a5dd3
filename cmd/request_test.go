package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fieldfill/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadRequest_YAML(t *testing.T) {
	path := writeFile(t, "req.yaml", `
domain: support
old_transcript: Customer called about ticket 42.
new_transcript: The ticket is now closed.
fields:
  - id: status
    label: Status
    type: enum
    options: [OPEN, CLOSED]
    required: true
  - id: hours
    label: Hours spent
    type: number
current_values:
  status:
    value: OPEN
    source: ai
  hours:
    value: 3
    source: user
    locked: true
few_shots:
  - id: ex-1
    transcript: Ticket closed after 2 hours.
    expected:
      status: CLOSED
      hours: 2
options:
  confidence_threshold: 0.8
  overwrite_user_values: true
`)

	req, err := loadRequest(path)
	require.NoError(t, err)

	assert.Equal(t, "support", req.Domain)
	require.Len(t, req.Fields, 2)
	assert.Equal(t, model.FieldEnum, req.Fields[0].Type)
	assert.Equal(t, []string{"OPEN", "CLOSED"}, req.Fields[0].Options)
	assert.True(t, req.Fields[0].Required)
	assert.Equal(t, "OPEN", req.CurrentValues["status"].Value)
	assert.Equal(t, float64(3), req.CurrentValues["hours"].Value)
	assert.True(t, req.CurrentValues["hours"].Locked)
	assert.Equal(t, model.SourceUser, req.CurrentValues["hours"].Source)
	assert.Equal(t, float64(2), req.FewShots[0].Expected["hours"])
	assert.InDelta(t, 0.8, req.Options.ConfidenceThreshold, 1e-9)
	assert.True(t, req.Options.OverwriteUserValues)

	_, err = req.Validate()
	assert.NoError(t, err)
}

func TestLoadRequest_JSON(t *testing.T) {
	path := writeFile(t, "req.json", `{
  "domain": "support",
  "new_transcript": "Alice and Bob joined.",
  "fields": [{"id": "attendees", "label": "Attendees", "type": "multiValue"}],
  "current_values": {"attendees": {"value": null}}
}`)

	req, err := loadRequest(path)
	require.NoError(t, err)
	assert.Equal(t, model.FieldMultiValue, req.Fields[0].Type)
	assert.Nil(t, req.CurrentValues["attendees"].Value)
}

func TestLoadRequest_Errors(t *testing.T) {
	_, err := loadRequest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read request")

	_, err = loadRequest(writeFile(t, "bad.yaml", "fields: [unclosed"))
	assert.ErrorContains(t, err, "parse request")
}

func TestLoadExemplars(t *testing.T) {
	path := writeFile(t, "ex.yaml", `
- id: a
  transcript: We closed ticket 42 after 1 hour.
  expected: {status: CLOSED, hours: 1}
- transcript: Ticket reopened.
  expected: {status: OPEN}
`)

	exemplars, err := loadExemplars(path)
	require.NoError(t, err)
	require.Len(t, exemplars, 2)
	assert.Equal(t, "a", exemplars[0].ID)
	assert.Equal(t, float64(1), exemplars[0].Expected["hours"])
	assert.Empty(t, exemplars[1].ID)
}

func TestScalar(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{7, float64(7)},
		{int64(7), float64(7)},
		{float32(1.5), float64(1.5)},
		{2.25, 2.25},
		{true, "true"},
		{"x", "x"},
		{nil, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scalar(tt.in))
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, model.FilledField{Value: "CLOSED", Changed: true}))
	assert.Contains(t, buf.String(), `"value": "CLOSED"`)
	assert.Contains(t, buf.String(), `"previous_value": null`)
}

func TestApplyConfigOptions(t *testing.T) {
	c := testConfig()
	c.Extraction.ConfidenceThreshold = 0.85
	c.Extraction.MaxEscalationsPerField = 3
	c.Extraction.RequireEvidence = true
	c.Extraction.OverwriteUserValues = true

	var opts model.Options
	applyConfigOptions(c, &opts)
	assert.InDelta(t, 0.85, opts.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 3, opts.MaxEscalationsPerField)
	assert.True(t, opts.RequireEvidence)
	assert.True(t, opts.OverwriteUserValues)

	opts = model.Options{ConfidenceThreshold: 0.5, MaxEscalationsPerField: 1}
	applyConfigOptions(c, &opts)
	assert.InDelta(t, 0.5, opts.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 1, opts.MaxEscalationsPerField)

	opts = model.Options{}
	applyConfigOptions(nil, &opts)
	assert.Zero(t, opts.ConfidenceThreshold)
	assert.False(t, opts.OverwriteUserValues)
}

func TestApplyConfigOptions_FromRequestFile(t *testing.T) {
	path := writeFile(t, "req.yaml", `
domain: support
new_transcript: Bob takes over.
fields:
  - id: owner
    type: text
`)
	req, err := loadRequest(path)
	require.NoError(t, err)
	assert.False(t, req.Options.OverwriteUserValues)

	c := testConfig()
	c.Extraction.OverwriteUserValues = true
	applyConfigOptions(c, &req.Options)
	assert.True(t, req.Options.OverwriteUserValues)
}
