package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/fieldfill/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:           "abc12345-6789-0000-0000-000000000000",
			Domain:       "support",
			Model:        "ensemble:claude-haiku-4-5+gpt-4o-mini",
			Completeness: 0.5,
			Result: &model.ExtractionResult{
				Filled: map[string]model.FilledField{
					"status": {Changed: true},
					"notes":  {},
				},
				Escalations: 2,
			},
			CreatedAt: now,
		},
		{
			ID:        "def",
			Domain:    "sales",
			Model:     "claude-haiku-4-5",
			CreatedAt: now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "DOMAIN")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "support")
	assert.Contains(t, output, "ensemble:claude-haiku-4-5+gpt-4o-mini")
	assert.Contains(t, output, "50%")
	assert.Contains(t, output, "2026-10-18 10:30")
	assert.Contains(t, output, "sales")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
