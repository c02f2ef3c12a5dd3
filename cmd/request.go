package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/fieldfill/internal/config"
	"github.com/sells-group/fieldfill/internal/model"
)

// loadRequest reads an extraction request from a YAML or JSON file.
func loadRequest(path string) (*model.ExtractionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read request %s", path)
	}
	var req model.ExtractionRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, eris.Wrapf(err, "parse request %s", path)
	}
	for id, cv := range req.CurrentValues {
		cv.Value = scalar(cv.Value)
		req.CurrentValues[id] = cv
	}
	for i := range req.FewShots {
		normalizeExpected(req.FewShots[i].Expected)
	}
	return &req, nil
}

// loadExemplars reads a list of exemplars from a YAML or JSON file.
func loadExemplars(path string) ([]model.Exemplar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read exemplars %s", path)
	}
	var exemplars []model.Exemplar
	if err := yaml.Unmarshal(data, &exemplars); err != nil {
		return nil, eris.Wrapf(err, "parse exemplars %s", path)
	}
	for i := range exemplars {
		normalizeExpected(exemplars[i].Expected)
	}
	return exemplars, nil
}

// applyConfigOptions fills request options the request left unset from the
// extraction config.
func applyConfigOptions(c *config.Config, opts *model.Options) {
	if c == nil {
		return
	}
	if opts.ConfidenceThreshold == 0 {
		opts.ConfidenceThreshold = c.Extraction.ConfidenceThreshold
	}
	if opts.MaxEscalationsPerField == 0 {
		opts.MaxEscalationsPerField = c.Extraction.MaxEscalationsPerField
	}
	opts.RequireEvidence = opts.RequireEvidence || c.Extraction.RequireEvidence
	opts.OverwriteUserValues = opts.OverwriteUserValues || c.Extraction.OverwriteUserValues
}

func normalizeExpected(m map[string]any) {
	for k, v := range m {
		m[k] = scalar(v)
	}
}

// scalar maps YAML scalars onto the value shapes fields hold: string,
// float64 or nil.
func scalar(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return v
}

// writeJSON encodes v as indented JSON to w.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
