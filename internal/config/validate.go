package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the configuration required by a command mode: "fill",
// "ingest" or "runs". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "fill":
		errs = append(errs, c.validateExtraction()...)
		errs = append(errs, c.validateRetrieval()...)
	case "ingest":
		errs = append(errs, c.validateRetrieval()...)
		if c.Retrieval.Backend == "none" || c.Retrieval.Backend == "" {
			errs = append(errs, "retrieval.backend must be qdrant or chromem to ingest exemplars")
		}
	case "runs":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	errs = append(errs, c.validateStore()...)

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateExtraction() []string {
	var errs []string
	x := c.Extraction

	if len(x.Providers) == 0 {
		errs = append(errs, "extraction.providers must name at least one provider")
	}
	seen := make(map[string]bool)
	for _, p := range x.Providers {
		switch p {
		case "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required")
			}
		case "openai":
			if c.OpenAI.Key == "" {
				errs = append(errs, "openai.key is required")
			}
		default:
			errs = append(errs, "unknown provider "+p)
		}
		if seen[p] {
			errs = append(errs, "duplicate provider "+p)
		}
		seen[p] = true
	}

	switch x.Granularity {
	case "", "batch", "per_field":
	default:
		errs = append(errs, "extraction.granularity must be batch or per_field")
	}
	switch x.Reconciliation {
	case "", "none", "verifier":
	default:
		errs = append(errs, "extraction.reconciliation must be none or verifier")
	}
	if x.ConfidenceThreshold < 0 || x.ConfidenceThreshold > 1 {
		errs = append(errs, "extraction.confidence_threshold must be between 0 and 1")
	}
	if x.MinCandidateConfidence < 0 || x.MinCandidateConfidence > 1 {
		errs = append(errs, "extraction.min_candidate_confidence must be between 0 and 1")
	}
	if x.MaxConcurrency < 0 || x.MaxConcurrency > 64 {
		errs = append(errs, "extraction.max_concurrency must be between 0 and 64")
	}
	if x.MaxEscalationsPerField < 0 {
		errs = append(errs, "extraction.max_escalations_per_field must be >= 0")
	}
	if x.TimeoutSecs < 0 {
		errs = append(errs, "extraction.timeout_secs must be >= 0")
	}
	return errs
}

func (c *Config) validateRetrieval() []string {
	var errs []string
	r := c.Retrieval

	switch r.Backend {
	case "", "none":
		return nil
	case "qdrant":
		if r.Qdrant.Host == "" {
			errs = append(errs, "retrieval.qdrant.host is required")
		}
		if r.Qdrant.Port <= 0 {
			errs = append(errs, "retrieval.qdrant.port must be > 0")
		}
	case "chromem":
	default:
		errs = append(errs, "retrieval.backend must be none, qdrant or chromem")
	}
	if r.Collection == "" {
		errs = append(errs, "retrieval.collection is required")
	}
	if c.OpenAI.Key == "" {
		errs = append(errs, "openai.key is required for embeddings")
	}
	return errs
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
	default:
		return []string{"store.driver must be sqlite or postgres"}
	}
	return nil
}
