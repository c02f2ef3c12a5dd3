package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fieldfill/internal/config"
	"github.com/sells-group/fieldfill/internal/model"
	"github.com/sells-group/fieldfill/internal/pipeline"
	"github.com/sells-group/fieldfill/internal/store"
)

func testConfig() *config.Config {
	c := &config.Config{}
	c.Anthropic.Key = "sk-ant-test"
	c.Anthropic.Model = "claude-haiku-4-5-20251001"
	c.OpenAI.Key = "sk-openai-test"
	c.OpenAI.Model = "gpt-4o-mini"
	c.OpenAI.EmbeddingModel = "text-embedding-3-small"
	c.Extraction.Providers = []string{"anthropic"}
	c.Extraction.Granularity = "per_field"
	c.Extraction.Reconciliation = "verifier"
	c.Extraction.Retries = 1
	c.Extraction.TimeoutSecs = 5
	c.Extraction.FewShotK = 2
	c.Extraction.MinCandidateConfidence = 0.4
	c.Retrieval.Backend = "none"
	c.Retrieval.Collection = "exemplars"
	c.Store.Driver = "sqlite"
	return c
}

func TestExtractionPolicy(t *testing.T) {
	p := extractionPolicy(testConfig())
	assert.Equal(t, 1, p.Retries)
	assert.Equal(t, 5*time.Second, p.AttemptTimeout)
}

func TestEngineConfig(t *testing.T) {
	c := testConfig()
	c.Extraction.Aliases = map[string]string{"customer relationship management": "crm"}

	ec := engineConfig(c)
	assert.Equal(t, pipeline.GranularityPerField, ec.Granularity)
	assert.Equal(t, pipeline.ReconciliationVerifier, ec.Reconciliation)
	assert.Equal(t, 2, ec.FewShotK)
	assert.InDelta(t, 0.4, ec.MinCandidateConfidence, 1e-9)
	assert.Equal(t, "crm", ec.Aliases["customer relationship management"])
}

func TestInitProviders(t *testing.T) {
	c := testConfig()
	c.Extraction.Providers = []string{"anthropic", "openai"}

	providers, verifier, err := initProviders(c)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "anthropic", providers[0].Name())
	assert.Equal(t, "claude-haiku-4-5-20251001", providers[0].Model())
	assert.Equal(t, "openai", providers[1].Name())
	assert.Equal(t, "gpt-4o-mini", providers[1].Model())
	assert.Nil(t, verifier)

	c.Anthropic.VerifierModel = "claude-sonnet-4-5-20250929"
	_, verifier, err = initProviders(c)
	require.NoError(t, err)
	require.NotNil(t, verifier)
	assert.Equal(t, "claude-sonnet-4-5-20250929", verifier.Model())

	c.Extraction.Providers = []string{"mistral"}
	_, _, err = initProviders(c)
	assert.ErrorContains(t, err, "unknown provider")
}

func TestInitIndex(t *testing.T) {
	c := testConfig()

	idx, err := initIndex(c)
	require.NoError(t, err)
	assert.Nil(t, idx)

	c.Retrieval.Backend = "chromem"
	idx, err = initIndex(c)
	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.NoError(t, idx.Close())

	c.Retrieval.Backend = "faiss"
	_, err = initIndex(c)
	assert.ErrorContains(t, err, "unknown retrieval backend")
}

func TestInitRetriever_Disabled(t *testing.T) {
	r, idx, err := initRetriever(testConfig())
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Nil(t, idx)
}

func TestInitEngine(t *testing.T) {
	cfg = testConfig()
	cfg.Extraction.Providers = []string{"anthropic", "openai"}

	env, err := initEngine()
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Retriever)
	assert.Equal(t, "ensemble:claude-haiku-4-5-20251001+gpt-4o-mini", env.Engine.ModelIdentifier())
}

func TestInitEngine_InvalidConfig(t *testing.T) {
	cfg = testConfig()
	cfg.Anthropic.Key = ""

	_, err := initEngine()
	assert.ErrorContains(t, err, "anthropic.key is required")
}

func TestInitStore(t *testing.T) {
	cfg = testConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	st, err := initStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	run := store.NewRun("support", &model.ExtractionResult{ModelIdentifier: "m", Completeness: 1})
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "m", got.Model)
}

func TestEngineEnv_Close_Nil(t *testing.T) {
	env := &engineEnv{}
	assert.NotPanics(t, env.Close)
}
