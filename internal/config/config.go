package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	Model         string `yaml:"model" mapstructure:"model"`
	VerifierModel string `yaml:"verifier_model" mapstructure:"verifier_model"`
	MaxTokens     int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig configures the OpenAI-compatible provider and the embedding
// model used for exemplar retrieval.
type OpenAIConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	Model          string `yaml:"model" mapstructure:"model"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
}

// ExtractionConfig configures the extraction engine.
type ExtractionConfig struct {
	// Providers lists the proposing providers in order: "anthropic", "openai".
	Providers              []string          `yaml:"providers" mapstructure:"providers"`
	Granularity            string            `yaml:"granularity" mapstructure:"granularity"`
	Reconciliation         string            `yaml:"reconciliation" mapstructure:"reconciliation"`
	TimeoutSecs            int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries                int               `yaml:"retries" mapstructure:"retries"`
	RetryBaseMs            int               `yaml:"retry_base_ms" mapstructure:"retry_base_ms"`
	RetryMaxMs             int               `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	MaxConcurrency         int               `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	RateLimitRPS           float64           `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst         int               `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	ConfidenceThreshold    float64           `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MaxEscalationsPerField int               `yaml:"max_escalations_per_field" mapstructure:"max_escalations_per_field"`
	RequireEvidence        bool              `yaml:"require_evidence" mapstructure:"require_evidence"`
	OverwriteUserValues    bool              `yaml:"overwrite_user_values" mapstructure:"overwrite_user_values"`
	MinCandidateConfidence float64           `yaml:"min_candidate_confidence" mapstructure:"min_candidate_confidence"`
	FewShotK               int               `yaml:"few_shot_k" mapstructure:"few_shot_k"`
	Aliases                map[string]string `yaml:"aliases" mapstructure:"aliases"`
}

// RetrievalConfig configures the exemplar index.
type RetrievalConfig struct {
	// Backend is "qdrant", "chromem" or "none".
	Backend         string        `yaml:"backend" mapstructure:"backend"`
	Collection      string        `yaml:"collection" mapstructure:"collection"`
	MaxExampleChars int           `yaml:"max_example_chars" mapstructure:"max_example_chars"`
	CacheTTLMins    int           `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
	Qdrant          QdrantConfig  `yaml:"qdrant" mapstructure:"qdrant"`
	Chromem         ChromemConfig `yaml:"chromem" mapstructure:"chromem"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host   string `yaml:"host" mapstructure:"host"`
	Port   int    `yaml:"port" mapstructure:"port"`
	UseTLS bool   `yaml:"use_tls" mapstructure:"use_tls"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// ChromemConfig configures the embedded chromem-go index. An empty path
// keeps the index in memory.
type ChromemConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	Compress bool   `yaml:"compress" mapstructure:"compress"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FIELDFILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets and endpoints have empty defaults so AutomaticEnv can bind them.
	for _, key := range []string{
		"anthropic.key", "openai.key", "openai.base_url",
		"retrieval.qdrant.api_key", "retrieval.chromem.path", "store.database_url",
	} {
		v.SetDefault(key, "")
	}

	// Defaults
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.verifier_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("extraction.providers", []string{"anthropic"})
	v.SetDefault("extraction.granularity", "batch")
	v.SetDefault("extraction.reconciliation", "verifier")
	v.SetDefault("extraction.timeout_secs", 20)
	v.SetDefault("extraction.retries", 2)
	v.SetDefault("extraction.retry_base_ms", 500)
	v.SetDefault("extraction.retry_max_ms", 10000)
	v.SetDefault("extraction.max_concurrency", 8)
	v.SetDefault("extraction.rate_limit_burst", 1)
	v.SetDefault("extraction.confidence_threshold", 0.7)
	v.SetDefault("extraction.max_escalations_per_field", 1)
	v.SetDefault("extraction.min_candidate_confidence", 0.3)
	v.SetDefault("extraction.few_shot_k", 3)
	v.SetDefault("retrieval.backend", "none")
	v.SetDefault("retrieval.collection", "fieldfill_exemplars")
	v.SetDefault("retrieval.max_example_chars", 1200)
	v.SetDefault("retrieval.cache_ttl_mins", 60)
	v.SetDefault("retrieval.qdrant.host", "localhost")
	v.SetDefault("retrieval.qdrant.port", 6334)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "fieldfill.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
