// Package config provides configuration loading and validation for the stage engine.
//
// Configuration is read from an optional YAML file, then overridden by
// STAGEENGINE_* environment variables (e.g. STAGEENGINE_LLM_MODEL,
// STAGEENGINE_STORE_DRIVER), with defaults for every field. Algorithm
// constants that users should not tune live here as constants rather than
// config keys.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
	ProviderMock      = "mock"
)

// Default model names per provider.
const (
	ModelClaudeSonnetLatest = "claude-sonnet-4-5"
	ModelOpenAIDefault      = "gpt-4o"
	ModelGeminiDefault      = "gemini-2.5-flash"
	ModelOllamaDefault      = "mistral-nemo:latest"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Scheduling strategies.
const (
	StrategyAuto       = "auto"
	StrategySequential = "sequential"
	StrategyGraph      = "graph"
)

// Engine constants.
const (
	MaxRetries              = 3           // retries for network and system failures
	RetryBaseDelay          = time.Second // first backoff delay, doubled per attempt
	ProcessingRetries       = 1           // retries for unusable model output, per step
	DefaultMinOutputLength  = 50          // characters after trimming
	DefaultRetrievalMinSim  = 0.8
	DefaultRetrievalLimit   = 5
	MaxSentencesPerOutput   = 3
	DefaultMaxTokens        = 4096
	DefaultRequestTimeout   = 3 * time.Minute
	GracefulShutdownTimeout = 30 * time.Second
)

// ModelInfo contains static information about a known model.
type ModelInfo struct {
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels maps model names to providers. Unknown models fall back to ProviderPatterns.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5":        {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-sonnet-4-20250514": {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-opus-4-5":          {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 16384},
	"gpt-4o":                   {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 4096},
	"o4-mini":                  {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"gemini-2.0-flash":         {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 8192},
	"gemini-2.5-flash":         {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
}

// ProviderPattern infers a provider from a model-name prefix.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"phi", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama},
	{"mock", ProviderMock},
}

// GetModelProvider returns the provider for a model name.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// LLMConfig selects and parameterizes the completion service.
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"` // empty = inferred from Model
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"` // ollama host or API proxy
	MaxTokens      int           `mapstructure:"max_tokens"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Client-side throttling; 0 disables the limit.
	TokensPerMinute       int `mapstructure:"tokens_per_minute"`
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`
}

// RetryConfig controls backoff for network and system failures.
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffFactor     float64       `mapstructure:"backoff_factor"`
	Jitter            bool          `mapstructure:"jitter"`
	ProcessingRetries int           `mapstructure:"processing_retries"`
}

// EngineConfig controls scheduling and output validation.
type EngineConfig struct {
	Strategy        string `mapstructure:"strategy"`
	MaxConcurrency  int    `mapstructure:"max_concurrency"` // 0 = whole ready batch
	MinOutputLength int    `mapstructure:"min_output_length"`
	BriefLock       bool   `mapstructure:"brief_lock"`
}

// RetrievalConfig points at the similarity-search service. With no URL and the sqlite
// store, the local full-text index in the store database is used instead.
type RetrievalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MinSimilarity float64       `mapstructure:"min_similarity"`
	Limit         int           `mapstructure:"limit"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"` // sqlite file
	DSN    string `mapstructure:"dsn"`  // postgres connection string
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// EventLogConfig configures the JSONL stage-run event log.
type EventLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// Config is the full stage engine configuration.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	EventLog  EventLogConfig  `mapstructure:"eventlog"`
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model cannot be empty")
	}
	if c.LLM.Provider == "" {
		provider, err := GetModelProvider(c.LLM.Model)
		if err != nil {
			return err
		}
		c.LLM.Provider = provider
	}
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama, ProviderMock:
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if c.LLM.TokensPerMinute < 0 || c.LLM.MaxConcurrentRequests < 0 {
		return fmt.Errorf("llm rate limits cannot be negative")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.ProcessingRetries < 0 {
		return fmt.Errorf("retry counts cannot be negative")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	switch c.Engine.Strategy {
	case StrategyAuto, StrategySequential, StrategyGraph:
	default:
		return fmt.Errorf("engine.strategy %q must be one of auto, sequential, graph", c.Engine.Strategy)
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency cannot be negative")
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity > 1 {
		return fmt.Errorf("retrieval.min_similarity must be within [0,1]")
	}
	if c.Retrieval.Enabled && c.Retrieval.URL == "" && c.Store.Driver != StoreSQLite {
		return fmt.Errorf("retrieval.url is required when retrieval is enabled without the sqlite store")
	}
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.driver %q must be sqlite or postgres", c.Store.Driver)
	}
	return nil
}
