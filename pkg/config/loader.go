package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"stageengine/pkg/logx"
)

// EnvPrefix is the prefix for environment overrides: llm.model -> STAGEENGINE_LLM_MODEL.
const EnvPrefix = "STAGEENGINE"

// setDefaults registers a default for every key so env overrides bind even without a file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", ModelClaudeSonnetLatest)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_tokens", DefaultMaxTokens)
	v.SetDefault("llm.request_timeout", DefaultRequestTimeout)
	v.SetDefault("llm.tokens_per_minute", 0)
	v.SetDefault("llm.max_concurrent_requests", 0)

	v.SetDefault("retry.max_retries", MaxRetries)
	v.SetDefault("retry.initial_delay", RetryBaseDelay)
	v.SetDefault("retry.max_delay", 30*RetryBaseDelay)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter", false)
	v.SetDefault("retry.processing_retries", ProcessingRetries)

	v.SetDefault("engine.strategy", StrategyAuto)
	v.SetDefault("engine.max_concurrency", 0)
	v.SetDefault("engine.min_output_length", DefaultMinOutputLength)
	v.SetDefault("engine.brief_lock", true)

	v.SetDefault("retrieval.enabled", false)
	v.SetDefault("retrieval.url", "")
	v.SetDefault("retrieval.min_similarity", DefaultRetrievalMinSim)
	v.SetDefault("retrieval.limit", DefaultRetrievalLimit)
	v.SetDefault("retrieval.timeout", "10s")

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.path", "stageengine.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", GracefulShutdownTimeout)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "stageengine")

	v.SetDefault("eventlog.enabled", true)
	v.SetDefault("eventlog.dir", "logs")
}

// Load reads configuration from path (optional; "" searches ./stageengine.yaml and
// ./config/stageengine.yaml), applies env overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stageengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logx.NewLogger("config").Info("no config file found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Provider API keys follow the providers' own env conventions when not set explicitly.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKeyFromEnv(v, cfg.LLM.Provider, cfg.LLM.Model)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func apiKeyFromEnv(v *viper.Viper, provider, model string) string {
	if provider == "" {
		provider, _ = GetModelProvider(model)
	}
	var env string
	switch provider {
	case ProviderAnthropic:
		env = "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		env = "OPENAI_API_KEY"
	case ProviderGoogle:
		env = "GEMINI_API_KEY"
	default:
		return ""
	}
	if err := v.BindEnv("provider_key", env); err != nil {
		return ""
	}
	return v.GetString("provider_key")
}
