// Package config loads service configuration from the environment with
// sane defaults and fail-fast validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderOpenAI selects the OpenAI chat completions backend.
const ProviderOpenAI = "openai"

// Config is the full service configuration.
type Config struct {
	// Port the HTTP API listens on.
	Port int

	// RedisURL selects the distributed backends when set; empty means
	// in-memory stores and a process-local lock.
	RedisURL string

	// RedisTTL is the sliding expiry applied to stored records.
	RedisTTL time.Duration

	// LockTTL bounds how long a crashed turn can hold a conversation.
	LockTTL time.Duration

	// LLMProvider names the backend adapter (currently "openai").
	LLMProvider  string
	OpenAIAPIKey string
	OpenAIModel  string

	// WorkflowDefinitionPath points at a YAML step definition; empty
	// means the built-in default workflow.
	WorkflowDefinitionPath string

	// ContextMaxLength caps enriched query length in characters.
	ContextMaxLength int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATWHEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_ttl", "24h")
	v.SetDefault("lock_ttl", "10s")
	v.SetDefault("llm_provider", ProviderOpenAI)
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("workflow_definition_path", "")
	v.SetDefault("context_max_length", 2000)

	cfg := &Config{
		Port:                   v.GetInt("port"),
		RedisURL:               v.GetString("redis_url"),
		RedisTTL:               v.GetDuration("redis_ttl"),
		LockTTL:                v.GetDuration("lock_ttl"),
		LLMProvider:            v.GetString("llm_provider"),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		OpenAIModel:            v.GetString("openai_model"),
		WorkflowDefinitionPath: v.GetString("workflow_definition_path"),
		ContextMaxLength:       v.GetInt("context_max_length"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LLMProvider != ProviderOpenAI {
		return fmt.Errorf("invalid CHATWHEEL_LLM_PROVIDER %q: must be %q", c.LLMProvider, ProviderOpenAI)
	}
	if c.LLMProvider == ProviderOpenAI && c.OpenAIAPIKey == "" {
		return fmt.Errorf("CHATWHEEL_LLM_PROVIDER=openai but CHATWHEEL_OPENAI_API_KEY is not set")
	}
	if c.RedisTTL <= 0 {
		return fmt.Errorf("CHATWHEEL_REDIS_TTL must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("CHATWHEEL_LOCK_TTL must be positive")
	}
	if c.ContextMaxLength <= 0 {
		return fmt.Errorf("CHATWHEEL_CONTEXT_MAX_LENGTH must be positive")
	}
	return nil
}
