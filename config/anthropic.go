package config

import (
	"os"

	"github.com/aschepis/backscratcher/q/llm"
	llmanthropic "github.com/aschepis/backscratcher/q/llm/anthropic"
	"github.com/rs/zerolog"
)

// anthropicFromEnv reads Anthropic settings from environment variables.
func anthropicFromEnv() AnthropicConfig {
	return AnthropicConfig{
		APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		Model:   os.Getenv("ANTHROPIC_MODEL"),
		BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
	}
}

// newAnthropicProvider creates an Anthropic provider for a resolved client key.
func newAnthropicProvider(cfg *Config, key *llm.ClientKey, logger zerolog.Logger) (llm.Provider, error) {
	opts := []llmanthropic.Option{llmanthropic.WithLogger(logger)}
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, llmanthropic.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	return llmanthropic.New(key.APIKey, opts...)
}
