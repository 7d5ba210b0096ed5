package config

import (
	"context"
	"fmt"

	"github.com/aschepis/backscratcher/q/llm"
	"github.com/rs/zerolog"
)

// NewProvider builds the provider named by a resolved client key.
func NewProvider(cfg *Config, key *llm.ClientKey, logger zerolog.Logger) (llm.Provider, error) {
	switch key.Provider {
	case llm.ProviderAnthropic:
		if key.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key is required")
		}
		p, err := newAnthropicProvider(cfg, key, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic provider: %w", err)
		}
		return p, nil

	case llm.ProviderOllama:
		p, err := newOllamaProvider(cfg, key, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama provider: %w", err)
		}
		return p, nil

	case llm.ProviderOpenAI:
		if key.APIKey == "" {
			return nil, fmt.Errorf("openai API key is required")
		}
		p, err := newOpenAIProvider(key, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai provider: %w", err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", key.Provider)
	}
}

// ClientOptions returns the llm.Client options derived from the configuration.
func (c *Config) ClientOptions(logger zerolog.Logger) []llm.ClientOption {
	middleware := []llm.Middleware{llm.NewLoggingMiddleware(logger)}
	if c.Defaults.MaxContextChars > 0 {
		middleware = append(middleware, llm.NewContextSizeGuard(c.Defaults.MaxContextChars))
	}
	return []llm.ClientOption{
		llm.WithRetryPolicy(c.RetryPolicy()),
		llm.WithLogger(logger),
		llm.WithMiddleware(middleware...),
	}
}

// NewClient resolves prefs (or the configured preferences when prefs is
// empty) to a provider, then builds and authenticates a client for it.
// The resolved key is returned so callers know which model to use.
func NewClient(ctx context.Context, cfg *Config, prefs []llm.LLMPreference, logger zerolog.Logger, opts ...llm.ClientOption) (*llm.Client, *llm.ClientKey, error) {
	if len(prefs) == 0 {
		prefs = cfg.Preferences()
	}

	key, err := cfg.Registry().Resolve(prefs)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug().Str("provider", key.Provider).Str("model", key.Model).Msg("Resolved LLM provider")

	provider, err := NewProvider(cfg, key, logger)
	if err != nil {
		return nil, nil, err
	}

	clientOpts := append(cfg.ClientOptions(logger), opts...)
	client, err := llm.NewClient(ctx, provider, clientOpts...)
	if err != nil {
		return nil, nil, err
	}
	return client, key, nil
}
