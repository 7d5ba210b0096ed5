package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/aschepis/backscratcher/q/llm"
	"gopkg.in/yaml.v3"
)

// AnthropicConfig represents configuration for Anthropic LLM provider.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`  // Anthropic API key
	Model   string `yaml:"model,omitempty"`    // Default model name
	BaseURL string `yaml:"base_url,omitempty"` // Custom base URL (default: official API)
}

// OllamaConfig represents configuration for Ollama LLM provider.
type OllamaConfig struct {
	Host    string `yaml:"host,omitempty"`    // Ollama host (default: "http://localhost:11434")
	Model   string `yaml:"model,omitempty"`   // Default model name
	Timeout int    `yaml:"timeout,omitempty"` // Request timeout in seconds
}

// OpenAIConfig represents configuration for OpenAI LLM provider.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"`      // OpenAI API key
	BaseURL      string `yaml:"base_url,omitempty"`     // Custom base URL (default: official API)
	Model        string `yaml:"model,omitempty"`        // Default model name
	Organization string `yaml:"organization,omitempty"` // Organization ID
}

// LLMPreference represents a single LLM provider/model preference.
// Preferences are tried in order and the first available provider wins.
type LLMPreference struct {
	Provider    string   `yaml:"provider" json:"provider"`                           // Required: "anthropic", "ollama", or "openai"
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`             // Optional: uses provider default if omitted
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"` // Optional temperature override
}

// RetryConfig controls the client retry policy.
type RetryConfig struct {
	MaxRetries    *int    `yaml:"max_retries,omitempty"`    // Retries after the first attempt (default: 3)
	BackoffFactor float64 `yaml:"backoff_factor,omitempty"` // Delay base in seconds (default: 2.0)
}

// DefaultsConfig holds request options applied to every prompt.
type DefaultsConfig struct {
	MaxTokens       int64    `yaml:"max_tokens,omitempty"`
	Temperature     *float64 `yaml:"temperature,omitempty"`
	MaxContextChars int      `yaml:"max_context_chars,omitempty"` // Reject larger histories locally; 0 disables
}

// BatchConfig controls batch prompting.
type BatchConfig struct {
	Concurrency       int     `yaml:"concurrency,omitempty"`         // Max in-flight requests (default: 16)
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // 0 disables pacing
	Burst             int     `yaml:"burst,omitempty"`
}

// ConversationsConfig controls persistent conversation threads.
type ConversationsConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	DBPath   string `yaml:"db_path,omitempty"` // SQLite database file (default: ~/.q/conversations.db)
}

// Config is the q configuration file.
type Config struct {
	// Enabled providers, tried in this order when no preference is given
	LLMProviders []string        `yaml:"llm_providers,omitempty"`
	LLM          []LLMPreference `yaml:"llm,omitempty"`

	// LLM provider configurations
	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`

	Retry         RetryConfig         `yaml:"retry,omitempty"`
	Defaults      DefaultsConfig      `yaml:"defaults,omitempty"`
	Batch         BatchConfig         `yaml:"batch,omitempty"`
	Conversations ConversationsConfig `yaml:"conversations,omitempty"`
}

// GetConfigPath returns the default config file path.
// Can be overridden via Q_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("Q_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.q/config.yaml"
	}
	return filepath.Join(homeDir, ".q", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	maxRetries := llm.DefaultMaxRetries
	return Config{
		LLMProviders: []string{llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderOllama},
		Anthropic: AnthropicConfig{
			Model: llm.DefaultAnthropicModel,
		},
		Ollama: OllamaConfig{
			Host:    llm.DefaultOllamaHost,
			Model:   llm.DefaultOllamaModel,
			Timeout: 120,
		},
		OpenAI: OpenAIConfig{
			Model: llm.DefaultOpenAIModel,
		},
		Retry: RetryConfig{
			MaxRetries:    &maxRetries,
			BackoffFactor: llm.DefaultBackoffFactor,
		},
		Defaults: DefaultsConfig{
			MaxTokens: 1024,
		},
		Batch: BatchConfig{
			Concurrency: 16,
			Burst:       1,
		},
		Conversations: ConversationsConfig{
			DBPath: "~/.q/conversations.db",
		},
	}
}

// LoadConfig loads configuration layered as defaults, then the file at path
// (if it exists), then environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	fileCfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(&cfg, *fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config file: %w", err)
	}
	// mergo skips zero values, so an explicit "max_retries: 0" is copied by hand.
	if fileCfg.Retry.MaxRetries != nil {
		maxRetries := *fileCfg.Retry.MaxRetries
		cfg.Retry.MaxRetries = &maxRetries
	}

	if err := mergo.Merge(&cfg, envConfig(), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge environment config: %w", err)
	}

	cfg.Conversations.DBPath = expandPath(cfg.Conversations.DBPath)
	return &cfg, nil
}

// readFile parses the config file at path. A missing file yields an empty config.
func readFile(path string) (*Config, error) {
	expandedPath := expandPath(path)
	var cfg Config
	if _, err := os.Stat(expandedPath); err != nil {
		return &cfg, nil
	}

	data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
	}
	return &cfg, nil
}

// SaveConfig saves the configuration to the specified path.
func SaveConfig(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold API keys.
	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SetAPIKey stores an API key for provider in the config file at path.
// Only the file's own contents are rewritten; defaults and environment
// values are not persisted.
func SetAPIKey(path, provider, apiKey string) error {
	cfg, err := readFile(path)
	if err != nil {
		return err
	}

	switch provider {
	case llm.ProviderAnthropic:
		cfg.Anthropic.APIKey = apiKey
	case llm.ProviderOpenAI:
		cfg.OpenAI.APIKey = apiKey
	case llm.ProviderOllama:
		return fmt.Errorf("ollama does not use an API key")
	default:
		return fmt.Errorf("unknown provider: %s", provider)
	}
	return SaveConfig(cfg, path)
}

// envConfig collects configuration from environment variables.
func envConfig() Config {
	var cfg Config
	cfg.Anthropic = anthropicFromEnv()
	cfg.OpenAI = openAIFromEnv()
	cfg.Ollama = ollamaFromEnv()

	if v := os.Getenv("Q_PROVIDERS"); v != "" {
		cfg.LLMProviders = splitList(v)
	}
	if v := os.Getenv("Q_DB_PATH"); v != "" {
		cfg.Conversations.DBPath = v
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Preferences converts the configured preferences for the provider registry.
func (c *Config) Preferences() []llm.LLMPreference {
	out := make([]llm.LLMPreference, 0, len(c.LLM))
	for _, p := range c.LLM {
		out = append(out, llm.LLMPreference{Provider: p.Provider, Model: p.Model, Temperature: p.Temperature})
	}
	return out
}

// Registry builds a provider registry from the configuration.
func (c *Config) Registry() *llm.ProviderRegistry {
	return llm.NewProviderRegistry(&llm.ProviderConfig{
		AnthropicAPIKey: c.Anthropic.APIKey,
		AnthropicModel:  c.Anthropic.Model,
		OllamaHost:      c.Ollama.Host,
		OllamaModel:     c.Ollama.Model,
		OpenAIAPIKey:    c.OpenAI.APIKey,
		OpenAIBaseURL:   c.OpenAI.BaseURL,
		OpenAIModel:     c.OpenAI.Model,
		OpenAIOrg:       c.OpenAI.Organization,
	}, c.LLMProviders)
}

// RetryPolicy returns the configured retry policy.
func (c *Config) RetryPolicy() llm.RetryPolicy {
	policy := llm.DefaultRetryPolicy()
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries >= 0 {
		policy.MaxRetries = *c.Retry.MaxRetries
	}
	if c.Retry.BackoffFactor >= 1 {
		policy.BackoffFactor = c.Retry.BackoffFactor
	}
	return policy
}

// RequestOptions returns the per-request defaults as llm options.
func (c *Config) RequestOptions() []llm.Option {
	var opts []llm.Option
	if c.Defaults.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(c.Defaults.MaxTokens))
	}
	if c.Defaults.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*c.Defaults.Temperature))
	}
	return opts
}
