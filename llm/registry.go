package llm

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
)

// Default models used when neither the caller nor the config names one.
const (
	DefaultAnthropicModel = "claude-haiku-4-5"
	DefaultOpenAIModel    = "gpt-4.1-mini"
	DefaultOllamaModel    = "llama3.2:3b"
	DefaultOllamaHost     = "http://localhost:11434"
)

// KnownProviders lists every provider this module can build, in a stable order.
var KnownProviders = []string{ProviderAnthropic, ProviderOpenAI, ProviderOllama}

// LLMPreference represents a single provider/model preference.
type LLMPreference struct {
	Provider    string
	Model       string
	Temperature *float64
}

// ClientKey uniquely identifies an LLM client configuration.
type ClientKey struct {
	Provider     string
	Model        string
	APIKey       string // For credential-based providers
	Host         string // For Ollama
	BaseURL      string // For OpenAI
	Organization string // For OpenAI

	// Temperature comes from the matching preference, not from the provider config.
	Temperature *float64
}

// Options returns the request options carried by the key.
func (k *ClientKey) Options() []Option {
	if k == nil || k.Temperature == nil {
		return nil
	}
	return []Option{WithTemperature(*k.Temperature)}
}

// ProviderConfig holds the configuration needed for provider registry.
// This avoids import cycles by not importing the config package.
type ProviderConfig struct {
	AnthropicAPIKey string
	AnthropicModel  string
	OllamaHost      string
	OllamaModel     string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAIOrg       string
}

// ProviderRegistry manages LLM provider selection and configuration resolution.
// Client creation and caching is handled by the caller to avoid import cycles.
type ProviderRegistry struct {
	enabledProviders map[string]bool // Set of enabled providers
	mu               sync.RWMutex
	config           *ProviderConfig
}

// NewProviderRegistry creates a new ProviderRegistry with the given config and enabled providers.
func NewProviderRegistry(providerConfig *ProviderConfig, enabledProviders []string) *ProviderRegistry {
	enabledMap := make(map[string]bool)
	for _, p := range enabledProviders {
		enabledMap[p] = true
	}

	return &ProviderRegistry{
		enabledProviders: enabledMap,
		config:           providerConfig,
	}
}

// IsProviderEnabled checks if a provider is in the enabled providers list.
func (r *ProviderRegistry) IsProviderEnabled(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabledProviders[provider]
}

// IsProviderConfigured checks if a provider has the required configuration (API keys, hosts, etc.).
func (r *ProviderRegistry) IsProviderConfigured(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isProviderConfiguredUnlocked(provider)
}

// ListProviders returns the enabled providers that are also configured, sorted.
func (r *ProviderRegistry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for p := range r.enabledProviders {
		if r.isProviderConfiguredUnlocked(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve picks a provider using preference-based selection.
// It returns a ClientKey for the first available provider from prefs. With no
// preferences the first enabled provider (in KnownProviders order) is used with
// its default model.
func (r *ProviderRegistry) Resolve(prefs []LLMPreference) (*ClientKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(prefs) > 0 {
		var attemptedProviders []string
		for _, pref := range prefs {
			attemptedProviders = append(attemptedProviders, pref.Provider)

			// Check if provider is enabled
			if !r.enabledProviders[pref.Provider] {
				continue
			}

			// Check if provider is configured
			if !r.isProviderConfiguredUnlocked(pref.Provider) {
				continue
			}

			// Resolve provider-specific config
			key, err := r.resolveProviderConfig(pref.Provider, pref.Model)
			if err != nil {
				// Log warning and continue to next preference
				continue
			}

			key.Temperature = pref.Temperature
			return key, nil
		}

		return nil, fmt.Errorf("no available provider from preferences %v (enabled: %v)", attemptedProviders, r.getEnabledProvidersList())
	}

	if len(r.enabledProviders) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}

	// Map iteration order is random; walk KnownProviders so the choice is stable.
	var firstProvider string
	for _, p := range KnownProviders {
		if r.enabledProviders[p] {
			firstProvider = p
			break
		}
	}
	if firstProvider == "" {
		return nil, fmt.Errorf("no known provider enabled (enabled: %v)", r.getEnabledProvidersList())
	}

	if !r.isProviderConfiguredUnlocked(firstProvider) {
		return nil, fmt.Errorf("first enabled provider %s is not configured", firstProvider)
	}

	key, err := r.resolveProviderConfig(firstProvider, "")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config for provider %s: %w", firstProvider, err)
	}

	return key, nil
}

// isProviderConfiguredUnlocked is the unlocked version of IsProviderConfigured.
// Must be called with r.mu already locked.
func (r *ProviderRegistry) isProviderConfiguredUnlocked(provider string) bool {
	switch provider {
	case ProviderAnthropic:
		apiKey := r.config.AnthropicAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return apiKey != ""
	case ProviderOllama:
		// Ollama doesn't require API key, just needs host (which has a default)
		return true
	case ProviderOpenAI:
		// Check config first, then environment
		apiKey := r.config.OpenAIAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return apiKey != ""
	default:
		return false
	}
}

// resolveProviderConfig resolves provider-specific configuration and returns a ClientKey.
func (r *ProviderRegistry) resolveProviderConfig(provider, modelOverride string) (*ClientKey, error) {
	key := &ClientKey{
		Provider: provider,
		Model:    modelOverride,
	}

	switch provider {
	case ProviderAnthropic:
		apiKey := r.config.AnthropicAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic API key not configured")
		}
		key.APIKey = apiKey
		if key.Model == "" {
			key.Model = r.config.AnthropicModel
		}
		if key.Model == "" {
			key.Model = DefaultAnthropicModel
		}

	case ProviderOllama:
		// Get host from config or environment
		host := r.config.OllamaHost
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		if host == "" {
			host = DefaultOllamaHost
		}
		key.Host = host

		// Get model from config or environment, or use override
		defaultModel := r.config.OllamaModel
		if defaultModel == "" {
			defaultModel = os.Getenv("OLLAMA_MODEL")
		}
		// Use model override if provided, otherwise use default from config
		// Note: modelOverride is already set in key.Model at the start of the function
		if key.Model == "" {
			key.Model = defaultModel
		}
		if key.Model == "" {
			key.Model = DefaultOllamaModel
		}

	case ProviderOpenAI:
		// Get API key from config or environment
		apiKey := r.config.OpenAIAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai API key not configured")
		}
		key.APIKey = apiKey

		// Get base URL from config or environment
		baseURL := r.config.OpenAIBaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		key.BaseURL = baseURL

		// Get organization from config or environment
		org := r.config.OpenAIOrg
		if org == "" {
			org = os.Getenv("OPENAI_ORG_ID")
		}
		key.Organization = org

		// Get model from config or environment, or use override
		defaultModel := r.config.OpenAIModel
		if defaultModel == "" {
			defaultModel = os.Getenv("OPENAI_MODEL")
		}
		// Use model override if provided, otherwise use default from config
		if key.Model == "" {
			key.Model = defaultModel
		}
		if key.Model == "" {
			key.Model = DefaultOpenAIModel
		}

	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}

	return key, nil
}

// getEnabledProvidersList returns a list of enabled providers (for error messages).
func (r *ProviderRegistry) getEnabledProvidersList() []string {
	var providers []string
	for p := range r.enabledProviders {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}
