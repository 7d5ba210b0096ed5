package config

import (
	"os"

	"github.com/aschepis/backscratcher/q/llm"
	llmopenai "github.com/aschepis/backscratcher/q/llm/openai"
	"github.com/rs/zerolog"
)

// openAIFromEnv reads OpenAI settings from environment variables.
func openAIFromEnv() OpenAIConfig {
	return OpenAIConfig{
		APIKey:       os.Getenv("OPENAI_API_KEY"),
		BaseURL:      os.Getenv("OPENAI_BASE_URL"),
		Model:        os.Getenv("OPENAI_MODEL"),
		Organization: os.Getenv("OPENAI_ORG_ID"),
	}
}

// newOpenAIProvider creates an OpenAI provider for a resolved client key.
func newOpenAIProvider(key *llm.ClientKey, logger zerolog.Logger) (llm.Provider, error) {
	opts := []llmopenai.Option{llmopenai.WithLogger(logger)}
	if key.BaseURL != "" {
		opts = append(opts, llmopenai.WithBaseURL(key.BaseURL))
	}
	if key.Organization != "" {
		opts = append(opts, llmopenai.WithOrganization(key.Organization))
	}
	return llmopenai.New(key.APIKey, opts...)
}
