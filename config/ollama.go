package config

import (
	"net/http"
	"os"
	"time"

	"github.com/aschepis/backscratcher/q/llm"
	llmollama "github.com/aschepis/backscratcher/q/llm/ollama"
	"github.com/rs/zerolog"
)

// ollamaFromEnv reads Ollama settings from environment variables.
func ollamaFromEnv() OllamaConfig {
	return OllamaConfig{
		Host:  os.Getenv("OLLAMA_HOST"),
		Model: os.Getenv("OLLAMA_MODEL"),
	}
}

// newOllamaProvider creates an Ollama provider for a resolved client key.
func newOllamaProvider(cfg *Config, key *llm.ClientKey, logger zerolog.Logger) (llm.Provider, error) {
	opts := []llmollama.Option{llmollama.WithLogger(logger)}
	if cfg.Ollama.Timeout > 0 {
		opts = append(opts, llmollama.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Ollama.Timeout) * time.Second,
		}))
	}
	return llmollama.New(key.Host, opts...)
}
