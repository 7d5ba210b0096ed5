package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aschepis/backscratcher/q/llm"
	"github.com/rs/zerolog"
)

// clearEnv blanks every environment variable the config layer reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "ANTHROPIC_BASE_URL",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_ORG_ID",
		"OLLAMA_HOST", "OLLAMA_MODEL", "Q_PROVIDERS", "Q_DB_PATH", "Q_CONFIG_PATH",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_DefaultsWhenMissing(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.OpenAI.Model != llm.DefaultOpenAIModel {
		t.Errorf("openai model: got %q", cfg.OpenAI.Model)
	}
	if p := cfg.RetryPolicy(); p != llm.DefaultRetryPolicy() {
		t.Errorf("retry policy: got %+v", p)
	}
	if cfg.Batch.Concurrency != 16 {
		t.Errorf("batch concurrency: got %d", cfg.Batch.Concurrency)
	}
}

func TestLoadConfig_FileAndEnvLayering(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
llm_providers: [openai]
openai:
  api_key: sk-file
  model: gpt-4.1
retry:
  max_retries: 5
  backoff_factor: 3
defaults:
  max_tokens: 256
  temperature: 0.2
batch:
  concurrency: 4
llm:
  - provider: openai
    model: gpt-4.1-nano
`)
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"env overrides file key", cfg.OpenAI.APIKey, "sk-env"},
		{"file overrides default model", cfg.OpenAI.Model, "gpt-4.1"},
		{"untouched default survives", cfg.Anthropic.Model, llm.DefaultAnthropicModel},
		{"providers from file", len(cfg.LLMProviders), 1},
		{"max retries", cfg.RetryPolicy().MaxRetries, 5},
		{"backoff factor", cfg.RetryPolicy().BackoffFactor, 3.0},
		{"batch concurrency", cfg.Batch.Concurrency, 4},
		{"preferences", len(cfg.Preferences()), 1},
		{"request options", len(cfg.RequestOptions()), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	opts := llm.ApplyOptions(cfg.RequestOptions()...)
	if opts.MaxTokens != 256 || opts.Temperature == nil || *opts.Temperature != 0.2 {
		t.Errorf("request options: got %+v", opts)
	}
}

func TestLoadConfig_ZeroRetries(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "retry:\n  max_retries: 0\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.RetryPolicy().MaxRetries; got != 0 {
		t.Errorf("max retries: got %d, want 0", got)
	}
	if got := cfg.RetryPolicy().BackoffFactor; got != llm.DefaultBackoffFactor {
		t.Errorf("backoff factor: got %v, want default", got)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "openai: [not, a, map")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("Q_CONFIG_PATH", "/tmp/q-test.yaml")
	if got := GetConfigPath(); got != "/tmp/q-test.yaml" {
		t.Errorf("got %q", got)
	}
}

func TestSetAPIKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := SetAPIKey(path, llm.ProviderAnthropic, "sk-ant"); err != nil {
		t.Fatalf("SetAPIKey failed: %v", err)
	}
	if err := SetAPIKey(path, llm.ProviderOpenAI, "sk-oai"); err != nil {
		t.Fatalf("SetAPIKey failed: %v", err)
	}
	if err := SetAPIKey(path, llm.ProviderOllama, "x"); err == nil {
		t.Error("expected error for ollama")
	}
	if err := SetAPIKey(path, "bogus", "x"); err == nil {
		t.Error("expected error for unknown provider")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode: got %v, want 0600", info.Mode().Perm())
	}

	raw, err := readFile(path)
	if err != nil {
		t.Fatalf("readFile failed: %v", err)
	}
	if raw.Anthropic.APIKey != "sk-ant" || raw.OpenAI.APIKey != "sk-oai" {
		t.Errorf("stored keys: got %+v %+v", raw.Anthropic, raw.OpenAI)
	}
	if raw.OpenAI.Model != "" {
		t.Error("defaults must not be persisted")
	}
}

func TestNewProvider(t *testing.T) {
	clearEnv(t)
	cfg := Defaults()

	tests := []struct {
		name    string
		key     llm.ClientKey
		want    string
		wantErr bool
	}{
		{"anthropic", llm.ClientKey{Provider: llm.ProviderAnthropic, APIKey: "k"}, llm.ProviderAnthropic, false},
		{"anthropic without key", llm.ClientKey{Provider: llm.ProviderAnthropic}, "", true},
		{"openai", llm.ClientKey{Provider: llm.ProviderOpenAI, APIKey: "k", BaseURL: "http://localhost/v1"}, llm.ProviderOpenAI, false},
		{"ollama", llm.ClientKey{Provider: llm.ProviderOllama, Host: "localhost:11434"}, llm.ProviderOllama, false},
		{"unknown", llm.ClientKey{Provider: "bogus"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(&cfg, &tt.key, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: got %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Name() != tt.want {
				t.Errorf("name: got %q, want %q", p.Name(), tt.want)
			}
		})
	}
}

func TestNewClient_ResolvesAndAuthenticates(t *testing.T) {
	clearEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4.1-mini","object":"model"}]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := Defaults()
	cfg.LLMProviders = []string{llm.ProviderOpenAI}
	cfg.OpenAI.APIKey = "sk-test"
	cfg.OpenAI.BaseURL = srv.URL + "/v1"

	client, key, err := NewClient(context.Background(), &cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if key.Provider != llm.ProviderOpenAI || key.Model != llm.DefaultOpenAIModel {
		t.Errorf("key: got %+v", key)
	}
	if client.Provider() != llm.ProviderOpenAI {
		t.Errorf("client provider: got %q", client.Provider())
	}

	cfg.LLMProviders = []string{llm.ProviderAnthropic}
	if _, _, err := NewClient(context.Background(), &cfg, nil, zerolog.Nop()); err == nil {
		t.Error("expected error when no provider is configured")
	}
}
