package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aschepis/backscratcher/q/llm"
	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Provider implements llm.Provider for a local or remote Ollama server.
type Provider struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New creates a Provider.
// If host is empty, OLLAMA_HOST or http://localhost:11434 is used.
func New(host string, opts ...Option) (*Provider, error) {
	var baseURL *url.URL
	if host != "" {
		u, err := parseHost(host)
		if err != nil {
			return nil, fmt.Errorf("invalid host: %w", err)
		}
		baseURL = u
	} else {
		// Same resolution api.ClientFromEnvironment uses
		baseURL = envconfig.Host()
	}

	p := &Provider{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "ollamaProvider").Str("host", baseURL.String()).Logger()
	return p, nil
}

// NewClient creates a Provider and wraps it in a validated llm.Client.
func NewClient(ctx context.Context, host string, opts ...llm.ClientOption) (*llm.Client, error) {
	p, err := New(host)
	if err != nil {
		return nil, err
	}
	return llm.NewClient(ctx, p, opts...)
}

// parseHost parses a host string into a URL.
func parseHost(host string) (*url.URL, error) {
	// If host doesn't have a scheme, add http://
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return llm.ProviderOllama
}

func (p *Provider) sdk() *api.Client {
	return api.NewClient(p.baseURL, p.httpClient)
}

// Authenticate implements llm.Provider. Ollama has no credentials, so this
// only checks that the server answers.
func (p *Provider) Authenticate(ctx context.Context) error {
	if _, err := p.sdk().List(ctx); err != nil {
		return convertOllamaError(err)
	}
	return nil
}

// Dial implements llm.Provider.
func (p *Provider) Dial(mode llm.CallMode) (llm.Handle, error) {
	return &handle{client: p.sdk(), logger: p.logger.With().Stringer("mode", mode).Logger()}, nil
}

// IsRetryable implements llm.Provider.
func (p *Provider) IsRetryable(err error) bool {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return llm.IsRetryableStatus(statusErr.StatusCode)
	}
	return llm.IsRetryableError(err)
}

// ExtractText implements llm.Provider: message.content of the final response.
func (p *Provider) ExtractText(raw any) (string, error) {
	resp, ok := raw.(api.ChatResponse)
	if !ok {
		return "", fmt.Errorf("unexpected ollama response type %T", raw)
	}
	return resp.Message.Content, nil
}

// ListModels implements llm.ModelLister with the locally available models.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	list, err := p.sdk().List(ctx)
	if err != nil {
		return nil, convertOllamaError(err)
	}
	return lo.Map(list.Models, func(m api.ListModelResponse, _ int) string {
		return m.Name
	}), nil
}

type handle struct {
	client *api.Client
	logger zerolog.Logger
}

// Send implements llm.Handle.
func (h *handle) Send(ctx context.Context, req *llm.Request) (any, error) {
	chatReq := BuildChatRequest(req)

	var chatResp api.ChatResponse
	err := h.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		chatResp = resp
		return nil
	})
	if err != nil {
		return nil, convertOllamaError(err)
	}

	h.logger.Debug().
		Str("model", req.Model).
		Int("prompt_eval_count", chatResp.PromptEvalCount).
		Int("eval_count", chatResp.EvalCount).
		Msg("Ollama chat completed")
	return chatResp, nil
}

// convertOllamaError converts Ollama errors to llm.Error types.
func convertOllamaError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		return llm.NewStatusError(llm.ProviderOllama, statusErr.StatusCode,
			fmt.Sprintf("ollama chat request failed: %s", msg), err)
	}
	return llm.ClassifyTransportError(llm.ProviderOllama, err)
}
