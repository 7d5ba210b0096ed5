package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/q/llm"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI API errors don't directly expose retry-after headers
// We'll use a default retry after duration for rate limits
const defaultRetryAfter = 60 * time.Second

// Provider implements llm.Provider for OpenAI-compatible chat completion APIs.
type Provider struct {
	apiKey       string
	baseURL      string
	organization string
	httpClient   *http.Client
	logger       zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL targets an OpenAI-compatible endpoint other than the official API.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithOrganization sets the OpenAI organization header.
func WithOrganization(org string) Option {
	return func(p *Provider) { p.organization = org }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New creates a Provider.
// If apiKey is empty, it will return an error.
// If no base URL is set, it will use the default OpenAI API endpoint.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	p := &Provider{apiKey: apiKey, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "openaiProvider").Logger()
	return p, nil
}

// NewClient creates a Provider and wraps it in a validated llm.Client.
func NewClient(ctx context.Context, apiKey string, opts ...llm.ClientOption) (*llm.Client, error) {
	p, err := New(apiKey)
	if err != nil {
		return nil, err
	}
	return llm.NewClient(ctx, p, opts...)
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return llm.ProviderOpenAI
}

func (p *Provider) sdk() *openai.Client {
	config := openai.DefaultConfig(p.apiKey)

	// Set custom base URL if provided
	if p.baseURL != "" {
		config.BaseURL = p.baseURL
	}

	// Set organization if provided
	if p.organization != "" {
		config.OrgID = p.organization
	}

	if p.httpClient != nil {
		config.HTTPClient = p.httpClient
	}

	return openai.NewClientWithConfig(config)
}

// Authenticate implements llm.Provider by listing models.
func (p *Provider) Authenticate(ctx context.Context) error {
	if _, err := p.sdk().ListModels(ctx); err != nil {
		return convertOpenAIError(err)
	}
	return nil
}

// Dial implements llm.Provider.
func (p *Provider) Dial(mode llm.CallMode) (llm.Handle, error) {
	return &handle{client: p.sdk(), logger: p.logger.With().Stringer("mode", mode).Logger()}, nil
}

// IsRetryable implements llm.Provider.
func (p *Provider) IsRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.IsRetryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.IsRetryableStatus(reqErr.HTTPStatusCode)
	}
	return llm.IsRetryableError(err)
}

// ExtractText implements llm.Provider: choices[0].message.content.
func (p *Provider) ExtractText(raw any) (string, error) {
	resp, ok := raw.(openai.ChatCompletionResponse)
	if !ok {
		return "", fmt.Errorf("unexpected openai response type %T", raw)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in %s", describeChoice(resp))
	}
	return resp.Choices[0].Message.Content, nil
}

// ListModels implements llm.ModelLister.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	list, err := p.sdk().ListModels(ctx)
	if err != nil {
		return nil, convertOpenAIError(err)
	}
	return lo.Map(list.Models, func(m openai.Model, _ int) string {
		return m.ID
	}), nil
}

type handle struct {
	client *openai.Client
	logger zerolog.Logger
}

// Send implements llm.Handle.
func (h *handle) Send(ctx context.Context, req *llm.Request) (any, error) {
	chatReq, err := BuildChatRequest(req)
	if err != nil {
		return nil, err
	}

	chatResp, err := h.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, convertOpenAIError(err)
	}

	h.logger.Debug().
		Str("model", req.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Msg("OpenAI chat completion created")
	return chatResp, nil
}

// convertOpenAIError converts OpenAI API errors to llm.Error types.
func convertOpenAIError(err error) error {
	if err == nil {
		return nil
	}

	// Check if it's an OpenAI API error using errors.As
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := llm.NewStatusError(llm.ProviderOpenAI, apiErr.HTTPStatusCode,
			fmt.Sprintf("OpenAI API error: %s", apiErr.Message), err)
		if e.Type == llm.ErrorTypeRateLimit {
			retryAfter := defaultRetryAfter
			e.RetryAfter = &retryAfter
		}
		return e
	}

	// Non-JSON error bodies (proxies, gateways) surface as RequestError
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.NewStatusError(llm.ProviderOpenAI, reqErr.HTTPStatusCode,
			fmt.Sprintf("OpenAI request failed: %s", reqErr.HTTPStatus), err)
	}

	return llm.ClassifyTransportError(llm.ProviderOpenAI, err)
}
