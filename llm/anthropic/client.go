package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aschepis/backscratcher/q/llm"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultAuthModel is the model used for the one-token credential check.
const DefaultAuthModel = "claude-haiku-4-5"

// Provider implements llm.Provider for Anthropic's Messages API.
type Provider struct {
	apiKey     string
	baseURL    string
	authModel  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the provider at a different endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithAuthModel sets the model used to validate credentials.
func WithAuthModel(model string) Option {
	return func(p *Provider) { p.authModel = model }
}

// WithHTTPClient sets the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the provider logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New creates a Provider with the given API key.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	p := &Provider{
		apiKey:    apiKey,
		authModel: DefaultAuthModel,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "anthropicProvider").Logger()
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
	return llm.ProviderAnthropic
}

// sdk builds an SDK client. Retries are owned by llm.Client, so the SDK's
// own retry loop is switched off.
func (p *Provider) sdk() *anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(p.httpClient))
	}
	client := anthropic.NewClient(opts...)
	return &client
}

// Authenticate implements llm.Provider with a one-token generation call.
func (p *Provider) Authenticate(ctx context.Context) error {
	_, err := p.sdk().Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.authModel),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("hi"))},
	})
	if err != nil {
		return convertAnthropicError(err)
	}
	return nil
}

// Dial implements llm.Provider.
func (p *Provider) Dial(mode llm.CallMode) (llm.Handle, error) {
	return &handle{client: p.sdk(), logger: p.logger.With().Stringer("mode", mode).Logger()}, nil
}

// IsRetryable implements llm.Provider: rate limits, server errors and
// transport failures are retried.
func (p *Provider) IsRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.IsRetryableStatus(apiErr.StatusCode)
	}
	return llm.IsRetryableError(err)
}

// ExtractText implements llm.Provider, returning the first text block.
func (p *Provider) ExtractText(raw any) (string, error) {
	message, ok := raw.(*anthropic.Message)
	if !ok || message == nil {
		return "", fmt.Errorf("unexpected anthropic response type %T", raw)
	}
	for _, blockUnion := range message.Content {
		if block, ok := blockUnion.AsAny().(anthropic.TextBlock); ok {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic response %s contained no text block", message.ID)
}

// ListModels implements llm.ModelLister.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.sdk().Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, convertAnthropicError(err)
	}
	return lo.Map(page.Data, func(m anthropic.ModelInfo, _ int) string {
		return m.ID
	}), nil
}

type handle struct {
	client *anthropic.Client
	logger zerolog.Logger
}

// Send implements llm.Handle.
func (h *handle) Send(ctx context.Context, req *llm.Request) (any, error) {
	params, reqOpts := BuildParams(req)

	message, err := h.client.Messages.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, convertAnthropicError(err)
	}

	h.logger.Debug().
		Str("model", req.Model).
		Int64("input_tokens", message.Usage.InputTokens).
		Int64("output_tokens", message.Usage.OutputTokens).
		Str("stop_reason", string(message.StopReason)).
		Msg("Anthropic message created")
	return message, nil
}

// convertAnthropicError converts Anthropic API errors to llm.Error types.
func convertAnthropicError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return llm.ClassifyTransportError(llm.ProviderAnthropic, err)
	}

	e := llm.NewStatusError(llm.ProviderAnthropic, apiErr.StatusCode,
		fmt.Sprintf("Anthropic API error (status %d)", apiErr.StatusCode), err)
	if apiErr.Response != nil {
		e.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("retry-after"))
	}
	return e
}

func parseRetryAfter(v string) *time.Duration {
	if v == "" {
		return nil
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return nil
	}
	return lo.ToPtr(time.Duration(seconds) * time.Second)
}
