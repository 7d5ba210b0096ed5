package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Client wraps a Provider with retry, backoff and handle caching. It is safe
// for concurrent use; every call keeps its own retry state.
type Client struct {
	provider   Provider
	policy     RetryPolicy
	logger     zerolog.Logger
	middleware []Middleware
	newTimer   func() backoff.Timer
	jitter     func() float64

	// One slot per CallMode, filled on first use.
	handles [2]atomic.Pointer[handleSlot]
}

type handleSlot struct {
	handle Handle
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxRetries sets how many retries follow the first attempt. Negative
// values are treated as zero.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.policy.MaxRetries = max(n, 0)
	}
}

// WithBackoffFactor sets the base of the exponential delay. Values below 1
// are ignored.
func WithBackoffFactor(f float64) ClientOption {
	return func(c *Client) {
		if f >= 1 {
			c.policy.BackoffFactor = f
		}
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		WithMaxRetries(p.MaxRetries)(c)
		WithBackoffFactor(p.BackoffFactor)(c)
	}
}

// WithLogger sets the logger used for retry and handle events.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMiddleware decorates every handle the Client dials.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithTimer overrides the timer used to wait between attempts. The factory
// is called once per request.
func WithTimer(newTimer func() backoff.Timer) ClientOption {
	return func(c *Client) {
		c.newTimer = newTimer
	}
}

// WithJitter overrides the source of the random jitter fraction. fn must
// return values in [0, 1).
func WithJitter(fn func() float64) ClientOption {
	return func(c *Client) {
		c.jitter = fn
	}
}

// NewClient builds a Client and validates credentials once through
// provider.Authenticate. A rejected credential yields an authentication error.
func NewClient(ctx context.Context, provider Provider, opts ...ClientOption) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	c := &Client{
		provider: provider,
		policy:   DefaultRetryPolicy(),
		logger:   zerolog.Nop(),
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "llmClient").Str("provider", provider.Name()).Logger()

	if err := provider.Authenticate(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, NewCancelledError(ctxErr)
		}
		c.logger.Error().Err(err).Msg("Credential validation failed")
		return nil, NewAuthenticationError(provider.Name(), err)
	}

	c.logger.Debug().
		Int("max_retries", c.policy.MaxRetries).
		Float64("backoff_factor", c.policy.BackoffFactor).
		Msg("LLM client ready")
	return c, nil
}

// Provider returns the name of the underlying provider.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Policy returns the retry policy in effect.
func (c *Client) Policy() RetryPolicy {
	return c.policy
}

// Send implements Sender. The retry loop runs on the calling goroutine.
func (c *Client) Send(ctx context.Context, history []Message, model string, opts ...Option) (string, error) {
	req, err := newRequest(history, model, opts)
	if err != nil {
		return "", err
	}
	return c.do(ctx, CallModeBlocking, req)
}

// SendAsync implements Sender. The retry loop runs on its own goroutine and
// the history is copied before SendAsync returns.
func (c *Client) SendAsync(ctx context.Context, history []Message, model string, opts ...Option) <-chan Result {
	out := make(chan Result, 1)

	req, err := newRequest(history, model, opts)
	if err != nil {
		out <- Result{Err: err}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		text, err := c.do(ctx, CallModeAsync, req)
		out <- Result{Text: text, Err: err}
	}()
	return out
}

// ListModels returns the models the provider offers, when it can tell.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	lister, ok := c.provider.(ModelLister)
	if !ok {
		return nil, fmt.Errorf("provider %s does not support listing models", c.provider.Name())
	}
	return lister.ListModels(ctx)
}

// newRequest validates input and snapshots the history.
func newRequest(history []Message, model string, opts []Option) (*Request, error) {
	if len(history) == 0 {
		return nil, NewValidationError("message history must not be empty")
	}
	if strings.TrimSpace(model) == "" {
		return nil, NewValidationError("model must not be empty")
	}
	for i, m := range history {
		if !m.Role.Valid() {
			return nil, NewValidationError("message %d has invalid role %q", i, m.Role)
		}
	}

	return &Request{
		Model:    model,
		Messages: append([]Message(nil), history...),
		Options:  ApplyOptions(opts...),
	}, nil
}

// handle returns the cached handle for mode, dialing it on first use. Two
// goroutines may both dial; the loser's handle is discarded.
func (c *Client) handle(mode CallMode) (Handle, error) {
	slot := &c.handles[mode]
	if s := slot.Load(); s != nil {
		return s.handle, nil
	}

	h, err := c.provider.Dial(mode)
	if err != nil {
		return nil, fmt.Errorf("dial %s handle: %w", mode, err)
	}
	h = WrapWithMiddleware(h, c.middleware...)

	if slot.CompareAndSwap(nil, &handleSlot{handle: h}) {
		c.logger.Debug().Stringer("mode", mode).Msg("Created provider handle")
		return h, nil
	}
	if closer, ok := h.(io.Closer); ok {
		_ = closer.Close()
	}
	return slot.Load().handle, nil
}

// do runs the attempt/classify/backoff loop for one logical request.
func (c *Client) do(ctx context.Context, mode CallMode, req *Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewCancelledError(err)
	}

	h, err := c.handle(mode)
	if err != nil {
		return "", NewGenerationError(c.provider.Name(), req.Model, err)
	}

	var (
		text    string
		attempt int
	)
	operation := func() error {
		attempt++
		raw, err := h.Send(ctx, req)
		if err != nil {
			if ctx.Err() != nil || !c.provider.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		text, err = c.provider.ExtractText(raw)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	notify := func(err error, delay time.Duration) {
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.policy.MaxAttempts()).
			Dur("delay", delay).
			Str("model", req.Model).
			Msg("LLM request failed, retrying")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(newPolicyBackOff(c.policy, c.jitter), uint64(c.policy.MaxRetries)), //nolint:gosec // MaxRetries is clamped to >= 0
		ctx,
	)

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}

	err = backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	if err == nil {
		return text, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", NewCancelledError(ctxErr)
	}
	if errors.Is(err, context.Canceled) {
		return "", NewCancelledError(err)
	}

	c.logger.Error().Err(err).Int("attempts", attempt).Str("model", req.Model).Msg("LLM request failed")
	return "", NewGenerationError(c.provider.Name(), req.Model, err)
}
