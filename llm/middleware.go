package llm

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggingMiddleware logs every provider attempt and its outcome.
type LoggingMiddleware struct {
	logger zerolog.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger.With().Str("component", "loggingMiddleware").Logger(),
	}
}

// BeforeRequest implements Middleware.BeforeRequest.
func (m *LoggingMiddleware) BeforeRequest(ctx context.Context, req *Request) (*Request, error) {
	m.logger.Debug().
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Int("contextChars", ContextSize(req.Messages)).
		Msg("Sending request")
	return req, nil
}

// AfterResponse implements Middleware.AfterResponse.
func (m *LoggingMiddleware) AfterResponse(ctx context.Context, req *Request, raw any) (any, error) {
	m.logger.Debug().Str("model", req.Model).Msg("Request succeeded")
	return raw, nil
}

// OnError implements Middleware.OnError.
func (m *LoggingMiddleware) OnError(ctx context.Context, req *Request, err error) error {
	evt := m.logger.Info().Err(err).Str("model", req.Model).Bool("retryable", IsRetryableError(err))
	if IsRateLimitError(err) {
		if retryAfter := ExtractRetryAfter(err); retryAfter != nil {
			evt = evt.Dur("retryAfter", *retryAfter)
		}
		evt.Msg("Rate limited by provider")
		return nil
	}
	evt.Msg("Request failed")
	return nil
}

// ContextSizeGuard rejects requests whose history is larger than a character
// budget before they reach the provider.
type ContextSizeGuard struct {
	maxChars int
}

// NewContextSizeGuard creates a guard for histories of at most maxChars characters.
func NewContextSizeGuard(maxChars int) *ContextSizeGuard {
	return &ContextSizeGuard{maxChars: maxChars}
}

// BeforeRequest implements Middleware.BeforeRequest.
func (g *ContextSizeGuard) BeforeRequest(ctx context.Context, req *Request) (*Request, error) {
	if size := ContextSize(req.Messages); g.maxChars > 0 && size > g.maxChars {
		return nil, NewRequestTooLargeError(
			"conversation context exceeds the configured size limit", nil)
	}
	return req, nil
}

// AfterResponse implements Middleware.AfterResponse.
func (g *ContextSizeGuard) AfterResponse(ctx context.Context, req *Request, raw any) (any, error) {
	return raw, nil
}

// OnError implements Middleware.OnError.
func (g *ContextSizeGuard) OnError(ctx context.Context, req *Request, err error) error {
	return nil
}

// ContextSize returns the total character count of the messages.
func ContextSize(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}
