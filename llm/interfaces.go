package llm

import (
	"context"
)

// Provider supplies the vendor-specific hooks the Client needs. The retry
// loop, handle caching and error wrapping live in Client; a Provider only
// knows how to talk to one API.
type Provider interface {
	// Name identifies the provider in logs and errors ("anthropic", "openai", ...).
	Name() string

	// Authenticate validates credentials with a minimal real call. It runs
	// once when a Client is constructed.
	Authenticate(ctx context.Context) error

	// Dial creates a call handle. The Client caches one handle per mode.
	Dial(mode CallMode) (Handle, error)

	// IsRetryable classifies a failed attempt.
	IsRetryable(err error) bool

	// ExtractText pulls the reply text out of a raw response returned by a Handle.
	ExtractText(raw any) (string, error)
}

// Handle performs one network attempt: it builds the vendor request from the
// history and options and returns the vendor's raw response.
type Handle interface {
	Send(ctx context.Context, req *Request) (any, error)
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func(ctx context.Context, req *Request) (any, error)

// Send implements Handle.
func (f HandleFunc) Send(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// Sender is the conversation-facing surface of a Client. Agents depend on
// this rather than on *Client so they can be exercised with fakes.
type Sender interface {
	// Send blocks until a reply is produced or the call fails terminally.
	Send(ctx context.Context, history []Message, model string, opts ...Option) (string, error)

	// SendAsync returns immediately. The channel yields exactly one Result
	// and is then closed.
	SendAsync(ctx context.Context, history []Message, model string, opts ...Option) <-chan Result
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Middleware provides hooks for decorating Handle calls.
// This allows adding cross-cutting concerns like logging or request shaping
// without modifying provider implementations.
type Middleware interface {
	// BeforeRequest is called before every attempt.
	// It can modify the request or return an error to abort the attempt.
	BeforeRequest(ctx context.Context, req *Request) (*Request, error)

	// AfterResponse is called after a successful attempt.
	AfterResponse(ctx context.Context, req *Request, raw any) (any, error)

	// OnError is called when an attempt fails.
	// It can return a modified error or nil to use the original error.
	OnError(ctx context.Context, req *Request, err error) error
}

// MiddlewareFunc is a helper type that allows using functions as middleware.
type MiddlewareFunc struct {
	Before func(ctx context.Context, req *Request) (*Request, error)
	After  func(ctx context.Context, req *Request, raw any) (any, error)
	Error  func(ctx context.Context, req *Request, err error) error
}

// BeforeRequest implements Middleware.BeforeRequest.
func (f MiddlewareFunc) BeforeRequest(ctx context.Context, req *Request) (*Request, error) {
	if f.Before != nil {
		return f.Before(ctx, req)
	}
	return req, nil
}

// AfterResponse implements Middleware.AfterResponse.
func (f MiddlewareFunc) AfterResponse(ctx context.Context, req *Request, raw any) (any, error) {
	if f.After != nil {
		return f.After(ctx, req, raw)
	}
	return raw, nil
}

// OnError implements Middleware.OnError.
func (f MiddlewareFunc) OnError(ctx context.Context, req *Request, err error) error {
	if f.Error != nil {
		return f.Error(ctx, req, err)
	}
	return nil
}

// WrapWithMiddleware wraps a Handle with middleware. Middleware run in the
// order given for requests and in reverse order for responses and errors.
func WrapWithMiddleware(h Handle, middleware ...Middleware) Handle {
	if len(middleware) == 0 {
		return h
	}
	return &handleWithMiddleware{handle: h, middleware: middleware}
}

type handleWithMiddleware struct {
	handle     Handle
	middleware []Middleware
}

func (h *handleWithMiddleware) Send(ctx context.Context, req *Request) (any, error) {
	var err error
	for _, mw := range h.middleware {
		req, err = mw.BeforeRequest(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	raw, err := h.handle.Send(ctx, req)
	if err != nil {
		for i := len(h.middleware) - 1; i >= 0; i-- {
			if modified := h.middleware[i].OnError(ctx, req, err); modified != nil {
				err = modified
			}
		}
		return nil, err
	}

	for i := len(h.middleware) - 1; i >= 0; i-- {
		raw, err = h.middleware[i].AfterResponse(ctx, req, raw)
		if err != nil {
			return nil, err
		}
	}
	return raw, nil
}
