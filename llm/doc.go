// Package llm provides a provider-neutral client for chat-style Large Language Model APIs.
//
// # Core Concepts
//
//  1. Messages: a Message is a role (user, assistant, system) plus text. A
//     conversation history is an ordered []Message.
//
//  2. Provider: the vendor-specific hooks. A Provider validates credentials,
//     dials call handles, classifies failures as retryable or not, and
//     extracts reply text from raw responses. Implementations live in the
//     anthropic, openai and ollama subpackages.
//
//  3. Client: wraps a Provider with the retry policy. Send blocks the calling
//     goroutine; SendAsync returns a channel that yields one Result. Both run
//     the same loop: attempt, classify, wait factor^i seconds plus up to 10%
//     jitter, and retry until the attempt budget is spent.
//
//  4. Errors: the Error type carries a category (authentication, rate_limit,
//     generation, validation, cancelled, ...). Terminal failures are wrapped
//     in a generation error that keeps the cause reachable with errors.Is.
//
//  5. Middleware: the Middleware interface decorates individual attempts
//     (logging, request shaping) without modifying provider implementations.
//
// Usage Example
//
//	client, err := anthropic.NewClient(ctx, apiKey, llm.WithMaxRetries(3))
//	if err != nil {
//	    return err
//	}
//
//	reply, err := client.Send(ctx, []llm.Message{
//	    llm.NewSystemMessage("be terse"),
//	    llm.NewUserMessage("2+2?"),
//	}, "claude-haiku-4-5", llm.WithMaxTokens(256))
//
// # Extension Points
//
// To add a new LLM provider:
//  1. Implement the Provider and Handle interfaces
//  2. Translate provider-specific errors into *llm.Error values
//  3. Optionally implement ModelLister
package llm
