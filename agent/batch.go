package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/q/llm"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultConcurrency bounds in-flight requests when no limit is given.
const DefaultConcurrency = 16

// BatchAgent sends many independent single-message prompts concurrently.
// It keeps no state between batches.
type BatchAgent struct {
	client  llm.Sender
	logger  zerolog.Logger
	limiter *rate.Limiter
}

// BatchOption configures a BatchAgent.
type BatchOption func(*BatchAgent)

// WithBatchLogger sets the batch agent logger.
func WithBatchLogger(logger zerolog.Logger) BatchOption {
	return func(b *BatchAgent) { b.logger = logger }
}

// WithRateLimit paces request dispatch to rps requests per second with the
// given burst. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) BatchOption {
	return func(b *BatchAgent) {
		if rps <= 0 {
			b.limiter = nil
			return
		}
		b.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// NewBatchAgent creates a BatchAgent.
func NewBatchAgent(client llm.Sender, opts ...BatchOption) *BatchAgent {
	b := &BatchAgent{client: client, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "batchAgent").Logger()
	return b
}

// BatchItem is the outcome of one prompt in a partial-success batch.
type BatchItem struct {
	Index  int
	Prompt string
	Text   string
	Err    error
}

// BatchPrompt sends every prompt as its own conversation, at most concurrency
// at a time (DefaultConcurrency when concurrency <= 0). Results are returned
// in prompt order. The first failure cancels the remaining requests and
// fails the whole batch.
func (b *BatchAgent) BatchPrompt(ctx context.Context, prompts []string, model string, concurrency int, opts ...llm.Option) ([]string, error) {
	if err := validatePrompts(prompts); err != nil {
		return nil, err
	}
	if len(prompts) == 0 {
		return []string{}, nil
	}

	sem := semaphore.NewWeighted(int64(normalizeConcurrency(concurrency)))
	g, gctx := errgroup.WithContext(ctx)
	results := make([]string, len(prompts))
	start := time.Now()

	for i, p := range prompts {
		if err := sem.Acquire(gctx, 1); err != nil {
			// gctx is done: either the caller cancelled or a request failed.
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			text, err := b.send(gctx, p, model, opts)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			results[i] = text
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		b.logger.Warn().Err(err).Int("prompts", len(prompts)).Msg("Batch failed")
		if ctxErr := ctx.Err(); ctxErr != nil && !llm.IsCancelled(err) {
			return nil, llm.NewCancelledError(ctxErr)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, llm.NewCancelledError(err)
	}

	b.logger.Debug().
		Int("prompts", len(prompts)).
		Dur("elapsed", time.Since(start)).
		Msg("Batch completed")
	return results, nil
}

// BatchPromptAll is like BatchPrompt but never aborts: every prompt gets a
// BatchItem carrying either its text or its error.
func (b *BatchAgent) BatchPromptAll(ctx context.Context, prompts []string, model string, concurrency int, opts ...llm.Option) []BatchItem {
	items := make([]BatchItem, len(prompts))
	sem := semaphore.NewWeighted(int64(normalizeConcurrency(concurrency)))
	var wg sync.WaitGroup

	for i, p := range prompts {
		items[i] = BatchItem{Index: i, Prompt: p}
		if strings.TrimSpace(p) == "" {
			items[i].Err = llm.NewValidationError("prompt %d is empty", i)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			items[i].Err = llm.NewCancelledError(err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			items[i].Text, items[i].Err = b.send(ctx, p, model, opts)
		}()
	}
	wg.Wait()

	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	b.logger.Debug().Int("prompts", len(prompts)).Int("failed", failed).Msg("Batch completed")
	return items
}

func (b *BatchAgent) send(ctx context.Context, prompt, model string, opts []llm.Option) (string, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return "", llm.NewCancelledError(err)
		}
	}
	return b.client.Send(ctx, []llm.Message{llm.NewUserMessage(prompt)}, model, opts...)
}

func validatePrompts(prompts []string) error {
	var errs []error
	for i, p := range prompts {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("prompt %d is empty", i))
		}
	}
	if len(errs) > 0 {
		return llm.NewValidationError("invalid batch: %v", errors.Join(errs...))
	}
	return nil
}

func normalizeConcurrency(n int) int {
	if n <= 0 {
		return DefaultConcurrency
	}
	return n
}
