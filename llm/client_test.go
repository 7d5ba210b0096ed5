package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// fakeProvider scripts per-attempt outcomes. A nil error in the script means
// success with reply "ok".
type fakeProvider struct {
	authErr error
	script  []error
	reply   string
	block   chan struct{} // when set, each attempt waits on it

	mu    sync.Mutex
	calls int
	reqs  []*Request
	dials atomic.Int32
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Authenticate(ctx context.Context) error {
	return p.authErr
}

func (p *fakeProvider) Dial(mode CallMode) (Handle, error) {
	p.dials.Add(1)
	return HandleFunc(p.send), nil
}

func (p *fakeProvider) send(ctx context.Context, req *Request) (any, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if i < len(p.script) && p.script[i] != nil {
		return nil, p.script[i]
	}
	if p.reply == "" {
		return "ok", nil
	}
	return p.reply, nil
}

func (p *fakeProvider) IsRetryable(err error) bool {
	return IsRetryableError(err)
}

func (p *fakeProvider) ExtractText(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type %T", raw)
	}
	return s, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingTimer fires immediately and remembers every requested delay.
type recordingTimer struct {
	mu     *sync.Mutex
	delays *[]time.Duration
	c      chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	*t.delays = append(*t.delays, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *recordingTimer) Stop()               {}
func (t *recordingTimer) C() <-chan time.Time { return t.c }

type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *timerRecorder) factory() backoff.Timer {
	return &recordingTimer{mu: &r.mu, delays: &r.delays, c: make(chan time.Time, 1)}
}

func (r *timerRecorder) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func transient() error {
	return NewStatusError("fake", 503, "overloaded", nil)
}

func newTestClient(t *testing.T, p *fakeProvider, rec *timerRecorder, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithLogger(zerolog.Nop()),
		WithTimer(rec.factory),
		WithJitter(func() float64 { return 0 }),
	}
	c, err := NewClient(context.Background(), p, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

var history = []Message{NewSystemMessage("be terse"), NewUserMessage("2+2?")}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	for k := 0; k <= 3; k++ {
		for _, mode := range []CallMode{CallModeBlocking, CallModeAsync} {
			t.Run(fmt.Sprintf("%d failures/%s", k, mode), func(t *testing.T) {
				script := make([]error, k)
				for i := range script {
					script[i] = transient()
				}
				p := &fakeProvider{script: script, reply: "4"}
				rec := &timerRecorder{}
				c := newTestClient(t, p, rec)

				var text string
				var err error
				if mode == CallModeBlocking {
					text, err = c.Send(context.Background(), history, "m")
				} else {
					res := <-c.SendAsync(context.Background(), history, "m")
					text, err = res.Text, res.Err
				}
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if text != "4" {
					t.Errorf("text: got %q, want %q", text, "4")
				}
				if got := p.callCount(); got != k+1 {
					t.Errorf("calls: got %d, want %d", got, k+1)
				}
				if got := len(rec.snapshot()); got != k {
					t.Errorf("waits: got %d, want %d", got, k)
				}
			})
		}
	}
}

func TestClient_NonRetryableFailsImmediately(t *testing.T) {
	cause := NewStatusError("fake", 400, "bad request", nil)
	p := &fakeProvider{script: []error{cause}}
	rec := &timerRecorder{}
	c := newTestClient(t, p, rec)

	_, err := c.Send(context.Background(), history, "m")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected original cause to stay reachable")
	}
	if got := p.callCount(); got != 1 {
		t.Errorf("calls: got %d, want 1", got)
	}
	if got := len(rec.snapshot()); got != 0 {
		t.Errorf("waits: got %d, want 0", got)
	}
}

func TestClient_MaxRetriesTwo(t *testing.T) {
	p := &fakeProvider{script: []error{transient(), transient()}}
	rec := &timerRecorder{}
	c := newTestClient(t, p, rec, WithMaxRetries(2))

	text, err := c.Send(context.Background(), history, "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "ok" {
		t.Errorf("text: got %q, want ok", text)
	}
	if got := p.callCount(); got != 3 {
		t.Errorf("calls: got %d, want 3", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("delays: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestClient_ExhaustsRetries(t *testing.T) {
	rateLimited := NewRateLimitError("slow down", nil, nil)
	p := &fakeProvider{script: []error{rateLimited, rateLimited, rateLimited, rateLimited, rateLimited}}
	rec := &timerRecorder{}
	c := newTestClient(t, p, rec, WithBackoffFactor(3))

	res := <-c.SendAsync(context.Background(), history, "m")
	if !errors.Is(res.Err, ErrGeneration) {
		t.Fatalf("expected generation error, got %v", res.Err)
	}
	if !IsRateLimitError(res.Err) {
		t.Error("expected rate limit cause to stay visible")
	}
	if got := p.callCount(); got != 4 {
		t.Errorf("calls: got %d, want 4", got)
	}
	want := []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("delays: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestClient_JitterWithinBounds(t *testing.T) {
	p := &fakeProvider{script: []error{transient(), transient(), transient()}}
	rec := &timerRecorder{}
	c := newTestClient(t, p, rec, WithJitter(func() float64 { return 0.999 }))

	if _, err := c.Send(context.Background(), history, "m"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, d := range rec.snapshot() {
		base := time.Duration(1<<i) * time.Second
		if d < base || d > base+base/10 {
			t.Errorf("delay %d: %v outside [%v, %v]", i, d, base, base+base/10)
		}
	}
}

func TestClient_ValidationBeforeNetwork(t *testing.T) {
	tests := []struct {
		name    string
		history []Message
		model   string
	}{
		{"empty history", nil, "m"},
		{"empty model", history, "  "},
		{"bad role", []Message{{Role: "tool", Content: "x"}}, "m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			c := newTestClient(t, p, &timerRecorder{})

			_, err := c.Send(context.Background(), tt.history, tt.model)
			if !IsValidationError(err) {
				t.Errorf("Send: expected validation error, got %v", err)
			}
			res := <-c.SendAsync(context.Background(), tt.history, tt.model)
			if !IsValidationError(res.Err) {
				t.Errorf("SendAsync: expected validation error, got %v", res.Err)
			}
			if p.callCount() != 0 || p.dials.Load() != 0 {
				t.Errorf("expected no provider activity, got %d calls %d dials", p.callCount(), p.dials.Load())
			}
		})
	}
}

func TestNewClient_AuthenticationFailure(t *testing.T) {
	p := &fakeProvider{authErr: NewStatusError("fake", 401, "invalid x-api-key", nil)}
	c, err := NewClient(context.Background(), p)
	if c != nil {
		t.Error("expected nil client")
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if p.callCount() != 0 {
		t.Errorf("no generation calls expected, got %d", p.callCount())
	}
}

func TestNewClient_NilProvider(t *testing.T) {
	if _, err := NewClient(context.Background(), nil); err == nil {
		t.Error("expected error for nil provider")
	}
}

func TestClient_CancelledBeforeCall(t *testing.T) {
	p := &fakeProvider{}
	c := newTestClient(t, p, &timerRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Send(ctx, history, "m")
	if !IsCancelled(err) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if errors.Is(err, ErrGeneration) {
		t.Error("cancellation must not surface as a generation error")
	}
	if p.callCount() != 0 {
		t.Errorf("calls: got %d, want 0", p.callCount())
	}
}

// stallTimer never fires; it cancels the context when a wait starts.
type stallTimer struct {
	cancel context.CancelFunc
}

func (t *stallTimer) Start(time.Duration) { t.cancel() }
func (t *stallTimer) Stop()               {}
func (t *stallTimer) C() <-chan time.Time { return nil }

func TestClient_CancelledDuringBackoff(t *testing.T) {
	p := &fakeProvider{script: []error{transient(), transient()}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewClient(context.Background(), p,
		WithTimer(func() backoff.Timer { return &stallTimer{cancel: cancel} }),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	res := <-c.SendAsync(ctx, history, "m")
	if !IsCancelled(res.Err) {
		t.Fatalf("expected cancelled, got %v", res.Err)
	}
	if got := p.callCount(); got != 1 {
		t.Errorf("calls: got %d, want 1 (no retry after cancellation)", got)
	}
}

func TestClient_CancelledInFlight(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	c := newTestClient(t, p, &timerRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.SendAsync(ctx, history, "m")
	for p.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	res := <-ch
	if !IsCancelled(res.Err) {
		t.Fatalf("expected cancelled, got %v", res.Err)
	}
	if got := p.callCount(); got != 1 {
		t.Errorf("calls: got %d, want 1", got)
	}
}

func TestClient_SendAsyncReturnsImmediately(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	c := newTestClient(t, p, &timerRecorder{})

	ch := c.SendAsync(context.Background(), history, "m")
	select {
	case <-ch:
		t.Fatal("result delivered before the provider answered")
	default:
	}

	close(p.block)
	res, ok := <-ch
	if !ok || res.Err != nil || res.Text != "ok" {
		t.Fatalf("unexpected result %+v (ok=%v)", res, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after one result")
	}
}

func TestClient_HistorySnapshot(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	c := newTestClient(t, p, &timerRecorder{})

	h := []Message{NewUserMessage("first")}
	ch := c.SendAsync(context.Background(), h, "m", WithMaxTokens(32))
	h[0].Content = "mutated"
	close(p.block)
	<-ch

	p.mu.Lock()
	defer p.mu.Unlock()
	if got := p.reqs[0].Messages[0].Content; got != "first" {
		t.Errorf("request content: got %q, want %q", got, "first")
	}
	if p.reqs[0].Options.MaxTokens != 32 {
		t.Errorf("MaxTokens: got %d, want 32", p.reqs[0].Options.MaxTokens)
	}
}

func TestClient_HandlesCachedPerMode(t *testing.T) {
	p := &fakeProvider{}
	c := newTestClient(t, p, &timerRecorder{})

	for i := 0; i < 3; i++ {
		if _, err := c.Send(context.Background(), history, "m"); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if got := p.dials.Load(); got != 1 {
		t.Errorf("dials after blocking calls: got %d, want 1", got)
	}

	for i := 0; i < 3; i++ {
		if res := <-c.SendAsync(context.Background(), history, "m"); res.Err != nil {
			t.Fatalf("SendAsync failed: %v", res.Err)
		}
	}
	if got := p.dials.Load(); got != 2 {
		t.Errorf("dials after async calls: got %d, want 2", got)
	}
}

func TestClient_ConcurrentFirstUse(t *testing.T) {
	p := &fakeProvider{}
	c := newTestClient(t, p, &timerRecorder{})

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Send(context.Background(), history, "m"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Send failed: %v", err)
	}

	dials := p.dials.Load()
	if _, err := c.Send(context.Background(), history, "m"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if p.dials.Load() != dials {
		t.Error("expected the cached handle to be reused once published")
	}
}

func TestClient_Middleware(t *testing.T) {
	p := &fakeProvider{script: []error{transient()}}
	var before, failures atomic.Int32
	mw := MiddlewareFunc{
		Before: func(ctx context.Context, req *Request) (*Request, error) {
			before.Add(1)
			return req, nil
		},
		After: func(ctx context.Context, req *Request, raw any) (any, error) {
			return raw.(string) + "!", nil
		},
		Error: func(ctx context.Context, req *Request, err error) error {
			failures.Add(1)
			return nil
		},
	}
	c := newTestClient(t, p, &timerRecorder{}, WithMiddleware(mw))

	text, err := c.Send(context.Background(), history, "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "ok!" {
		t.Errorf("text: got %q, want %q", text, "ok!")
	}
	if before.Load() != 2 || failures.Load() != 1 {
		t.Errorf("middleware counts: before=%d failures=%d", before.Load(), failures.Load())
	}
}

func TestClient_ExtractFailureIsTerminal(t *testing.T) {
	p := &fakeProvider{}
	c := newTestClient(t, p, &timerRecorder{}, WithMiddleware(MiddlewareFunc{
		After: func(ctx context.Context, req *Request, raw any) (any, error) {
			return 42, nil
		},
	}))

	_, err := c.Send(context.Background(), history, "m")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if p.callCount() != 1 {
		t.Errorf("calls: got %d, want 1", p.callCount())
	}
}

type listingProvider struct {
	fakeProvider
}

func (p *listingProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"a", "b"}, nil
}

func TestClient_ListModels(t *testing.T) {
	c := newTestClient(t, &fakeProvider{}, &timerRecorder{})
	if _, err := c.ListModels(context.Background()); err == nil {
		t.Error("expected error for provider without model listing")
	}

	lc, err := NewClient(context.Background(), &listingProvider{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	models, err := lc.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 {
		t.Errorf("models: got %v", models)
	}
}

func TestClientOptions(t *testing.T) {
	c := newTestClient(t, &fakeProvider{}, &timerRecorder{},
		WithRetryPolicy(RetryPolicy{MaxRetries: -1, BackoffFactor: 0.5}),
	)
	p := c.Policy()
	if p.MaxRetries != 0 {
		t.Errorf("MaxRetries: got %d, want 0", p.MaxRetries)
	}
	if p.BackoffFactor != DefaultBackoffFactor {
		t.Errorf("BackoffFactor: got %v, want default", p.BackoffFactor)
	}
	if c.Provider() != "fake" {
		t.Errorf("Provider: got %q", c.Provider())
	}
}
