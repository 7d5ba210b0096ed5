package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aschepis/backscratcher/q/llm"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ExportVersion is the format version written by Export.
const ExportVersion = "2.0"

// ConversationAgent keeps an ordered message history and turns each prompt
// into a request carrying the whole history.
//
// Individual methods are safe for concurrent use, but two overlapping Prompt
// calls may interleave their user and assistant messages. Callers that care
// about turn ordering must serialize prompts themselves.
type ConversationAgent struct {
	client   llm.Sender
	provider string
	logger   zerolog.Logger

	mu       sync.Mutex
	messages []llm.Message
}

// AgentOption configures a ConversationAgent.
type AgentOption func(*ConversationAgent)

// WithLogger sets the agent logger.
func WithLogger(logger zerolog.Logger) AgentOption {
	return func(a *ConversationAgent) { a.logger = logger }
}

// WithProviderName overrides the provider name recorded in exports.
func WithProviderName(name string) AgentOption {
	return func(a *ConversationAgent) { a.provider = name }
}

// NewConversationAgent creates an agent. A non-empty systemPrompt becomes the
// first message of the history.
func NewConversationAgent(client llm.Sender, systemPrompt string, opts ...AgentOption) *ConversationAgent {
	a := &ConversationAgent{
		client: client,
		logger: zerolog.Nop(),
	}
	if named, ok := client.(interface{ Provider() string }); ok {
		a.provider = named.Provider()
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "conversationAgent").Logger()

	if systemPrompt != "" {
		a.messages = append(a.messages, llm.NewSystemMessage(systemPrompt))
	}
	return a
}

// Prompt appends text as a user message, sends the history and appends the
// reply. If the call fails the user message stays in the history.
func (a *ConversationAgent) Prompt(ctx context.Context, text, model string, opts ...llm.Option) (string, error) {
	history, err := a.beginTurn(text)
	if err != nil {
		return "", err
	}
	reply, err := a.client.Send(ctx, history, model, opts...)
	return a.finishTurn(reply, err)
}

// PromptAsync is the non-blocking form of Prompt. The user message is
// appended before PromptAsync returns; the reply is appended before the
// result is delivered on the channel.
func (a *ConversationAgent) PromptAsync(ctx context.Context, text, model string, opts ...llm.Option) <-chan llm.Result {
	out := make(chan llm.Result, 1)

	history, err := a.beginTurn(text)
	if err != nil {
		out <- llm.Result{Err: err}
		close(out)
		return out
	}

	pending := a.client.SendAsync(ctx, history, model, opts...)
	go func() {
		defer close(out)
		res, ok := <-pending
		if !ok {
			res = llm.Result{Err: fmt.Errorf("send channel closed without a result")}
		}
		text, err := a.finishTurn(res.Text, res.Err)
		out <- llm.Result{Text: text, Err: err}
	}()
	return out
}

func (a *ConversationAgent) beginTurn(text string) ([]llm.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, llm.NewValidationError("prompt text must not be empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, llm.NewUserMessage(text))
	return a.snapshot(), nil
}

func (a *ConversationAgent) finishTurn(reply string, err error) (string, error) {
	if err != nil {
		a.logger.Warn().Err(err).Msg("Prompt failed, keeping user message in history")
		return "", err
	}

	a.mu.Lock()
	a.messages = append(a.messages, llm.NewAssistantMessage(reply))
	n := len(a.messages)
	a.mu.Unlock()

	a.logger.Debug().Int("messages", n).Msg("Prompt completed")
	return reply, nil
}

// snapshot returns a copy of the history. Callers must hold a.mu.
func (a *ConversationAgent) snapshot() []llm.Message {
	out := make([]llm.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// AddSystemMessage appends a system message.
func (a *ConversationAgent) AddSystemMessage(text string) {
	a.AddMessage(llm.RoleSystem, text)
}

// AddUserMessage appends a user message without sending anything.
func (a *ConversationAgent) AddUserMessage(text string) {
	a.AddMessage(llm.RoleUser, text)
}

// AddAssistantMessage appends an assistant message without sending anything.
func (a *ConversationAgent) AddAssistantMessage(text string) {
	a.AddMessage(llm.RoleAssistant, text)
}

// AddMessage appends a message with the given role.
func (a *ConversationAgent) AddMessage(role llm.MessageRole, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, llm.NewTextMessage(role, text))
}

// Messages returns a copy of the history. Mutating it does not affect the agent.
func (a *ConversationAgent) Messages() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// SetMessages replaces the history with a copy of msgs.
func (a *ConversationAgent) SetMessages(msgs []llm.Message) error {
	for i, m := range msgs {
		if !m.Role.Valid() {
			return llm.NewValidationError("message %d has invalid role %q", i, m.Role)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append([]llm.Message(nil), msgs...)
	return nil
}

// Len returns the number of messages in the history.
func (a *ConversationAgent) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

// ClearMessages empties the history, including any system prompt.
func (a *ConversationAgent) ClearMessages() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
}

// DropMessages removes the last n messages. n <= 0 is a no-op and n larger
// than the history empties it.
func (a *ConversationAgent) DropMessages(n int) {
	if n <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	keep := max(len(a.messages)-n, 0)
	a.messages = a.messages[:keep]
}

// DropExchanges removes the last n exchanges. The history is truncated just
// before the n-th user message counted from the end, so trailing system
// messages inside those exchanges go too. If the history holds fewer than n
// user messages nothing changes.
func (a *ConversationAgent) DropExchanges(n int) {
	if n <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	seen := 0
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role != llm.RoleUser {
			continue
		}
		seen++
		if seen == n {
			a.messages = a.messages[:i]
			return
		}
	}
}

// ConversationExport is the portable form of a conversation.
type ConversationExport struct {
	Version  string        `json:"version"`
	Provider string        `json:"provider,omitempty"`
	Messages []llm.Message `json:"messages"`
}

// Export captures the current history.
func (a *ConversationAgent) Export() ConversationExport {
	return ConversationExport{
		Version:  ExportVersion,
		Provider: a.provider,
		Messages: a.Messages(),
	}
}

// Import replaces the history with the exported messages. Messages whose role
// is not user, assistant or system are skipped.
func (a *ConversationAgent) Import(export ConversationExport) error {
	if export.Version != "" && !strings.HasPrefix(export.Version, "2.") {
		return llm.NewValidationError("unsupported conversation export version %q", export.Version)
	}

	msgs := lo.Filter(export.Messages, func(m llm.Message, _ int) bool {
		return m.Role.Valid()
	})
	if dropped := len(export.Messages) - len(msgs); dropped > 0 {
		a.logger.Warn().Int("dropped", dropped).Msg("Skipped messages with unknown roles during import")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = msgs
	return nil
}

// ExportJSON returns the history as indented JSON.
func (a *ConversationAgent) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(a.Export(), "", "  ")
}

// ImportJSON replaces the history with a conversation produced by ExportJSON.
func (a *ConversationAgent) ImportJSON(data []byte) error {
	var export ConversationExport
	if err := json.Unmarshal(data, &export); err != nil {
		return fmt.Errorf("failed to decode conversation: %w", err)
	}
	return a.Import(export)
}

// HistoryStore persists conversation threads.
type HistoryStore interface {
	LoadThread(ctx context.Context, threadID string) ([]llm.Message, error)
	SaveThread(ctx context.Context, threadID string, msgs []llm.Message) error
}

// Load replaces the history with the stored thread. An unknown thread leaves
// the current history in place.
func (a *ConversationAgent) Load(ctx context.Context, store HistoryStore, threadID string) error {
	msgs, err := store.LoadThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := a.SetMessages(msgs); err != nil {
		return fmt.Errorf("thread %s: %w", threadID, err)
	}
	a.logger.Debug().Str("threadID", threadID).Int("messages", len(msgs)).Msg("Loaded conversation thread")
	return nil
}

// Save writes the current history to the store under threadID.
func (a *ConversationAgent) Save(ctx context.Context, store HistoryStore, threadID string) error {
	if err := store.SaveThread(ctx, threadID, a.Messages()); err != nil {
		return fmt.Errorf("failed to save thread %s: %w", threadID, err)
	}
	return nil
}
