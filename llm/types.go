package llm

import (
	"encoding/json"
	"fmt"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Valid reports whether r is one of the three known roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// ParseRole converts a string into a MessageRole.
func ParseRole(s string) (MessageRole, error) {
	r := MessageRole(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown message role %q", s)
	}
	return r, nil
}

// Message represents a single message in a conversation.
// Messages are plain values; copying one never aliases another.
type Message struct {
	Role    MessageRole `json:"role" yaml:"role"`
	Content string      `json:"content" yaml:"content"`
}

// NewTextMessage creates a message with the given role and text.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{Role: role, Content: text}
}

// NewUserMessage creates a user message.
func NewUserMessage(text string) Message {
	return NewTextMessage(RoleUser, text)
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(text string) Message {
	return NewTextMessage(RoleAssistant, text)
}

// NewSystemMessage creates a system message.
func NewSystemMessage(text string) Message {
	return NewTextMessage(RoleSystem, text)
}

// ToJSON marshals a message to JSON for debugging/logging purposes.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Options carries optional generation parameters. Zero values mean "not set"
// and are left for the provider to default.
type Options struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int64
	Stop        []string
	// Extra holds provider-specific parameters passed through untouched.
	Extra map[string]any
}

// Option mutates Options.
type Option func(*Options)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Options) { o.Temperature = &t }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) Option {
	return func(o *Options) { o.TopP = &p }
}

// WithMaxTokens caps the length of the generated reply.
func WithMaxTokens(n int64) Option {
	return func(o *Options) { o.MaxTokens = n }
}

// WithStop sets stop sequences.
func WithStop(stop ...string) Option {
	return func(o *Options) { o.Stop = append([]string(nil), stop...) }
}

// WithExtra sets a provider-specific parameter.
func WithExtra(key string, value any) Option {
	return func(o *Options) {
		if o.Extra == nil {
			o.Extra = make(map[string]any)
		}
		o.Extra[key] = value
	}
}

// ApplyOptions folds opts into a fresh Options value.
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Request is a single provider call: the full history plus model and options.
type Request struct {
	Model    string
	Messages []Message
	Options  Options
}

// Result is what the asynchronous path delivers: either Text or Err is set.
type Result struct {
	Text string
	Err  error
}

// CallMode selects which cached handle a call goes through.
type CallMode int

const (
	CallModeBlocking CallMode = iota
	CallModeAsync
)

func (m CallMode) String() string {
	switch m {
	case CallModeBlocking:
		return "blocking"
	case CallModeAsync:
		return "async"
	default:
		return fmt.Sprintf("CallMode(%d)", int(m))
	}
}
