package ollama

import (
	"github.com/aschepis/backscratcher/q/llm"
	"github.com/ollama/ollama/api"
	"github.com/samber/lo"
)

// ToOllamaMessages converts llm.Messages to Ollama chat messages.
// Ollama supports system messages in the messages array, so they stay inline.
func ToOllamaMessages(msgs []llm.Message) []api.Message {
	return lo.Map(msgs, func(m llm.Message, _ int) api.Message {
		return api.Message{Role: string(m.Role), Content: m.Content}
	})
}

// BuildChatRequest translates a provider-neutral request into a non-streaming chat request.
// Typed options map onto Ollama's option names; Extra entries are passed through as-is.
func BuildChatRequest(req *llm.Request) *api.ChatRequest {
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: ToOllamaMessages(req.Messages),
		Stream:   new(bool), // false for non-streaming
		Options:  make(map[string]interface{}),
	}

	opts := req.Options
	for k, v := range opts.Extra {
		chatReq.Options[k] = v
	}
	if opts.MaxTokens > 0 {
		chatReq.Options["num_predict"] = int(opts.MaxTokens)
	}
	if opts.Temperature != nil {
		chatReq.Options["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		chatReq.Options["top_p"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		chatReq.Options["stop"] = opts.Stop
	}
	return chatReq
}
