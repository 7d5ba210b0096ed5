package openai

import (
	"fmt"
	"math"

	"github.com/aschepis/backscratcher/q/llm"
	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"
)

// ToOpenAIMessages converts llm.Messages to OpenAI chat message format.
// System messages stay in the list; the chat completions API accepts them inline.
func ToOpenAIMessages(msgs []llm.Message) []openai.ChatCompletionMessage {
	return lo.Map(msgs, func(msg llm.Message, _ int) openai.ChatCompletionMessage {
		return ToOpenAIMessage(msg)
	})
}

// ToOpenAIMessage converts a single llm.Message to OpenAI format.
func ToOpenAIMessage(msg llm.Message) openai.ChatCompletionMessage {
	var role string
	switch msg.Role {
	case llm.RoleAssistant:
		role = openai.ChatMessageRoleAssistant
	case llm.RoleSystem:
		role = openai.ChatMessageRoleSystem
	default:
		role = openai.ChatMessageRoleUser
	}
	return openai.ChatCompletionMessage{Role: role, Content: msg.Content}
}

// BuildChatRequest translates a provider-neutral request into a chat completion request.
func BuildChatRequest(req *llm.Request) (openai.ChatCompletionRequest, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: ToOpenAIMessages(req.Messages),
	}

	opts := req.Options
	if opts.MaxTokens > 0 {
		chatReq.MaxTokens = int(opts.MaxTokens)
	}
	if opts.Temperature != nil {
		chatReq.Temperature = nonZero(*opts.Temperature)
	}
	if opts.TopP != nil {
		chatReq.TopP = nonZero(*opts.TopP)
	}
	if len(opts.Stop) > 0 {
		chatReq.Stop = opts.Stop
	}

	for key, value := range opts.Extra {
		if err := applyExtra(&chatReq, key, value); err != nil {
			return openai.ChatCompletionRequest{}, err
		}
	}
	return chatReq, nil
}

// applyExtra maps the provider-specific options go-openai exposes as typed fields.
func applyExtra(chatReq *openai.ChatCompletionRequest, key string, value any) error {
	switch key {
	case "seed":
		n, ok := toInt(value)
		if !ok {
			return llm.NewValidationError("seed must be an integer, got %T", value)
		}
		chatReq.Seed = &n
	case "user":
		s, ok := value.(string)
		if !ok {
			return llm.NewValidationError("user must be a string, got %T", value)
		}
		chatReq.User = s
	case "presence_penalty":
		f, ok := toFloat32(value)
		if !ok {
			return llm.NewValidationError("presence_penalty must be a number, got %T", value)
		}
		chatReq.PresencePenalty = f
	case "frequency_penalty":
		f, ok := toFloat32(value)
		if !ok {
			return llm.NewValidationError("frequency_penalty must be a number, got %T", value)
		}
		chatReq.FrequencyPenalty = f
	case "max_completion_tokens":
		n, ok := toInt(value)
		if !ok {
			return llm.NewValidationError("max_completion_tokens must be an integer, got %T", value)
		}
		chatReq.MaxCompletionTokens = n
	default:
		return llm.NewValidationError("unsupported openai option %q", key)
	}
	return nil
}

// nonZero converts v for a go-openai field tagged omitempty. An explicit 0
// would be dropped from the request body, so it is sent as the smallest
// positive float32 instead.
func nonZero(v float64) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func toFloat32(v any) (float32, bool) {
	switch n := v.(type) {
	case float64:
		return float32(n), true
	case float32:
		return n, true
	case int:
		return float32(n), true
	}
	return 0, false
}

// describeChoice is used in errors for empty responses.
func describeChoice(resp openai.ChatCompletionResponse) string {
	return fmt.Sprintf("response %s with %d choices", resp.ID, len(resp.Choices))
}
