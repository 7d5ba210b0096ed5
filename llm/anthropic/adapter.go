package anthropic

import (
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aschepis/backscratcher/q/llm"
	"github.com/samber/lo"
)

// DefaultMaxTokens is sent when the caller does not set a reply cap; the
// Messages API requires one.
const DefaultMaxTokens int64 = 1024

// systemSeparator joins multiple system messages into the top-level field.
const systemSeparator = "\n\n"

// SplitSystem removes system messages from msgs. Their contents are joined in
// order into a single system prompt, since the Messages API carries the
// system prompt outside the message list.
func SplitSystem(msgs []llm.Message) (string, []llm.Message) {
	system, rest := lo.FilterReject(msgs, func(m llm.Message, _ int) bool {
		return m.Role == llm.RoleSystem
	})
	texts := lo.FilterMap(system, func(m llm.Message, _ int) (string, bool) {
		return m.Content, strings.TrimSpace(m.Content) != ""
	})
	return strings.Join(texts, systemSeparator), rest
}

// ToMessageParams converts user and assistant messages to Anthropic MessageParams.
func ToMessageParams(msgs []llm.Message) []anthropic.MessageParam {
	return lo.Map(msgs, func(m llm.Message, _ int) anthropic.MessageParam {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			return anthropic.NewAssistantMessage(block)
		}
		return anthropic.NewUserMessage(block)
	})
}

// BuildParams translates a provider-neutral request into Messages API params.
// Options without a typed field travel as extra JSON body fields.
func BuildParams(req *llm.Request) (anthropic.MessageNewParams, []option.RequestOption) {
	system, rest := SplitSystem(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: DefaultMaxTokens,
		Messages:  ToMessageParams(rest),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	opts := req.Options
	if opts.MaxTokens > 0 {
		params.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = anthropic.Float(*opts.TopP)
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}

	keys := lo.Keys(opts.Extra)
	sort.Strings(keys)
	reqOpts := lo.Map(keys, func(k string, _ int) option.RequestOption {
		return option.WithJSONSet(k, opts.Extra[k])
	})
	return params, reqOpts
}
