package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/surfdeck/surfdeck/internal/conversation"
)

// OpenAIProvider implements Provider over the OpenAI chat completions API.
// It also serves OpenAI-compatible endpoints via a custom base URL.
type OpenAIProvider struct {
	api   *openai.Client
	model string
}

// NewOpenAIProvider creates a provider with the given API key and model.
// baseURL may be empty for the default endpoint.
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIProvider{api: &client, model: model}
}

// Model returns the configured model identifier.
func (p *OpenAIProvider) Model() string { return p.model }

// Converse sends one request and normalizes the reply.
func (p *OpenAIProvider) Converse(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: toOpenAIMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters: openai.FunctionParameters{
					"type":       "object",
					"properties": t.Properties,
					"required":   t.Required,
				},
			},
		})
	}
	if req.ForceTool != "" {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ForceTool},
			},
		}
	}

	completion, err := p.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai API call: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai API returned no choices")
	}

	choice := completion.Choices[0]
	resp := &Response{
		Text:       choice.Message.Content,
		StopReason: mapOpenAIStop(string(choice.FinishReason)),
	}
	for _, tc := range choice.Message.ToolCalls {
		input := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("decode tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.StopReason = StopToolUse
	}
	return resp, nil
}

func mapOpenAIStop(reason string) StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	case "content_filter":
		return StopContentFiltered
	default:
		return StopEndTurn
	}
}

func toOpenAIMessages(system string, msgs []conversation.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range msgs {
		if msg.Role == conversation.RoleAssistant {
			out = append(out, toOpenAIAssistant(msg)...)
			continue
		}
		out = append(out, toOpenAIUser(msg)...)
	}
	return out
}

func toOpenAIAssistant(msg conversation.Message) []openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	hasContent := false
	if text := msg.TextContent(); text != "" {
		assistant.Content.OfString = openai.String(text)
		hasContent = true
	}
	for _, b := range msg.Content {
		if b.ToolUse == nil {
			continue
		}
		args, _ := json.Marshal(b.ToolUse.Input)
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: b.ToolUse.ToolUseID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      b.ToolUse.Name,
				Arguments: string(args),
			},
		})
		hasContent = true
	}
	if !hasContent {
		return nil
	}
	return []openai.ChatCompletionMessageParamUnion{{OfAssistant: &assistant}}
}

func toOpenAIUser(msg conversation.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion

	// Tool results become dedicated tool messages.
	for _, b := range msg.Content {
		if b.ToolResult == nil {
			continue
		}
		result, _ := json.Marshal(b.ToolResult.Result)
		out = append(out, openai.ToolMessage(string(result), b.ToolResult.ToolUseID))
	}

	var parts []openai.ChatCompletionContentPartUnionParam
	for _, b := range msg.Content {
		switch {
		case b.Text != nil:
			parts = append(parts, openai.TextContentPart(b.Text.Text))
		case b.Image != nil:
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: fmt.Sprintf("data:%s;base64,%s", b.Image.MediaType, b.Image.Data),
			}))
		}
	}
	if len(parts) > 0 {
		out = append(out, openai.UserMessage(parts))
	}
	return out
}
