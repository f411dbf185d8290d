package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/surfdeck/surfdeck/internal/conversation"
)

// AnthropicProvider implements Provider over the Anthropic Messages API.
type AnthropicProvider struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewAnthropicProvider creates a provider with the given API key and model.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// Model returns the configured model identifier.
func (p *AnthropicProvider) Model() string { return string(p.model) }

// Converse sends one request and normalizes the reply.
func (p *AnthropicProvider) Converse(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Properties,
					Required:   t.Required,
				},
			},
		})
	}
	if req.ForceTool != "" {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.ForceTool},
		}
	}

	msg, err := p.api.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	resp := &Response{StopReason: mapAnthropicStop(string(msg.StopReason))}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			if resp.Text != "" {
				resp.Text += "\n"
			}
			resp.Text += b.Text
		case anthropic.ToolUseBlock:
			input := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, fmt.Errorf("decode tool input for %s: %w", b.Name, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: input,
			})
		}
	}
	return resp, nil
}

func mapAnthropicStop(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopSequence
	case "refusal":
		return StopContentFiltered
	default:
		return StopEndTurn
	}
}

func toAnthropicMessages(msgs []conversation.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch {
			case b.Text != nil:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text.Text))
			case b.Image != nil:
				blocks = append(blocks, anthropic.NewImageBlockBase64(b.Image.MediaType, b.Image.Data))
			case b.ToolUse != nil:
				input, _ := json.Marshal(b.ToolUse.Input)
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    b.ToolUse.ToolUseID,
						Name:  b.ToolUse.Name,
						Input: json.RawMessage(input),
					},
				})
			case b.ToolResult != nil:
				result, _ := json.Marshal(b.ToolResult.Result)
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: b.ToolResult.ToolUseID,
						IsError:   anthropic.Bool(b.ToolResult.IsError),
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: string(result)}},
						},
					},
				})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == conversation.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}
