package anthropic

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/pkg/llms"
)

// toMessages returns the conversation and the system prompt.
// System messages are joined into the prompt. Tool results are sent as user
// turns, and consecutive turns of the same role are merged because the API
// requires user and assistant turns to alternate.
func toMessages(messages []llms.Message) ([]anthropic.MessageParam, string, error) {
	var system string
	var out []anthropic.MessageParam

	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			continue
		}
		if msg.Role == llms.RoleSystem {
			text := msg.Text()
			if system != "" && text != "" {
				system += "\n"
			}
			system += text
			continue
		}

		role, blocks, err := toBlocks(msg)
		if err != nil {
			return nil, "", err
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out, system, nil
}

func toBlocks(msg llms.Message) (anthropic.MessageParamRole, []anthropic.ContentBlockParamUnion, error) {
	var role anthropic.MessageParamRole
	switch msg.Role {
	case llms.RoleHuman, llms.RoleTool:
		role = anthropic.MessageParamRoleUser
	case llms.RoleAI, llms.RoleGeneric:
		role = anthropic.MessageParamRoleAssistant
	default:
		return "", nil, errors.WithMessagef(ErrUnsupportedMessageType, "%q", msg.Role)
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case llms.ToolCall:
			if role != anthropic.MessageParamRoleAssistant || p.FunctionCall == nil {
				return "", nil, errors.WithMessagef(ErrUnsupportedContentType, "tool call in %s message", msg.Role)
			}
			input := json.RawMessage(`{}`)
			if p.FunctionCall.Arguments != "" {
				if !json.Valid([]byte(p.FunctionCall.Arguments)) {
					return "", nil, errors.Errorf("anthropic: invalid arguments of tool call %s", p.ID)
				}
				input = json.RawMessage(p.FunctionCall.Arguments)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(p.ID, input, p.FunctionCall.Name))
		case llms.ToolCallResponse:
			if role != anthropic.MessageParamRoleUser {
				return "", nil, errors.WithMessagef(ErrUnsupportedContentType, "tool result in %s message", msg.Role)
			}
			blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolCallID, p.Content, p.IsError))
		default:
			return "", nil, errors.WithMessagef(ErrUnsupportedContentType, "%T", part)
		}
	}
	return role, blocks, nil
}

// toTools converts the tool definitions. Property schemas are passed as
// JSON so nested objects, enums and descriptions reach the model unchanged.
func toTools(tools []llms.Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}
		input := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: map[string]any{},
		}
		if params := tool.Function.Parameters; params != nil {
			if params.Properties != nil {
				props := map[string]any{}
				for pair := params.Properties.Oldest(); pair != nil; pair = pair.Next() {
					props[pair.Key] = pair.Value
				}
				input.Properties = props
			}
			input.Required = params.Required
		}

		t := &anthropic.ToolParam{
			Name:        tool.Function.Name,
			InputSchema: input,
		}
		if tool.Function.Description != "" {
			t.Description = anthropic.String(tool.Function.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: t})
	}
	return out
}
