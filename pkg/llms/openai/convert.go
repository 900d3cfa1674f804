package openai

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/openai/openai-go/v3"
)

// toMessages converts the conversation. A tool message becomes one "tool"
// turn per result, each bound to its call id.
func toMessages(messages []llms.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			continue
		}
		switch msg.Role {
		case llms.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		case llms.RoleHuman:
			text, err := textOnly(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, openai.UserMessage(text))
		case llms.RoleAI, llms.RoleGeneric:
			m, err := toAssistant(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		case llms.RoleTool:
			for _, part := range msg.Parts {
				p, ok := part.(llms.ToolCallResponse)
				if !ok {
					return nil, errors.WithMessagef(ErrUnsupportedContentType, "%T in tool message", part)
				}
				out = append(out, openai.ToolMessage(p.Content, p.ToolCallID))
			}
		default:
			return nil, errors.WithMessagef(ErrUnsupportedMessageType, "%q", msg.Role)
		}
	}
	return out, nil
}

func textOnly(msg llms.Message) (string, error) {
	var text []string
	for _, part := range msg.Parts {
		p, ok := part.(llms.TextContent)
		if !ok {
			return "", errors.WithMessagef(ErrUnsupportedContentType, "%T in %s message", part, msg.Role)
		}
		text = append(text, p.Text)
	}
	return strings.Join(text, "\n"), nil
}

func toAssistant(msg llms.Message) (openai.ChatCompletionMessageParamUnion, error) {
	var text []string
	asst := openai.ChatCompletionAssistantMessageParam{}
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			if p.Text != "" {
				text = append(text, p.Text)
			}
		case llms.ToolCall:
			if p.FunctionCall == nil {
				return openai.ChatCompletionMessageParamUnion{}, errors.WithMessagef(ErrUnsupportedContentType, "tool call %s without function", p.ID)
			}
			args := p.FunctionCall.Arguments
			if args == "" {
				args = "{}"
			}
			if !json.Valid([]byte(args)) {
				return openai.ChatCompletionMessageParamUnion{}, errors.Errorf("openai: invalid arguments of tool call %s", p.ID)
			}
			asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: p.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      p.FunctionCall.Name,
						Arguments: args,
					},
				},
			})
		default:
			return openai.ChatCompletionMessageParamUnion{}, errors.WithMessagef(ErrUnsupportedContentType, "%T in %s message", part, msg.Role)
		}
	}
	if len(text) > 0 {
		asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(strings.Join(text, "\n")),
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
}

// toTools converts the tool definitions. The parameters schema is passed as
// a JSON object, with an empty object schema for tools without parameters.
func toTools(tools []llms.Tool) ([]openai.ChatCompletionToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]any{},
		}
		if tool.Function.Parameters != nil {
			js, err := json.Marshal(tool.Function.Parameters)
			if err != nil {
				return nil, errors.Wrapf(err, "openai: invalid parameters of tool %s", tool.Function.Name)
			}
			if err = json.Unmarshal(js, &params); err != nil {
				return nil, errors.Wrapf(err, "openai: invalid parameters of tool %s", tool.Function.Name)
			}
		}

		def := openai.FunctionDefinitionParam{
			Name:       tool.Function.Name,
			Parameters: params,
		}
		if tool.Function.Description != "" {
			def.Description = openai.String(tool.Function.Description)
		}
		out = append(out, openai.ChatCompletionFunctionTool(def))
	}
	return out, nil
}
