package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(id, name, args string) llms.ToolCall {
	return llms.ToolCall{ID: id, Type: "function", FunctionCall: &llms.FunctionCall{Name: name, Arguments: args}}
}

func TestToMessages(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You run tools."),
		llms.MessageFromTextParts(llms.RoleSystem, "Be brief."),
		llms.MessageFromTextParts(llms.RoleHuman, "commit my note"),
		{Role: llms.RoleAI, Parts: []llms.ContentPart{
			llms.TextPart("Writing it."),
			call("c1", "FS__write_file", `{"path":"a.md","content":"x"}`),
			call("c2", "Git__git_status", ""),
		}},
		{Role: llms.RoleTool, Parts: []llms.ContentPart{
			llms.ToolCallResponse{ToolCallID: "c1", Name: "FS__write_file", Content: "ok"},
			llms.ToolCallResponse{ToolCallID: "c2", Name: "Git__git_status", Content: "broken pipe", IsError: true},
		}},
		llms.MessageFromTextParts(llms.RoleHuman, "and push it"),
		{Role: llms.RoleHuman},
	}

	out, system, err := toMessages(messages)
	require.NoError(t, err)
	assert.Equal(t, "You run tools.\nBe brief.", system)

	// the tool results and the next question form one user turn
	require.Len(t, out, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
	require.Len(t, out[1].Content, 3)
	require.Len(t, out[2].Content, 3)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	blocks := decoded[1]["content"].([]any)
	use := blocks[1].(map[string]any)
	assert.Equal(t, "tool_use", use["type"])
	assert.Equal(t, "FS__write_file", use["name"])
	assert.Equal(t, map[string]any{"path": "a.md", "content": "x"}, use["input"])
	assert.Equal(t, map[string]any{}, blocks[2].(map[string]any)["input"])

	results := decoded[2]["content"].([]any)
	assert.Equal(t, "tool_result", results[0].(map[string]any)["type"])
	assert.Equal(t, true, results[1].(map[string]any)["is_error"])
	assert.Equal(t, "text", results[2].(map[string]any)["type"])
}

func TestToMessagesErrors(t *testing.T) {
	tcases := []struct {
		name string
		msg  llms.Message
		err  string
	}{
		{
			name: "role",
			msg:  llms.MessageFromTextParts(llms.Role("function"), "x"),
			err:  "unsupported message type",
		},
		{
			name: "call from human",
			msg:  llms.MessageFromToolCalls(llms.RoleHuman, call("c1", "echo", "{}")),
			err:  "tool call in human message",
		},
		{
			name: "result from ai",
			msg:  llms.MessageFromParts(llms.RoleAI, llms.ToolCallResponse{ToolCallID: "c1"}),
			err:  "tool result in ai message",
		},
		{
			name: "arguments",
			msg:  llms.MessageFromToolCalls(llms.RoleAI, call("c1", "echo", "{not json")),
			err:  "invalid arguments of tool call c1",
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := toMessages([]llms.Message{tc.msg})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestToTools(t *testing.T) {
	assert.Nil(t, toTools(nil))

	tools := toTools([]llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "FS__write_file",
				Description: "Write a file",
				Parameters: schema.MustFromAny(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "file path"},
						"content": map[string]any{"type": "string"},
					},
					"required": []string{"path", "content"},
				}),
			},
		},
		{Type: "function", Function: &llms.FunctionDefinition{Name: "Git__git_status"}},
		{Type: "function"},
	})
	require.Len(t, tools, 2)

	data, err := json.Marshal(tools)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "FS__write_file", decoded[0]["name"])
	assert.Equal(t, "Write a file", decoded[0]["description"])
	input := decoded[0]["input_schema"].(map[string]any)
	assert.Equal(t, "object", input["type"])
	assert.ElementsMatch(t, []any{"path", "content"}, input["required"])
	path := input["properties"].(map[string]any)["path"].(map[string]any)
	assert.Equal(t, "file path", path["description"])

	assert.Equal(t, "Git__git_status", decoded[1]["name"])
	_, ok := decoded[1]["description"]
	assert.False(t, ok)
}

func TestToResponse(t *testing.T) {
	var msg anthropic.Message
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "msg_02",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-5-sonnet-latest",
		"content": [
			{"type": "text", "text": "Two calls."},
			{"type": "tool_use", "id": "t1", "name": "FS__echo", "input": {"text": "a"}},
			{"type": "tool_use", "id": "t2", "name": "FS__echo", "input": {"text": "b"}},
			{"type": "text", "text": "Done."}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 3, "output_tokens": 4}
	}`), &msg))

	resp, err := toResponse(&msg)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Two calls.\nDone.", resp.Text())
	calls := resp.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "t1", calls[0].ID)
	assert.Equal(t, "t2", calls[1].ID)
	assert.JSONEq(t, `{"text":"b"}`, calls[1].FunctionCall.Arguments)
	assert.EqualValues(t, 7, resp.Choices[0].GenerationInfo["TotalTokens"])
}
