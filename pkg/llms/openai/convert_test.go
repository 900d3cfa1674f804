package openai

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(id, name, args string) llms.ToolCall {
	return llms.ToolCall{ID: id, Type: "function", FunctionCall: &llms.FunctionCall{Name: name, Arguments: args}}
}

func decode(t *testing.T, v any) []map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func TestToMessages(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You run tools."),
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
		{Role: llms.RoleHuman},
		llms.MessageFromTextParts(llms.RoleAI, "Done."),
	}

	out, err := toMessages(messages)
	require.NoError(t, err)
	require.Len(t, out, 6)

	decoded := decode(t, out)
	roles := make([]string, 0, len(decoded))
	for _, m := range decoded {
		roles = append(roles, m["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "tool", "assistant"}, roles)

	asst := decoded[2]
	assert.Equal(t, "Writing it.", asst["content"])
	calls := asst["tool_calls"].([]any)
	require.Len(t, calls, 2)
	fn := calls[1].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "Git__git_status", fn["name"])
	assert.Equal(t, "{}", fn["arguments"])

	assert.Equal(t, "c2", decoded[4]["tool_call_id"])
	assert.Equal(t, "broken pipe", decoded[4]["content"])
	assert.NotContains(t, decoded[5], "tool_calls")
}

func TestToMessagesErrors(t *testing.T) {
	tcases := []struct {
		name string
		msg  llms.Message
		err  string
	}{
		{
			name: "unknown role",
			msg:  llms.MessageFromTextParts(llms.Role("function"), "x"),
			err:  "unsupported message type",
		},
		{
			name: "tool call from user",
			msg:  llms.MessageFromToolCalls(llms.RoleHuman, call("c1", "echo", "{}")),
			err:  "unsupported content type",
		},
		{
			name: "text in tool message",
			msg:  llms.MessageFromTextParts(llms.RoleTool, "x"),
			err:  "unsupported content type",
		},
		{
			name: "invalid arguments",
			msg:  llms.MessageFromToolCalls(llms.RoleAI, call("c1", "echo", "{")),
			err:  "invalid arguments of tool call c1",
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := toMessages([]llms.Message{tc.msg})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestToTools(t *testing.T) {
	out, err := toTools(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = toTools([]llms.Tool{
		{Type: "function", Function: &llms.FunctionDefinition{
			Name:        "FS__read_file",
			Description: "Read a file",
			Parameters: schema.MustFromAny(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "file path"},
					"mode": map[string]any{"type": "string", "enum": []any{"text", "base64"}},
				},
				"required": []string{"path"},
			}),
		}},
		{Type: "function", Function: &llms.FunctionDefinition{Name: "Git__git_status"}},
		{Type: "function"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	decoded := decode(t, out)
	assert.Equal(t, "function", decoded[0]["type"])
	fn := decoded[0]["function"].(map[string]any)
	assert.Equal(t, "FS__read_file", fn["name"])
	params := fn["parameters"].(map[string]any)
	assert.Equal(t, "object", params["type"])
	props := params["properties"].(map[string]any)
	assert.Equal(t, []any{"text", "base64"}, props["mode"].(map[string]any)["enum"])

	empty := decoded[1]["function"].(map[string]any)
	assert.NotContains(t, empty, "description")
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, empty["parameters"])
}
