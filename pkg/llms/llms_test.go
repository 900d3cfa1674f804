package llms_test

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSON(t *testing.T) {
	t.Parallel()

	history := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You are a helpful assistant."),
		llms.MessageFromTextParts(llms.RoleHuman, "Add a readme"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "write_and_commit",
				Arguments: `{"path":"README.md"}`,
			},
		}),
		llms.MessageFromParts(llms.RoleTool,
			llms.ToolCallResponse{ToolCallID: "call_1", Name: "write_and_commit", Content: "done"},
			llms.ToolCallResponse{ToolCallID: "call_2", Name: "FS__read", Content: "no such file", IsError: true},
		),
		llms.MessageFromTextParts(llms.RoleAI, "Committed."),
	}

	js, err := json.Marshal(history)
	require.NoError(t, err)

	exp := `[{"role":"system","text":"You are a helpful assistant."},` +
		`{"role":"human","text":"Add a readme"},` +
		`{"role":"ai","parts":[{"type":"tool_call","tool_call":{"function":{"name":"write_and_commit","arguments":"{\"path\":\"README.md\"}"},"id":"call_1","type":"function"}}]},` +
		`{"role":"tool","parts":[{"type":"tool_response","tool_response":{"tool_call_id":"call_1","name":"write_and_commit","content":"done"}},` +
		`{"type":"tool_response","tool_response":{"tool_call_id":"call_2","name":"FS__read","content":"no such file","is_error":true}}]},` +
		`{"role":"ai","text":"Committed."}]`
	assert.JSONEq(t, exp, string(js))

	var decoded []llms.Message
	require.NoError(t, json.Unmarshal(js, &decoded))
	assert.Equal(t, history, decoded)

	t.Run("invalid", func(t *testing.T) {
		var m llms.Message
		err := json.Unmarshal([]byte(`{"role":"robot","text":"x"}`), &m)
		assert.True(t, errors.Is(err, llms.ErrUnexpectedRole))

		err = json.Unmarshal([]byte(`{"role":"ai","parts":[{"type":"video"}]}`), &m)
		assert.EqualError(t, err, "unknown content type: 'video'")

		err = json.Unmarshal([]byte(`{"role":"ai","parts":[{"type":"tool_call"}]}`), &m)
		assert.Error(t, err)
	})
}

func TestGetContent(t *testing.T) {
	t.Parallel()

	m := llms.MessageFromParts(llms.RoleAI,
		llms.TextPart("checking"),
		llms.ToolCall{ID: "1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "echo", Arguments: "{}"}},
	)
	assert.Equal(t,
		"checking\nTool Call: {\"type\":\"tool_call\",\"tool_call\":{\"function\":{\"name\":\"echo\",\"arguments\":\"{}\"},\"id\":\"1\",\"type\":\"function\"}}",
		m.GetContent())
	assert.Equal(t, "checking", m.Text())

	m = llms.MessageFromTextParts(llms.RoleSystem, "be brief", "use tools")
	assert.Equal(t, "be brief\nuse tools", m.GetContent())

	m = llms.MessageFromToolResults(
		llms.ToolCallResponse{ToolCallID: "1", Name: "echo", Content: "hi"},
		llms.ToolCallResponse{ToolCallID: "2", Name: "fail", Content: "boom", IsError: true},
	)
	assert.Equal(t, llms.RoleTool, m.Role)
	require.Len(t, m.Parts, 2)
	assert.Empty(t, m.Text())
}

func TestContentResponse(t *testing.T) {
	t.Parallel()

	var nilResp *llms.ContentResponse
	assert.Empty(t, nilResp.Text())
	assert.Empty(t, nilResp.ToolCalls())

	resp := &llms.ContentResponse{Choices: []*llms.ContentChoice{
		{Content: "let me check"},
		{ToolCalls: []llms.ToolCall{{ID: "a"}, {ID: "b"}}},
		{Content: "and more"},
	}}
	assert.Equal(t, "let me check\nand more", resp.Text())
	calls := resp.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].ID)
	assert.Equal(t, "b", calls[1].ID)
}

func TestCallOptions(t *testing.T) {
	t.Parallel()

	tools := []llms.Tool{{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:       "echo",
			Parameters: schema.MustFromAny(map[string]any{"type": "object"}),
		},
	}}
	o := llms.NewCallOptions(
		llms.WithModel("claude"),
		llms.WithMaxTokens(100),
		llms.WithTemperature(0.2),
		llms.WithStopWords([]string{"STOP"}),
		llms.WithTools(tools),
		llms.WithMaxTokens(200),
	)
	assert.Equal(t, "claude", o.Model)
	assert.Equal(t, 200, o.MaxTokens)
	assert.Equal(t, 0.2, o.Temperature)
	assert.Equal(t, []string{"STOP"}, o.StopWords)
	assert.Equal(t, tools, o.Tools)

	assert.Equal(t, &llms.CallOptions{}, llms.NewCallOptions())
}
