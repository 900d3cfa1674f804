package openai_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/llms/openai"
	"github.com/effective-security/toolhost/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolCallResponse = `{
	"id": "chatcmpl-01",
	"object": "chat.completion",
	"created": 1735689600,
	"model": "gpt-4o-mini",
	"choices": [{
		"index": 0,
		"message": {
			"role": "assistant",
			"content": "Let me look.",
			"refusal": null,
			"tool_calls": [{
				"id": "call_01",
				"type": "function",
				"function": {"name": "FS__read_file", "arguments": "{\"path\":\"README.md\"}"}
			}]
		},
		"logprobs": null,
		"finish_reason": "tool_calls"
	}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
}`

func TestGenerateContent(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var captured map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &captured)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(toolCallResponse))
	}))
	defer srv.Close()

	llm, err := openai.New(
		openai.WithToken("fake-token"),
		openai.WithBaseURL(srv.URL+"/v1"),
		openai.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	assert.Equal(t, openai.DefaultModel, llm.GetName())

	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "Use the tools."),
		llms.MessageFromTextParts(llms.RoleHuman, "What is in the readme?"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:           "call_00",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "FS__list", Arguments: `{}`},
		}),
		llms.MessageFromParts(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "call_00",
			Name:       "FS__list",
			Content:    "permission denied",
			IsError:    true,
		}),
	}
	tools := []llms.Tool{{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "FS__read_file",
			Description: "Read a file",
			Parameters: schema.MustFromAny(map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []string{"path"},
			}),
		},
	}}

	resp, err := llm.GenerateContent(context.Background(), messages, llms.WithTools(tools), llms.WithMaxTokens(256))
	require.NoError(t, err)

	assert.Equal(t, "Let me look.", resp.Text())
	calls := resp.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_01", calls[0].ID)
	assert.Equal(t, "FS__read_file", calls[0].FunctionCall.Name)
	assert.JSONEq(t, `{"path":"README.md"}`, calls[0].FunctionCall.Arguments)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "tool_calls", resp.Choices[0].StopReason)
	assert.EqualValues(t, 12, resp.Choices[0].GenerationInfo["InputTokens"])
	assert.EqualValues(t, 19, resp.Choices[0].GenerationInfo["TotalTokens"])

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, captured)
	assert.Equal(t, "Bearer fake-token", auth)
	assert.Equal(t, openai.DefaultModel, captured["model"])
	assert.EqualValues(t, 256, captured["max_completion_tokens"])
	assert.Equal(t, "auto", captured["tool_choice"])

	sent, _ := captured["messages"].([]any)
	require.Len(t, sent, 4)
	assert.Equal(t, "system", sent[0].(map[string]any)["role"])
	asst := sent[2].(map[string]any)
	assert.Equal(t, "assistant", asst["role"])
	toolCalls := asst["tool_calls"].([]any)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "call_00", toolCalls[0].(map[string]any)["id"])
	last := sent[3].(map[string]any)
	assert.Equal(t, "tool", last["role"])
	assert.Equal(t, "call_00", last["tool_call_id"])
	assert.Equal(t, "permission denied", last["content"])

	sentTools, _ := captured["tools"].([]any)
	require.Len(t, sentTools, 1)
	fn := sentTools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "FS__read_file", fn["name"])
	assert.Equal(t, "Read a file", fn["description"])
	assert.Equal(t, []any{"path"}, fn["parameters"].(map[string]any)["required"])
}

func TestGenerateContentError(t *testing.T) {
	t.Parallel()

	tcases := []struct {
		name   string
		status int
		body   string
		err    string
	}{
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"max_completion_tokens is too large","type":"invalid_request_error"}}`,
			err:    "status 400",
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"id":"chatcmpl-02","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[]}`,
			err:    "empty response",
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			llm, err := openai.New(
				openai.WithToken("fake-token"),
				openai.WithBaseURL(srv.URL),
				openai.WithHTTPClient(srv.Client()),
				openai.WithMaxRetries(0),
			)
			require.NoError(t, err)

			_, err = llm.GenerateContent(context.Background(), []llms.Message{
				llms.MessageFromTextParts(llms.RoleHuman, "hi"),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestNew(t *testing.T) {
	t.Setenv(openai.TokenEnvVarName, "")

	_, err := openai.New()
	assert.ErrorIs(t, err, openai.ErrMissingToken)

	t.Setenv(openai.TokenEnvVarName, "from-env")
	llm, err := openai.New(openai.WithModel("gpt-4o"), openai.WithTimeout(time.Second), openai.WithOrganization("org"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", llm.GetName())
	assert.Equal(t, llms.ProviderOpenAI, llm.GetProviderType())
}
