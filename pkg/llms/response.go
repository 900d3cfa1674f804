package llms

import "strings"

// ContentResponse is the response of a GenerateContent call.
// Providers may split text and tool calls over several choices.
type ContentResponse struct {
	Choices []*ContentChoice
}

// ContentChoice is one choice of a response.
type ContentChoice struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason"`
	// GenerationInfo holds provider details such as InputTokens and OutputTokens
	GenerationInfo map[string]any `json:"generation_info"`
	ToolCalls      []ToolCall     `json:"tool_calls"`
}

// Text joins the text of all choices.
func (r *ContentResponse) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Choices {
		if c != nil && c.Content != "" {
			parts = append(parts, c.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolCalls returns the tool calls of all choices, in order.
func (r *ContentResponse) ToolCalls() []ToolCall {
	if r == nil {
		return nil
	}
	var calls []ToolCall
	for _, c := range r.Choices {
		if c != nil {
			calls = append(calls, c.ToolCalls...)
		}
	}
	return calls
}
