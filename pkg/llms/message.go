package llms

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrUnexpectedRole is returned when a decoded message has an unknown role.
var ErrUnexpectedRole = errors.New("unexpected role")

// Role is the author of a message.
type Role string

// Roles of a conversation
const (
	RoleSystem  Role = "system"
	RoleHuman   Role = "human"
	RoleAI      Role = "ai"
	RoleGeneric Role = "generic"
	// RoleTool carries the results of the tool calls of the previous AI message
	RoleTool Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// ContentPart is TextContent, ToolCall or ToolCallResponse.
type ContentPart interface {
	isPart()
}

// TextContent is a text part.
type TextContent struct {
	Text string `json:"text"`
}

// TextPart returns a text part.
func TextPart(s string) TextContent {
	return TextContent{Text: s}
}

func (tc TextContent) String() string {
	return tc.Text
}

func (TextContent) isPart() {}

// FunctionCall is the name and the JSON arguments of a call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a call requested by the model.
type ToolCall struct {
	ID string `json:"id"`
	// Type is "function"
	Type         string        `json:"type"`
	FunctionCall *FunctionCall `json:"function,omitempty"`
}

func (tc ToolCall) String() string {
	if tc.FunctionCall == nil {
		return fmt.Sprintf("ToolCall: %s", tc.ID)
	}
	return fmt.Sprintf("ToolCall: %s (%s), input: %s", tc.ID, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
}

func (ToolCall) isPart() {}

// ToolCallResponse is the result of a tool call, sent back to the model.
type ToolCallResponse struct {
	ToolCallID string `json:"tool_call_id"`
	// Name of the called tool
	Name    string `json:"name"`
	Content string `json:"content"`
	// IsError is set when Content is the failure detail
	IsError bool `json:"is_error,omitempty"`
}

func (tc ToolCallResponse) String() string {
	return fmt.Sprintf("ToolCallResponse: %s (%s), response size: %d", tc.ToolCallID, tc.Name, len(tc.Content))
}

func (ToolCallResponse) isPart() {}

// MessageFromParts returns a message of role with parts.
func MessageFromParts(role Role, parts ...ContentPart) Message {
	return Message{
		Role:  role,
		Parts: parts,
	}
}

// MessageFromTextParts returns a message of role with a text part per string.
func MessageFromTextParts(role Role, parts ...string) Message {
	m := Message{
		Role:  role,
		Parts: make([]ContentPart, 0, len(parts)),
	}
	for _, part := range parts {
		m.Parts = append(m.Parts, TextPart(part))
	}
	return m
}

// MessageFromToolCalls returns a message of role with copies of toolCalls.
func MessageFromToolCalls(role Role, toolCalls ...ToolCall) Message {
	m := Message{
		Role:  role,
		Parts: make([]ContentPart, 0, len(toolCalls)),
	}
	for _, tc := range toolCalls {
		if tc.FunctionCall != nil {
			fc := *tc.FunctionCall
			tc.FunctionCall = &fc
		}
		m.Parts = append(m.Parts, tc)
	}
	return m
}

// MessageFromToolResults returns the tool message answering the calls of
// the previous AI message. Results keep the order of the calls.
func MessageFromToolResults(results ...ToolCallResponse) Message {
	m := Message{
		Role:  RoleTool,
		Parts: make([]ContentPart, 0, len(results)),
	}
	for _, r := range results {
		m.Parts = append(m.Parts, r)
	}
	return m
}

// Text joins the text parts with new lines.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if tc, ok := p.(TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// GetContent renders every part on its own line, tool calls and responses as JSON.
func (m Message) GetContent() string {
	lines := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch typ := p.(type) {
		case TextContent:
			lines = append(lines, typ.Text)
		case ToolCall:
			js, _ := json.Marshal(typ)
			lines = append(lines, "Tool Call: "+string(js))
		case ToolCallResponse:
			js, _ := json.Marshal(typ)
			lines = append(lines, "Response: "+string(js))
		}
	}
	return strings.Join(lines, "\n")
}
