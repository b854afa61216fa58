package core

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall records one tool invocation made while producing an assistant
// message. Arguments holds the raw JSON the model supplied; Result holds the
// (possibly truncated) output fed back to the model. A failed call carries
// the error text in Error and an empty Result.
type ToolCall struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments,omitempty"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Failed reports whether the call ended in an error.
func (tc ToolCall) Failed() bool { return tc.Error != "" }

// Message is a single entry in a conversation history.
//
// Assistant messages may carry the tool calls executed while the reply was
// produced. Tool messages feed a call's result back to the model and
// reference the originating call through ToolCallID and ToolName.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text, Timestamp: time.Now()}
}

// NewUserMessage creates a user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text, Timestamp: time.Now()}
}

// NewAssistantMessage creates an assistant message carrying the tool calls
// executed while it was produced.
func NewAssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls, Timestamp: time.Now()}
}

// NewToolMessage creates a tool result message for the given call.
func NewToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: name, Timestamp: time.Now()}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	cp := m
	if m.ToolCalls != nil {
		cp.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(cp.ToolCalls, m.ToolCalls)
	}
	return cp
}
