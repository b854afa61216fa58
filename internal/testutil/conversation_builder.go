package testutil

import (
	"time"

	"github.com/hupe1980/agenthive/core"
)

// ConversationBuilder helps construct message histories with fluent chaining
// for tests. Example:
//
//	msgs := NewConversationBuilder().User("hi").Assistant("hello").Build()
//
// Timestamps increase monotonically so ordering assertions are stable.
type ConversationBuilder struct {
	base     time.Time
	messages []core.Message
}

// NewConversationBuilder creates a builder whose message timestamps start at
// a fixed base and advance one second per message.
func NewConversationBuilder() *ConversationBuilder {
	return &ConversationBuilder{base: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (b *ConversationBuilder) add(m core.Message) *ConversationBuilder {
	m.Timestamp = b.base.Add(time.Duration(len(b.messages)) * time.Second)
	b.messages = append(b.messages, m)
	return b
}

// User appends a user message (chainable).
func (b *ConversationBuilder) User(text string) *ConversationBuilder {
	return b.add(core.Message{Role: core.RoleUser, Content: text})
}

// Assistant appends an assistant message (chainable).
func (b *ConversationBuilder) Assistant(text string, calls ...core.ToolCall) *ConversationBuilder {
	return b.add(core.Message{Role: core.RoleAssistant, Content: text, ToolCalls: calls})
}

// System appends a system message (chainable).
func (b *ConversationBuilder) System(text string) *ConversationBuilder {
	return b.add(core.Message{Role: core.RoleSystem, Content: text})
}

// ToolResult appends a tool result message for a prior call (chainable).
func (b *ConversationBuilder) ToolResult(callID, name, content string) *ConversationBuilder {
	return b.add(core.Message{Role: core.RoleTool, Content: content, ToolCallID: callID, ToolName: name})
}

// Build returns the assembled history.
func (b *ConversationBuilder) Build() []core.Message {
	out := make([]core.Message, len(b.messages))
	copy(out, b.messages)
	return out
}
