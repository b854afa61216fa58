package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies the events streamed to clients while a turn executes.
type EventType string

const (
	// EventThinking signals that the turn entered its reasoning phase.
	EventThinking EventType = "thinking"
	// EventToken carries one incremental text fragment of the reply.
	EventToken EventType = "token"
	// EventToolCall reports tool activity (requested, done or error).
	EventToolCall EventType = "tool_call"
	// EventDone terminates a successful turn with the assembled reply.
	EventDone EventType = "done"
	// EventError terminates a failed turn.
	EventError EventType = "error"
	// EventAgentsUpdated announces a roster change to all connected clients.
	EventAgentsUpdated EventType = "agents_updated"
)

// ToolCallStatus is the lifecycle stage reported by a tool_call event.
type ToolCallStatus string

const (
	ToolCallRequested ToolCallStatus = "requested"
	ToolCallDone      ToolCallStatus = "done"
	ToolCallError     ToolCallStatus = "error"
)

// Event is the unit of communication streamed from a running turn to clients.
// After emission it should be treated as immutable.
//
// Every turn-scoped event carries the agent and conversation it belongs to so
// multiplexed transports can route it. The payload fields are populated per
// type: Text for token, Tool/Status for tool_call, FullText/ToolsUsed for
// done, Message for error and Agents for agents_updated.
//
// A well-formed turn emits at most one thinking event, then alternating
// tool_call and token activity, and exactly one terminal done or error event.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	AgentID        string    `json:"agent_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	Text      string         `json:"text,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Status    ToolCallStatus `json:"status,omitempty"`
	FullText  string         `json:"full_text,omitempty"`
	ToolsUsed []string       `json:"tools_used,omitempty"`
	Message   string         `json:"message,omitempty"`
	Agents    []Agent        `json:"agents,omitempty"`
}

// NewID generates a new unique identifier for events, agents and facts.
func NewID() string { return uuid.NewString() }

func newEvent(t EventType, agentID, conversationID string) Event {
	return Event{
		ID:             NewID(),
		Type:           t,
		AgentID:        agentID,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	}
}

// NewThinkingEvent marks the start of the reasoning phase.
func NewThinkingEvent(agentID, conversationID string) Event {
	return newEvent(EventThinking, agentID, conversationID)
}

// NewTokenEvent carries one incremental fragment of the assistant reply.
func NewTokenEvent(agentID, conversationID, text string) Event {
	e := newEvent(EventToken, agentID, conversationID)
	e.Text = text
	return e
}

// NewToolCallEvent reports tool lifecycle activity.
func NewToolCallEvent(agentID, conversationID, tool string, status ToolCallStatus) Event {
	e := newEvent(EventToolCall, agentID, conversationID)
	e.Tool = tool
	e.Status = status
	return e
}

// NewDoneEvent terminates a successful turn. FullText is the complete reply;
// toolsUsed lists the names of tools that completed successfully, in order of
// first use.
func NewDoneEvent(agentID, conversationID, fullText string, toolsUsed []string) Event {
	e := newEvent(EventDone, agentID, conversationID)
	e.FullText = fullText
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	e.ToolsUsed = toolsUsed
	return e
}

// NewErrorEvent terminates a failed turn with a human-readable message.
func NewErrorEvent(agentID, conversationID, message string) Event {
	e := newEvent(EventError, agentID, conversationID)
	e.Message = message
	return e
}

// NewAgentsUpdatedEvent announces the current roster after a create, delete
// or status change.
func NewAgentsUpdatedEvent(agents []Agent) Event {
	e := newEvent(EventAgentsUpdated, "", "")
	if agents == nil {
		agents = []Agent{}
	}
	e.Agents = agents
	return e
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
