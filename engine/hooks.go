package engine

import "time"

// Hooks receive turn lifecycle notifications. All fields are optional.
// Hooks run synchronously on the worker goroutine and must not block;
// anything slow belongs behind a channel on the caller's side.
type Hooks struct {
	// TurnStarted fires when a turn is dequeued, before recall.
	TurnStarted func(agentID, conversationID string)

	// ToolInvoked fires after each tool call, successful or not.
	ToolInvoked func(agentID, tool string, duration time.Duration, err error)

	// TurnFinished fires once per turn with its total duration. err is nil
	// for turns that produced a done event.
	TurnFinished func(agentID, conversationID string, duration time.Duration, err error)
}

func (h Hooks) turnStarted(agentID, conversationID string) {
	if h.TurnStarted != nil {
		h.TurnStarted(agentID, conversationID)
	}
}

func (h Hooks) toolInvoked(agentID, tool string, duration time.Duration, err error) {
	if h.ToolInvoked != nil {
		h.ToolInvoked(agentID, tool, duration, err)
	}
}

func (h Hooks) turnFinished(agentID, conversationID string, duration time.Duration, err error) {
	if h.TurnFinished != nil {
		h.TurnFinished(agentID, conversationID, duration, err)
	}
}
