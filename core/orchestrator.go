package core

import "context"

// TurnInput carries everything needed to run one conversational turn.
type TurnInput struct {
	// Agent is the resolved record of the agent answering the turn.
	Agent Agent

	// ConversationID scopes the history the turn reads and extends.
	ConversationID string

	// Text is the user's message.
	Text string

	// Attachments names artifacts stored for this conversation that the
	// turn should surface to the model.
	Attachments []string
}

// Orchestrator drives conversational turns. RunTurn returns a channel that
// streams the turn's events and is closed after exactly one terminal done or
// error event. Cancelling ctx stops the turn cooperatively: the current model
// round finishes, then the turn emits its terminal event and stops.
//
// Turns for the same agent run strictly one at a time in submission order;
// turns for different agents run concurrently.
type Orchestrator interface {
	// RunTurn enqueues a turn and returns its event stream. It fails
	// synchronously (nil channel, non-nil error) when the agent's queue is
	// full.
	RunTurn(ctx context.Context, input TurnInput) (<-chan Event, error)

	// CancelAgent cooperatively stops the agent's in-flight turn and drops
	// its queued ones. Unknown agents are ignored.
	CancelAgent(agentID string)
}
