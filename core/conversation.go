package core

// ConversationKey identifies one conversation thread. Histories are scoped to
// the (agent, conversation) pair so two clients talking to the same agent
// under different conversation IDs never see each other's messages.
type ConversationKey struct {
	AgentID        string
	ConversationID string
}

// ConversationStore persists conversation histories. Messages are append-only
// and returned in insertion order. Implementations must be safe for
// concurrent use.
type ConversationStore interface {
	// AppendMessage adds a message to the end of the conversation.
	AppendMessage(key ConversationKey, msg Message) error

	// History returns the conversation's messages in insertion order. A
	// positive limit returns only the most recent limit messages; zero
	// returns everything.
	History(key ConversationKey, limit int) ([]Message, error)

	// Conversations lists the conversation IDs recorded for an agent.
	Conversations(agentID string) ([]string, error)

	// DeleteConversations removes every conversation belonging to the agent.
	// Deleting for an unknown agent is not an error.
	DeleteConversations(agentID string) error
}
