package core

import (
	"context"
	"time"
)

// Fact is one record in the long-term memory log. Facts are append-only:
// once stored they are never updated or deleted, only read. Source names the
// agent (and optionally conversation) the fact was learned from; facts are
// shared knowledge and survive the deletion of their source agent.
type Fact struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	Text           string    `json:"text"`
	Importance     float64   `json:"importance"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// FactQuery bounds a lookup over the fact log. Zero fields are ignored:
// an empty Substring matches everything, zero From/To leave the time range
// open and a zero Limit returns all matches.
type FactQuery struct {
	Substring string
	From      time.Time
	To        time.Time
	Limit     int
}

// FactEmbedding pairs a stored fact with its embedding vector.
type FactEmbedding struct {
	FactID string
	Vector []float32
}

// FactStore is the durable append-only fact log plus its embedding
// bookkeeping. Implementations must be safe for concurrent use.
type FactStore interface {
	// AppendFact adds a fact to the log.
	AppendFact(fact Fact) error

	// GetFact returns the fact with the given ID. The boolean reports
	// whether it exists.
	GetFact(id string) (Fact, bool, error)

	// SearchFacts returns facts matching the query, newest first.
	SearchFacts(q FactQuery) ([]Fact, error)

	// SetFactEmbedding records the embedding vector for a fact.
	SetFactEmbedding(factID string, vector []float32) error

	// UnembeddedFacts returns up to limit facts that have no embedding yet,
	// oldest first. Zero means no limit.
	UnembeddedFacts(limit int) ([]Fact, error)

	// FactEmbeddings returns every stored embedding, used to rebuild the
	// in-process index at startup.
	FactEmbeddings() ([]FactEmbedding, error)

	// TouchFact updates a fact's last-accessed time. Unknown IDs are ignored.
	TouchFact(factID string, at time.Time) error
}

// WorkingStore holds per-task scratch state. Entries persist until their task
// is cleared explicitly or the owning agent is deleted; there is no TTL.
// Implementations must be safe for concurrent use.
type WorkingStore interface {
	// PutWorking stores a key/value pair under the agent's task scope,
	// overwriting any previous value.
	PutWorking(agentID, task, key, value string) error

	// GetWorking returns the value for key in the task scope. The boolean
	// reports whether it exists.
	GetWorking(agentID, task, key string) (string, bool, error)

	// TaskState returns a copy of every key/value pair in the task scope.
	TaskState(agentID, task string) (map[string]string, error)

	// ClearTask removes all state for one task. Clearing an unknown task is
	// not an error.
	ClearTask(agentID, task string) error

	// DeleteWorking removes all working state owned by the agent.
	DeleteWorking(agentID string) error
}

// SearchResult is one hit from a memory search, normalized across layers.
// Type names the layer the hit came from ("semantic", "fact" or
// "conversation"); Relevance is a similarity score in [0, 1], higher is
// closer.
type SearchResult struct {
	Type      string  `json:"type"`
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
}

// MemoryStore is the layered memory facade used by the turn orchestrator. It
// unifies four layers with distinct lifecycles:
//
//   - short-term: a bounded per-conversation window of recent messages
//   - working: per-task key/value scratch state, cleared explicitly
//   - long-term: the append-only fact log
//   - semantic: embedding-backed similarity search over stored facts
//
// Facts become searchable semantically only after their embedding is written;
// until then they are still found by SearchFacts. Implementations must be
// safe for concurrent use.
type MemoryStore interface {
	// Remember appends a message to the conversation's short-term window,
	// evicting the oldest entry once the window is full.
	Remember(key ConversationKey, msg Message)

	// Recent returns up to n of the newest short-term messages in
	// chronological order.
	Recent(key ConversationKey, n int) []Message

	// PutWorking stores per-task scratch state.
	PutWorking(agentID, task, key, value string) error

	// GetWorking reads per-task scratch state.
	GetWorking(agentID, task, key string) (string, bool, error)

	// TaskState returns a copy of one task's scratch state.
	TaskState(agentID, task string) (map[string]string, error)

	// ClearTask discards all scratch state for one task.
	ClearTask(agentID, task string) error

	// StoreFact appends a fact to the long-term log and schedules its
	// embedding. The fact is durable when StoreFact returns; the embedding
	// follows asynchronously.
	StoreFact(ctx context.Context, source, text string, importance float64) (Fact, error)

	// SearchFacts queries the fact log by substring and time range.
	SearchFacts(ctx context.Context, q FactQuery) ([]Fact, error)

	// Search runs a semantic similarity search over embedded facts, falling
	// back to substring matching for facts not yet embedded. Results are
	// ordered by relevance.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// ForgetAgent discards the agent's conversations, short-term windows and
	// working state. Stored facts are shared knowledge and are retained.
	ForgetAgent(agentID string) error
}
