package core

import "time"

// Status describes an agent's lifecycle state as reported by callers.
//
// Status is a plain record field: it changes only through explicit registry
// calls and is never inferred from turn execution. An agent whose status is
// "stopped" still answers turns; the value exists for operators and UIs.
type Status string

const (
	// StatusIdle is the initial status of a freshly created agent.
	StatusIdle Status = "idle"
	// StatusRunning marks an agent a caller has declared active.
	StatusRunning Status = "running"
	// StatusStopped marks an agent a caller has declared inactive.
	StatusStopped Status = "stopped"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusStopped:
		return true
	}
	return false
}

// Agent is the registry-owned record describing one assistant: which template
// it was built from, which provider/model answers its turns, the tools it may
// call and the personality prepended to its instructions.
//
// Agents are value objects; the registry hands out copies so callers can't
// mutate shared state. Identity is the ID, uniqueness is enforced on Name.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Template    string    `json:"template"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Personality string    `json:"personality,omitempty"`
	Tools       []string  `json:"tools"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy of the agent record.
func (a Agent) Clone() Agent {
	cp := a
	if a.Tools != nil {
		cp.Tools = make([]string, len(a.Tools))
		copy(cp.Tools, a.Tools)
	}
	return cp
}

// AgentStore persists agent records. Implementations must be safe for
// concurrent use.
type AgentStore interface {
	// PutAgent inserts the record or replaces an existing one with the same ID.
	PutAgent(agent Agent) error

	// GetAgent returns the record with the given ID. The boolean reports
	// whether it exists.
	GetAgent(id string) (Agent, bool, error)

	// GetAgentByName returns the record with the given name (exact,
	// case-sensitive match).
	GetAgentByName(name string) (Agent, bool, error)

	// ListAgents returns all records ordered by creation time.
	ListAgents() ([]Agent, error)

	// DeleteAgent removes the record. Deleting an unknown ID is not an error.
	DeleteAgent(id string) error
}
