package testutil

import (
	"time"

	"github.com/hupe1980/agenthive/core"
)

// AgentBuilder helps construct agent records for tests. Example:
//
//	agent := NewAgentBuilder("researcher").Tools("web_search").Build()
type AgentBuilder struct {
	agent core.Agent
}

// NewAgentBuilder creates a builder for an agent with the given name and
// deterministic defaults.
func NewAgentBuilder(name string) *AgentBuilder {
	return &AgentBuilder{agent: core.Agent{
		ID:        "agent_" + name,
		Name:      name,
		Template:  "custom",
		Provider:  "mock",
		Model:     "mock-model",
		Status:    core.StatusIdle,
		CreatedAt: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}}
}

// ID overrides the auto-derived agent ID (chainable).
func (b *AgentBuilder) ID(id string) *AgentBuilder { b.agent.ID = id; return b }

// Template sets the template name (chainable).
func (b *AgentBuilder) Template(t string) *AgentBuilder { b.agent.Template = t; return b }

// Provider sets the provider name (chainable).
func (b *AgentBuilder) Provider(p string) *AgentBuilder { b.agent.Provider = p; return b }

// Model sets the model identifier (chainable).
func (b *AgentBuilder) Model(m string) *AgentBuilder { b.agent.Model = m; return b }

// Personality sets the personality prompt fragment (chainable).
func (b *AgentBuilder) Personality(p string) *AgentBuilder { b.agent.Personality = p; return b }

// Tools sets the allowed tool names (chainable).
func (b *AgentBuilder) Tools(names ...string) *AgentBuilder { b.agent.Tools = names; return b }

// Status sets the lifecycle status (chainable).
func (b *AgentBuilder) Status(s core.Status) *AgentBuilder { b.agent.Status = s; return b }

// Build returns the assembled record.
func (b *AgentBuilder) Build() core.Agent { return b.agent.Clone() }
