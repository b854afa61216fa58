// Package registry manages the agent roster: creating agents from templates,
// listing and deleting them, and tracking their lifecycle status. Deleting an
// agent removes its conversations and working memory but keeps the facts it
// contributed, since long-term knowledge is shared across agents.
package registry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
)

// ErrUnknownAgent is returned when an agent ID does not resolve.
var ErrUnknownAgent = errors.New("unknown agent")

// DuplicateNameError is returned when an agent with the same name already
// exists. Names are compared case-sensitively.
type DuplicateNameError struct {
	Name string
}

// Error implements the error interface.
func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("agent named %q already exists", e.Name)
}

// UnknownTemplateError is returned when creation names a template that is
// not registered.
type UnknownTemplateError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown agent template %q", e.Name)
}

// Options configures the registry.
type Options struct {
	// Provider and Model are stamped onto newly created agents.
	Provider string
	Model    string

	// Logger receives lifecycle events.
	Logger logging.Logger
}

// Registry owns the set of live agents. All mutations are serialized so
// concurrent creates observe each other, and every mutation notifies
// subscribers with a fresh snapshot of the roster.
type Registry struct {
	store  core.AgentStore
	memory core.MemoryStore
	opts   Options

	mu   sync.Mutex
	subs []func([]core.Agent)
}

// New creates a Registry backed by the given agent store. The memory store
// is used to cascade deletes; it may be nil when no memory is attached.
func New(store core.AgentStore, memory core.MemoryStore, optFns ...func(o *Options)) *Registry {
	opts := Options{
		Provider: "openai",
		Model:    "gpt-4o",
		Logger:   logging.NewDefaultSlogLogger(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		store:  store,
		memory: memory,
		opts:   opts,
	}
}

// Create registers a new agent built from the named template. The empty
// template name selects the general-purpose preset. Names must be unique
// among live agents; a collision returns a DuplicateNameError.
func (r *Registry) Create(name, template, personality string) (core.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Agent{}, errors.New("agent name must not be empty")
	}

	if template == "" {
		template = DefaultTemplate
	}

	tmpl, ok := LookupTemplate(template)
	if !ok {
		return core.Agent{}, &UnknownTemplateError{Name: template}
	}

	r.mu.Lock()

	if _, exists, err := r.store.GetAgentByName(name); err != nil {
		r.mu.Unlock()
		return core.Agent{}, fmt.Errorf("lookup agent by name: %w", err)
	} else if exists {
		r.mu.Unlock()
		return core.Agent{}, &DuplicateNameError{Name: name}
	}

	agent := core.Agent{
		ID:          newAgentID(),
		Name:        name,
		Template:    tmpl.Name,
		Provider:    r.opts.Provider,
		Model:       r.opts.Model,
		Personality: strings.TrimSpace(personality),
		Tools:       append([]string(nil), tmpl.Tools...),
		Status:      core.StatusIdle,
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.store.PutAgent(agent); err != nil {
		r.mu.Unlock()
		return core.Agent{}, fmt.Errorf("store agent: %w", err)
	}

	subs, snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.opts.Logger.Info("Agent created", "agent_id", agent.ID, "name", agent.Name, "template", agent.Template)
	fanOut(subs, snapshot)

	return agent, nil
}

// List returns all live agents in creation order.
func (r *Registry) List() ([]core.Agent, error) {
	return r.store.ListAgents()
}

// Get returns the agent with the given ID, or ErrUnknownAgent.
func (r *Registry) Get(id string) (core.Agent, error) {
	agent, ok, err := r.store.GetAgent(id)
	if err != nil {
		return core.Agent{}, fmt.Errorf("lookup agent: %w", err)
	}

	if !ok {
		return core.Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	return agent, nil
}

// GetByName returns the agent with the given name. The boolean form makes it
// usable directly as the orchestrator's delegation lookup.
func (r *Registry) GetByName(name string) (core.Agent, bool) {
	agent, ok, err := r.store.GetAgentByName(name)
	if err != nil || !ok {
		return core.Agent{}, false
	}

	return agent, true
}

// Delete removes an agent along with its conversations and working memory.
// Facts the agent stored are retained. Deleting an unknown agent is a no-op.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()

	_, ok, err := r.store.GetAgent(id)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("lookup agent: %w", err)
	}

	if !ok {
		r.mu.Unlock()
		return nil
	}

	if err := r.store.DeleteAgent(id); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("delete agent: %w", err)
	}

	if r.memory != nil {
		if err := r.memory.ForgetAgent(id); err != nil {
			r.opts.Logger.Warn("Failed to clear agent memory", "agent_id", id, "error", err)
		}
	}

	subs, snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.opts.Logger.Info("Agent deleted", "agent_id", id)
	fanOut(subs, snapshot)

	return nil
}

// SetStatus updates an agent's lifecycle status.
func (r *Registry) SetStatus(id string, status core.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	r.mu.Lock()

	agent, ok, err := r.store.GetAgent(id)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("lookup agent: %w", err)
	}

	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	agent.Status = status

	if err := r.store.PutAgent(agent); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("store agent: %w", err)
	}

	subs, snapshot := r.snapshotLocked()
	r.mu.Unlock()

	fanOut(subs, snapshot)

	return nil
}

// Subscribe registers a callback invoked with the full agent list after
// every roster mutation. Callbacks run on the mutating goroutine and must
// not block.
func (r *Registry) Subscribe(fn func(agents []core.Agent)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = append(r.subs, fn)
}

// snapshotLocked captures the subscriber list and the current roster while
// the mutation lock is held, so notifications reflect the mutation that
// just happened even if another lands right after.
func (r *Registry) snapshotLocked() ([]func([]core.Agent), []core.Agent) {
	if len(r.subs) == 0 {
		return nil, nil
	}

	agents, err := r.store.ListAgents()
	if err != nil {
		r.opts.Logger.Warn("Failed to snapshot agents for notification", "error", err)
		return nil, nil
	}

	subs := make([]func([]core.Agent), len(r.subs))
	copy(subs, r.subs)

	return subs, agents
}

func fanOut(subs []func([]core.Agent), agents []core.Agent) {
	for _, fn := range subs {
		fn(agents)
	}
}

func newAgentID() string {
	u := uuid.New()
	return "agent_" + hex.EncodeToString(u[:4])
}
