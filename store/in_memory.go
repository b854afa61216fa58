package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agenthive/core"
)

// ErrArtifactNotFound is returned when an artifact for the given
// conversation / id pair does not exist in the underlying store.
var ErrArtifactNotFound = errors.New("artifact not found")

// InMemory is a volatile implementation of every persistence contract the
// runtime needs: agents, conversations, facts, working state and artifacts.
// It keeps everything in process-local maps guarded by a single RWMutex and
// is best suited for tests, examples and ephemeral demo servers. Returned
// records are cloned so callers cannot mutate internal state.
type InMemory struct {
	mu            sync.RWMutex
	agents        map[string]core.Agent
	agentOrder    []string
	conversations map[core.ConversationKey][]core.Message
	facts         []core.Fact
	factIndex     map[string]int
	embeddings    map[string][]float32
	working       map[string]map[string]map[string]string // agentID -> task -> key -> value
	artifacts     map[string]map[string][]byte            // conversationID -> artifactID -> data
}

// Compile-time contract checks.
var (
	_ core.AgentStore        = (*InMemory)(nil)
	_ core.ConversationStore = (*InMemory)(nil)
	_ core.FactStore         = (*InMemory)(nil)
	_ core.WorkingStore      = (*InMemory)(nil)
	_ core.ArtifactStore     = (*InMemory)(nil)
)

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		agents:        make(map[string]core.Agent),
		conversations: make(map[core.ConversationKey][]core.Message),
		factIndex:     make(map[string]int),
		embeddings:    make(map[string][]float32),
		working:       make(map[string]map[string]map[string]string),
		artifacts:     make(map[string]map[string][]byte),
	}
}

// --- AgentStore ---

// PutAgent inserts the record or replaces an existing one with the same ID.
func (s *InMemory) PutAgent(agent core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; !exists {
		s.agentOrder = append(s.agentOrder, agent.ID)
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

// GetAgent returns the record with the given ID.
func (s *InMemory) GetAgent(id string) (core.Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return core.Agent{}, false, nil
	}
	return agent.Clone(), true, nil
}

// GetAgentByName returns the record with the given name (exact match).
func (s *InMemory) GetAgentByName(name string) (core.Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.agentOrder {
		if agent := s.agents[id]; agent.Name == name {
			return agent.Clone(), true, nil
		}
	}
	return core.Agent{}, false, nil
}

// ListAgents returns all records in creation order.
func (s *InMemory) ListAgents() ([]core.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]core.Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		agents = append(agents, s.agents[id].Clone())
	}
	return agents, nil
}

// DeleteAgent removes the record. Deleting an unknown ID is not an error.
func (s *InMemory) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return nil
	}
	delete(s.agents, id)
	for i, existing := range s.agentOrder {
		if existing == id {
			s.agentOrder = append(s.agentOrder[:i], s.agentOrder[i+1:]...)
			break
		}
	}
	return nil
}

// --- ConversationStore ---

// AppendMessage adds a message to the end of the conversation.
func (s *InMemory) AppendMessage(key core.ConversationKey, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[key] = append(s.conversations[key], msg.Clone())
	return nil
}

// History returns the conversation's messages in insertion order, trimmed to
// the most recent limit entries when limit is positive.
func (s *InMemory) History(key core.ConversationKey, limit int) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversations[key]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]core.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, nil
}

// Conversations lists the conversation IDs recorded for an agent, sorted.
func (s *InMemory) Conversations(agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for key := range s.conversations {
		if key.AgentID == agentID {
			ids = append(ids, key.ConversationID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteConversations removes every conversation belonging to the agent.
func (s *InMemory) DeleteConversations(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.conversations {
		if key.AgentID == agentID {
			delete(s.conversations, key)
		}
	}
	return nil
}

// --- FactStore ---

// AppendFact adds a fact to the log.
func (s *InMemory) AppendFact(fact core.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factIndex[fact.ID] = len(s.facts)
	s.facts = append(s.facts, fact)
	return nil
}

// GetFact returns the fact with the given ID.
func (s *InMemory) GetFact(id string) (core.Fact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.factIndex[id]
	if !ok {
		return core.Fact{}, false, nil
	}
	return s.facts[i], true, nil
}

// SearchFacts returns facts matching the query, newest first. Substring
// matching is case-insensitive.
func (s *InMemory) SearchFacts(q core.FactQuery) ([]core.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(q.Substring)
	out := make([]core.Fact, 0)
	for i := len(s.facts) - 1; i >= 0; i-- {
		fact := s.facts[i]
		if needle != "" && !strings.Contains(strings.ToLower(fact.Text), needle) {
			continue
		}
		if !q.From.IsZero() && fact.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && fact.CreatedAt.After(q.To) {
			continue
		}
		out = append(out, fact)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// SetFactEmbedding records the embedding vector for a fact. Unknown fact IDs
// are ignored.
func (s *InMemory) SetFactEmbedding(factID string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.factIndex[factID]; !ok {
		return nil
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)
	s.embeddings[factID] = cp
	return nil
}

// UnembeddedFacts returns up to limit facts without an embedding, oldest
// first.
func (s *InMemory) UnembeddedFacts(limit int) ([]core.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Fact, 0)
	for _, fact := range s.facts {
		if _, ok := s.embeddings[fact.ID]; ok {
			continue
		}
		out = append(out, fact)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FactEmbeddings returns every stored embedding.
func (s *InMemory) FactEmbeddings() ([]core.FactEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.FactEmbedding, 0, len(s.embeddings))
	for id, vec := range s.embeddings {
		cp := make([]float32, len(vec))
		copy(cp, vec)
		out = append(out, core.FactEmbedding{FactID: id, Vector: cp})
	}
	return out, nil
}

// TouchFact updates a fact's last-accessed time. Unknown IDs are ignored.
func (s *InMemory) TouchFact(factID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.factIndex[factID]; ok {
		s.facts[i].LastAccessedAt = at
	}
	return nil
}

// --- WorkingStore ---

// PutWorking stores a key/value pair under the agent's task scope.
func (s *InMemory) PutWorking(agentID, task, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, ok := s.working[agentID]
	if !ok {
		tasks = make(map[string]map[string]string)
		s.working[agentID] = tasks
	}
	state, ok := tasks[task]
	if !ok {
		state = make(map[string]string)
		tasks[task] = state
	}
	state[key] = value
	return nil
}

// GetWorking returns the value for key in the task scope.
func (s *InMemory) GetWorking(agentID, task, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.working[agentID][task][key]
	return value, ok, nil
}

// TaskState returns a copy of every key/value pair in the task scope.
func (s *InMemory) TaskState(agentID, task string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := make(map[string]string, len(s.working[agentID][task]))
	for k, v := range s.working[agentID][task] {
		state[k] = v
	}
	return state, nil
}

// ClearTask removes all state for one task.
func (s *InMemory) ClearTask(agentID, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.working[agentID], task)
	return nil
}

// DeleteWorking removes all working state owned by the agent.
func (s *InMemory) DeleteWorking(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.working, agentID)
	return nil
}

// --- ArtifactStore ---

// Save stores (or overwrites) the artifact bytes. The input slice is copied
// before storage.
func (s *InMemory) Save(conversationID, artifactID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[conversationID]; !ok {
		s.artifacts[conversationID] = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.artifacts[conversationID][artifactID] = cp
	return nil
}

// Get returns a copy of the stored artifact bytes or ErrArtifactNotFound.
func (s *InMemory) Get(conversationID, artifactID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[conversationID][artifactID]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns the artifact IDs stored for the conversation, sorted.
func (s *InMemory) List(conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.artifacts[conversationID]))
	for id := range s.artifacts[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the artifact if present or returns ErrArtifactNotFound.
func (s *InMemory) Delete(conversationID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.artifacts[conversationID]
	if !ok {
		return ErrArtifactNotFound
	}
	if _, ok := m[artifactID]; !ok {
		return ErrArtifactNotFound
	}
	delete(m, artifactID)
	return nil
}
