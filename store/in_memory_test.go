package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agenthive/core"
)

func TestInMemory_Agents(t *testing.T) {
	s := NewInMemory()

	first := core.Agent{ID: "agent_1", Name: "research-bot", Status: core.StatusIdle, CreatedAt: time.Now()}
	second := core.Agent{ID: "agent_2", Name: "trading-bot", Status: core.StatusIdle, CreatedAt: time.Now()}
	require.NoError(t, s.PutAgent(first))
	require.NoError(t, s.PutAgent(second))

	got, ok, err := s.GetAgent("agent_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "research-bot", got.Name)

	byName, ok, err := s.GetAgentByName("trading-bot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "agent_2", byName.ID)

	_, ok, err = s.GetAgentByName("Trading-Bot")
	require.NoError(t, err)
	assert.False(t, ok, "name lookup is case-sensitive")

	list, err := s.ListAgents()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"agent_1", "agent_2"}, []string{list[0].ID, list[1].ID})

	// Replacing keeps creation order.
	first.Status = core.StatusRunning
	require.NoError(t, s.PutAgent(first))
	list, err = s.ListAgents()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "agent_1", list[0].ID)
	assert.Equal(t, core.StatusRunning, list[0].Status)

	require.NoError(t, s.DeleteAgent("agent_1"))
	require.NoError(t, s.DeleteAgent("agent_1"), "deleting twice is not an error")
	_, ok, err = s.GetAgent("agent_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemory_AgentCloneIsolation(t *testing.T) {
	s := NewInMemory()
	require.NoError(t, s.PutAgent(core.Agent{ID: "a", Name: "bot", Tools: []string{"web_search"}}))

	got, _, err := s.GetAgent("a")
	require.NoError(t, err)
	got.Tools[0] = "mutated"

	again, _, err := s.GetAgent("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, again.Tools)
}

func TestInMemory_Conversations(t *testing.T) {
	s := NewInMemory()
	key := core.ConversationKey{AgentID: "a", ConversationID: "conv-1"}
	other := core.ConversationKey{AgentID: "a", ConversationID: "conv-2"}

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendMessage(key, core.NewUserMessage(text)))
	}
	require.NoError(t, s.AppendMessage(other, core.NewUserMessage("elsewhere")))

	all, err := s.History(key, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].Content)

	recent, err := s.History(key, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, []string{"two", "three"}, []string{recent[0].Content, recent[1].Content})

	ids, err := s.Conversations("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1", "conv-2"}, ids)

	require.NoError(t, s.DeleteConversations("a"))
	all, err = s.History(key, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInMemory_Facts(t *testing.T) {
	s := NewInMemory()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	facts := []core.Fact{
		{ID: "f1", Source: "agent_1", Text: "User prefers Go for backend work", Importance: 0.8, CreatedAt: base},
		{ID: "f2", Source: "agent_1", Text: "User lives in Berlin", Importance: 0.6, CreatedAt: base.Add(time.Hour)},
		{ID: "f3", Source: "agent_2", Text: "Project deadline is in June", Importance: 0.7, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, f := range facts {
		require.NoError(t, s.AppendFact(f))
	}

	hits, err := s.SearchFacts(core.FactQuery{Substring: "user"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "f2", hits[0].ID, "newest first")

	hits, err = s.SearchFacts(core.FactQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f3", hits[0].ID)

	hits, err = s.SearchFacts(core.FactQuery{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f2", hits[0].ID)

	pending, err := s.UnembeddedFacts(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "f1", pending[0].ID, "oldest first")

	require.NoError(t, s.SetFactEmbedding("f1", []float32{0.1, 0.2}))
	require.NoError(t, s.SetFactEmbedding("missing", []float32{1}), "unknown ids are ignored")

	pending, err = s.UnembeddedFacts(1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "f2", pending[0].ID)

	embeddings, err := s.FactEmbeddings()
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	assert.Equal(t, "f1", embeddings[0].FactID)
	assert.Equal(t, []float32{0.1, 0.2}, embeddings[0].Vector)

	touched := base.Add(3 * time.Hour)
	require.NoError(t, s.TouchFact("f1", touched))
	hits, err = s.SearchFacts(core.FactQuery{Substring: "prefers Go"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].LastAccessedAt.Equal(touched))
}

func TestInMemory_Working(t *testing.T) {
	s := NewInMemory()

	require.NoError(t, s.PutWorking("a", "task-1", "plan", "step one"))
	require.NoError(t, s.PutWorking("a", "task-1", "plan", "step two"))
	require.NoError(t, s.PutWorking("a", "task-2", "notes", "other"))

	value, ok, err := s.GetWorking("a", "task-1", "plan")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "step two", value)

	_, ok, err = s.GetWorking("a", "task-1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := s.TaskState("a", "task-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"plan": "step two"}, state)

	// The returned map is a copy.
	state["plan"] = "mutated"
	value, _, err = s.GetWorking("a", "task-1", "plan")
	require.NoError(t, err)
	assert.Equal(t, "step two", value)

	require.NoError(t, s.ClearTask("a", "task-1"))
	_, ok, err = s.GetWorking("a", "task-1", "plan")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.DeleteWorking("a"))
	_, ok, err = s.GetWorking("a", "task-2", "notes")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemory_Artifacts(t *testing.T) {
	s := NewInMemory()

	data := []byte("report contents")
	require.NoError(t, s.Save("conv-1", "att-1", data))
	data[0] = 'X'

	got, err := s.Get("conv-1", "att-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("report contents"), got, "stored bytes are copied")

	require.NoError(t, s.Save("conv-1", "att-0", []byte("earlier")))
	ids, err := s.List("conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"att-0", "att-1"}, ids)

	_, err = s.Get("conv-1", "missing")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	require.NoError(t, s.Delete("conv-1", "att-1"))
	assert.ErrorIs(t, s.Delete("conv-1", "att-1"), ErrArtifactNotFound)
}
