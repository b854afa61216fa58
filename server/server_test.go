package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/engine"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/memory"
	"github.com/hupe1980/agenthive/model"
	"github.com/hupe1980/agenthive/registry"
	"github.com/hupe1980/agenthive/store"
	"github.com/hupe1980/agenthive/tool"
)

type testRig struct {
	ts      *httptest.Server
	backing *store.InMemory
	mem     *memory.Store
	reg     *registry.Registry
	eng     *engine.Engine
	agent   core.Agent
}

// newTestRig wires a full runtime around the given model and mounts the
// server on an httptest listener. The default agent is named "hive".
func newTestRig(t *testing.T, m model.Model, engOpts ...func(o *engine.Options)) *testRig {
	t.Helper()

	backing := store.NewInMemory()
	mem := memory.New(backing, backing, backing, func(o *memory.Options) {
		o.Logger = logging.NoOpLogger{}
	})

	tools := tool.NewRegistry(func(o *tool.RegistryOptions) {
		o.Logger = logging.NoOpLogger{}
	})
	echo := tool.NewFunctionTool("echo", "Echo the given text back.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []string{"text"},
		},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	)
	require.NoError(t, tools.Register(echo))

	reg := registry.New(backing, mem, func(o *registry.Options) {
		o.Provider = m.Info().Provider
		o.Model = m.Info().Name
		o.Logger = logging.NoOpLogger{}
	})

	opts := append([]func(o *engine.Options){func(o *engine.Options) {
		o.Logger = logging.NoOpLogger{}
		o.Artifacts = backing
		o.AgentLookup = reg.GetByName
	}}, engOpts...)
	eng := engine.New(m, tools, mem, opts...)

	agent, err := reg.Create("hive", "", "")
	require.NoError(t, err)

	srv := New(Deps{
		Registry:      reg,
		Engine:        eng,
		Memory:        mem,
		Conversations: backing,
		Artifacts:     backing,
		Tools:         tools,
		Model:         m.Info(),
	}, func(o *Options) {
		o.DefaultAgentID = agent.ID
		o.Logger = logging.NoOpLogger{}
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testRig{ts: ts, backing: backing, mem: mem, reg: reg, eng: eng, agent: agent}
}

func (rig *testRig) url(path string) string {
	return rig.ts.URL + path
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func doDelete(t *testing.T, url string) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	return resp.StatusCode
}

type errBody struct {
	Error string `json:"error"`
}

func TestServer_Health(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	var body map[string]string
	status := getJSON(t, rig.url("/health"), &body)

	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestServer_Status(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	var body map[string]any
	status := getJSON(t, rig.url("/api/status"), &body)

	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "mock", body["provider"])
	require.Equal(t, "mock-1", body["model"])
	require.Equal(t, float64(1), body["agents"])
	require.GreaterOrEqual(t, body["uptime_seconds"], float64(0))
}

func TestServer_ChatSync(t *testing.T) {
	mock := model.NewMockModel("mock-1", "mock")
	mock.AddResponse("hello server", "hi from the hive")
	rig := newTestRig(t, mock)

	var body struct {
		Text      string   `json:"text"`
		ToolsUsed []string `json:"tools_used"`
	}
	status := postJSON(t, rig.url("/api/chat"), map[string]any{
		"message":         "hello server",
		"conversation_id": "conv-1",
	}, &body)

	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "hi from the hive", body.Text)
	require.NotNil(t, body.ToolsUsed)
	require.Empty(t, body.ToolsUsed)

	// The turn is persisted under the default agent.
	var hist struct {
		Messages []core.Message `json:"messages"`
	}
	status = getJSON(t, rig.url("/api/history?agent_id="+rig.agent.ID+"&conversation_id=conv-1"), &hist)

	require.Equal(t, http.StatusOK, status)
	require.Len(t, hist.Messages, 2)
	require.Equal(t, "hello server", hist.Messages[0].Content)
	require.Equal(t, "hi from the hive", hist.Messages[1].Content)
}

func TestServer_ChatValidation(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	var body errBody
	status := postJSON(t, rig.url("/api/chat"), map[string]any{
		"conversation_id": "conv-1",
	}, &body)

	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body.Error, "message or attachments")
}

func TestServer_ChatUnknownAgent(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	var body errBody
	status := postJSON(t, rig.url("/api/chat"), map[string]any{
		"agent_id": "agent_ghost",
		"message":  "hello",
	}, &body)

	require.Equal(t, http.StatusNotFound, status)
	require.Contains(t, body.Error, "unknown agent")
}

func TestServer_AgentCRUD(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	var created core.Agent
	status := postJSON(t, rig.url("/api/agents"), map[string]string{
		"name":     "scout",
		"template": "research",
	}, &created)

	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "scout", created.Name)
	require.Equal(t, "research", created.Template)
	require.Equal(t, core.StatusIdle, created.Status)

	// Duplicate names conflict.
	var dup errBody
	status = postJSON(t, rig.url("/api/agents"), map[string]string{"name": "scout"}, &dup)
	require.Equal(t, http.StatusConflict, status)
	require.Contains(t, dup.Error, "already exists")

	// Unknown templates are a client error.
	var bad errBody
	status = postJSON(t, rig.url("/api/agents"), map[string]string{
		"name":     "mystery",
		"template": "nonsense",
	}, &bad)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, bad.Error, "unknown agent template")

	var agents []core.Agent
	status = getJSON(t, rig.url("/api/agents"), &agents)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, agents, 2)

	var fetched core.Agent
	status = getJSON(t, rig.url("/api/agents/"+created.ID), &fetched)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "scout", fetched.Name)

	status = getJSON(t, rig.url("/api/agents/agent_ghost"), &errBody{})
	require.Equal(t, http.StatusNotFound, status)

	// Status updates round-trip.
	status = postJSON(t, rig.url("/api/agents/"+created.ID+"/status"), map[string]string{"status": "running"}, nil)
	require.Equal(t, http.StatusNoContent, status)

	status = getJSON(t, rig.url("/api/agents/"+created.ID), &fetched)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, core.StatusRunning, fetched.Status)

	var invalid errBody
	status = postJSON(t, rig.url("/api/agents/"+created.ID+"/status"), map[string]string{"status": "bogus"}, &invalid)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, invalid.Error, "invalid agent status")

	// Deletes are idempotent.
	require.Equal(t, http.StatusNoContent, doDelete(t, rig.url("/api/agents/"+created.ID)))
	require.Equal(t, http.StatusNotFound, getJSON(t, rig.url("/api/agents/"+created.ID), &errBody{}))
	require.Equal(t, http.StatusNoContent, doDelete(t, rig.url("/api/agents/"+created.ID)))
}

func TestServer_HistoryValidation(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	var body errBody
	status := getJSON(t, rig.url("/api/history"), &body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body.Error, "agent_id is required")

	status = getJSON(t, rig.url("/api/history?agent_id="+rig.agent.ID+"&limit=nope"), &errBody{})
	require.Equal(t, http.StatusBadRequest, status)

	// No history yet: an empty list, not null.
	var hist struct {
		Messages []core.Message `json:"messages"`
	}
	status = getJSON(t, rig.url("/api/history?agent_id="+rig.agent.ID), &hist)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, hist.Messages)
	require.Empty(t, hist.Messages)
}

func TestServer_MemorySearch(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	_, err := rig.mem.StoreFact(context.Background(), "seed", "the release ships on friday", 0.9)
	require.NoError(t, err)

	var body struct {
		Results []core.SearchResult `json:"results"`
	}
	status := getJSON(t, rig.url("/api/memory/search?q=release"), &body)

	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Results, 1)
	require.Equal(t, "fact", body.Results[0].Type)
	require.Contains(t, body.Results[0].Content, "release ships on friday")
	require.Greater(t, body.Results[0].Relevance, 0.0)

	var missing errBody
	status = getJSON(t, rig.url("/api/memory/search"), &missing)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, missing.Error, "q is required")
}

func TestServer_Tools(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	var body []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	status := getJSON(t, rig.url("/api/tools"), &body)

	require.Equal(t, http.StatusOK, status)
	require.Len(t, body, 1)
	require.Equal(t, "echo", body[0].Name)
	require.NotEmpty(t, body[0].Description)
}

func TestServer_AttachmentUploadAndChat(t *testing.T) {
	mock := model.NewMockModel("mock-1", "mock")
	rig := newTestRig(t, mock)

	resp, err := http.Post(rig.url("/api/attachments?conversation_id=conv-9"), "text/plain",
		strings.NewReader("quarterly totals: 42"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var uploaded struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	require.NotEmpty(t, uploaded.ID)

	data, err := rig.backing.Get("conv-9", uploaded.ID)
	require.NoError(t, err)
	require.Equal(t, "quarterly totals: 42", string(data))

	// A chat referencing the attachment sees its content inlined.
	status := postJSON(t, rig.url("/api/chat"), map[string]any{
		"message":         "summarize the upload",
		"conversation_id": "conv-9",
		"attachments":     []string{uploaded.ID},
	}, &map[string]any{})
	require.Equal(t, http.StatusOK, status)

	var hist struct {
		Messages []core.Message `json:"messages"`
	}
	status = getJSON(t, rig.url("/api/history?agent_id="+rig.agent.ID+"&conversation_id=conv-9"), &hist)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, hist.Messages)
	require.Contains(t, hist.Messages[0].Content, "summarize the upload")
	require.Contains(t, hist.Messages[0].Content, "quarterly totals: 42")
}

func TestServer_AttachmentRejectsEmptyBody(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	resp, err := http.Post(rig.url("/api/attachments"), "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CORSPreflight(t *testing.T) {
	rig := newTestRig(t, model.NewMockModel("mock-1", "mock"))

	req, err := http.NewRequest(http.MethodOptions, rig.url("/api/agents"), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
