package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/memory"
	"github.com/hupe1980/agenthive/model"
	"github.com/hupe1980/agenthive/registry"
	"github.com/hupe1980/agenthive/store"
	"github.com/hupe1980/agenthive/tool"
)

// stubModel scripts Generate per call. When req.Stream is set the text is
// replayed as per-rune partials before the final response, mirroring the
// provider adapters.
type stubModel struct {
	mu       sync.Mutex
	requests []model.Request
	fn       func(ctx context.Context, call int, req model.Request) (model.Response, error)
}

func (s *stubModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	call := len(s.requests)
	s.mu.Unlock()

	respCh := make(chan model.Response, 8)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		resp, err := s.fn(ctx, call, req)
		if err != nil {
			errCh <- err
			return
		}
		if req.Stream && resp.Text != "" {
			for _, r := range resp.Text {
				respCh <- model.Response{Partial: true, Text: string(r)}
			}
		}
		respCh <- resp
	}()

	return respCh, errCh
}

func (s *stubModel) Info() model.Info {
	return model.Info{Name: "stub", Provider: "test", SupportsTools: true}
}

func (s *stubModel) seen() []model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Request(nil), s.requests...)
}

func newTestEngine(t *testing.T, m model.Model, reg *tool.Registry, optFns ...func(o *Options)) (*Engine, *store.InMemory) {
	t.Helper()

	backing := store.NewInMemory()
	mem := memory.New(backing, backing, backing)
	if reg == nil {
		reg = tool.NewRegistry()
	}

	all := append([]func(o *Options){func(o *Options) {
		o.Logger = logging.NoOpLogger{}
	}}, optFns...)

	return New(m, reg, mem, all...), backing
}

func testAgent(name string, tools ...string) core.Agent {
	a := core.Agent{
		ID:       "agent_" + name,
		Name:     name,
		Template: "custom",
		Provider: "test",
		Model:    "stub",
		Status:   core.StatusIdle,
	}
	if len(tools) > 0 {
		a.Tools = tools
	}
	return a
}

func collect(t *testing.T, events <-chan core.Event) []core.Event {
	t.Helper()

	var out []core.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(out))
		}
	}
}

func awaitEvent(t *testing.T, events <-chan core.Event, want core.EventType) core.Event {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed before %s arrived", want)
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// requireGrammar asserts the stream shape every turn must have: an optional
// leading thinking event, no terminal event before the end, and exactly one
// terminal event at the end.
func requireGrammar(t *testing.T, events []core.Event) {
	t.Helper()

	require.NotEmpty(t, events)
	require.True(t, events[len(events)-1].Terminal(),
		"stream must end with done or error, got %s", events[len(events)-1].Type)

	for i, ev := range events[:len(events)-1] {
		require.False(t, ev.Terminal(), "terminal %s at position %d before the end", ev.Type, i)
		if ev.Type == core.EventThinking {
			require.Equal(t, 0, i, "thinking must be the first event")
		}
	}
}

func terminal(events []core.Event) core.Event {
	return events[len(events)-1]
}

func tokenText(events []core.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == core.EventToken {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func toolStatuses(events []core.Event) []core.ToolCallStatus {
	var out []core.ToolCallStatus
	for _, ev := range events {
		if ev.Type == core.EventToolCall {
			out = append(out, ev.Status)
		}
	}
	return out
}

func lastUserContent(messages []core.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func TestEngine_StreamsReplyAndPersists(t *testing.T) {
	m := model.NewMockModel("stub", "test")
	m.AddResponse("hello there", "Hi! How can I help?")

	eng, backing := newTestEngine(t, m, nil)
	agent := testAgent("sam")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "hello there"})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)
	require.Equal(t, core.EventThinking, got[0].Type)

	done := terminal(got)
	require.Equal(t, core.EventDone, done.Type)
	require.Equal(t, "Hi! How can I help?", done.FullText)
	require.Equal(t, done.FullText, tokenText(got), "done must carry exactly the streamed text")
	require.Empty(t, done.ToolsUsed)
	require.Equal(t, agent.ID, done.AgentID)
	require.Equal(t, "default", done.ConversationID)

	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "default"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, core.RoleUser, history[0].Role)
	require.Equal(t, "hello there", history[0].Content)
	require.Equal(t, core.RoleAssistant, history[1].Role)
	require.Equal(t, "Hi! How can I help?", history[1].Content)
}

func TestEngine_RejectsInvalidInput(t *testing.T) {
	eng, _ := newTestEngine(t, model.NewMockModel("stub", "test"), nil)

	_, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: testAgent("sam")})
	require.ErrorIs(t, err, ErrInvalidTurn)
	require.ErrorContains(t, err, "message or attachments")

	_, err = eng.RunTurn(context.Background(), core.TurnInput{Text: "hi"})
	require.ErrorIs(t, err, ErrInvalidTurn)
	require.ErrorContains(t, err, "agent is required")
}

func TestEngine_ToolRoundTrip(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"web_search", "Search the web.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
		},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			q, _ := args["query"].(string)
			return "results for " + q, nil
		},
	)))

	m := model.NewMockModel("stub", "test")
	m.AddToolCalls("find gopher news", model.ToolCall{
		ID:   "call_1",
		Type: "function",
		Function: model.ToolCallFunction{
			Name:      "web_search",
			Arguments: json.RawMessage(`{"query":"gopher news"}`),
		},
	})
	m.AddResponse("find gopher news", "Here is what I found.")

	eng, backing := newTestEngine(t, m, reg)
	agent := testAgent("sam", "web_search")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{
		Agent:          agent,
		ConversationID: "conv-1",
		Text:           "find gopher news",
	})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)

	require.Equal(t,
		[]core.ToolCallStatus{core.ToolCallRequested, core.ToolCallDone},
		toolStatuses(got))

	done := terminal(got)
	require.Equal(t, core.EventDone, done.Type)
	require.Equal(t, "Here is what I found.", done.FullText)
	require.Equal(t, []string{"web_search"}, done.ToolsUsed)

	// Only the user message and the final reply are durable; intermediate
	// tool feedback stays in the turn transcript.
	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "conv-1"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assistant := history[1]
	require.Len(t, assistant.ToolCalls, 1)
	require.Equal(t, "web_search", assistant.ToolCalls[0].Name)
	require.Equal(t, "results for gopher news", assistant.ToolCalls[0].Result)
	require.Empty(t, assistant.ToolCalls[0].Error)
}

func TestEngine_ToolFailureFeedsModelAndContinues(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"flaky", "Always fails.",
		map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", errors.New("upstream exploded")
		},
	)))

	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		if call == 1 {
			return model.Response{ToolCalls: []model.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: model.ToolCallFunction{Name: "flaky", Arguments: json.RawMessage(`{}`)},
			}}}, nil
		}
		return model.Response{Text: "the tool was unavailable"}, nil
	}}

	eng, backing := newTestEngine(t, stub, reg)
	agent := testAgent("sam", "flaky")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "try the tool"})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)

	require.Equal(t,
		[]core.ToolCallStatus{core.ToolCallRequested, core.ToolCallError},
		toolStatuses(got))

	done := terminal(got)
	require.Equal(t, core.EventDone, done.Type)
	require.Equal(t, "the tool was unavailable", done.FullText)
	require.Empty(t, done.ToolsUsed, "failed tools do not count as used")

	// The failure went back to the model as a tool message.
	reqs := stub.seen()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Equal(t, core.RoleTool, last.Role)
	require.Equal(t, "Error: upstream exploded", last.Content)

	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "default"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Len(t, history[1].ToolCalls, 1)
	require.Equal(t, "upstream exploded", history[1].ToolCalls[0].Error)
	require.True(t, history[1].ToolCalls[0].Failed())
}

func TestEngine_ToolTimeoutDoesNotAbortTurn(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"slow", "Sleeps past its deadline.",
		map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return "done sleeping", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	), tool.WithTimeout(30*time.Millisecond)))

	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		if call == 1 {
			return model.Response{ToolCalls: []model.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: model.ToolCallFunction{Name: "slow", Arguments: json.RawMessage(`{}`)},
			}}}, nil
		}
		return model.Response{Text: "had to answer without it"}, nil
	}}

	eng, backing := newTestEngine(t, stub, reg)
	agent := testAgent("sam", "slow")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "take your time"})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)

	require.Equal(t,
		[]core.ToolCallStatus{core.ToolCallRequested, core.ToolCallError},
		toolStatuses(got))

	done := terminal(got)
	require.Equal(t, core.EventDone, done.Type)
	require.Empty(t, done.ToolsUsed)

	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "default"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Contains(t, history[1].ToolCalls[0].Error, "timed out")
}

func TestEngine_MaxRoundsForcesFinalReply(t *testing.T) {
	reg := tool.NewRegistry()
	invocations := 0
	var mu sync.Mutex
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"echo", "Echoes.",
		map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			mu.Lock()
			invocations++
			mu.Unlock()
			return "echo", nil
		},
	)))

	// Requests tools on every round they are offered.
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		if len(req.Tools) > 0 {
			return model.Response{ToolCalls: []model.ToolCall{{
				ID:       fmt.Sprintf("call_%d", call),
				Type:     "function",
				Function: model.ToolCallFunction{Name: "echo", Arguments: json.RawMessage(`{}`)},
			}}}, nil
		}
		return model.Response{Text: "that is everything I could gather"}, nil
	}}

	eng, _ := newTestEngine(t, stub, reg, func(o *Options) {
		o.MaxRounds = 2
	})
	agent := testAgent("sam", "echo")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "dig deeper"})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)

	done := terminal(got)
	require.Equal(t, core.EventDone, done.Type)
	require.Equal(t, "that is everything I could gather", done.FullText)
	require.Equal(t, []string{"echo"}, done.ToolsUsed)

	mu.Lock()
	require.Equal(t, 2, invocations, "tool rounds are capped")
	mu.Unlock()

	reqs := stub.seen()
	require.Len(t, reqs, 3, "two tool rounds plus the forced final generation")
	require.NotEmpty(t, reqs[0].Tools)
	require.NotEmpty(t, reqs[1].Tools)
	require.Empty(t, reqs[2].Tools, "the forced final round offers no tools")
}

func TestEngine_ToolsUsedDeduplicated(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"echo", "Echoes.",
		map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "echo", nil
		},
	)))

	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		if call == 1 {
			return model.Response{ToolCalls: []model.ToolCall{
				{ID: "call_1", Type: "function", Function: model.ToolCallFunction{Name: "echo", Arguments: json.RawMessage(`{}`)}},
				{ID: "call_2", Type: "function", Function: model.ToolCallFunction{Name: "echo", Arguments: json.RawMessage(`{}`)}},
			}}, nil
		}
		return model.Response{Text: "done"}, nil
	}}

	eng, backing := newTestEngine(t, stub, reg)
	agent := testAgent("sam", "echo")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "twice please"})
	require.NoError(t, err)

	done := terminal(collect(t, events))
	require.Equal(t, core.EventDone, done.Type)
	require.Equal(t, []string{"echo"}, done.ToolsUsed)

	// Both executions are still on the durable record.
	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "default"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Len(t, history[1].ToolCalls, 2)
}

func TestEngine_ProviderErrorAbortsTurn(t *testing.T) {
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		return model.Response{}, &model.ProviderError{Provider: "openai", Code: "rate_limited", Message: "too many requests"}
	}}

	var hookErr error
	eng, backing := newTestEngine(t, stub, nil, func(o *Options) {
		o.Hooks = Hooks{TurnFinished: func(agentID, conversationID string, d time.Duration, err error) {
			hookErr = err
		}}
	})
	agent := testAgent("sam")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "hello"})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)

	fail := terminal(got)
	require.Equal(t, core.EventError, fail.Type)
	require.Contains(t, fail.Message, "too many requests")
	require.Error(t, hookErr)

	// The user message is already durable; no assistant reply joins it.
	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "default"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, core.RoleUser, history[0].Role)
}

func TestEngine_BusyAgentRejectedWhenQueueDisabled(t *testing.T) {
	gate := make(chan struct{})
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		}
		return model.Response{Text: "finally"}, nil
	}}

	eng, _ := newTestEngine(t, stub, nil, func(o *Options) {
		o.QueueSize = 0
	})
	agent := testAgent("sam")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "first"})
	require.NoError(t, err)
	awaitEvent(t, events, core.EventThinking)

	_, err = eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "second"})
	var busy *AgentBusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, agent.ID, busy.AgentID)

	close(gate)
	done := terminal(collect(t, events))
	require.Equal(t, core.EventDone, done.Type)

	// The slot frees up once the turn finishes.
	events, err = eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "third"})
	require.NoError(t, err)
	require.Equal(t, core.EventDone, terminal(collect(t, events)).Type)
}

func TestEngine_TurnsRunInSubmissionOrder(t *testing.T) {
	gate := make(chan struct{})
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		if call == 1 {
			select {
			case <-gate:
			case <-ctx.Done():
				return model.Response{}, ctx.Err()
			}
		}
		return model.Response{Text: "reply " + strconv.Itoa(call)}, nil
	}}

	eng, _ := newTestEngine(t, stub, nil)
	agent := testAgent("sam")

	first, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "first message"})
	require.NoError(t, err)
	awaitEvent(t, first, core.EventThinking)

	second, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "second message"})
	require.NoError(t, err)

	close(gate)

	doneFirst := terminal(collect(t, first))
	doneSecond := terminal(collect(t, second))
	require.Equal(t, "reply 1", doneFirst.FullText)
	require.Equal(t, "reply 2", doneSecond.FullText)

	reqs := stub.seen()
	require.Len(t, reqs, 2)
	require.Equal(t, "first message", lastUserContent(reqs[0].Messages))
	require.Equal(t, "second message", lastUserContent(reqs[1].Messages))
}

func TestEngine_CancelAgentStopsRunningAndQueuedTurns(t *testing.T) {
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		<-ctx.Done()
		return model.Response{}, ctx.Err()
	}}

	eng, backing := newTestEngine(t, stub, nil)
	agent := testAgent("sam")

	running, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "never finishes"})
	require.NoError(t, err)
	awaitEvent(t, running, core.EventThinking)

	queued, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "waits in line"})
	require.NoError(t, err)

	eng.CancelAgent(agent.ID)

	failRunning := terminal(collect(t, running))
	require.Equal(t, core.EventError, failRunning.Type)
	require.Equal(t, "turn cancelled", failRunning.Message)

	failQueued := terminal(collect(t, queued))
	require.Equal(t, core.EventError, failQueued.Type)
	require.Equal(t, "turn cancelled", failQueued.Message)

	// The running turn had persisted its user message; the queued one never
	// got that far.
	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "default"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "never finishes", history[0].Content)
}

func TestEngine_PreCancelledContext(t *testing.T) {
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		return model.Response{Text: "should not run"}, nil
	}}

	eng, backing := newTestEngine(t, stub, nil)
	agent := testAgent("sam")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, err := eng.RunTurn(ctx, core.TurnInput{Agent: agent, Text: "hello"})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)
	require.Equal(t, core.EventError, terminal(got).Type)
	require.Empty(t, stub.seen(), "the model is never consulted")

	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "default"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Empty(t, history, "a turn cancelled before starting leaves no trace")
}

func TestEngine_AskAgentDelegation(t *testing.T) {
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		if last := req.Messages[len(req.Messages)-1]; last.Role == core.RoleTool {
			return model.Response{Text: "helper says: " + last.Content}, nil
		}
		switch lastUserContent(req.Messages) {
		case "ping":
			return model.Response{Text: "pong"}, nil
		default:
			return model.Response{ToolCalls: []model.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: model.ToolCallFunction{
					Name:      "ask_agent",
					Arguments: json.RawMessage(`{"agent":"helper","message":"ping"}`),
				},
			}}}, nil
		}
	}}

	lead := testAgent("lead")
	helper := testAgent("helper")
	agents := map[string]core.Agent{"lead": lead, "helper": helper}

	eng, backing := newTestEngine(t, stub, nil, func(o *Options) {
		o.AgentLookup = func(name string) (core.Agent, bool) {
			a, ok := agents[name]
			return a, ok
		}
	})

	events, err := eng.RunTurn(context.Background(), core.TurnInput{
		Agent:          lead,
		ConversationID: "conv-7",
		Text:           "coordinate with the helper",
	})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)

	require.Equal(t,
		[]core.ToolCallStatus{core.ToolCallRequested, core.ToolCallDone},
		toolStatuses(got), "the helper's own events stay off the caller's stream")

	done := terminal(got)
	require.Equal(t, core.EventDone, done.Type)
	require.Equal(t, "helper says: pong", done.FullText)
	require.Equal(t, []string{"ask_agent"}, done.ToolsUsed)

	// The delegated turn ran as a real turn in the same conversation.
	helperKey := core.ConversationKey{AgentID: helper.ID, ConversationID: "conv-7"}
	history, err := backing.History(helperKey, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "ping", history[0].Content)
	require.Equal(t, "pong", history[1].Content)
}

func TestEngine_AskAgentBusyTarget(t *testing.T) {
	gate := make(chan struct{})
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		if last := req.Messages[len(req.Messages)-1]; last.Role == core.RoleTool {
			return model.Response{Text: "helper is unavailable right now"}, nil
		}
		switch lastUserContent(req.Messages) {
		case "block":
			select {
			case <-gate:
			case <-ctx.Done():
				return model.Response{}, ctx.Err()
			}
			return model.Response{Text: "finally free"}, nil
		default:
			return model.Response{ToolCalls: []model.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: model.ToolCallFunction{
					Name:      "ask_agent",
					Arguments: json.RawMessage(`{"agent":"helper","message":"hello"}`),
				},
			}}}, nil
		}
	}}

	lead := testAgent("lead")
	helper := testAgent("helper")
	agents := map[string]core.Agent{"lead": lead, "helper": helper}

	eng, backing := newTestEngine(t, stub, nil, func(o *Options) {
		o.AgentLookup = func(name string) (core.Agent, bool) {
			a, ok := agents[name]
			return a, ok
		}
	})

	// Tie the helper up with its own turn first.
	helperEvents, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: helper, Text: "block"})
	require.NoError(t, err)
	awaitEvent(t, helperEvents, core.EventThinking)

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: lead, Text: "delegate something"})
	require.NoError(t, err)

	got := collect(t, events)
	requireGrammar(t, got)

	require.Equal(t,
		[]core.ToolCallStatus{core.ToolCallRequested, core.ToolCallError},
		toolStatuses(got))

	done := terminal(got)
	require.Equal(t, core.EventDone, done.Type)
	require.Empty(t, done.ToolsUsed)

	close(gate)
	require.Equal(t, core.EventDone, terminal(collect(t, helperEvents)).Type)

	leadKey := core.ConversationKey{AgentID: lead.ID, ConversationID: "default"}
	history, err := backing.History(leadKey, 0)
	require.NoError(t, err)
	require.Contains(t, history[1].ToolCalls[0].Error, "is busy")
}

func TestAskAgentTool_Validation(t *testing.T) {
	eng, _ := newTestEngine(t, model.NewMockModel("stub", "test"), nil, func(o *Options) {
		o.AgentLookup = func(name string) (core.Agent, bool) {
			if name == "me" {
				return core.Agent{ID: "agent_me", Name: "me"}, true
			}
			return core.Agent{}, false
		}
	})
	ask := newAskAgentTool(eng, "agent_me", "conv-1")
	ctx := context.Background()

	_, err := ask.Call(ctx, map[string]interface{}{"message": "hi"})
	require.ErrorContains(t, err, "agent name is required")

	_, err = ask.Call(ctx, map[string]interface{}{"agent": "me"})
	require.ErrorContains(t, err, "message is required")

	_, err = ask.Call(ctx, map[string]interface{}{"agent": "ghost", "message": "hi"})
	require.ErrorContains(t, err, `no agent named "ghost"`)

	_, err = ask.Call(ctx, map[string]interface{}{"agent": "me", "message": "hi"})
	require.ErrorContains(t, err, "delegate to itself")
}

func TestEngine_AttachmentsInlined(t *testing.T) {
	backing := store.NewInMemory()
	mem := memory.New(backing, backing, backing)
	require.NoError(t, backing.Save("conv-9", "a1", []byte("quarterly totals: 42")))

	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		return model.Response{Text: "noted"}, nil
	}}

	eng := New(stub, tool.NewRegistry(), mem, func(o *Options) {
		o.Logger = logging.NoOpLogger{}
		o.Artifacts = backing
	})
	agent := testAgent("sam")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{
		Agent:          agent,
		ConversationID: "conv-9",
		Text:           "summarize the file",
		Attachments:    []string{"a1", "missing"},
	})
	require.NoError(t, err)

	done := terminal(collect(t, events))
	require.Equal(t, core.EventDone, done.Type)

	sent := lastUserContent(stub.seen()[0].Messages)
	require.Contains(t, sent, "summarize the file")
	require.Contains(t, sent, "[Attachment a1]")
	require.Contains(t, sent, "quarterly totals: 42")
	require.NotContains(t, sent, "missing", "unresolvable attachments are skipped")

	// The inlined form is what the history records.
	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "conv-9"}
	history, err := backing.History(key, 0)
	require.NoError(t, err)
	require.Equal(t, sent, history[0].Content)
}

func TestEngine_RecallTrimsToBudget(t *testing.T) {
	backing := store.NewInMemory()
	mem := memory.New(backing, backing, backing)

	agent := testAgent("sam")
	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "conv-1"}

	oldest := "alpha " + strings.Repeat("a", 120)
	middle := "bravo " + strings.Repeat("b", 120)
	newest := "charlie"
	mem.Remember(key, core.NewUserMessage(oldest))
	mem.Remember(key, core.NewAssistantMessage(middle))
	mem.Remember(key, core.NewUserMessage(newest))

	fact, err := mem.StoreFact(context.Background(), agent.ID, "the charlie project ships in May", 0.9)
	require.NoError(t, err)

	base := registry.Instructions(agent)

	// Roomy budget: everything fits.
	eng := New(model.NewMockModel("stub", "test"), tool.NewRegistry(), mem, func(o *Options) {
		o.Logger = logging.NoOpLogger{}
	})
	instructions, history := eng.recall(context.Background(), agent, key)
	require.Len(t, history, 3)
	require.Contains(t, instructions, "Relevant past interactions:")
	require.Contains(t, instructions, fact.Text)

	// One message over: the oldest history entry goes first.
	cost := len(base) + len(oldest) + len(middle) + len(newest) + len(fact.Text)
	eng = New(model.NewMockModel("stub", "test"), tool.NewRegistry(), mem, func(o *Options) {
		o.Logger = logging.NoOpLogger{}
		o.ContextBudget = cost - 1
	})
	instructions, history = eng.recall(context.Background(), agent, key)
	require.Len(t, history, 2)
	require.Equal(t, middle, history[0].Content)
	require.Equal(t, newest, history[1].Content)
	require.Contains(t, instructions, fact.Text, "memory hits outlive old history")

	// Starvation budget: history keeps only the newest message and the
	// memory hits are dropped entirely.
	eng = New(model.NewMockModel("stub", "test"), tool.NewRegistry(), mem, func(o *Options) {
		o.Logger = logging.NoOpLogger{}
		o.ContextBudget = 1
	})
	instructions, history = eng.recall(context.Background(), agent, key)
	require.Len(t, history, 1)
	require.Equal(t, newest, history[0].Content)
	require.Equal(t, base, instructions)
}

func TestEngine_RecallIncludesSummary(t *testing.T) {
	backing := store.NewInMemory()
	mem := memory.New(backing, backing, backing)

	agent := testAgent("sam")
	key := core.ConversationKey{AgentID: agent.ID, ConversationID: "conv-1"}

	mem.Remember(key, core.NewUserMessage("where were we?"))
	require.NoError(t, mem.PutWorking(agent.ID, "conv-1", memory.SummaryKey, "They discussed budgets."))

	eng := New(model.NewMockModel("stub", "test"), tool.NewRegistry(), mem, func(o *Options) {
		o.Logger = logging.NoOpLogger{}
	})

	instructions, _ := eng.recall(context.Background(), agent, key)
	require.Contains(t, instructions, "Summary of the conversation so far:\nThey discussed budgets.")
}

func TestEngine_HooksFire(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.NewFunctionTool(
		"echo", "Echoes.",
		map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "echo", nil
		},
	)))

	m := model.NewMockModel("stub", "test")
	m.AddToolCalls("run the echo", model.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: model.ToolCallFunction{Name: "echo", Arguments: json.RawMessage(`{}`)},
	})
	m.AddResponse("run the echo", "echoed")

	var (
		mu     sync.Mutex
		stages []string
	)
	record := func(stage string) {
		mu.Lock()
		stages = append(stages, stage)
		mu.Unlock()
	}

	eng, _ := newTestEngine(t, m, reg, func(o *Options) {
		o.Hooks = Hooks{
			TurnStarted: func(agentID, conversationID string) { record("started") },
			ToolInvoked: func(agentID, name string, d time.Duration, err error) {
				if err != nil {
					name += ":failed"
				}
				record("tool:" + name)
			},
			TurnFinished: func(agentID, conversationID string, d time.Duration, err error) {
				if err != nil {
					record("finished:failed")
					return
				}
				record("finished")
			},
		}
	})
	agent := testAgent("sam", "echo")

	events, err := eng.RunTurn(context.Background(), core.TurnInput{Agent: agent, Text: "run the echo"})
	require.NoError(t, err)
	require.Equal(t, core.EventDone, terminal(collect(t, events)).Type)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"started", "tool:echo", "finished"}, stages)
}

func TestEngine_RunTurnSync(t *testing.T) {
	m := model.NewMockModel("stub", "test")
	m.AddResponse("quick question", "quick answer")

	eng, _ := newTestEngine(t, m, nil)
	agent := testAgent("sam")

	text, toolsUsed, err := eng.RunTurnSync(context.Background(), core.TurnInput{Agent: agent, Text: "quick question"})
	require.NoError(t, err)
	require.Equal(t, "quick answer", text)
	require.Empty(t, toolsUsed)
}

func TestEngine_RunTurnSyncSurfacesErrors(t *testing.T) {
	stub := &stubModel{fn: func(ctx context.Context, call int, req model.Request) (model.Response, error) {
		return model.Response{}, &model.ProviderError{Provider: "openai", Message: "boom"}
	}}

	eng, _ := newTestEngine(t, stub, nil)

	_, _, err := eng.RunTurnSync(context.Background(), core.TurnInput{Agent: testAgent("sam"), Text: "hi"})
	require.ErrorContains(t, err, "boom")
}
