package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/memory"
	"github.com/hupe1980/agenthive/model"
	"github.com/hupe1980/agenthive/registry"
	"github.com/hupe1980/agenthive/tool"
)

// ErrInvalidTurn rejects malformed turn input before any work starts.
var ErrInvalidTurn = errors.New("invalid turn input")

// AgentBusyError is returned synchronously when an agent cannot accept
// another turn: its queue is full, or queueing is disabled and a turn is
// already running.
type AgentBusyError struct {
	AgentID string
}

// Error implements the error interface.
func (e *AgentBusyError) Error() string {
	return fmt.Sprintf("agent %s is busy", e.AgentID)
}

// Options configures the engine.
type Options struct {
	// MaxRounds bounds the tool-calling rounds per turn. When the model still
	// requests tools after the last round, a final generation without tools
	// produces the reply.
	MaxRounds int

	// QueueSize is the number of turns that may wait per agent while one is
	// running. Zero disables queueing: a busy agent rejects new turns.
	QueueSize int

	// EventBuffer sets the capacity of each turn's event channel.
	EventBuffer int

	// ContextBudget caps the characters of instructions, memory and history
	// sent to the model. Overflow drops the oldest history first, then the
	// weakest memory hits.
	ContextBudget int

	// RecentMessages is how much short-term history a turn recalls.
	RecentMessages int

	// RecallLimit is the number of memory search hits a turn recalls.
	RecallLimit int

	// ToolResultLimit truncates tool output fed back to the model.
	ToolResultLimit int

	// ImportanceThreshold and MaxFactsPerTurn tune fact promotion in the
	// learn phase.
	ImportanceThreshold float64
	MaxFactsPerTurn     int

	// Artifacts resolves attachment IDs named in turn input. Optional.
	Artifacts core.ArtifactStore

	// AgentLookup resolves agent names for delegation. When set, agents
	// authorized for the ask_agent tool can hand questions to each other.
	AgentLookup func(name string) (core.Agent, bool)

	// Summarizer maintains rolling conversation summaries after turns.
	// Optional.
	Summarizer *memory.Summarizer

	// Hooks receive turn lifecycle notifications.
	Hooks Hooks

	// Logger receives engine diagnostics.
	Logger logging.Logger
}

// Engine drives conversational turns: it recalls memory, loops the model
// through bounded tool-calling rounds, streams events, persists the exchange
// and promotes facts afterwards. It implements core.Orchestrator.
//
// Each agent gets one worker goroutine, so its turns run strictly one at a
// time in submission order; different agents run concurrently.
type Engine struct {
	model  model.Model
	tools  *tool.Registry
	memory core.MemoryStore
	opts   Options

	mu      sync.Mutex
	workers map[string]*worker
}

var _ core.Orchestrator = (*Engine)(nil)

// New creates an Engine over a model, a tool registry and a memory store.
func New(m model.Model, tools *tool.Registry, mem core.MemoryStore, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxRounds:           3,
		QueueSize:           8,
		EventBuffer:         64,
		ContextBudget:       16000,
		RecentMessages:      20,
		RecallLimit:         memory.DefaultRecallLimit,
		ToolResultLimit:     1000,
		ImportanceThreshold: memory.DefaultThreshold,
		MaxFactsPerTurn:     memory.DefaultMaxFactsPerTurn,
		Logger:              logging.NewDefaultSlogLogger(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 3
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	return &Engine{
		model:   m,
		tools:   tools,
		memory:  mem,
		opts:    opts,
		workers: make(map[string]*worker),
	}
}

// turn is one queued unit of work for an agent worker.
type turn struct {
	ctx    context.Context
	cancel context.CancelFunc
	input  core.TurnInput
	events chan core.Event
}

// worker serializes the turns of one agent. pending counts admitted turns
// that have not finished yet; admission is a compare-and-swap against it so
// the queue channel send below never blocks.
type worker struct {
	queue   chan *turn
	cap     int64
	pending atomic.Int64

	mu    sync.Mutex
	turns map[*turn]context.CancelFunc
}

func (w *worker) admit(exclusive bool) bool {
	for {
		n := w.pending.Load()
		if exclusive && n != 0 {
			return false
		}
		if n >= w.cap {
			return false
		}
		if w.pending.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (w *worker) track(t *turn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns[t] = t.cancel
}

func (w *worker) untrack(t *turn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.turns, t)
}

func (w *worker) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.turns {
		cancel()
	}
}

// RunTurn enqueues a turn for the agent and returns its event stream. The
// channel is closed after exactly one terminal done or error event. A full
// queue rejects synchronously with *AgentBusyError.
func (e *Engine) RunTurn(ctx context.Context, input core.TurnInput) (<-chan core.Event, error) {
	return e.submit(ctx, input, false)
}

// RunTurnSync runs a turn to completion and returns the reply text and the
// tools used. Streaming consumers should prefer RunTurn.
func (e *Engine) RunTurnSync(ctx context.Context, input core.TurnInput) (string, []string, error) {
	events, err := e.RunTurn(ctx, input)
	if err != nil {
		return "", nil, err
	}

	for ev := range events {
		switch ev.Type {
		case core.EventDone:
			return ev.FullText, ev.ToolsUsed, nil
		case core.EventError:
			return "", nil, errors.New(ev.Message)
		}
	}

	return "", nil, errors.New("turn ended without a terminal event")
}

// CancelAgent cooperatively stops the agent's running turn and its queued
// ones. Each cancelled turn terminates with an error event; tools already
// in flight are never interrupted. Unknown agents are ignored.
func (e *Engine) CancelAgent(agentID string) {
	e.mu.Lock()
	w := e.workers[agentID]
	e.mu.Unlock()

	if w != nil {
		w.cancelAll()
	}
}

func (e *Engine) submit(ctx context.Context, input core.TurnInput, exclusive bool) (<-chan core.Event, error) {
	if input.Agent.ID == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidTurn)
	}
	if strings.TrimSpace(input.Text) == "" && len(input.Attachments) == 0 {
		return nil, fmt.Errorf("%w: message or attachments required", ErrInvalidTurn)
	}
	if input.ConversationID == "" {
		input.ConversationID = "default"
	}

	w := e.worker(input.Agent.ID)
	if !w.admit(exclusive) {
		return nil, &AgentBusyError{AgentID: input.Agent.ID}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{
		ctx:    turnCtx,
		cancel: cancel,
		input:  input,
		events: make(chan core.Event, e.opts.EventBuffer),
	}

	w.track(t)
	w.queue <- t

	return t.events, nil
}

func (e *Engine) worker(agentID string) *worker {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[agentID]
	if !ok {
		capacity := int64(e.opts.QueueSize) + 1
		w = &worker{
			queue: make(chan *turn, capacity),
			cap:   capacity,
			turns: make(map[*turn]context.CancelFunc),
		}
		e.workers[agentID] = w
		go e.runWorker(w)
	}

	return w
}

// runWorker drains the agent's queue. The learn step execute hands back runs
// here, after the turn's channel is closed and its slot freed, so promotions
// for one agent never race each other or the next turn's recall.
func (e *Engine) runWorker(w *worker) {
	for t := range w.queue {
		learn := e.execute(t)
		w.untrack(t)
		t.cancel()
		w.pending.Add(-1)
		if learn != nil {
			learn()
		}
	}
}

// execute runs one turn through recall, the tool-calling loop and response
// streaming. It returns the turn's learn step for the worker to run, or nil
// when the turn failed.
func (e *Engine) execute(t *turn) func() {
	defer close(t.events)

	agent := t.input.Agent
	convID := t.input.ConversationID
	key := core.ConversationKey{AgentID: agent.ID, ConversationID: convID}
	start := time.Now()

	e.opts.Hooks.turnStarted(agent.ID, convID)

	if t.ctx.Err() != nil {
		e.fail(t, start, t.ctx.Err(), "turn cancelled")
		return nil
	}

	content := e.composeUserContent(t.input)
	prior := e.memory.Recent(key, e.opts.RecentMessages)
	e.memory.Remember(key, core.NewUserMessage(content))

	e.emit(t, core.NewThinkingEvent(agent.ID, convID))

	instructions, transcript := e.recall(t.ctx, agent, key)
	tools := e.turnTools(agent, convID)

	var (
		full      strings.Builder
		executed  []core.ToolCall
		toolsUsed []string
		seen      = make(map[string]struct{})
	)

	limiter := core.NewRoundLimiter(e.opts.MaxRounds)

	for {
		if t.ctx.Err() != nil {
			e.fail(t, start, t.ctx.Err(), "turn cancelled")
			return nil
		}

		withTools := limiter.Increment() == nil
		if !withTools {
			// Soft limit: the reply so far is kept and the model answers
			// once more without tools.
			e.opts.Logger.Info("Max tool rounds reached, forcing final response",
				"agent_id", agent.ID, "rounds", e.opts.MaxRounds)
		}

		req := model.Request{
			Instructions: instructions,
			Messages:     transcript,
			Stream:       true,
		}
		if withTools {
			req.Tools = tools.defs
		}

		resp, err := e.generate(t, req)
		if err != nil {
			e.fail(t, start, err, turnErrorMessage(err))
			return nil
		}

		full.WriteString(resp.Text)

		if !withTools || len(resp.ToolCalls) == 0 {
			break
		}

		recs, toolMsgs := e.invokeTools(t, tools, resp.ToolCalls, &toolsUsed, seen)
		executed = append(executed, recs...)
		transcript = append(transcript, core.NewAssistantMessage(resp.Text, recs...))
		transcript = append(transcript, toolMsgs...)
	}

	finalText := full.String()
	e.memory.Remember(key, core.NewAssistantMessage(finalText, executed...))

	e.opts.Hooks.turnFinished(agent.ID, convID, time.Since(start), nil)
	e.deliver(t, core.NewDoneEvent(agent.ID, convID, finalText, toolsUsed))

	return func() { e.learn(agent, key, content, prior) }
}

// generate drives one model round, forwarding streamed text as token events.
func (e *Engine) generate(t *turn, req model.Request) (model.Response, error) {
	respCh, errCh := e.model.Generate(t.ctx, req)

	var final model.Response
	for resp := range respCh {
		if resp.Partial {
			if resp.Text != "" {
				e.emit(t, core.NewTokenEvent(t.input.Agent.ID, t.input.ConversationID, resp.Text))
			}
			continue
		}
		final = resp
	}

	if err := <-errCh; err != nil {
		return model.Response{}, err
	}

	return final, nil
}

// invokeTools executes the model's tool calls in order, emitting lifecycle
// events and collecting the call records and result messages for the
// transcript. Failures are recorded and fed back to the model; they never
// abort the turn.
func (e *Engine) invokeTools(t *turn, tools turnTools, calls []model.ToolCall, used *[]string, seen map[string]struct{}) ([]core.ToolCall, []core.Message) {
	agent := t.input.Agent
	convID := t.input.ConversationID

	recs := make([]core.ToolCall, 0, len(calls))
	msgs := make([]core.Message, 0, len(calls))

	for _, call := range calls {
		name := call.Function.Name

		e.emit(t, core.NewToolCallEvent(agent.ID, convID, name, core.ToolCallRequested))

		started := time.Now()
		result, err := e.invokeOne(t, tools, name, call.Function.Arguments)
		duration := time.Since(started)

		e.opts.Hooks.toolInvoked(agent.ID, name, duration, err)

		rec := core.ToolCall{
			ID:        call.ID,
			Name:      name,
			Arguments: string(call.Function.Arguments),
			Duration:  duration,
		}

		var feedback string
		if err != nil {
			e.opts.Logger.Warn("Tool failed", "agent_id", agent.ID, "tool", name, "error", err)
			e.emit(t, core.NewToolCallEvent(agent.ID, convID, name, core.ToolCallError))
			rec.Error = err.Error()
			feedback = "Error: " + err.Error()
		} else {
			e.emit(t, core.NewToolCallEvent(agent.ID, convID, name, core.ToolCallDone))
			result = truncate(result, e.opts.ToolResultLimit)
			if result == "" {
				result = "(no output)"
			}
			rec.Result = result
			feedback = result

			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				*used = append(*used, name)
			}
		}

		recs = append(recs, rec)
		msgs = append(msgs, core.NewToolMessage(call.ID, name, feedback))
	}

	return recs, msgs
}

func (e *Engine) invokeOne(t *turn, tools turnTools, name string, rawArgs json.RawMessage) (string, error) {
	args := make(map[string]interface{})
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	if local, ok := tools.local[name]; ok {
		return local.Call(t.ctx, args)
	}

	// Registered tools run to completion or their own timeout; turn
	// cancellation lands between rounds, never mid-tool.
	return e.tools.Invoke(context.WithoutCancel(t.ctx), name, args)
}

// recall assembles the model instructions (system prompt, rolling summary,
// memory hits) and the short-term transcript, trimmed to the context budget.
// Overflow drops the oldest history first, then the weakest memory hits.
func (e *Engine) recall(ctx context.Context, agent core.Agent, key core.ConversationKey) (string, []core.Message) {
	instructions := registry.Instructions(agent)
	history := e.memory.Recent(key, e.opts.RecentMessages)
	query := ""
	if len(history) > 0 {
		query = history[len(history)-1].Content
	}

	var results []core.SearchResult
	if query != "" {
		var err error
		results, err = e.memory.Search(ctx, query, e.opts.RecallLimit)
		if err != nil {
			e.opts.Logger.Warn("Memory recall failed", "agent_id", agent.ID, "error", err)
		}
	}

	summary, ok, err := e.memory.GetWorking(key.AgentID, key.ConversationID, memory.SummaryKey)
	if err != nil || !ok {
		summary = ""
	}

	cost := len(instructions) + len(summary)
	for _, m := range history {
		cost += len(m.Content)
	}
	for _, r := range results {
		cost += len(r.Content)
	}

	for cost > e.opts.ContextBudget && len(history) > 1 {
		cost -= len(history[0].Content)
		history = history[1:]
	}
	for cost > e.opts.ContextBudget && len(results) > 0 {
		last := len(results) - 1
		cost -= len(results[last].Content)
		results = results[:last]
	}

	var sb strings.Builder
	sb.WriteString(instructions)

	if summary != "" {
		sb.WriteString("\n\nSummary of the conversation so far:\n")
		sb.WriteString(summary)
	}

	if len(results) > 0 {
		sb.WriteString("\n\nRelevant past interactions:\n")
		for _, r := range results {
			sb.WriteString("- ")
			sb.WriteString(r.Content)
			sb.WriteString("\n")
		}
	}

	return sb.String(), history
}

// learn runs on the agent's worker after the done event: it promotes
// important statements from the user's message into long-term memory and lets
// the summarizer observe the turn. Failures are logged and never surface to
// the turn.
func (e *Engine) learn(agent core.Agent, key core.ConversationKey, userText string, prior []core.Message) {
	ctx := context.Background()

	for _, c := range memory.Promote(userText, prior, e.opts.ImportanceThreshold, e.opts.MaxFactsPerTurn) {
		if _, err := e.memory.StoreFact(ctx, agent.ID, c.Text, c.Score); err != nil {
			e.opts.Logger.Warn("Fact promotion failed", "agent_id", agent.ID, "error", err)
			continue
		}
		e.opts.Logger.Debug("Fact promoted", "agent_id", agent.ID, "score", c.Score)
	}

	if e.opts.Summarizer != nil {
		e.opts.Summarizer.ObserveTurn(ctx, key)
	}
}

// composeUserContent inlines attachment texts into the user message so the
// model and the persisted history both see them.
func (e *Engine) composeUserContent(input core.TurnInput) string {
	if len(input.Attachments) == 0 || e.opts.Artifacts == nil {
		return input.Text
	}

	parts := make([]string, 0, len(input.Attachments)+1)
	if strings.TrimSpace(input.Text) != "" {
		parts = append(parts, input.Text)
	}

	for _, id := range input.Attachments {
		data, err := e.opts.Artifacts.Get(input.ConversationID, id)
		if err != nil {
			e.opts.Logger.Warn("Attachment unavailable", "artifact_id", id, "error", err)
			continue
		}
		parts = append(parts, fmt.Sprintf("[Attachment %s]\n%s", id, data))
	}

	return strings.Join(parts, "\n\n")
}

// turnTools is the tool surface of one turn: definitions sent to the model
// plus the per-turn tools invoked directly instead of through the registry.
type turnTools struct {
	defs  []model.ToolDefinition
	local map[string]tool.Tool
}

func (e *Engine) turnTools(agent core.Agent, conversationID string) turnTools {
	var descs []tool.Descriptor
	if agent.Tools == nil {
		descs = e.tools.List()
	} else {
		descs = e.tools.Subset(agent.Tools)
	}

	tt := turnTools{local: make(map[string]tool.Tool)}
	for _, d := range descs {
		tt.defs = append(tt.defs, toolDefinition(d.Tool))
	}

	if authorized(agent, "working_memory") {
		wm := tool.NewWorkingMemoryTool(e.memory, agent.ID, conversationID)
		tt.local[wm.Name()] = wm
		tt.defs = append(tt.defs, toolDefinition(wm))
	}

	if e.opts.AgentLookup != nil && authorized(agent, "ask_agent") {
		ask := newAskAgentTool(e, agent.ID, conversationID)
		tt.local[ask.Name()] = ask
		tt.defs = append(tt.defs, toolDefinition(ask))
	}

	return tt
}

func authorized(agent core.Agent, name string) bool {
	return agent.Tools == nil || slices.Contains(agent.Tools, name)
}

func toolDefinition(t tool.Tool) model.ToolDefinition {
	return model.ToolDefinition{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// fail terminates the turn with an error event. The turn state is unwound:
// no assistant message is persisted and the learn phase is skipped.
func (e *Engine) fail(t *turn, start time.Time, err error, message string) {
	e.opts.Logger.Error("Turn failed",
		"agent_id", t.input.Agent.ID, "conversation_id", t.input.ConversationID, "error", err)

	e.opts.Hooks.turnFinished(t.input.Agent.ID, t.input.ConversationID, time.Since(start), err)
	e.deliver(t, core.NewErrorEvent(t.input.Agent.ID, t.input.ConversationID, message))
}

// emit sends a non-terminal event, giving up when the turn is cancelled.
func (e *Engine) emit(t *turn, ev core.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// deliver sends a terminal event. Cancelled turns still get their terminal
// event as long as there is buffer room for it.
func (e *Engine) deliver(t *turn, ev core.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		select {
		case t.events <- ev:
		default:
		}
	}
}

func turnErrorMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "turn cancelled"
	}

	var perr *model.ProviderError
	if errors.As(err, &perr) {
		return perr.Error()
	}

	return "model request failed: " + err.Error()
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}
