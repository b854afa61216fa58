// Package engine runs conversational turns for AgentHive.
//
// The Engine is the orchestrator behind every chat: it owns the loop that
// takes a user message, recalls what the agent knows, lets the model call
// tools, streams the reply and learns from the exchange afterwards.
//
// # Turn Lifecycle
//
// Every turn moves through four phases:
//
//   - Recall: the agent's system prompt is combined with the rolling
//     conversation summary, relevant long-term memory and recent history,
//     trimmed to a character budget.
//   - Think/Act: the model generates. Streamed text is forwarded as token
//     events; requested tool calls are executed in order and their results
//     fed back for another round, up to a configurable round limit. When
//     the limit is hit the model answers once more without tools.
//   - Respond: a single done event carries the complete reply and the
//     names of the tools that succeeded.
//   - Learn: after the reply is delivered, important statements are
//     promoted into long-term memory and the conversation summary is
//     refreshed, serialized on the agent's worker. This phase never delays
//     or fails the reply.
//
// The event stream for one turn is always thinking, then any number of
// tool_call and token events, then exactly one done or error event, after
// which the channel closes.
//
// # Concurrency Model
//
// Each agent has a dedicated worker goroutine, so one agent handles one
// turn at a time in submission order. Turns beyond the per-agent queue are
// rejected synchronously with *AgentBusyError. Different agents run fully
// concurrently, which also powers delegation: an agent authorized for the
// ask_agent tool can hand a question to another agent and wait for its
// reply.
//
// Cancellation is cooperative. CancelAgent stops an agent's running and
// queued turns between model rounds; a tool already executing is never
// interrupted mid-flight.
//
// # Usage
//
//	eng := engine.New(m, tools, mem,
//	    func(o *engine.Options) {
//	        o.MaxRounds = 3
//	        o.AgentLookup = reg.GetByName
//	    })
//
//	events, err := eng.RunTurn(ctx, core.TurnInput{
//	    Agent:          agent,
//	    ConversationID: "default",
//	    Text:           "What moved the market today?",
//	})
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    handleEvent(ev)
//	}
//
// RunTurnSync wraps the same flow for callers that only want the final
// text, such as the HTTP chat endpoint.
package engine
