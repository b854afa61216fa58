// Package server exposes the runtime over HTTP and websocket.
//
// The HTTP API covers agent management, synchronous chat, history, memory
// search, tool discovery and attachment upload. The websocket endpoint
// streams turn events (thinking, token, tool_call, done, error) as they
// happen; one connection multiplexes any number of agents and
// conversations, with every frame tagged by agent_id. Roster changes are
// broadcast to all connected clients as agents_updated frames.
//
// Disconnecting a websocket cancels the client's in-flight turns. Events
// are not replayed on reconnect; conversation history is the durable
// record.
package server
