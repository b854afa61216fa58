// Package core provides the foundational domain types and interfaces used by
// AgentHive. It defines the core abstractions for:
//
//   - Agents (registry-owned records describing autonomous assistants)
//   - Messages (conversation history entries, including tool activity)
//   - Events (the streaming vocabulary emitted while a turn executes)
//   - Pluggable stores for agents, conversations, facts, working state and artifacts
//   - The Orchestrator contract that drives a single conversational turn
//
// The package intentionally keeps implementation concerns (persistence, turn
// orchestration, concrete providers) out of scope, exposing small interfaces
// to enable custom backends and extensions. All exported identifiers include
// concise documentation to aid discoverability and external consumption.
package core
