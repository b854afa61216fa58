// Package model defines the provider‑agnostic abstractions and concrete
// helpers for interacting with language / reasoning models inside AgentHive.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Normalize tool / function call representation (ToolDefinition, ToolCall)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel, MockEmbedder)
//
// Providers (OpenAI, Anthropic, Google, Ollama) implement the Model interface
// from this package so higher layers (engine, registry) remain decoupled from
// vendor SDKs. The Embedder interface plays the same role for the vector side
// of the memory system.
package model
