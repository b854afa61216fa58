// Package memory implements the layered memory system behind every agent
// turn: a short-term window of recent messages per conversation, per-task
// working state, a durable append-only fact log and a semantic index over
// embedded facts.
//
// Store is the facade the turn orchestrator talks to. Facts written through
// StoreFact are durable immediately and become semantically searchable once
// the background worker has embedded them; failed embeddings are retried, so
// the index converges on the log. Promote and Score implement the promotion
// policy that decides which user statements are worth keeping, and
// Summarizer maintains the rolling conversation summary used during recall.
//
// Backends are pluggable through the core store contracts; RedisWorking
// swaps the working layer onto redis for multi-process deployments.
package memory
