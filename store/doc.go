// Package store provides persistence backends for the runtime's records:
// agent definitions, conversation histories, the long-term fact log, working
// memory and attachments.
//
// InMemory keeps everything in process-local maps and backs tests and demo
// servers. The sqlite subpackage implements the same contracts on a local
// database file for durable single-node deployments.
package store
