package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/agenthive/core"
)

// WorkingMemoryTool gives the model explicit access to its scratch state and
// long-term memory. It is bound to one agent and one task scope at
// construction time; the orchestrator creates a fresh instance per turn.
type WorkingMemoryTool struct {
	name        string
	description string
	mem         core.MemoryStore
	agentID     string
	task        string
}

// NewWorkingMemoryTool creates a memory tool scoped to the given agent and
// task (conversations use their conversation ID as task scope).
//
// Supported operations:
//   - set: store a key/value pair in working memory
//   - get: read a key from working memory
//   - list: dump the current task's working memory
//   - clear: drop the current task's working memory
//   - store_fact: persist a fact to long-term memory
//   - search_facts: query long-term memory by substring
func NewWorkingMemoryTool(mem core.MemoryStore, agentID, task string) *WorkingMemoryTool {
	return &WorkingMemoryTool{
		name: "working_memory",
		description: "Manage scratch state for the current task and long-term memory. " +
			"Supports operations: set, get, list, clear, store_fact, search_facts.",
		mem:     mem,
		agentID: agentID,
		task:    task,
	}
}

// Name returns the tool identifier.
func (t *WorkingMemoryTool) Name() string { return t.name }

// Description returns the tool description.
func (t *WorkingMemoryTool) Description() string { return t.description }

// Parameters returns the JSON schema for tool parameters.
func (t *WorkingMemoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"operation": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"set", "get", "list", "clear", "store_fact", "search_facts"},
				"description": "The memory operation to perform",
			},
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Working memory key for set/get operations",
			},
			"value": map[string]interface{}{
				"type":        "string",
				"description": "Value for set operations",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Fact text for store_fact operations",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Substring query for search_facts operations",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Limit for search_facts (default: 5)",
			},
		},
		"required": []string{"operation"},
	}
}

// Call implements the Tool interface with structured arguments.
func (t *WorkingMemoryTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	operation, ok := args["operation"].(string)
	if !ok {
		return "", fmt.Errorf("operation parameter is required")
	}

	switch operation {
	case "set":
		return t.handleSet(args)
	case "get":
		return t.handleGet(args)
	case "list":
		return t.handleList()
	case "clear":
		return t.handleClear()
	case "store_fact":
		return t.handleStoreFact(ctx, args)
	case "search_facts":
		return t.handleSearchFacts(ctx, args)
	default:
		return "", fmt.Errorf("unknown operation: %s", operation)
	}
}

func (t *WorkingMemoryTool) handleSet(args map[string]interface{}) (string, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("key parameter is required for set operation")
	}
	value, _ := args["value"].(string)

	if err := t.mem.PutWorking(t.agentID, t.task, key, value); err != nil {
		return "", fmt.Errorf("failed to set working memory: %w", err)
	}

	return fmt.Sprintf("stored %q", key), nil
}

func (t *WorkingMemoryTool) handleGet(args map[string]interface{}) (string, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("key parameter is required for get operation")
	}

	value, exists, err := t.mem.GetWorking(t.agentID, t.task, key)
	if err != nil {
		return "", fmt.Errorf("failed to read working memory: %w", err)
	}
	if !exists {
		return fmt.Sprintf("%q is not set", key), nil
	}

	return value, nil
}

func (t *WorkingMemoryTool) handleList() (string, error) {
	state, err := t.mem.TaskState(t.agentID, t.task)
	if err != nil {
		return "", fmt.Errorf("failed to list working memory: %w", err)
	}
	if len(state) == 0 {
		return "(empty)", nil
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, state[k])
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (t *WorkingMemoryTool) handleClear() (string, error) {
	if err := t.mem.ClearTask(t.agentID, t.task); err != nil {
		return "", fmt.Errorf("failed to clear working memory: %w", err)
	}
	return "working memory cleared", nil
}

func (t *WorkingMemoryTool) handleStoreFact(ctx context.Context, args map[string]interface{}) (string, error) {
	text, ok := args["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text parameter is required for store_fact operation")
	}

	fact, err := t.mem.StoreFact(ctx, t.agentID, text, 1.0)
	if err != nil {
		return "", fmt.Errorf("failed to store fact: %w", err)
	}

	return fmt.Sprintf("remembered fact %s", fact.ID), nil
}

func (t *WorkingMemoryTool) handleSearchFacts(ctx context.Context, args map[string]interface{}) (string, error) {
	query, ok := args["query"].(string)
	if !ok {
		return "", fmt.Errorf("query parameter is required for search_facts operation")
	}

	limit := 5
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	facts, err := t.mem.SearchFacts(ctx, core.FactQuery{Substring: query, Limit: limit})
	if err != nil {
		return "", fmt.Errorf("failed to search facts: %w", err)
	}
	if len(facts) == 0 {
		return "no matching facts", nil
	}

	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "- [%s] %s\n", f.CreatedAt.Format(time.RFC3339), f.Text)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
