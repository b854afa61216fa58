package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agenthive/core"
)

// askAgentTool lets an agent delegate a question to another agent by name.
// The target runs a full turn in the same conversation and its final reply
// becomes the tool result. A busy target fails the call right away rather
// than queueing: two agents waiting on each other's queue would deadlock.
type askAgentTool struct {
	engine         *Engine
	callerID       string
	conversationID string
}

func newAskAgentTool(e *Engine, callerID, conversationID string) *askAgentTool {
	return &askAgentTool{
		engine:         e,
		callerID:       callerID,
		conversationID: conversationID,
	}
}

func (t *askAgentTool) Name() string {
	return "ask_agent"
}

func (t *askAgentTool) Description() string {
	return "Ask another agent a question and wait for its answer. Refer to the agent by name."
}

func (t *askAgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent": map[string]interface{}{
				"type":        "string",
				"description": "Name of the agent to ask",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The question or task for that agent",
			},
		},
		"required": []string{"agent", "message"},
	}
}

// Call runs the delegated turn and blocks until it terminates. Intermediate
// events of the target agent are consumed here, not forwarded to the
// caller's stream.
func (t *askAgentTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	name, _ := args["agent"].(string)
	message, _ := args["message"].(string)

	if strings.TrimSpace(name) == "" {
		return "", errors.New("agent name is required")
	}
	if strings.TrimSpace(message) == "" {
		return "", errors.New("message is required")
	}

	target, ok := t.engine.opts.AgentLookup(name)
	if !ok {
		return "", fmt.Errorf("no agent named %q", name)
	}
	if target.ID == t.callerID {
		return "", errors.New("agent cannot delegate to itself")
	}

	events, err := t.engine.submit(ctx, core.TurnInput{
		Agent:          target,
		ConversationID: t.conversationID,
		Text:           message,
	}, true)
	if err != nil {
		return "", err
	}

	for ev := range events {
		switch ev.Type {
		case core.EventDone:
			return ev.FullText, nil
		case core.EventError:
			return "", errors.New(ev.Message)
		}
	}

	return "", errors.New("delegated turn ended without a reply")
}
