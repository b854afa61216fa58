package tool

import (
	"context"

	"github.com/hupe1980/agenthive/internal/util"
)

// FunctionTool wraps a plain Go function as a Tool. It validates arguments
// against the provided JSON schema before delegating and normalizes failures
// into ToolError values so callers can categorize them.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]interface{}
	fn          func(ctx context.Context, args map[string]interface{}) (string, error)
}

// NewFunctionTool creates a tool from a function and its parameter schema.
// Use util.CreateSchema to derive the schema from a struct when convenient.
func NewFunctionTool(
	name, description string,
	parameters map[string]interface{},
	fn func(ctx context.Context, args map[string]interface{}) (string, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// Name returns the tool's unique identifier.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the human-readable tool description.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema for the tool's arguments.
func (t *FunctionTool) Parameters() map[string]interface{} { return t.parameters }

// Call validates args against the schema and executes the wrapped function.
// Validation failures carry CodeValidation; execution failures that are not
// already ToolError values are wrapped with CodeExecution.
func (t *FunctionTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	if err := util.ValidateParameters(args, t.parameters); err != nil {
		return "", &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		if te, ok := err.(*ToolError); ok {
			return "", te
		}
		return "", &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
		}
	}

	return result, nil
}
