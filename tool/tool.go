// Package tool implements the function / tool calling subsystem that lets agents
// invoke structured capabilities (file access, shell, HTTP, search) with schema
// validated arguments, consistent error handling and rich metadata for model guidance.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agenthive/internal/util"
	"github.com/hupe1980/agenthive/logging"
)

// Tool defines the interface for extending agent capabilities with external functions.
//
// Tools can be attached to agents to enable function calling, allowing agents
// to perform actions beyond text generation such as file access, shell
// execution, HTTP requests, or any other programmatic operations.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe if used concurrently
//   - Honor context cancellation for long-running work
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should be descriptive and follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// This description is provided to the model to help it understand when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	// This schema is used for parameter validation and model function calling.
	Parameters() map[string]interface{}

	// Call executes the tool with structured arguments. The returned string is
	// fed back to the model verbatim (after truncation by the caller's policy).
	// Arguments are parsed from JSON and validated against the tool's schema.
	Call(ctx context.Context, args map[string]interface{}) (string, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Danger classifies how much damage a tool can do to the host.
type Danger string

const (
	// DangerSafe marks tools with no system side effects beyond the workspace.
	DangerSafe Danger = "safe"
	// DangerSystem marks tools that execute arbitrary commands or code. Their
	// arguments pass the guard's deny-list check before execution.
	DangerSystem Danger = "system"
)

// DefaultTimeout bounds a tool invocation when its descriptor does not set one.
const DefaultTimeout = 30 * time.Second

// Descriptor pairs a tool with its execution policy.
type Descriptor struct {
	Tool    Tool
	Timeout time.Duration
	Danger  Danger
}

// Name is a convenience accessor for the underlying tool name.
func (d Descriptor) Name() string { return d.Tool.Name() }

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(d time.Duration) func(*Descriptor) {
	return func(desc *Descriptor) { desc.Timeout = d }
}

// WithDanger sets the danger classification.
func WithDanger(level Danger) func(*Descriptor) {
	return func(desc *Descriptor) { desc.Danger = level }
}

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string      `json:"tool"`              // Name of the tool that failed
	Message string      `json:"message"`           // Error message
	Code    string      `json:"code"`              // Error code for categorization
	Details interface{} `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Error codes used by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeNotFound   = "NOT_FOUND"
)

// TimeoutError reports that a tool invocation exceeded its descriptor timeout.
// The invocation is abandoned; the turn itself continues.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.Timeout)
}

// BlockedError reports that the guard rejected a system tool's arguments
// before execution.
type BlockedError struct {
	Tool    string
	Pattern string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tool %s blocked: arguments match denied pattern %q", e.Tool, e.Pattern)
}

// Registry holds the tools available to agents together with their execution
// policies. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Descriptor
	guard  *Guard
	logger logging.Logger
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Guard screens system tool arguments. Defaults to NewGuard().
	Guard *Guard
	// Logger receives invocation diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		Guard:  NewGuard(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		tools:  make(map[string]Descriptor),
		guard:  opts.Guard,
		logger: opts.Logger,
	}
}

// Register adds a tool under its name. Registering a name twice returns an
// error. Tools default to DangerSafe with DefaultTimeout.
func (r *Registry) Register(t Tool, optFns ...func(*Descriptor)) error {
	desc := Descriptor{Tool: t, Timeout: DefaultTimeout, Danger: DangerSafe}
	for _, fn := range optFns {
		fn(&desc)
	}
	if desc.Timeout <= 0 {
		desc.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = desc

	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.tools[name]
	return d, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// List returns every registered descriptor ordered by tool name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	descs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		descs = append(descs, r.tools[name])
	}

	return descs
}

// Subset returns the descriptors for the given names, skipping unknown ones.
// The result preserves the order of names.
func (r *Registry) Subset(names []string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		if d, ok := r.tools[name]; ok {
			descs = append(descs, d)
		}
	}

	return descs
}

// Invoke executes the named tool under its registered policy:
//
//  1. Unknown names fail with a NOT_FOUND ToolError.
//  2. DangerSystem arguments are screened by the guard; a deny-list match
//     aborts with a BlockedError before anything runs.
//  3. The call is bounded by the descriptor timeout; overruns are abandoned
//     and reported as a TimeoutError.
//
// All failures are returned as errors for the caller to surface to the model;
// Invoke never panics on tool misbehavior.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	desc, ok := r.Get(name)
	if !ok {
		return "", NewToolError(name, "tool is not registered", CodeNotFound)
	}

	if desc.Danger == DangerSystem {
		if pattern, denied := r.guard.Screen(args); denied {
			r.logger.Warn("Tool invocation blocked", "tool", name, "pattern", pattern)
			return "", &BlockedError{Tool: name, Pattern: pattern}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)

	start := time.Now()
	go func() {
		res, err := desc.Tool.Call(callCtx, args)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		r.logger.Debug("Tool invocation finished", "tool", name, "duration", time.Since(start), "error", out.err != nil)
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled; propagate instead of reporting a timeout.
			return "", ctx.Err()
		}
		r.logger.Warn("Tool invocation timed out", "tool", name, "timeout", desc.Timeout)
		return "", &TimeoutError{Tool: name, Timeout: desc.Timeout}
	}
}
