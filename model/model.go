package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agenthive/core"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction describes the concrete function target of a tool call.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"` // JSON string of arguments
}

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input produced by the orchestrator.
type Request struct {
	Instructions string           `json:"instructions"` // System instructions for the model
	Messages     []core.Message   `json:"messages"`     // Conversation history converted to provider messages
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
// Partial chunks carry incremental Text; the final chunk carries the
// assembled text, any tool calls the model requested and the finish reason.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"` // Indicates if this is a partial response
	Text         string      `json:"text"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "google", "ollama", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the orchestrator to drive
// generation. Generate returns a response channel and an error channel; both
// are closed when the call finishes. A value on the error channel aborts the
// turn.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Embedder converts text into a dense vector for semantic search. Providers
// that support embeddings implement it next to Model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProviderError wraps a failure reported by a model provider. It aborts the
// turn that triggered it; the conversation itself stays usable.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s error [%s]: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Provider, e.Message)
}

// Unwrap exposes the underlying provider SDK error.
func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with provider context.
func NewProviderError(provider, code, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message, Err: err}
}

// MockModel is a lightweight in‑memory Model useful for tests & examples.
// Canned responses are matched on the latest user message; scripted tool
// calls are emitted once before the text response.
type MockModel struct {
	info      Info
	responses map[string]string
	toolCalls map[string][]ToolCall
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
		toolCalls: make(map[string][]ToolCall),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// AddToolCalls registers tool calls to request when the input prompt is seen.
// The scripted calls are consumed on first use so the follow-up round falls
// through to the canned text response.
func (m *MockModel) AddToolCalls(prompt string, calls ...ToolCall) {
	m.toolCalls[prompt] = calls
}

// Generate implements Model; emits optional streaming char chunks then the
// final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)
		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}

		inputText := lastUserText(req.Messages)

		if calls, ok := m.toolCalls[inputText]; ok && len(calls) > 0 {
			delete(m.toolCalls, inputText)
			respCh <- Response{
				Partial:      false,
				ToolCalls:    calls,
				FinishReason: "tool_calls",
			}
			return
		}

		full := m.responses[inputText]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Text:    string(r),
				}:
				}
			}
		}
		respCh <- Response{
			Partial:      false,
			Text:         full,
			FinishReason: "stop",
		}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// lastUserText returns the content of the most recent user message.
func lastUserText(messages []core.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return messages[i].Content
		}
	}
	return messages[len(messages)-1].Content
}

// MockEmbedder is a deterministic Embedder for tests. Vectors are derived
// from character statistics so equal texts embed equally and different texts
// usually differ.
type MockEmbedder struct {
	Dim int
}

// NewMockEmbedder creates an embedder producing vectors of the given
// dimension (defaults to 16).
func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 16
	}
	return &MockEmbedder{Dim: dim}
}

// Embed implements Embedder.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.Dim)
	for i, r := range text {
		vec[i%m.Dim] += float32(r%97) / 97
	}
	return vec, nil
}
