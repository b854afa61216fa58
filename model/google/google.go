// Package google provides a model wrapper for the Google Gemini API using
// the official genai SDK, plus a model.Embedder built on EmbedContent.
package google

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/model"
	"google.golang.org/genai"
)

// Options configure the Google model adapter.
type Options struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int32
}

// Model wraps the Gemini API behind the generic model.Model interface.
type Model struct {
	client *genai.Client
	opts   Options
}

// NewModel creates a new Google model. When apiKey is empty the SDK falls
// back to the GEMINI_API_KEY environment variable.
func NewModel(ctx context.Context, apiKey string, optFns ...func(o *Options)) (*Model, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, model.NewProviderError("google", "client_error", "creating genai client failed", err)
	}
	return NewModelFromClient(client, optFns...), nil
}

// NewModelFromClient creates a new Google model from an existing client
func NewModelFromClient(client *genai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:           "gemini-2.5-flash",
		Temperature:     0.7,
		MaxOutputTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate implements unified streaming / non-streaming generation.
// It adapts the Gemini API (with function calling) into model.Response events.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		contents := buildContents(req)
		config := m.buildConfig(req)

		if req.Stream {
			m.handleStreaming(ctx, contents, config, out, errCh)
			return
		}

		resp, err := m.client.Models.GenerateContent(ctx, m.opts.Model, contents, config)
		if err != nil {
			errCh <- model.NewProviderError("google", "request_error", "generate content failed", err)
			return
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			errCh <- model.NewProviderError("google", "empty_response", "no candidates returned", nil)
			return
		}

		cand := resp.Candidates[0]
		var textBuilder strings.Builder
		var toolCalls []model.ToolCall
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				textBuilder.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, toModelToolCall(part.FunctionCall))
			}
		}

		out <- model.Response{
			Partial:      false,
			Text:         textBuilder.String(),
			ToolCalls:    toolCalls,
			FinishReason: finishReason(cand.FinishReason),
			Usage:        usageFromMetadata(resp.UsageMetadata),
		}
	}()

	return out, errCh
}

// handleStreaming iterates the SSE response stream, forwarding text deltas as
// partial responses and collecting complete function calls for the final one.
func (m *Model) handleStreaming(
	ctx context.Context,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	out chan<- model.Response,
	errCh chan<- error,
) {
	var textBuilder strings.Builder
	var toolCalls []model.ToolCall
	var usage *genai.GenerateContentResponseUsageMetadata
	reason := "stop"

	for chunk, err := range m.client.Models.GenerateContentStream(ctx, m.opts.Model, contents, config) {
		if err != nil {
			errCh <- model.NewProviderError("google", "stream_error", "streaming generate content failed", err)
			return
		}
		if chunk.UsageMetadata != nil {
			usage = chunk.UsageMetadata
		}
		if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
			continue
		}
		cand := chunk.Candidates[0]
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				textBuilder.WriteString(part.Text)
				out <- model.Response{Partial: true, Text: part.Text}
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, toModelToolCall(part.FunctionCall))
			}
		}
		if cand.FinishReason != "" {
			reason = finishReason(cand.FinishReason)
		}
	}

	out <- model.Response{
		Partial:      false,
		Text:         textBuilder.String(),
		ToolCalls:    toolCalls,
		FinishReason: reason,
		Usage:        usageFromMetadata(usage),
	}
}

// buildContents converts the normalized transcript to Gemini contents.
// Tool results become function_response parts in user-role contents;
// consecutive results are grouped so they answer the preceding model turn.
func buildContents(req model.Request) []*genai.Content {
	var contents []*genai.Content
	var pendingResults []*genai.Part

	flushResults := func() {
		if len(pendingResults) > 0 {
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: pendingResults})
			pendingResults = nil
		}
	}

	for _, msg := range req.Messages {
		if msg.Role == core.RoleTool {
			pendingResults = append(pendingResults, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.ToolName,
					Response: map[string]any{"result": msg.Content},
				},
			})
			continue
		}
		flushResults()

		switch msg.Role {
		case core.RoleSystem:
			continue // folded into the system instruction
		case core.RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						args = map[string]any{"raw": tc.Arguments}
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		default:
			if msg.Content != "" {
				contents = append(contents, &genai.Content{
					Role:  genai.RoleUser,
					Parts: []*genai.Part{{Text: msg.Content}},
				})
			}
		}
	}
	flushResults()

	return contents
}

// buildConfig assembles the generation config including the system
// instruction and tool declarations.
func (m *Model) buildConfig(req model.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(m.opts.Temperature)),
		MaxOutputTokens: m.opts.MaxOutputTokens,
	}
	if sys := systemInstruction(req); sys != "" {
		config.SystemInstruction = genai.NewContentFromText(sys, "")
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  schemaFromMap(t.Function.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// systemInstruction joins the request instructions with any system transcript messages.
func systemInstruction(req model.Request) string {
	parts := []string{}
	if req.Instructions != "" {
		parts = append(parts, req.Instructions)
	}
	for _, msg := range req.Messages {
		if msg.Role == core.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// schemaFromMap converts a JSON Schema object into the genai schema type.
// Only the subset produced by tool parameter schemas is handled.
func schemaFromMap(params map[string]interface{}) *genai.Schema {
	if params == nil {
		return nil
	}
	schema := &genai.Schema{Type: genai.TypeObject}
	if t, ok := params["type"].(string); ok {
		schema.Type = genaiType(t)
	}
	if desc, ok := params["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := params["enum"].([]string); ok {
		schema.Enum = enum
	} else if enumAny, ok := params["enum"].([]interface{}); ok {
		for _, e := range enumAny {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := params["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				schema.Properties[name] = schemaFromMap(sub)
			}
		}
	}
	if required, ok := params["required"].([]string); ok {
		schema.Required = required
	} else if reqAny, ok := params["required"].([]interface{}); ok {
		for _, r := range reqAny {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := params["items"].(map[string]interface{}); ok {
		schema.Items = schemaFromMap(items)
	}
	return schema
}

func genaiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// toModelToolCall converts a Gemini function call, assigning a synthetic id
// when the API omits one so tool results can be correlated.
func toModelToolCall(fc *genai.FunctionCall) model.ToolCall {
	id := fc.ID
	if id == "" {
		id = "call-" + uuid.NewString()
	}
	args := []byte("{}")
	if len(fc.Args) > 0 {
		if encoded, err := json.Marshal(fc.Args); err == nil {
			args = encoded
		}
	}
	return model.ToolCall{
		ID:   id,
		Type: "function",
		Function: model.ToolCallFunction{
			Name:      fc.Name,
			Arguments: json.RawMessage(args),
		},
	}
}

func finishReason(reason genai.FinishReason) string {
	if reason == "" {
		return "stop"
	}
	return strings.ToLower(string(reason))
}

func usageFromMetadata(md *genai.GenerateContentResponseUsageMetadata) *model.TokenUsage {
	if md == nil {
		return nil
	}
	return &model.TokenUsage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
}

// Info returns metadata describing this Google model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "google",
		SupportsTools: true,
	}
}

// EmbedderOptions configure the Google embedder.
type EmbedderOptions struct {
	Model string
}

// Embedder generates vector embeddings using the Gemini embedding models.
type Embedder struct {
	client *genai.Client
	opts   EmbedderOptions
}

// NewEmbedderFromClient creates a new Google embedder from an existing client
func NewEmbedderFromClient(client *genai.Client, optFns ...func(o *EmbedderOptions)) *Embedder {
	opts := EmbedderOptions{
		Model: "gemini-embedding-001",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Embedder{client: client, opts: opts}
}

// Embed returns the embedding vector for a single text input.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Models.EmbedContent(ctx, e.opts.Model, genai.Text(text), &genai.EmbedContentConfig{})
	if err != nil {
		return nil, model.NewProviderError("google", "embed_error", "embed content failed", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, model.NewProviderError("google", "empty_response", "no embedding returned", nil)
	}
	return resp.Embeddings[0].Values, nil
}
