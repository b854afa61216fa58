// Package ollama provides a model wrapper for a local Ollama server.
//
// Ollama speaks plain JSON over HTTP with newline-delimited streaming, so the
// adapter talks to it directly with net/http rather than through an SDK. Tool
// calls carry no ids on the wire; synthetic ids are assigned so results can be
// correlated, and results are matched back by tool name.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/model"
)

// DefaultHost is used when no host is configured and OLLAMA_HOST is unset.
const DefaultHost = "http://localhost:11434"

// Options configure the Ollama model adapter.
type Options struct {
	Host        string
	Model       string
	Temperature float64
	NumPredict  int
	HTTPClient  *http.Client
}

// Model wraps the Ollama chat API behind the generic model.Model interface.
type Model struct {
	opts   Options
	client *http.Client
}

// NewModel creates a new Ollama model talking to a local or configured server
func NewModel(optFns ...func(o *Options)) *Model {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = DefaultHost
	}
	opts := Options{
		Host:        host,
		Model:       "llama3",
		Temperature: 0.7,
		NumPredict:  4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Host = strings.TrimRight(opts.Host, "/")

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Model{opts: opts, client: client}
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type chatToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type chatToolCall struct {
	Function chatToolCallFunction `json:"function"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Tools    []model.ToolDefinition `json:"tools,omitempty"`
	Options  chatOptions            `json:"options"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Generate implements unified streaming / non-streaming generation against
// the /api/chat endpoint.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		payload := chatRequest{
			Model:    m.opts.Model,
			Messages: buildMessages(req),
			Stream:   req.Stream,
			Options: chatOptions{
				Temperature: m.opts.Temperature,
				NumPredict:  m.opts.NumPredict,
			},
		}
		if len(req.Tools) > 0 {
			payload.Tools = req.Tools
		}

		body, err := m.post(ctx, "/api/chat", payload)
		if err != nil {
			errCh <- err
			return
		}
		defer body.Close()

		if req.Stream {
			m.consumeStream(body, out, errCh)
			return
		}

		var cr chatResponse
		if err := json.NewDecoder(body).Decode(&cr); err != nil {
			errCh <- model.NewProviderError("ollama", "response_error", "decoding chat response failed", err)
			return
		}
		out <- finalResponse(cr.Message.Content, cr.Message.ToolCalls, cr)
	}()

	return out, errCh
}

// post issues a JSON request and returns the response body on HTTP 200.
func (m *Model) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, model.NewProviderError("ollama", "request_error", "encoding request failed", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.Host+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, model.NewProviderError("ollama", "request_error", "building request failed", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, model.NewProviderError("ollama", "request_error", "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, model.NewProviderError(
			"ollama",
			"request_error",
			fmt.Sprintf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			nil,
		)
	}
	return resp.Body, nil
}

// consumeStream reads newline-delimited chunks, forwarding text deltas as
// partial responses and emitting the final response on the done chunk.
func (m *Model) consumeStream(body io.Reader, out chan<- model.Response, errCh chan<- error) {
	var textBuilder strings.Builder
	var toolCalls []chatToolCall

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var cr chatResponse
		if err := json.Unmarshal(line, &cr); err != nil {
			errCh <- model.NewProviderError("ollama", "stream_error", "decoding stream chunk failed", err)
			return
		}
		if cr.Message.Content != "" {
			textBuilder.WriteString(cr.Message.Content)
			out <- model.Response{Partial: true, Text: cr.Message.Content}
		}
		toolCalls = append(toolCalls, cr.Message.ToolCalls...)
		if cr.Done {
			out <- finalResponse(textBuilder.String(), toolCalls, cr)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		errCh <- model.NewProviderError("ollama", "stream_error", "reading stream failed", err)
		return
	}
	errCh <- model.NewProviderError("ollama", "stream_error", "stream ended without done chunk", nil)
}

func finalResponse(text string, calls []chatToolCall, cr chatResponse) model.Response {
	toolCalls := make([]model.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := []byte("{}")
		if len(tc.Function.Arguments) > 0 {
			if encoded, err := json.Marshal(tc.Function.Arguments); err == nil {
				args = encoded
			}
		}
		toolCalls = append(toolCalls, model.ToolCall{
			ID:   "call-" + uuid.NewString(),
			Type: "function",
			Function: model.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(args),
			},
		})
	}

	reason := cr.DoneReason
	if reason == "" {
		reason = "stop"
	}

	var usage *model.TokenUsage
	if cr.PromptEvalCount > 0 || cr.EvalCount > 0 {
		usage = &model.TokenUsage{
			PromptTokens:     cr.PromptEvalCount,
			CompletionTokens: cr.EvalCount,
			TotalTokens:      cr.PromptEvalCount + cr.EvalCount,
		}
	}

	return model.Response{
		Partial:      false,
		Text:         text,
		ToolCalls:    toolCalls,
		FinishReason: reason,
		Usage:        usage,
	}
}

// buildMessages converts the normalized transcript to Ollama chat messages.
func buildMessages(req model.Request) []chatMessage {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.Instructions})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case core.RoleTool:
			messages = append(messages, chatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: msg.ToolName,
			})
		case core.RoleAssistant:
			cm := chatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						args = map[string]any{"raw": tc.Arguments}
					}
				}
				cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
					Function: chatToolCallFunction{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, cm)
		default:
			messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}
	return messages
}

// Info returns metadata describing this Ollama model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "ollama",
		SupportsTools: true,
	}
}

// EmbedderOptions configure the Ollama embedder.
type EmbedderOptions struct {
	Host       string
	Model      string
	HTTPClient *http.Client
}

// Embedder generates vector embeddings via the /api/embeddings endpoint.
type Embedder struct {
	opts   EmbedderOptions
	client *http.Client
}

// NewEmbedder creates a new Ollama embedder
func NewEmbedder(optFns ...func(o *EmbedderOptions)) *Embedder {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = DefaultHost
	}
	opts := EmbedderOptions{
		Host:  host,
		Model: "nomic-embed-text",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Host = strings.TrimRight(opts.Host, "/")

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Embedder{opts: opts, client: client}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for a single text input.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	encoded, err := json.Marshal(embedRequest{Model: e.opts.Model, Prompt: text})
	if err != nil {
		return nil, model.NewProviderError("ollama", "request_error", "encoding embed request failed", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.Host+"/api/embeddings", bytes.NewReader(encoded))
	if err != nil {
		return nil, model.NewProviderError("ollama", "request_error", "building embed request failed", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, model.NewProviderError("ollama", "embed_error", "embed request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, model.NewProviderError(
			"ollama",
			"embed_error",
			fmt.Sprintf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			nil,
		)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, model.NewProviderError("ollama", "response_error", "decoding embed response failed", err)
	}
	if len(er.Embedding) == 0 {
		return nil, model.NewProviderError("ollama", "empty_response", "no embedding returned", nil)
	}

	vec := make([]float32, len(er.Embedding))
	for i, v := range er.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
