// Package agenthive wires the runtime together: stores, memory, tools,
// model provider, agent registry, turn engine and the HTTP/websocket
// server. Most applications interact with this package by:
//  1. Loading a config.Config (or starting from the in-memory defaults)
//  2. Creating a Runtime via New()
//  3. Serving it (Serve) or driving turns directly (Chat, ChatStream)
//
// The zero Options keep every store in memory; supply a Config from
// config.Load for durable storage, provider credentials and MCP servers.
package agenthive

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/hupe1980/agenthive/config"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/engine"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/memory"
	"github.com/hupe1980/agenthive/model"
	anthropicmodel "github.com/hupe1980/agenthive/model/anthropic"
	googlemodel "github.com/hupe1980/agenthive/model/google"
	ollamamodel "github.com/hupe1980/agenthive/model/ollama"
	openaimodel "github.com/hupe1980/agenthive/model/openai"
	"github.com/hupe1980/agenthive/registry"
	"github.com/hupe1980/agenthive/server"
	"github.com/hupe1980/agenthive/store"
	"github.com/hupe1980/agenthive/store/sqlite"
	"github.com/hupe1980/agenthive/tool"
	"github.com/hupe1980/agenthive/tool/mcp"
)

// Options configures the Runtime.
type Options struct {
	// Config drives provider selection, store placement and tuning. The
	// default keeps everything in memory.
	Config config.Config

	// Model overrides the provider the config selects. Handy for tests and
	// examples that script a MockModel.
	Model model.Model

	// Embedder overrides the embedding provider the config selects.
	Embedder model.Embedder

	// Logger overrides the slog logger built from the config.
	Logger logging.Logger
}

// Runtime is the assembled agent runtime.
type Runtime struct {
	Model    model.Model
	Embedder model.Embedder
	Memory   *memory.Store
	Tools    *tool.Registry
	Agents   *registry.Registry
	Engine   *engine.Engine
	Server   *server.Server
	Logger   logging.Logger

	cfg          config.Config
	defaultAgent core.Agent
	closers      []func() error
}

// New assembles a Runtime from the options. The context is used for
// provider client construction and MCP server handshakes, not for the
// runtime's lifetime.
func New(ctx context.Context, optFns ...func(o *Options)) (*Runtime, error) {
	opts := Options{Config: defaultConfig()}

	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logCfg := logging.DefaultLoggerConfig()
		logCfg.Level = logging.ParseLevel(cfg.Log.Level)
		logCfg.Format = cfg.Log.Format
		logger = logging.NewLogger(logCfg)
	}

	rt := &Runtime{cfg: cfg, Logger: logger}

	var (
		agentStore core.AgentStore
		convStore  core.ConversationStore
		factStore  core.FactStore
		workStore  core.WorkingStore
		artifacts  core.ArtifactStore
	)

	if cfg.Memory.Path == "" || cfg.Memory.Path == ":memory:" {
		backing := store.NewInMemory()
		agentStore, convStore, factStore, workStore, artifacts = backing, backing, backing, backing, backing
	} else {
		db, err := sqlite.Open(cfg.Memory.Path)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", cfg.Memory.Path, err)
		}
		rt.closers = append(rt.closers, db.Close)
		agentStore, convStore, factStore, workStore, artifacts = db, db, db, db, db
	}

	if cfg.Memory.RedisAddr != "" {
		rw, err := memory.NewRedisWorking(cfg.Memory.RedisAddr)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.closers = append(rt.closers, rw.Close)
		workStore = rw
	}

	embedder := opts.Embedder
	if embedder == nil {
		var err error
		embedder, err = buildEmbedder(ctx, cfg.Embedding, cfg.LLM)
		if err != nil {
			rt.close()
			return nil, err
		}
	}
	rt.Embedder = embedder

	rt.Memory = memory.New(convStore, workStore, factStore, func(o *memory.Options) {
		o.Logger = logger
		o.Embedder = embedder
		if cfg.Memory.ShortTermWindow > 0 {
			o.ShortTermLimit = cfg.Memory.ShortTermWindow
		}
	})

	m := opts.Model
	if m == nil {
		var err error
		m, err = buildModel(ctx, cfg.LLM)
		if err != nil {
			rt.close()
			return nil, err
		}
	}
	rt.Model = m

	rt.Tools = tool.NewRegistry(func(o *tool.RegistryOptions) {
		o.Logger = logger
	})
	if err := tool.RegisterBuiltins(rt.Tools, tool.BuiltinsConfig{
		Workspace:   cfg.Tools.Workdir,
		ExecTimeout: cfg.Tools.ExecTimeout.Std(),
		HTTPClient:  &http.Client{Timeout: cfg.Tools.HTTPTimeout.Std()},
	}); err != nil {
		rt.close()
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	if len(cfg.MCP.Servers) > 0 {
		closers, err := mcp.RegisterServers(ctx, rt.Tools, mcpServers(cfg.MCP.Servers), func(o *mcp.Options) {
			o.Logger = logger
		})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("register mcp servers: %w", err)
		}
		rt.closers = append(rt.closers, closers...)
	}

	rt.Agents = registry.New(agentStore, rt.Memory, func(o *registry.Options) {
		o.Provider = m.Info().Provider
		o.Model = m.Info().Name
		o.Logger = logger
	})

	var summarizer *memory.Summarizer
	if cfg.Memory.SummaryInterval > 0 {
		summarizer = memory.NewSummarizer(m, rt.Memory, func(o *memory.SummarizerOptions) {
			o.Interval = cfg.Memory.SummaryInterval
		})
	}

	rt.Engine = engine.New(m, rt.Tools, rt.Memory, func(o *engine.Options) {
		o.Logger = logger
		o.Artifacts = artifacts
		o.AgentLookup = rt.Agents.GetByName
		o.Summarizer = summarizer
		o.MaxRounds = cfg.Orchestrator.MaxToolRounds
		o.QueueSize = cfg.Orchestrator.QueueSize
		if cfg.Orchestrator.EventBuffer > 0 {
			o.EventBuffer = cfg.Orchestrator.EventBuffer
		}
		if cfg.Orchestrator.ContextBudget > 0 {
			o.ContextBudget = cfg.Orchestrator.ContextBudget
		}
		if cfg.Memory.RecentMessages > 0 {
			o.RecentMessages = cfg.Memory.RecentMessages
		}
		if cfg.Memory.RecallLimit > 0 {
			o.RecallLimit = cfg.Memory.RecallLimit
		}
		if cfg.Memory.ImportanceThreshold > 0 {
			o.ImportanceThreshold = cfg.Memory.ImportanceThreshold
		}
	})

	if cfg.Agent.Name != "" {
		agent, ok := rt.Agents.GetByName(cfg.Agent.Name)
		if !ok {
			created, err := rt.Agents.Create(cfg.Agent.Name, "", cfg.Agent.Personality)
			if err != nil {
				rt.close()
				return nil, fmt.Errorf("create default agent: %w", err)
			}
			agent = created
		}
		rt.defaultAgent = agent
	}

	rt.Server = server.New(server.Deps{
		Registry:      rt.Agents,
		Engine:        rt.Engine,
		Memory:        rt.Memory,
		Conversations: convStore,
		Artifacts:     artifacts,
		Tools:         rt.Tools,
		Model:         m.Info(),
	}, func(o *server.Options) {
		o.DefaultAgentID = rt.defaultAgent.ID
		o.Logger = logger
	})

	return rt, nil
}

// defaultConfig is the config the façade starts from: the regular defaults
// with the stores kept in memory, so library and example use leaves no
// files behind.
func defaultConfig() config.Config {
	cfg := config.Default()
	cfg.Memory.Path = ":memory:"
	return cfg
}

// DefaultAgent returns the agent created from the configuration, or a zero
// Agent when none is configured.
func (r *Runtime) DefaultAgent() core.Agent {
	return r.defaultAgent
}

// Start launches the background services: the semantic index rebuild and
// the embedding worker. It returns once the index is loaded; the worker
// stops when ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	return r.Memory.Start(ctx)
}

// Serve starts the background services and the HTTP server, blocking until
// the listener fails or Shutdown is called.
func (r *Runtime) Serve(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	r.Logger.Info("Runtime starting",
		"provider", r.Model.Info().Provider, "model", r.Model.Info().Name, "addr", r.cfg.Server.Addr())
	return r.Server.Start(r.cfg.Server.Addr())
}

// Shutdown stops the HTTP server, then releases stores, redis and MCP
// subprocesses.
func (r *Runtime) Shutdown(ctx context.Context) error {
	err := r.Server.Shutdown(ctx)
	r.close()
	return err
}

func (r *Runtime) close() {
	for _, closeFn := range r.closers {
		if err := closeFn(); err != nil {
			r.Logger.Warn("Close failed during shutdown", "error", err)
		}
	}
	r.closers = nil
}

// Chat runs one synchronous turn with the default agent.
func (r *Runtime) Chat(ctx context.Context, conversationID, message string) (string, error) {
	if r.defaultAgent.ID == "" {
		return "", errors.New("no default agent configured")
	}

	text, _, err := r.Engine.RunTurnSync(ctx, core.TurnInput{
		Agent:          r.defaultAgent,
		ConversationID: conversationID,
		Text:           message,
	})
	return text, err
}

// ChatStream starts one streaming turn with the default agent. The returned
// channel carries the turn's events and closes after the terminal event.
func (r *Runtime) ChatStream(ctx context.Context, conversationID, message string) (<-chan core.Event, error) {
	if r.defaultAgent.ID == "" {
		return nil, errors.New("no default agent configured")
	}

	return r.Engine.RunTurn(ctx, core.TurnInput{
		Agent:          r.defaultAgent,
		ConversationID: conversationID,
		Text:           message,
	})
}

// buildModel constructs the chat model the config selects.
func buildModel(ctx context.Context, cfg config.LLMConfig) (model.Model, error) {
	switch cfg.Provider {
	case "openai":
		var clientOpts []option.RequestOption
		if cfg.APIKey != "" {
			clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
		}
		client := openaisdk.NewClient(clientOpts...)
		return openaimodel.NewModelFromClient(&client, func(o *openaimodel.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(cfg.MaxTokens)
			}
		}), nil

	case "anthropic":
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.MaxTokens)
			}
			o.APIKey = cfg.APIKey
		}), nil

	case "google":
		return googlemodel.NewModel(ctx, cfg.APIKey, func(o *googlemodel.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxOutputTokens = int32(cfg.MaxTokens)
			}
		})

	case "ollama":
		return ollamamodel.NewModel(func(o *ollamamodel.Options) {
			if cfg.BaseURL != "" {
				o.Host = cfg.BaseURL
			}
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.NumPredict = cfg.MaxTokens
			}
		}), nil

	case "mock":
		name := cfg.Model
		if name == "" {
			name = "mock-1"
		}
		return model.NewMockModel(name, "mock"), nil

	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// buildEmbedder constructs the embedder the config selects, reusing the LLM
// credentials when the providers match. A nil embedder disables semantic
// recall.
func buildEmbedder(ctx context.Context, cfg config.EmbeddingConfig, llm config.LLMConfig) (model.Embedder, error) {
	switch cfg.Provider {
	case "":
		return nil, nil

	case "openai":
		var clientOpts []option.RequestOption
		if llm.Provider == "openai" && llm.APIKey != "" {
			clientOpts = append(clientOpts, option.WithAPIKey(llm.APIKey))
		}
		client := openaisdk.NewClient(clientOpts...)
		return openaimodel.NewEmbedderFromClient(&client, func(o *openaimodel.EmbedderOptions) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil

	case "google":
		var apiKey string
		if llm.Provider == "google" {
			apiKey = llm.APIKey
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding client: %w", err)
		}
		return googlemodel.NewEmbedderFromClient(client, func(o *googlemodel.EmbedderOptions) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil

	case "ollama":
		return ollamamodel.NewEmbedder(func(o *ollamamodel.EmbedderOptions) {
			if llm.Provider == "ollama" && llm.BaseURL != "" {
				o.Host = llm.BaseURL
			}
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func mcpServers(cfgs []config.MCPServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, mcp.ServerConfig{
			Name:    c.Name,
			Command: c.Command,
			Args:    c.Args,
			Env:     c.Env,
		})
	}
	return out
}
