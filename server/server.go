package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/engine"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/model"
	"github.com/hupe1980/agenthive/registry"
	"github.com/hupe1980/agenthive/tool"
)

const maxAttachmentBytes = 10 << 20

// Deps bundles the runtime pieces the server fronts.
type Deps struct {
	Registry      *registry.Registry
	Engine        *engine.Engine
	Memory        core.MemoryStore
	Conversations core.ConversationStore
	Artifacts     core.ArtifactStore
	Tools         *tool.Registry
	Model         model.Info
}

// Options configures the server.
type Options struct {
	// DefaultAgentID handles chat requests that name no agent.
	DefaultAgentID string

	// Logger receives request diagnostics.
	Logger logging.Logger
}

// Server exposes the runtime over HTTP and websocket.
type Server struct {
	deps Deps
	opts Options
	hub  *hub

	srv     *http.Server
	started time.Time
}

// New creates the server and subscribes it to roster changes so connected
// websocket clients see agents_updated broadcasts.
func New(deps Deps, optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger: logging.NewDefaultSlogLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		deps:    deps,
		opts:    opts,
		hub:     newHub(),
		started: time.Now(),
	}

	if deps.Registry != nil {
		deps.Registry.Subscribe(func(agents []core.Agent) {
			s.hub.broadcast(core.NewAgentsUpdatedEvent(agents))
		})
	}

	return s
}

// Handler returns the routed HTTP handler. Exposed separately from Start so
// tests can mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("POST /api/chat", s.handleChat)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/status", s.handleSetAgentStatus)

	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/memory/search", s.handleMemorySearch)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("POST /api/attachments", s.handleUploadAttachment)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.corsMiddleware(mux)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.opts.Logger.Info("Server listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"provider":       s.deps.Model.Provider,
		"model":          s.deps.Model.Name,
		"agents":         len(agents),
	})
}

type chatRequest struct {
	Message        string   `json:"message"`
	AgentID        string   `json:"agent_id"`
	ConversationID string   `json:"conversation_id"`
	Attachments    []string `json:"attachments"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	agent, status, err := s.resolveAgent(req.AgentID)
	if err != nil {
		s.errorResponse(w, status, err)
		return
	}

	text, toolsUsed, err := s.deps.Engine.RunTurnSync(r.Context(), core.TurnInput{
		Agent:          agent,
		ConversationID: req.ConversationID,
		Text:           req.Message,
		Attachments:    req.Attachments,
	})
	if err != nil {
		s.errorResponse(w, chatErrorStatus(err), err)
		return
	}

	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"text":       text,
		"tools_used": toolsUsed,
	})
}

// chatErrorStatus maps turn failures onto HTTP codes: busy agents are a
// client pacing problem, malformed input a client bug, everything else an
// upstream failure.
func chatErrorStatus(err error) int {
	var busy *engine.AgentBusyError
	if errors.As(err, &busy) {
		return http.StatusTooManyRequests
	}
	if errors.Is(err, engine.ErrInvalidTurn) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Template    string `json:"template"`
		Personality string `json:"personality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	agent, err := s.deps.Registry.Create(req.Name, req.Template, req.Personality)
	if err != nil {
		var dup *registry.DuplicateNameError
		if errors.As(err, &dup) {
			s.errorResponse(w, http.StatusConflict, err)
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			s.errorResponse(w, http.StatusNotFound, err)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Stop whatever the agent is doing before its state goes away.
	s.deps.Engine.CancelAgent(id)

	if err := s.deps.Registry.Delete(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	err := s.deps.Registry.SetStatus(r.PathValue("id"), core.Status(req.Status))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			s.errorResponse(w, http.StatusNotFound, err)
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = "default"
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	key := core.ConversationKey{AgentID: agentID, ConversationID: conversationID}
	messages, err := s.deps.Conversations.History(key, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []core.Message{}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	results, err := s.deps.Memory.Search(r.Context(), q, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []core.SearchResult{}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	type toolInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}

	descs := s.deps.Tools.List()
	out := make([]toolInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, toolInfo{Name: d.Tool.Name(), Description: d.Tool.Description()})
	}

	s.jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = "default"
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAttachmentBytes))
	if err != nil {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(data) == 0 {
		s.errorResponse(w, http.StatusBadRequest, errors.New("empty attachment"))
		return
	}

	id := core.NewID()
	if err := s.deps.Artifacts.Save(conversationID, id, data); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, map[string]string{"id": id})
}

// resolveAgent maps an optional agent id onto a registered agent, falling
// back to the configured default.
func (s *Server) resolveAgent(agentID string) (core.Agent, int, error) {
	if agentID == "" {
		agentID = s.opts.DefaultAgentID
	}
	if agentID == "" {
		return core.Agent{}, http.StatusBadRequest, errors.New("no agent_id given and no default agent configured")
	}

	agent, err := s.deps.Registry.Get(agentID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			return core.Agent{}, http.StatusNotFound, err
		}
		return core.Agent{}, http.StatusInternalServerError, err
	}

	return agent, 0, nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.opts.Logger.Error("Response encoding failed", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.opts.Logger.Error("Request failed", "status", status, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
