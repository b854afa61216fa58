package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agenthive/core"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
	egressSize   = 256
)

// Transport-level frame types; turn events use the core event types.
const (
	eventConnected core.EventType = "connected"
	eventPong      core.EventType = "pong"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server fronts a local runtime; origin policy belongs to whatever
	// proxies it in a real deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is an inbound client frame.
type wsRequest struct {
	Type           string   `json:"type"`
	AgentID        string   `json:"agent_id"`
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	Attachments    []string `json:"attachments"`
}

// client is one websocket connection. All outbound frames funnel through the
// egress channel into a single writer goroutine, so events from concurrent
// turns never interleave mid-frame. tails chains the turn forwarders of each
// agent: a turn's events reach the egress only after the previous turn of the
// same agent has fully drained, keeping per-agent delivery in order while
// different agents stream concurrently.
type client struct {
	conn   *websocket.Conn
	egress chan core.Event
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// send queues a frame, blocking until there is room. Returns false once the
// connection is gone.
func (c *client) send(ev core.Event) bool {
	select {
	case c.egress <- ev:
		return true
	case <-c.done:
		return false
	}
}

// trySend queues a frame without blocking. Broadcasts use it so one slow
// client cannot stall the rest.
func (c *client) trySend(ev core.Event) bool {
	select {
	case c.egress <- ev:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close tears the connection down once: the done channel stops the writer
// and any turn forwarders, and the cancel unwinds the client's in-flight
// turns cooperatively.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.conn.Close()
	})
}

// hub tracks the connected clients for roster broadcasts.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) broadcast(ev core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.trySend(ev)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		egress: make(chan core.Event, egressSize),
		done:   make(chan struct{}),
		cancel: cancel,
		tails:  make(map[string]chan struct{}),
	}

	s.hub.add(c)
	defer func() {
		s.hub.remove(c)
		c.close()
	}()

	go s.writeLoop(c)

	// Greet with the current roster so the client can render immediately.
	agents, err := s.deps.Registry.List()
	if err != nil {
		s.opts.Logger.Warn("Roster read failed on connect", "error", err)
	}
	greeting := core.NewAgentsUpdatedEvent(agents)
	greeting.Type = eventConnected
	c.send(greeting)

	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxFrameSize)

	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.opts.Logger.Debug("Websocket read ended", "error", err)
			}
			return
		}

		switch req.Type {
		case "ping":
			c.send(core.Event{ID: core.NewID(), Type: eventPong, Timestamp: time.Now().UTC()})
		case "chat":
			s.startTurn(ctx, c, req)
		default:
			c.send(core.NewErrorEvent("", "", "unknown frame type: "+req.Type))
		}
	}
}

// startTurn kicks off one turn and forwards its events onto the client's
// egress. Synchronous failures (unknown agent, busy agent, bad input) come
// back as error events tagged with the requested agent.
func (s *Server) startTurn(ctx context.Context, c *client, req wsRequest) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = "default"
	}

	requested := req.AgentID
	if requested == "" {
		requested = s.opts.DefaultAgentID
	}

	agent, _, err := s.resolveAgent(req.AgentID)
	if err != nil {
		c.send(core.NewErrorEvent(requested, conversationID, err.Error()))
		return
	}

	events, err := s.deps.Engine.RunTurn(ctx, core.TurnInput{
		Agent:          agent,
		ConversationID: conversationID,
		Text:           req.Message,
		Attachments:    req.Attachments,
	})
	if err != nil {
		c.send(core.NewErrorEvent(agent.ID, conversationID, err.Error()))
		return
	}

	c.mu.Lock()
	prev := c.tails[agent.ID]
	next := make(chan struct{})
	c.tails[agent.ID] = next
	c.mu.Unlock()

	go func() {
		defer close(next)
		if prev != nil {
			<-prev
		}
		for ev := range events {
			if !c.send(ev) {
				// Client is gone; drain so the turn can finish unwinding.
				for range events {
				}
				return
			}
		}
	}()
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case ev := <-c.egress:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				s.opts.Logger.Debug("Websocket write failed", "error", err)
				c.close()
				return
			}
		case <-c.done:
			deadline := time.Now().Add(time.Second)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
