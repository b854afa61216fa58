package memory

import (
	"strings"
	"sync"

	"github.com/hupe1980/agenthive/core"
)

// shortTermCache keeps a bounded window of recent messages per conversation.
// It fronts the durable conversation store: writes go through to both, reads
// hit the cache and fall back to the store on a miss. Eviction is oldest
// first once a window exceeds the limit.
type shortTermCache struct {
	mu      sync.RWMutex
	limit   int
	windows map[core.ConversationKey][]core.Message
}

func newShortTermCache(limit int) *shortTermCache {
	return &shortTermCache{
		limit:   limit,
		windows: make(map[core.ConversationKey][]core.Message),
	}
}

// add appends a message to the conversation's window, evicting the oldest
// entries beyond the limit.
func (c *shortTermCache) add(key core.ConversationKey, msg core.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := append(c.windows[key], msg.Clone())
	if len(window) > c.limit {
		window = window[len(window)-c.limit:]
	}
	c.windows[key] = window
}

// recent returns up to n of the newest cached messages in chronological
// order. The boolean reports whether the conversation is cached at all.
func (c *shortTermCache) recent(key core.ConversationKey, n int) ([]core.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	window, ok := c.windows[key]
	if !ok {
		return nil, false
	}
	if n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	out := make([]core.Message, len(window))
	for i, m := range window {
		out[i] = m.Clone()
	}
	return out, true
}

// replace seeds the window from the durable store after a cache miss.
func (c *shortTermCache) replace(key core.ConversationKey, msgs []core.Message) {
	if len(msgs) > c.limit {
		msgs = msgs[len(msgs)-c.limit:]
	}
	window := make([]core.Message, len(msgs))
	for i, m := range msgs {
		window[i] = m.Clone()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows[key] = window
}

// search scans the cached windows for messages containing the query,
// case-insensitively. Hits carry a flat relevance below the fact tiers so
// promoted knowledge always outranks loose conversation recall.
func (c *shortTermCache) search(query string, limit int) []core.SearchResult {
	if limit <= 0 {
		return nil
	}
	needle := strings.ToLower(query)

	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := make([]core.SearchResult, 0)
	for key, window := range c.windows {
		for i := len(window) - 1; i >= 0; i-- {
			msg := window[i]
			if msg.Role != core.RoleUser && msg.Role != core.RoleAssistant {
				continue
			}
			if !strings.Contains(strings.ToLower(msg.Content), needle) {
				continue
			}
			hits = append(hits, core.SearchResult{
				Type:      "conversation",
				ID:        key.ConversationID,
				Content:   msg.Content,
				Relevance: 0.4,
			})
			if len(hits) >= limit {
				return hits
			}
		}
	}
	return hits
}

// forgetAgent drops every window belonging to the agent.
func (c *shortTermCache) forgetAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.windows {
		if key.AgentID == agentID {
			delete(c.windows, key)
		}
	}
}
